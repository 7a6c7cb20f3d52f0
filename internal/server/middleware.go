package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"remote", callerKey(r))
	})
}

// visitor tracks one caller's limiter. Entries idle past visitorTTL
// are pruned on the next lookup sweep.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const visitorTTL = 10 * time.Minute

func (s *Server) rateLimit(next http.Handler) http.Handler {
	perSecond := rate.Limit(float64(s.cfg.RateLimitPerMinute) / 60.0)
	burst := s.cfg.RateLimitPerMinute / 6
	if burst < 5 {
		burst = 5
	}

	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := callerKey(r)

		mu.Lock()
		v, ok := visitors[key]
		if !ok {
			v = &visitor{limiter: rate.NewLimiter(perSecond, burst)}
			visitors[key] = v
			if len(visitors) > 1000 {
				pruneVisitors(visitors)
			}
		}
		v.lastSeen = time.Now()
		allowed := v.limiter.Allow()
		mu.Unlock()

		if !allowed {
			w.Header().Set("Retry-After", "60")
			s.writeJSON(w, http.StatusTooManyRequests,
				errorBody{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func pruneVisitors(visitors map[string]*visitor) {
	cutoff := time.Now().Add(-visitorTTL)
	for key, v := range visitors {
		if v.lastSeen.Before(cutoff) {
			delete(visitors, key)
		}
	}
}

// callerKey identifies a caller for rate limiting, preferring the
// proxy-supplied address.
func callerKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
