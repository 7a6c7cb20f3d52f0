// Package telemetry collects local query-pattern metrics: latency
// distribution, filter usage, zero-result queries. Nothing is reported
// externally; the data guides corpus curation (which organizations get
// searched, which queries come up empty).
package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// LatencyBucket is a latency histogram bucket.
type LatencyBucket string

const (
	BucketUnder100ms LatencyBucket = "p100"  // <100ms (cache hits)
	BucketUnder500ms LatencyBucket = "p500"  // 100-500ms
	BucketUnder2s    LatencyBucket = "p2000" // 0.5-2s
	BucketUnder10s   LatencyBucket = "p10s"  // 2-10s (classifier fan-out)
	BucketOver10s    LatencyBucket = "pslow" // >=10s
)

// LatencyToBucket converts a duration to its histogram bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	ms := d.Milliseconds()
	switch {
	case ms < 100:
		return BucketUnder100ms
	case ms < 500:
		return BucketUnder500ms
	case ms < 2000:
		return BucketUnder2s
	case ms < 10000:
		return BucketUnder10s
	default:
		return BucketOver10s
	}
}

// QueryEvent is one completed search query.
type QueryEvent struct {
	Query         string
	Organizations []string
	SurveyTypes   []string
	Documents     int
	Cached        bool
	Latency       time.Duration
	Timestamp     time.Time
}

// zeroResultCapacity bounds the retained zero-result query buffer.
const zeroResultCapacity = 100

// FilterCount is a filter value and its usage count.
type FilterCount struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// Snapshot is an immutable view of collected metrics.
type Snapshot struct {
	TotalQueries      int64                   `json:"total_queries"`
	CacheHits         int64                   `json:"cache_hits"`
	ZeroResultCount   int64                   `json:"zero_result_count"`
	ZeroResultQueries []string                `json:"zero_result_queries"`
	Latency           map[LatencyBucket]int64 `json:"latency"`
	Organizations     []FilterCount           `json:"organizations"`
	SurveyTypes       []FilterCount           `json:"survey_types"`
}

// Collector aggregates query events in memory. Safe for concurrent use.
type Collector struct {
	mu          sync.Mutex
	total       int64
	cacheHits   int64
	zeroCount   int64
	zeroQueries *ring
	latency     map[LatencyBucket]int64
	orgs        map[string]int64
	types       map[string]int64
}

// NewCollector creates an empty metrics collector.
func NewCollector() *Collector {
	return &Collector{
		zeroQueries: newRing(zeroResultCapacity),
		latency:     make(map[LatencyBucket]int64),
		orgs:        make(map[string]int64),
		types:       make(map[string]int64),
	}
}

// Record adds one query event.
func (c *Collector) Record(ev QueryEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total++
	if ev.Cached {
		c.cacheHits++
	}
	c.latency[LatencyToBucket(ev.Latency)]++
	for _, org := range ev.Organizations {
		c.orgs[strings.ToLower(org)]++
	}
	for _, st := range ev.SurveyTypes {
		c.types[strings.ToLower(st)]++
	}
	if ev.Documents == 0 {
		c.zeroCount++
		c.zeroQueries.add(strings.TrimSpace(ev.Query))
	}
}

// Snapshot returns the current aggregates. Filter counts are sorted by
// descending count.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		TotalQueries:      c.total,
		CacheHits:         c.cacheHits,
		ZeroResultCount:   c.zeroCount,
		ZeroResultQueries: c.zeroQueries.all(),
		Latency:           make(map[LatencyBucket]int64, len(c.latency)),
		Organizations:     sortedCounts(c.orgs),
		SurveyTypes:       sortedCounts(c.types),
	}
	for bucket, n := range c.latency {
		snap.Latency[bucket] = n
	}
	return snap
}

// Reset clears all aggregates, typically after a successful flush.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total = 0
	c.cacheHits = 0
	c.zeroCount = 0
	c.zeroQueries.clear()
	c.latency = make(map[LatencyBucket]int64)
	c.orgs = make(map[string]int64)
	c.types = make(map[string]int64)
}

func sortedCounts(m map[string]int64) []FilterCount {
	out := make([]FilterCount, 0, len(m))
	for v, n := range m {
		out = append(out, FilterCount{Value: v, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// ring is a fixed-capacity FIFO string buffer; when full, the oldest
// entry is evicted.
type ring struct {
	items    []string
	head     int
	size     int
	capacity int
}

func newRing(capacity int) *ring {
	return &ring{items: make([]string, capacity), capacity: capacity}
}

func (r *ring) add(s string) {
	r.items[r.head] = s
	r.head = (r.head + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	}
}

// all returns buffer contents oldest first.
func (r *ring) all() []string {
	out := make([]string, 0, r.size)
	if r.size < r.capacity {
		out = append(out, r.items[:r.size]...)
		return out
	}
	out = append(out, r.items[r.head:]...)
	out = append(out, r.items[:r.head]...)
	return out
}

func (r *ring) clear() {
	r.head = 0
	r.size = 0
}
