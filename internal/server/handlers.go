package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	deckerrors "github.com/surveydeck/surveydeck/internal/errors"
	"github.com/surveydeck/surveydeck/internal/highlight"
	"github.com/surveydeck/surveydeck/internal/ingest"
	"github.com/surveydeck/surveydeck/internal/search"
	"github.com/surveydeck/surveydeck/internal/store"
)

// defaultMaxUploadBytes bounds a multipart ingest request body when no
// explicit limit is configured.
const defaultMaxUploadBytes = 64 << 20

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type searchRequestBody struct {
	Query         string   `json:"query"`
	Organizations []string `json:"organizations,omitempty"`
	SurveyTypes   []string `json:"survey_types,omitempty"`
	Limit         int      `json:"limit,omitempty"`
}

type searchResponseBody struct {
	Results []*search.DocumentResult `json:"results"`
	Cached  bool                     `json:"cached"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var body searchRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, deckerrors.ValidationError("invalid JSON body", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	if err := s.catalog.ValidateFilter(ctx, body.Organizations, body.SurveyTypes); err != nil {
		s.writeError(w, err)
		return
	}

	resp, err := s.searcher.Search(ctx, search.Request{
		Query:         body.Query,
		Organizations: body.Organizations,
		SurveyTypes:   body.SurveyTypes,
		Limit:         body.Limit,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, searchResponseBody{Results: resp.Results, Cached: resp.Cached})
}

func (s *Server) handleHighlight(w http.ResponseWriter, r *http.Request) {
	var req highlight.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, deckerrors.ValidationError("invalid JSON body", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	result, err := s.highlighter.Highlight(ctx, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		s.writeError(w, deckerrors.ValidationError("invalid multipart body", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, deckerrors.ValidationError("missing file field", err))
		return
	}
	defer file.Close()

	path, err := s.saveUpload(file, header.Filename)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	report, err := s.ingester.Ingest(ctx, ingest.Request{
		Path:         path,
		Title:        r.FormValue("title"),
		Organization: r.FormValue("organization"),
		SurveyType:   r.FormValue("survey_type"),
		SourceURL:    r.FormValue("source_url"),
		Year:         formYear(r),
		Countries:    formTags(r, "countries"),
		Regions:      formTags(r, "regions"),
		DocumentID:   r.FormValue("document_id"),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusCreated
	if report.Skipped {
		status = http.StatusOK
	}
	s.writeJSON(w, status, report)
}

type filtersBody struct {
	Organizations []string `json:"organizations"`
	SurveyTypes   []string `json:"survey_types"`
}

func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	orgs, err := s.catalog.Organizations(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	types, err := s.catalog.SurveyTypes(r.Context(), r.URL.Query().Get("organization"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if orgs == nil {
		orgs = []string{}
	}
	if types == nil {
		types = []string{}
	}
	s.writeJSON(w, http.StatusOK, filtersBody{Organizations: orgs, SurveyTypes: types})
}

// saveUpload lands a multipart file in the upload directory under a
// collision-free name. The pipeline keeps the path as the document's
// source, so uploads are not temp files.
// formYear parses the optional year form field; malformed input is
// treated as unknown rather than failing the whole upload.
func formYear(r *http.Request) int {
	year, err := strconv.Atoi(r.FormValue("year"))
	if err != nil {
		return 0
	}
	return year
}

// formTags splits a comma-separated form field into trimmed tags.
func formTags(r *http.Request, field string) []string {
	var tags []string
	for _, t := range strings.Split(r.FormValue(field), ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func (s *Server) saveUpload(file io.Reader, filename string) (string, error) {
	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return "", deckerrors.New(deckerrors.ErrCodeIngestFailed,
			"failed to create upload directory", err)
	}
	name := fmt.Sprintf("%d_%s", time.Now().UnixNano(), filepath.Base(filename))
	path := filepath.Join(s.cfg.UploadDir, name)

	dst, err := os.Create(path)
	if err != nil {
		return "", deckerrors.New(deckerrors.ErrCodeIngestFailed,
			"failed to create upload file", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, file); err != nil {
		os.Remove(path)
		return "", deckerrors.New(deckerrors.ErrCodeIngestFailed,
			"failed to write upload file", err)
	}
	return path, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}
	var de *deckerrors.DeckError
	if errors.As(err, &de) {
		body.Error = de.Message
		body.Code = de.Code
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", err)
	}
	s.writeJSON(w, status, body)
}

// statusFor maps the error taxonomy onto HTTP statuses: validation is
// the caller's fault, a missing index means the service cannot answer,
// provider failures are upstream.
func statusFor(err error) int {
	if store.IsNotFound(err) {
		return http.StatusNotFound
	}
	var de *deckerrors.DeckError
	if !errors.As(err, &de) {
		return http.StatusInternalServerError
	}
	switch de.Code {
	case deckerrors.ErrCodeFileNotFound:
		return http.StatusNotFound
	case deckerrors.ErrCodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case deckerrors.ErrCodeIndexUnavailable, deckerrors.ErrCodeCorruptIndex:
		return http.StatusServiceUnavailable
	}
	switch de.Category {
	case deckerrors.CategoryValidation:
		return http.StatusBadRequest
	case deckerrors.CategoryProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
