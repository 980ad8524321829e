// Package api serves the HTTP control surface: start and stop a recording,
// read its status, list past recordings and scrape metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go2tv.app/screenrec/internal/catalog"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/recorder"
)

const maxBodyBytes = 64 << 10

// Recorder is the part of *recorder.Recorder the API drives.
type Recorder interface {
	Start(ctx context.Context, exclusions []string) (recorder.Info, error)
	Stop(ctx context.Context) (recorder.Result, error)
	Status() string
	Active() bool
	LastResult() (recorder.Result, bool)
}

// Catalog lists finished recordings.
type Catalog interface {
	List(ctx context.Context, limit int) ([]catalog.Entry, error)
}

type Server struct {
	rec     Recorder
	catalog Catalog
	// exclude is applied to every start request in addition to the
	// request's own list.
	exclude []string
}

// New returns a Server. cat may be nil, in which case the recordings list
// is always empty.
func New(rec Recorder, cat Catalog, exclude []string) *Server {
	return &Server{rec: rec, catalog: cat, exclude: append([]string(nil), exclude...)}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)

	r.HandleFunc("/healthz", s.healthCheck).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/recording/start", s.startRecording).Methods("POST")
	api.HandleFunc("/recording/stop", s.stopRecording).Methods("POST")
	api.HandleFunc("/status", s.getStatus).Methods("GET")
	api.HandleFunc("/recordings", s.listRecordings).Methods("GET")
	return r
}

type startRequest struct {
	Exclude []string `json:"exclude"`
}

type infoView struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	StartedAt time.Time `json:"started_at"`
	Display   string    `json:"display"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Backend   string    `json:"backend"`
}

type resultView struct {
	ID            string    `json:"id"`
	Path          string    `json:"path"`
	StartedAt     time.Time `json:"started_at"`
	DurationMs    int64     `json:"duration_ms"`
	Forwarded     int64     `json:"forwarded"`
	Dropped       int64     `json:"dropped"`
	AppendErrors  int64     `json:"append_errors"`
	LastAppendErr string    `json:"last_append_error,omitempty"`
	Status        string    `json:"status"`
	SizeBytes     int64     `json:"size_bytes"`
	Size          string    `json:"size"`
	Implicit      bool      `json:"implicit,omitempty"`
	Error         string    `json:"error,omitempty"`
}

type statusView struct {
	Status string      `json:"status"`
	Active bool        `json:"active"`
	Last   *resultView `json:"last,omitempty"`
}

func newResultView(r recorder.Result) resultView {
	v := resultView{
		ID:           r.ID,
		Path:         r.Path,
		StartedAt:    r.StartedAt,
		DurationMs:   r.Duration.Milliseconds(),
		Forwarded:    r.Forwarded,
		Dropped:      r.Dropped,
		AppendErrors: r.AppendErrors,
		Status:       r.Status.String(),
		SizeBytes:    r.SizeBytes,
		Size:         humanize.Bytes(uint64(r.SizeBytes)),
		Implicit:     r.Implicit,
	}
	if r.Err != nil {
		v.Error = r.Err.Error()
	}
	if r.LastAppendErr != nil {
		v.LastAppendErr = r.LastAppendErr.Error()
	}
	return v
}

func (s *Server) healthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSONStatus(w, "ok")
}

func (s *Server) startRecording(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSONError(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	exclude := append(append([]string(nil), s.exclude...), req.Exclude...)
	info, err := s.rec.Start(context.WithoutCancel(r.Context()), exclude)
	if err != nil {
		writeJSONError(w, err.Error(), startStatusCode(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, infoView{
		ID:        info.ID,
		Path:      info.Path,
		StartedAt: info.StartedAt,
		Display:   info.Display,
		Width:     info.Width,
		Height:    info.Height,
		Backend:   info.Backend,
	})
}

func startStatusCode(err error) int {
	switch {
	case errors.Is(err, recorder.ErrAlreadyRecording):
		return http.StatusConflict
	case errors.Is(err, recorder.ErrNoDisplay):
		return http.StatusServiceUnavailable
	case errors.Is(err, recorder.ErrCaptureStart),
		errors.Is(err, recorder.ErrSinkOpen),
		errors.Is(err, recorder.ErrSinkAddInput):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) stopRecording(w http.ResponseWriter, r *http.Request) {
	// Finalizing must not be cut short by the client going away.
	res, err := s.rec.Stop(context.WithoutCancel(r.Context()))
	if errors.Is(err, recorder.ErrNotRecording) {
		writeJSONError(w, err.Error(), http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
	writeJSON(w, newResultView(res))
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	v := statusView{Status: s.rec.Status(), Active: s.rec.Active()}
	if last, ok := s.rec.LastResult(); ok {
		lv := newResultView(last)
		v.Last = &lv
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, v)
}

func (s *Server) listRecordings(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeJSONError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, 500)
	}

	entries := []catalog.Entry{}
	if s.catalog != nil {
		var err error
		entries, err = s.catalog.List(r.Context(), limit)
		if err != nil {
			logging.Errorf("api list_recordings err=%v", err)
			writeJSONError(w, "failed to list recordings", http.StatusInternalServerError)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, entries)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Errorf("api encode_response err=%v", err)
	}
}

func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	writeJSON(w, map[string]string{"error": message})
}

func writeJSONStatus(w http.ResponseWriter, status string) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": status})
}
