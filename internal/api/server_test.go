package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"go2tv.app/screenrec/internal/catalog"
	"go2tv.app/screenrec/recorder"
	"go2tv.app/screenrec/sink"
)

type fakeRecorder struct {
	startErr   error
	stopErr    error
	stopResult recorder.Result
	excluded   []string
	active     bool
	last       *recorder.Result
}

func (f *fakeRecorder) Start(_ context.Context, exclusions []string) (recorder.Info, error) {
	f.excluded = exclusions
	if f.startErr != nil {
		return recorder.Info{}, f.startErr
	}
	f.active = true
	return recorder.Info{ID: "rec-1", Path: "/m/Screen-1.mov", Display: "screen:0", Width: 640, Height: 480, Backend: "poll"}, nil
}

func (f *fakeRecorder) Stop(context.Context) (recorder.Result, error) {
	if !f.active {
		return recorder.Result{}, recorder.ErrNotRecording
	}
	f.active = false
	f.last = &f.stopResult
	return f.stopResult, f.stopErr
}

func (f *fakeRecorder) Status() string {
	if f.active {
		return "Recording → Screen-1.mov"
	}
	return "Idle"
}

func (f *fakeRecorder) Active() bool { return f.active }

func (f *fakeRecorder) LastResult() (recorder.Result, bool) {
	if f.last == nil {
		return recorder.Result{}, false
	}
	return *f.last, true
}

type fakeCatalog struct {
	entries []catalog.Entry
	limit   int
	err     error
}

func (f *fakeCatalog) List(_ context.Context, limit int) ([]catalog.Entry, error) {
	f.limit = limit
	return f.entries, f.err
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestStartRecording(t *testing.T) {
	rec := &fakeRecorder{}
	h := New(rec, nil, []string{"com.apple.MobileSMS"}).Router()

	w := do(t, h, "POST", "/api/recording/start", `{"exclude":["org.example.chat"]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if want := []string{"com.apple.MobileSMS", "org.example.chat"}; !reflect.DeepEqual(rec.excluded, want) {
		t.Errorf("exclusions = %v, want %v", rec.excluded, want)
	}
	var info infoView
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info.ID != "rec-1" || info.Width != 640 {
		t.Errorf("info = %+v", info)
	}

	w = do(t, h, "POST", "/api/recording/start", "")
	if w.Code != http.StatusCreated {
		t.Errorf("empty body status = %d", w.Code)
	}
}

func TestStartRecordingErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		body     string
		wantCode int
	}{
		{"bad json", nil, "{", http.StatusBadRequest},
		{"already recording", recorder.ErrAlreadyRecording, "", http.StatusConflict},
		{"no display", recorder.ErrNoDisplay, "", http.StatusServiceUnavailable},
		{"capture start", recorder.ErrCaptureStart, "", http.StatusBadGateway},
		{"sink open", recorder.ErrSinkOpen, "", http.StatusBadGateway},
		{"sink input", recorder.ErrSinkAddInput, "", http.StatusBadGateway},
		{"unexpected", errors.New("boom"), "", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(&fakeRecorder{startErr: tt.err}, nil, nil).Router()
			w := do(t, h, "POST", "/api/recording/start", tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			var body map[string]string
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil || body["error"] == "" {
				t.Fatalf("error body = %v, decode err = %v", body, err)
			}
		})
	}
}

func TestStopRecording(t *testing.T) {
	res := recorder.Result{
		ID:        "rec-1",
		Path:      "/m/Screen-1.mov",
		Duration:  2 * time.Second,
		Counters:  recorder.Counters{Forwarded: 60, Dropped: 2, AppendErrors: 1},
		Status:    sink.StatusCompleted,
		SizeBytes: 2048,
	}
	res.LastAppendErr = fmt.Errorf("%w: queue full", recorder.ErrFrameAppend)
	rec := &fakeRecorder{stopResult: res}
	h := New(rec, nil, nil).Router()

	if w := do(t, h, "POST", "/api/recording/stop", ""); w.Code != http.StatusConflict {
		t.Fatalf("stop while idle status = %d, want 409", w.Code)
	}

	rec.active = true
	w := do(t, h, "POST", "/api/recording/stop", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var v resultView
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	if v.Status != "completed" || v.DurationMs != 2000 || v.Forwarded != 60 || v.Dropped != 2 || v.Size != "2.0 kB" {
		t.Errorf("result = %+v", v)
	}
	if v.AppendErrors != 1 || !strings.Contains(v.LastAppendErr, "queue full") {
		t.Errorf("append error = %d %q, want last refused frame reported", v.AppendErrors, v.LastAppendErr)
	}

	rec.active = true
	rec.stopErr = &recorder.WriterError{Status: sink.StatusFailed, Err: errors.New("boom")}
	rec.stopResult.Err = rec.stopErr
	rec.stopResult.Status = sink.StatusFailed
	w = do(t, h, "POST", "/api/recording/stop", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("failed stop status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "boom") {
		t.Errorf("body = %s, want writer error", w.Body.String())
	}
}

func TestGetStatus(t *testing.T) {
	rec := &fakeRecorder{}
	h := New(rec, nil, nil).Router()

	w := do(t, h, "GET", "/api/status", "")
	var v statusView
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	if v.Status != "Idle" || v.Active || v.Last != nil {
		t.Errorf("status = %+v", v)
	}

	rec.last = &recorder.Result{ID: "old", Status: sink.StatusCompleted}
	w = do(t, h, "GET", "/api/status", "")
	v = statusView{}
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	if v.Last == nil || v.Last.ID != "old" {
		t.Errorf("last = %+v", v.Last)
	}
}

func TestListRecordings(t *testing.T) {
	cat := &fakeCatalog{entries: []catalog.Entry{{ID: "a", Path: "/m/a.mov", Status: "completed"}}}
	h := New(&fakeRecorder{}, cat, nil).Router()

	w := do(t, h, "GET", "/api/recordings?limit=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if cat.limit != 5 {
		t.Errorf("limit = %d, want 5", cat.limit)
	}
	var got []catalog.Entry
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("entries = %+v", got)
	}

	if w := do(t, h, "GET", "/api/recordings?limit=x", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", w.Code)
	}

	cat.err = errors.New("db locked")
	if w := do(t, h, "GET", "/api/recordings", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("catalog error status = %d", w.Code)
	}

	w = do(t, New(&fakeRecorder{}, nil, nil).Router(), "GET", "/api/recordings", "")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("no catalog body = %q, want []", w.Body.String())
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := New(&fakeRecorder{}, nil, nil).Router()
	if w := do(t, h, "GET", "/healthz", ""); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "ok") {
		t.Errorf("healthz = %d %s", w.Code, w.Body.String())
	}
	do(t, h, "GET", "/api/status", "")
	w := do(t, h, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `screenrec_http_requests_total{method="GET",path="/api/status",status="200"}`) {
		t.Errorf("metrics missing request counter for /api/status")
	}
	if w := do(t, h, "GET", "/api/recording/start", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET start status = %d, want 405", w.Code)
	}
}
