package recorder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"go2tv.app/screenrec/capture"
	"go2tv.app/screenrec/sink"
)

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

type harness struct {
	log     *callLog
	backend *fakeBackend
	sink    *fakeSink
	opens   int
	openErr error
	paths   []string
	results chan Result
	rec     *Recorder
	dir     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{log: &callLog{}, results: make(chan Result, 4)}
	h.backend = newFakeBackend(h.log)
	h.sink = newFakeSink(h.log)
	h.dir = filepath.Join(t.TempDir(), "Movies")

	rec, err := New(&Options{
		Backend: h.backend,
		OpenSink: func(path string, _ sink.Container, _ sink.VideoSettings) (Sink, error) {
			h.log.add("sink.open")
			h.opens++
			h.paths = append(h.paths, path)
			if h.openErr != nil {
				return nil, h.openErr
			}
			return h.sink, nil
		},
		OutputDir:   h.dir,
		Container:   sink.ContainerMOV,
		Video:       sink.VideoSettings{FrameRate: 30},
		StopTimeout: time.Second,
		Observer:    ObserverFunc(func(r Result) { h.results <- r }),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	rec.now = func() time.Time { return fixedNow }
	h.rec = rec
	return h
}

func TestStartStopOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	info, err := h.rec.Start(ctx, []string{"com.apple.MobileSMS"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	wantPath := filepath.Join(h.dir, "Screen-2026-03-14T09-26-53.mov")
	if info.Path != wantPath {
		t.Errorf("Path = %q, want %q", info.Path, wantPath)
	}
	if info.Width != 1920 || info.Height != 1080 || info.Display != "display:1" || info.ID == "" {
		t.Errorf("Info = %+v", info)
	}
	if !h.rec.Active() || h.rec.Status() != "Recording → Screen-2026-03-14T09-26-53.mov" {
		t.Errorf("Active() = %v, Status() = %q", h.rec.Active(), h.rec.Status())
	}
	if got := h.backend.filter; len(got.ExcludedApplications) != 1 || len(got.ExcludedWindows) != 1 || got.ExcludedWindows[0].ID != "w1" {
		t.Errorf("filter = %+v", got)
	}

	h.backend.deliver(0, 33*ms, 67*ms)

	res, err := h.rec.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !res.Saved() || res.Path != wantPath || res.Forwarded != 3 {
		t.Errorf("Result = %+v", res)
	}

	want := []string{
		"capture.content", "sink.open", "sink.begin", "capture.start",
		"sink.session",
		"capture.stop", "sink.finish", "sink.finalize",
	}
	if got := h.log.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v\nwant    %v", got, want)
	}
	sessions, appended := h.sink.snapshot()
	if !reflect.DeepEqual(sessions, []time.Duration{0}) || !reflect.DeepEqual(appended, []time.Duration{0, 33 * ms, 67 * ms}) {
		t.Errorf("sessions = %v, appended = %v", sessions, appended)
	}

	if h.rec.Active() {
		t.Error("Active() = true after Stop")
	}
	if !strings.HasPrefix(h.rec.Status(), "Saved: Screen-2026-03-14T09-26-53.mov") {
		t.Errorf("Status() = %q", h.rec.Status())
	}
	if _, ok := h.rec.LastResult(); !ok {
		t.Error("LastResult() missing")
	}
	select {
	case r := <-h.results:
		if r.ID != info.ID {
			t.Errorf("observer got %s, want %s", r.ID, info.ID)
		}
	default:
		t.Error("observer not notified")
	}
}

func TestNoFrameAfterStop(t *testing.T) {
	h := newHarness(t)
	if _, err := h.rec.Start(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	h.backend.deliver(0)
	if _, err := h.rec.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.backend.deliver(33 * ms)
	if _, appended := h.sink.snapshot(); len(appended) != 1 {
		t.Fatalf("appended = %v, want only the frame before stop", appended)
	}
}

func TestStopBeforeAnyFrame(t *testing.T) {
	h := newHarness(t)
	if _, err := h.rec.Start(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	res, err := h.rec.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if res.Forwarded != 0 {
		t.Errorf("Forwarded = %d", res.Forwarded)
	}
	if n := h.log.count("sink.session"); n != 0 {
		t.Errorf("session opened %d times, want 0", n)
	}
	want := []string{"capture.stop", "sink.finish", "sink.finalize"}
	got := h.log.list()
	if !reflect.DeepEqual(got[len(got)-3:], want) {
		t.Errorf("stop calls = %v, want %v", got, want)
	}
}

func TestStopNotRecording(t *testing.T) {
	h := newHarness(t)
	if _, err := h.rec.Stop(context.Background()); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("Stop() error = %v, want ErrNotRecording", err)
	}
	if h.rec.Status() != "Idle" {
		t.Errorf("Status() = %q, want Idle", h.rec.Status())
	}
}

func TestStartAlreadyRecording(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.rec.Start(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := h.rec.Start(ctx, nil); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("second Start() error = %v, want ErrAlreadyRecording", err)
	}
	if h.opens != 1 {
		t.Fatalf("sink opened %d times, want 1", h.opens)
	}
	if _, err := h.rec.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestStartFailures(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(h *harness)
		wantErr     error
		wantOpens   int
		wantStarted bool
		wantCalls   []string
	}{
		{
			name:    "no display",
			setup:   func(h *harness) { h.backend.content.Displays = nil },
			wantErr: ErrNoDisplay,
		},
		{
			name:    "content enumeration fails",
			setup:   func(h *harness) { h.backend.contentErr = capture.ErrCancelled },
			wantErr: ErrCaptureStart,
		},
		{
			name:      "sink open fails",
			setup:     func(h *harness) { h.openErr = os.ErrPermission },
			wantErr:   ErrSinkOpen,
			wantOpens: 1,
		},
		{
			name:      "sink rejects input",
			setup:     func(h *harness) { h.openErr = sink.ErrInputRejected },
			wantErr:   ErrSinkAddInput,
			wantOpens: 1,
		},
		{
			name:      "begin writing refused",
			setup:     func(h *harness) { h.sink.refuseBegin = true },
			wantErr:   ErrSinkOpen,
			wantOpens: 1,
		},
		{
			name:        "capture start fails",
			setup:       func(h *harness) { h.backend.startErr = errors.New("portal denied") },
			wantErr:     ErrCaptureStart,
			wantOpens:   1,
			wantStarted: true,
			wantCalls:   []string{"capture.start", "sink.finish", "sink.finalize"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)
			_, err := h.rec.Start(context.Background(), nil)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Start() error = %v, want %v", err, tt.wantErr)
			}
			if h.opens != tt.wantOpens {
				t.Errorf("sink opened %d times, want %d", h.opens, tt.wantOpens)
			}
			if got := h.log.count("capture.start") > 0; got != tt.wantStarted {
				t.Errorf("capture started = %v, want %v", got, tt.wantStarted)
			}
			if tt.wantCalls != nil {
				got := h.log.list()
				if !reflect.DeepEqual(got[len(got)-len(tt.wantCalls):], tt.wantCalls) {
					t.Errorf("calls = %v, want suffix %v", got, tt.wantCalls)
				}
			}
			if h.rec.Active() {
				t.Error("Active() = true after failed Start")
			}
			if !strings.HasPrefix(h.rec.Status(), "Failed: ") {
				t.Errorf("Status() = %q", h.rec.Status())
			}
			if _, err := h.rec.Stop(context.Background()); !errors.Is(err, ErrNotRecording) {
				t.Errorf("Stop() after failed Start error = %v", err)
			}
		})
	}
}

func TestStopWriterFailure(t *testing.T) {
	tests := []struct {
		name   string
		status sink.Status
	}{
		{"failed", sink.StatusFailed},
		{"cancelled", sink.StatusCancelled},
		{"unknown", sink.StatusUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			diskFull := errors.New("disk full")
			h.sink.finalStatus = tt.status
			h.sink.finalErr = diskFull
			if _, err := h.rec.Start(context.Background(), nil); err != nil {
				t.Fatal(err)
			}
			h.backend.deliver(0)

			res, err := h.rec.Stop(context.Background())
			if !errors.Is(err, ErrWriterFinalize) || !errors.Is(err, diskFull) {
				t.Fatalf("Stop() error = %v, want ErrWriterFinalize wrapping sink error", err)
			}
			var werr *WriterError
			if !errors.As(err, &werr) || werr.Status != tt.status {
				t.Fatalf("Stop() error = %#v, want WriterError with status %s", err, tt.status)
			}
			if res.Saved() || res.Status != tt.status {
				t.Errorf("Result = %+v", res)
			}
			if !strings.HasPrefix(h.rec.Status(), "Failed: ") {
				t.Errorf("Status() = %q", h.rec.Status())
			}
		})
	}
}

func TestStopSlowCaptureKeepsFinalizeBudget(t *testing.T) {
	h := newHarness(t)
	h.rec.opts.StopTimeout = 50 * time.Millisecond
	h.backend.hangStop = true
	if _, err := h.rec.Start(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	h.backend.deliver(0)

	res, err := h.rec.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop() error = %v, want saved recording", err)
	}
	if !errors.Is(res.CaptureErr, context.DeadlineExceeded) {
		t.Errorf("CaptureErr = %v, want deadline exceeded", res.CaptureErr)
	}
	h.sink.mu.Lock()
	finalizeErr := h.sink.finalizeErr
	h.sink.mu.Unlock()
	if finalizeErr != nil {
		t.Fatalf("Finalize context already done: %v", finalizeErr)
	}
	if !res.Saved() {
		t.Errorf("Result = %+v, want saved", res)
	}
}

func TestStopReportsLastAppendError(t *testing.T) {
	h := newHarness(t)
	if _, err := h.rec.Start(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	h.backend.deliver(0)
	h.sink.mu.Lock()
	h.sink.appendErr = errors.New("encoder queue full")
	h.sink.mu.Unlock()
	h.backend.deliver(33 * time.Millisecond)

	res, err := h.rec.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if res.AppendErrors != 1 {
		t.Errorf("AppendErrors = %d, want 1", res.AppendErrors)
	}
	if !errors.Is(res.LastAppendErr, ErrFrameAppend) || !strings.Contains(res.LastAppendErr.Error(), "encoder queue full") {
		t.Errorf("LastAppendErr = %v, want ErrFrameAppend wrapping sink error", res.LastAppendErr)
	}
}

func TestImplicitStopOnCaptureError(t *testing.T) {
	h := newHarness(t)
	if _, err := h.rec.Start(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	h.backend.deliver(0, 33*ms)
	h.backend.stream.errs <- errors.New("pipewire stream error")

	var res Result
	select {
	case res = <-h.results:
	case <-time.After(5 * time.Second):
		t.Fatal("recording was not stopped after capture error")
	}
	if !res.Implicit || res.CaptureErr == nil || !res.Saved() {
		t.Errorf("Result = %+v", res)
	}
	if h.rec.Active() {
		t.Error("Active() = true after implicit stop")
	}
	if _, err := h.rec.Stop(context.Background()); !errors.Is(err, ErrNotRecording) {
		t.Errorf("Stop() after implicit stop error = %v", err)
	}
	got := h.log.list()
	want := []string{"capture.stop", "sink.finish", "sink.finalize"}
	if !reflect.DeepEqual(got[len(got)-3:], want) {
		t.Errorf("calls = %v, want suffix %v", got, want)
	}
}

func TestOutputPathAvoidsCollision(t *testing.T) {
	dir := t.TempDir()
	first := outputPath(dir, fixedNow, sink.ContainerMP4)
	if filepath.Base(first) != "Screen-2026-03-14T09-26-53.mp4" {
		t.Fatalf("outputPath() = %q", first)
	}
	if err := os.WriteFile(first, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if second := outputPath(dir, fixedNow, sink.ContainerMP4); filepath.Base(second) != "Screen-2026-03-14T09-26-53-2.mp4" {
		t.Fatalf("outputPath() with existing file = %q", second)
	}
}

func TestStartCreatesOutputDir(t *testing.T) {
	h := newHarness(t)
	if _, err := h.rec.Start(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if fi, err := os.Stat(h.dir); err != nil || !fi.IsDir() {
		t.Fatalf("output dir not created: %v", err)
	}
	if _, err := h.rec.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("New(nil) error = nil")
	}
	if _, err := New(&Options{OutputDir: "x"}); err == nil {
		t.Error("New(no backend) error = nil")
	}
}
