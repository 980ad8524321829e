// Package recorder wires a capture backend to a sink for one recording at a
// time: Start opens the sink before starting capture, Stop stops capture
// before finalizing the sink.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"go2tv.app/screenrec/capture"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/metrics"
	"go2tv.app/screenrec/sink"
)

const defaultStopTimeout = 30 * time.Second

// SinkOpener opens the sink for one recording.
type SinkOpener func(path string, container sink.Container, video sink.VideoSettings) (Sink, error)

// WriterOpener adapts a sink.Opener.
func WriterOpener(o sink.Opener) SinkOpener {
	return func(path string, container sink.Container, video sink.VideoSettings) (Sink, error) {
		w, err := o.Open(path, container, video)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
}

// Observer is told about every recording that finished, including implicit
// stops after a capture failure.
type Observer interface {
	RecordingFinished(Result)
}

type ObserverFunc func(Result)

func (f ObserverFunc) RecordingFinished(r Result) { f(r) }

type Options struct {
	Backend   capture.Backend
	OpenSink  SinkOpener
	OutputDir string
	Container sink.Container
	// Video is applied to every recording; Width and Height come from the
	// captured display.
	Video       sink.VideoSettings
	MaxWidth    int
	StopTimeout time.Duration
	Observer    Observer
}

// Info describes a recording that just started.
type Info struct {
	ID        string
	Path      string
	StartedAt time.Time
	Display   string
	Width     int
	Height    int
	Backend   string
}

// Result describes a finished recording.
type Result struct {
	ID        string
	Path      string
	StartedAt time.Time
	Duration  time.Duration
	Counters
	Status    sink.Status
	SizeBytes int64
	// Err is nil when the file was saved.
	Err error
	// CaptureErr is the stream error that ended the recording, or the
	// error returned by the stream's Stop.
	CaptureErr error
	// LastAppendErr is the most recent frame the sink refused, if any.
	LastAppendErr error
	// Implicit is set when a capture failure stopped the recording.
	Implicit bool
}

func (r Result) Saved() bool { return r.Err == nil && r.Status == sink.StatusCompleted }

type recording struct {
	id        string
	path      string
	started   time.Time
	stream    capture.Stream
	sink      Sink
	pipeline  *Pipeline
	stopWatch chan struct{}
}

type Recorder struct {
	opts Options
	now  func() time.Time

	// mu serializes Start and Stop.
	mu     sync.Mutex
	active *recording

	stateMu sync.Mutex
	status  string
	last    *Result
	running bool
}

func New(options *Options) (*Recorder, error) {
	if options == nil {
		return nil, errors.New("nil recorder options")
	}
	opts := *options
	if opts.Backend == nil {
		return nil, errors.New("recorder: capture backend is required")
	}
	if opts.OpenSink == nil {
		return nil, errors.New("recorder: sink opener is required")
	}
	if opts.OutputDir == "" {
		return nil, errors.New("recorder: output directory is required")
	}
	if opts.Container == "" {
		opts.Container = sink.ContainerMOV
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	return &Recorder{opts: opts, now: time.Now, status: "Idle"}, nil
}

// Start begins a recording that hides the given application or window
// identifiers.
func (r *Recorder) Start(ctx context.Context, exclusions []string) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return Info{}, ErrAlreadyRecording
	}

	info, rec, err := r.start(ctx, exclusions)
	if err != nil {
		metrics.RecordingsTotal.WithLabelValues(metrics.ResultStartFailed).Inc()
		r.setStatus("Failed: "+err.Error(), false)
		logging.Errorf("recorder start_failed err=%v", err)
		return Info{}, err
	}

	r.active = rec
	metrics.RecordingActive.Set(1)
	r.setStatus("Recording → "+filepath.Base(rec.path), true)
	go r.watch(rec)
	logging.Infof("recorder started id=%s path=%q display=%s size=%dx%d backend=%s", info.ID, info.Path, info.Display, info.Width, info.Height, info.Backend)
	return info, nil
}

func (r *Recorder) start(ctx context.Context, exclusions []string) (Info, *recording, error) {
	content, err := r.opts.Backend.Content(ctx)
	if err != nil {
		if errors.Is(err, capture.ErrNoDisplay) {
			return Info{}, nil, fmt.Errorf("%w: %w", ErrNoDisplay, err)
		}
		return Info{}, nil, fmt.Errorf("%w: enumerate content: %w", ErrCaptureStart, err)
	}
	filter, err := capture.BuildFilter(content, exclusions)
	if err != nil {
		if errors.Is(err, capture.ErrNoDisplay) {
			return Info{}, nil, fmt.Errorf("%w: %w", ErrNoDisplay, err)
		}
		return Info{}, nil, fmt.Errorf("%w: %w", ErrCaptureStart, err)
	}

	streamCfg := capture.StreamConfig{FrameRate: r.opts.Video.FrameRate, MaxWidth: r.opts.MaxWidth}
	width, height, err := capture.OutputSize(filter.Display, streamCfg)
	if err != nil {
		return Info{}, nil, fmt.Errorf("%w: display %s: %w", ErrSinkAddInput, filter.Display.ID, err)
	}
	video := r.opts.Video
	video.Width, video.Height = width, height

	startedAt := r.now()
	if err := os.MkdirAll(r.opts.OutputDir, 0o755); err != nil {
		return Info{}, nil, fmt.Errorf("%w: %w", ErrSinkOpen, err)
	}
	path := outputPath(r.opts.OutputDir, startedAt, r.opts.Container)

	s, err := r.opts.OpenSink(path, r.opts.Container, video)
	if err != nil {
		if errors.Is(err, sink.ErrInputRejected) {
			return Info{}, nil, fmt.Errorf("%w: %w", ErrSinkAddInput, err)
		}
		return Info{}, nil, fmt.Errorf("%w: %w", ErrSinkOpen, err)
	}
	if !s.BeginWriting() {
		cause := s.Err()
		if cause == nil {
			cause = errors.New("begin writing refused")
		}
		return Info{}, nil, fmt.Errorf("%w: %w", ErrSinkOpen, cause)
	}

	p := NewPipeline(s)
	stream, err := r.opts.Backend.Start(ctx, filter, streamCfg, func(f capture.Frame) { p.OnFrame(f) })
	if err != nil {
		// The sink is already writing: finalize it so no half-open file
		// handle is left behind.
		p.close()
		s.MarkInputFinished()
		fctx, cancel := context.WithTimeout(context.Background(), r.opts.StopTimeout)
		defer cancel()
		ferr := s.Finalize(fctx)
		if ferr != nil {
			ferr = fmt.Errorf("forced finalize: %w", ferr)
		}
		return Info{}, nil, errors.Join(fmt.Errorf("%w: %w", ErrCaptureStart, err), ferr)
	}

	rec := &recording{
		id:        uuid.NewString(),
		path:      path,
		started:   startedAt,
		stream:    stream,
		sink:      s,
		pipeline:  p,
		stopWatch: make(chan struct{}),
	}
	info := Info{
		ID:        rec.id,
		Path:      path,
		StartedAt: startedAt,
		Display:   filter.Display.ID,
		Width:     width,
		Height:    height,
		Backend:   r.opts.Backend.Name(),
	}
	return info, rec, nil
}

// Stop ends the active recording: capture is stopped and acknowledged, the
// sink input is marked finished, then the sink is finalized. The returned
// error matches ErrWriterFinalize unless the sink completed.
func (r *Recorder) Stop(ctx context.Context) (Result, error) {
	r.mu.Lock()
	rec := r.active
	if rec == nil {
		r.mu.Unlock()
		return Result{}, ErrNotRecording
	}
	res := r.stopLocked(ctx, rec, nil)
	r.mu.Unlock()

	r.notify(res)
	return res, res.Err
}

// watch turns a fatal stream error into an implicit stop.
func (r *Recorder) watch(rec *recording) {
	select {
	case <-rec.stopWatch:
		return
	case err, ok := <-rec.stream.Errors():
		if !ok {
			return
		}
		if err == nil {
			err = errors.New("capture stream ended")
		}
		logging.Errorf("recorder capture_failed id=%s err=%v", rec.id, err)

		r.mu.Lock()
		if r.active != rec {
			r.mu.Unlock()
			return
		}
		res := r.stopLocked(context.Background(), rec, err)
		r.mu.Unlock()
		r.notify(res)
	}
}

func (r *Recorder) stopLocked(ctx context.Context, rec *recording, cause error) Result {
	r.setStatus("Stopping...", true)
	close(rec.stopWatch)

	stopStart := time.Now()

	stopCtx, cancelStop := context.WithTimeout(ctx, r.opts.StopTimeout)
	stopErr := rec.stream.Stop(stopCtx)
	cancelStop()
	if stopErr != nil {
		logging.Warnf("recorder capture_stop id=%s err=%v", rec.id, stopErr)
	}
	rec.pipeline.close()

	// Finalize has its own budget; a slow capture stop must not expire it.
	finCtx, cancelFin := context.WithTimeout(ctx, r.opts.StopTimeout)
	defer cancelFin()
	rec.sink.MarkInputFinished()
	finErr := rec.sink.Finalize(finCtx)
	metrics.FinalizeDuration.Observe(time.Since(stopStart).Seconds())

	status := rec.sink.Status()
	res := Result{
		ID:        rec.id,
		Path:      rec.path,
		StartedAt: rec.started,
		Duration:  r.now().Sub(rec.started),
		Counters:  rec.pipeline.Counters(),
		Status:    status,
		Implicit:  cause != nil,
	}
	res.LastAppendErr = rec.pipeline.LastErr()
	res.CaptureErr = cause
	if cause == nil && stopErr != nil {
		res.CaptureErr = fmt.Errorf("capture stop: %w", stopErr)
	}
	if status != sink.StatusCompleted {
		werr := rec.sink.Err()
		if werr == nil {
			werr = finErr
		}
		res.Err = &WriterError{Status: status, Err: werr}
	}
	if fi, err := os.Stat(rec.path); err == nil {
		res.SizeBytes = fi.Size()
	}

	r.active = nil
	metrics.RecordingActive.Set(0)
	if res.Err == nil {
		metrics.RecordingsTotal.WithLabelValues(metrics.ResultSaved).Inc()
		r.finish(res, fmt.Sprintf("Saved: %s (%s)", filepath.Base(res.Path), humanize.Bytes(uint64(res.SizeBytes))))
		logging.Infof("recorder saved id=%s path=%q size=%d forwarded=%d dropped=%d append_errors=%d", res.ID, res.Path, res.SizeBytes, res.Forwarded, res.Dropped, res.AppendErrors)
	} else {
		metrics.RecordingsTotal.WithLabelValues(metrics.ResultFailed).Inc()
		r.finish(res, "Failed: "+res.Err.Error())
		logging.Errorf("recorder failed id=%s path=%q err=%v", res.ID, res.Path, res.Err)
	}
	return res
}

func (r *Recorder) notify(res Result) {
	if r.opts.Observer != nil {
		r.opts.Observer.RecordingFinished(res)
	}
}

func (r *Recorder) setStatus(s string, running bool) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.status = s
	r.running = running
}

func (r *Recorder) finish(res Result, s string) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.status = s
	r.running = false
	r.last = &res
}

// Status is a one-line description for display: "Idle",
// "Recording → <file>", "Stopping...", "Saved: <file> (<size>)" or
// "Failed: <err>".
func (r *Recorder) Status() string {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.status
}

// Active reports whether a recording is running or stopping.
func (r *Recorder) Active() bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.running
}

// LastResult returns the most recently finished recording.
func (r *Recorder) LastResult() (Result, bool) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.last == nil {
		return Result{}, false
	}
	return *r.last, true
}

func outputPath(dir string, at time.Time, container sink.Container) string {
	base := "Screen-" + at.Format("2006-01-02T15-04-05")
	path := filepath.Join(dir, base+"."+container.Ext())
	for i := 2; ; i++ {
		if _, err := os.Stat(path); err != nil {
			return path
		}
		path = filepath.Join(dir, fmt.Sprintf("%s-%d.%s", base, i, container.Ext()))
	}
}
