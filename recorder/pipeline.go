package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go2tv.app/screenrec/capture"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/metrics"
	"go2tv.app/screenrec/sink"
)

// Sink is the encoder/muxer a recording writes into. *sink.Writer
// implements it.
type Sink interface {
	BeginWriting() bool
	IsReadyForMore() bool
	OpenSession(at time.Duration)
	Append(pixels []byte, at time.Duration) bool
	MarkInputFinished()
	Finalize(ctx context.Context) error
	Status() sink.Status
	Err() error
}

type queueDepther interface {
	QueueDepth() int
}

// Outcome is what the pipeline did with one frame.
type Outcome int

const (
	Forwarded Outcome = iota
	Dropped
	Errored
)

func (o Outcome) String() string {
	switch o {
	case Forwarded:
		return metrics.OutcomeForwarded
	case Dropped:
		return metrics.OutcomeDropped
	case Errored:
		return metrics.OutcomeErrored
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

var (
	framesForwarded = metrics.FramesTotal.WithLabelValues(metrics.OutcomeForwarded)
	framesDropped   = metrics.FramesTotal.WithLabelValues(metrics.OutcomeDropped)
	framesErrored   = metrics.FramesTotal.WithLabelValues(metrics.OutcomeErrored)
)

// Counters are per-recording frame totals.
type Counters struct {
	Forwarded    int64
	Dropped      int64
	AppendErrors int64
}

// Pipeline is the frame callback of one recording. OnFrame runs on the
// capture backend's delivery goroutine and never blocks on I/O.
type Pipeline struct {
	sink   Sink
	depth  queueDepther
	clock  *sessionClock
	closed atomic.Bool

	forwarded atomic.Int64
	dropped   atomic.Int64
	errored   atomic.Int64

	errMu   sync.Mutex
	lastErr error

	lastDropLog   atomic.Int64
	lastAppendLog atomic.Int64
}

func NewPipeline(s Sink) *Pipeline {
	p := &Pipeline{sink: s, clock: newSessionClock()}
	p.depth, _ = s.(queueDepther)
	return p
}

// OnFrame gates, timestamps and forwards one frame to the sink.
func (p *Pipeline) OnFrame(f capture.Frame) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.recordAppendErr(fmt.Errorf("%w: panic: %v", ErrFrameAppend, r))
			out = Errored
		}
	}()

	if p.closed.Load() || !p.sink.IsReadyForMore() {
		n := p.dropped.Add(1)
		framesDropped.Inc()
		if logging.ShouldLog(&p.lastDropLog, time.Second) {
			logging.Debugf("pipeline frame_dropped ts=%s dropped_total=%d", f.Timestamp, n)
		}
		return Dropped
	}

	if origin, first := p.clock.OnFirstFrame(f.Timestamp); first {
		p.sink.OpenSession(origin)
		logging.Debugf("pipeline session_opened origin=%s size=%dx%d", origin, f.Width, f.Height)
	}

	if !p.sink.Append(f.Pixels, f.Timestamp) {
		cause := p.sink.Err()
		if cause == nil {
			cause = errors.New("sink refused frame")
		}
		p.recordAppendErr(fmt.Errorf("%w: %w", ErrFrameAppend, cause))
		return Errored
	}

	p.forwarded.Add(1)
	framesForwarded.Inc()
	if p.depth != nil {
		metrics.SinkQueueDepth.Set(float64(p.depth.QueueDepth()))
	}
	return Forwarded
}

func (p *Pipeline) recordAppendErr(err error) {
	n := p.errored.Add(1)
	framesErrored.Inc()
	p.errMu.Lock()
	p.lastErr = err
	p.errMu.Unlock()
	if logging.ShouldLog(&p.lastAppendLog, time.Second) {
		logging.Warnf("pipeline append_err=%v errors_total=%d", err, n)
	}
}

// close makes every later frame a drop.
func (p *Pipeline) close() {
	p.closed.Store(true)
}

func (p *Pipeline) Counters() Counters {
	return Counters{
		Forwarded:    p.forwarded.Load(),
		Dropped:      p.dropped.Load(),
		AppendErrors: p.errored.Load(),
	}
}

// LastErr is the most recent append failure, wrapping ErrFrameAppend.
func (p *Pipeline) LastErr() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.lastErr
}

// SessionOrigin reports the timestamp the sink session was opened at.
func (p *Pipeline) SessionOrigin() (time.Duration, bool) {
	return p.clock.Origin()
}
