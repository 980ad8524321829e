package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go2tv.app/screenrec/internal/logging"
)

type queuedFrame struct {
	pix []byte
	// rel is the presentation time relative to the session origin.
	rel time.Duration
}

// frameQueue hands frames from Append to a single writer goroutine. Pushes
// never block: a full queue rejects the frame and the caller's readiness
// check is expected to have dropped it already.
type frameQueue struct {
	queue   chan queuedFrame
	done    chan struct{}
	write   func(queuedFrame) error
	release func([]byte)

	mu     sync.Mutex
	closed bool

	errMu sync.Mutex
	err   error

	lastSlowLog atomic.Int64
}

func newFrameQueue(size int, write func(queuedFrame) error, release func([]byte)) *frameQueue {
	q := &frameQueue{
		queue:   make(chan queuedFrame, size),
		done:    make(chan struct{}),
		write:   write,
		release: release,
	}
	go q.loop()
	return q
}

func (q *frameQueue) tryPush(f queuedFrame) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrInputFinished
	}
	select {
	case q.queue <- f:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *frameQueue) ready() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed && len(q.queue) < cap(q.queue) && q.failure() == nil
}

func (q *frameQueue) depth() int {
	return len(q.queue)
}

// close stops accepting frames; queued frames are still written.
func (q *frameQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.queue)
}

func (q *frameQueue) wait(ctx context.Context) error {
	select {
	case <-q.done:
		return q.failure()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *frameQueue) failure() error {
	q.errMu.Lock()
	defer q.errMu.Unlock()
	return q.err
}

func (q *frameQueue) loop() {
	defer close(q.done)

	for f := range q.queue {
		if q.failure() != nil {
			q.release(f.pix)
			continue
		}
		start := time.Now()
		err := q.write(f)
		if err != nil {
			q.errMu.Lock()
			q.err = err
			q.errMu.Unlock()
			logging.Warnf("sink write_err=%v", err)
			continue
		}
		d := time.Since(start)
		if d > 50*time.Millisecond && logging.ShouldLog(&q.lastSlowLog, time.Second) {
			logging.Debugf("sink slow_write duration=%s bytes=%d queue=%d", d, len(f.pix), len(q.queue))
		}
	}
}
