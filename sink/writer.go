package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/processutil"
)

const (
	defaultFFmpegPath = "ffmpeg"
	defaultQueueSize  = 8
	maxQueueSize      = 64
)

type commandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Opener creates Writers that share one ffmpeg binary and queue size.
type Opener struct {
	FFmpegPath string
	// QueueSize is the number of frames buffered between Append and the
	// ffmpeg pipe. IsReadyForMore reports false once it is full.
	QueueSize int

	newCmd commandFunc
}

// Writer encodes one video input into one container file.
type Writer struct {
	path       string
	container  Container
	video      VideoSettings
	ffmpegPath string
	newCmd     commandFunc
	queueSize  int

	mu            sync.Mutex
	status        Status
	err           error
	sessionOpen   bool
	origin        time.Duration
	inputFinished bool

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	waitErr chan error
	exited  atomic.Bool
	stderr  *lockedBuffer
	queue   *frameQueue
	free    chan []byte

	// owned by the queue goroutine
	nextSlot int64
	last     []byte

	appended atomic.Int64
	written  atomic.Int64
	skipped  atomic.Int64
	repeated atomic.Int64

	finalizeMu sync.Mutex
}

// Stats are the writer's frame counters.
type Stats struct {
	Appended int64
	Written  int64
	Skipped  int64
	Repeated int64
}

// Open validates the container and video input and checks that path can be
// created. Errors wrapping ErrInputRejected mean the video input was refused;
// anything else means the file or container could not be opened.
func (o Opener) Open(path string, container Container, video VideoSettings) (*Writer, error) {
	if _, err := ParseContainer(string(container)); err != nil {
		return nil, err
	}
	v, err := video.normalized()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sink open: empty output path")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink open: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("sink open: %w", err)
	}

	ffmpegPath := strings.TrimSpace(o.FFmpegPath)
	if ffmpegPath == "" {
		ffmpegPath = defaultFFmpegPath
	}
	queueSize := o.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if queueSize > maxQueueSize {
		queueSize = maxQueueSize
	}
	newCmd := o.newCmd
	if newCmd == nil {
		newCmd = exec.CommandContext
	}

	return &Writer{
		path:       path,
		container:  container,
		video:      v,
		ffmpegPath: ffmpegPath,
		newCmd:     newCmd,
		queueSize:  queueSize,
		stderr:     &lockedBuffer{},
		free:       make(chan []byte, queueSize+2),
	}, nil
}

func (w *Writer) Path() string { return w.path }

// BeginWriting starts the encoder. It returns false if the writer was
// already started or ffmpeg could not be launched; Err reports why.
func (w *Writer) BeginWriting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != StatusUnknown {
		return false
	}

	plan := planEncoder(w.newCmd, w.ffmpegPath, w.video)
	args := w.ffmpegArgs(plan)
	logging.Debugf("sink ffmpeg: %s %s", w.ffmpegPath, strings.Join(args, " "))

	cmd := w.newCmd(context.Background(), w.ffmpegPath, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		w.failLocked(fmt.Errorf("ffmpeg stdin: %w", err))
		return false
	}
	if logging.DebugEnabled() {
		mirror := io.MultiWriter(w.stderr, logging.Output())
		cmd.Stdout = mirror
		cmd.Stderr = mirror
	} else {
		cmd.Stdout = w.stderr
		cmd.Stderr = w.stderr
	}
	processutil.Detach(cmd)
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		w.failLocked(fmt.Errorf("ffmpeg start: %w", err))
		return false
	}

	w.cmd = cmd
	w.stdin = stdin
	w.waitErr = make(chan error, 1)
	go func() {
		err := cmd.Wait()
		w.exited.Store(true)
		w.waitErr <- err
	}()
	w.queue = newFrameQueue(w.queueSize, w.writeFrame, w.release)
	w.status = StatusWriting
	logging.Infof("sink writing path=%q size=%dx%d fps=%d encoder=%s", w.path, w.video.Width, w.video.Height, w.video.FrameRate, plan.label)
	return true
}

func (w *Writer) failLocked(err error) {
	w.status = StatusFailed
	w.err = err
	_ = os.Remove(w.path)
}

func (w *Writer) ffmpegArgs(plan videoEncoderPlan) []string {
	muxer, muxerArgs := w.container.muxer()
	logLevel := "error"
	if logging.DebugEnabled() {
		logLevel = "warning"
	}
	args := []string{"-hide_banner", "-loglevel", logLevel, "-nostats", "-y"}
	args = append(args, plan.globalArgs...)
	args = append(args,
		"-f", "rawvideo",
		"-pix_fmt", "bgra",
		"-s", fmt.Sprintf("%dx%d", w.video.Width, w.video.Height),
		"-framerate", strconv.Itoa(w.video.FrameRate),
		"-i", "pipe:0",
		"-an",
	)
	if plan.videoFilter != "" {
		args = append(args, "-vf", plan.videoFilter)
	}
	args = append(args, plan.codecArgs...)
	args = append(args, "-f", muxer)
	args = append(args, muxerArgs...)
	return append(args, w.path)
}

// IsReadyForMore reports whether Append would accept a frame right now.
func (w *Writer) IsReadyForMore() bool {
	w.mu.Lock()
	ok := w.status == StatusWriting && !w.inputFinished
	q := w.queue
	w.mu.Unlock()
	return ok && !w.exited.Load() && q.ready()
}

// OpenSession sets the source time that maps to the start of the file.
func (w *Writer) OpenSession(at time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != StatusWriting {
		logging.Warnf("sink open_session ignored status=%s", w.status)
		return
	}
	if w.sessionOpen {
		return
	}
	w.sessionOpen = true
	w.origin = at
}

// Append queues one BGRA frame presented at source time at. pixels may
// carry row padding as long as every row has the same length.
func (w *Writer) Append(pixels []byte, at time.Duration) bool {
	w.mu.Lock()
	status, open, origin, q := w.status, w.sessionOpen, w.origin, w.queue
	w.mu.Unlock()

	switch {
	case status != StatusWriting:
		w.setErr(ErrNotWriting)
		return false
	case !open:
		w.setErr(ErrNoSession)
		return false
	}

	rowBytes := w.video.Width * 4
	h := w.video.Height
	if len(pixels) == 0 || len(pixels)%h != 0 || len(pixels)/h < rowBytes {
		w.setErr(fmt.Errorf("%w: %d bytes for %dx%d", ErrFrameGeometry, len(pixels), w.video.Width, h))
		return false
	}

	buf := w.buffer()
	if stride := len(pixels) / h; stride == rowBytes {
		copy(buf, pixels)
	} else {
		for y := 0; y < h; y++ {
			copy(buf[y*rowBytes:(y+1)*rowBytes], pixels[y*stride:y*stride+rowBytes])
		}
	}

	if err := q.tryPush(queuedFrame{pix: buf, rel: at - origin}); err != nil {
		w.release(buf)
		w.setErr(err)
		return false
	}
	w.appended.Add(1)
	return true
}

func (w *Writer) setErr(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
}

func (w *Writer) buffer() []byte {
	select {
	case b := <-w.free:
		return b
	default:
		return make([]byte, w.video.frameBytes())
	}
}

func (w *Writer) release(b []byte) {
	if len(b) != w.video.frameBytes() {
		return
	}
	select {
	case w.free <- b:
	default:
	}
}

// writeFrame maps a frame onto the constant-rate output. Frames that land on
// an already written slot are skipped; gaps repeat the previous frame.
func (w *Writer) writeFrame(f queuedFrame) error {
	slot := int64(math.Round(f.rel.Seconds() * float64(w.video.FrameRate)))
	if slot < 0 {
		slot = 0
	}

	if w.last != nil {
		if slot < w.nextSlot {
			w.skipped.Add(1)
			w.release(f.pix)
			return nil
		}
		for ; w.nextSlot < slot; w.nextSlot++ {
			if err := w.writePipe(w.last); err != nil {
				w.release(f.pix)
				return err
			}
			w.repeated.Add(1)
		}
	}

	if err := w.writePipe(f.pix); err != nil {
		w.release(f.pix)
		return err
	}
	w.written.Add(1)
	w.nextSlot++
	if w.last != nil {
		w.release(w.last)
	}
	w.last = f.pix
	return nil
}

func (w *Writer) writePipe(p []byte) error {
	if _, err := w.stdin.Write(p); err != nil {
		return fmt.Errorf("ffmpeg stdin: %w", err)
	}
	return nil
}

// MarkInputFinished stops accepting frames. Frames already queued are
// still written by Finalize.
func (w *Writer) MarkInputFinished() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inputFinished = true
	if w.queue != nil {
		w.queue.close()
	}
}

// Finalize drains queued frames, closes the encoder input and waits for the
// container to be written. It returns nil only when Status is
// StatusCompleted. A done ctx kills ffmpeg and leaves StatusCancelled.
func (w *Writer) Finalize(ctx context.Context) error {
	w.finalizeMu.Lock()
	defer w.finalizeMu.Unlock()

	w.mu.Lock()
	switch w.status {
	case StatusUnknown:
		w.failLocked(ErrNotWriting)
		fallthrough
	case StatusCompleted, StatusFailed, StatusCancelled:
		err := w.err
		if w.status == StatusCompleted {
			err = nil
		}
		w.mu.Unlock()
		return err
	}
	w.inputFinished = true
	q := w.queue
	w.mu.Unlock()

	q.close()
	writeErr := q.wait(ctx)
	if ctx.Err() != nil {
		return w.cancel(ctx.Err())
	}
	if w.last != nil {
		w.release(w.last)
		w.last = nil
	}

	closeErr := w.stdin.Close()
	var waitErr error
	select {
	case waitErr = <-w.waitErr:
	case <-ctx.Done():
		return w.cancel(ctx.Err())
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if writeErr != nil || waitErr != nil {
		err := errors.Join(writeErr, waitErr)
		if errors.Is(closeErr, os.ErrClosed) {
			closeErr = nil
		}
		err = errors.Join(err, closeErr)
		w.status = StatusFailed
		w.err = fmt.Errorf("ffmpeg: %w: %s", err, w.stderr.Tail(512))
		logging.Errorf("sink finalize failed path=%q err=%v", w.path, w.err)
		return w.err
	}
	if w.written.Load() == 0 {
		w.failLocked(ErrNoSession)
		logging.Warnf("sink finalize path=%q no frames written", w.path)
		return w.err
	}
	w.status = StatusCompleted
	w.err = nil
	logging.Infof("sink completed path=%q written=%d repeated=%d skipped=%d", w.path, w.written.Load(), w.repeated.Load(), w.skipped.Load())
	return nil
}

func (w *Writer) cancel(cause error) error {
	if w.cmd != nil && w.cmd.Process != nil {
		if err := w.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			logging.Warnf("sink kill ffmpeg err=%v", err)
		}
	}
	<-w.waitErr
	_ = w.stdin.Close()
	<-w.queue.done

	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = StatusCancelled
	w.err = cause
	_ = os.Remove(w.path)
	logging.Warnf("sink cancelled path=%q err=%v", w.path, cause)
	return cause
}

// Status reports the writer state.
func (w *Writer) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Err is the terminal error once finalized, otherwise the latest Append or
// BeginWriting failure.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// QueueDepth is the number of frames waiting for the ffmpeg pipe.
func (w *Writer) QueueDepth() int {
	w.mu.Lock()
	q := w.queue
	w.mu.Unlock()
	if q == nil {
		return 0
	}
	return q.depth()
}

func (w *Writer) Stats() Stats {
	return Stats{
		Appended: w.appended.Load(),
		Written:  w.written.Load(),
		Skipped:  w.skipped.Load(),
		Repeated: w.repeated.Load(),
	}
}
