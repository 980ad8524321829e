package capture

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/vova616/screenshot"

	"go2tv.app/screenrec/internal/logging"
)

const maxConsecutiveGrabFailures = 10

// PollBackend grabs the screen on a ticker. It works wherever the screenshot
// library does (X11, Windows, macOS) but cannot hide individual windows.
type PollBackend struct {
	grab   func(image.Rectangle) (*image.RGBA, error)
	screen func() (image.Rectangle, error)
}

func NewPollBackend() *PollBackend {
	return &PollBackend{
		grab:   screenshot.CaptureRect,
		screen: screenshot.ScreenRect,
	}
}

func (b *PollBackend) Name() string { return "poll" }

func (b *PollBackend) Content(ctx context.Context) (Content, error) {
	if err := ctx.Err(); err != nil {
		return Content{}, err
	}
	rect, err := b.screen()
	if err != nil {
		return Content{}, fmt.Errorf("screen rect: %w", err)
	}
	if rect.Empty() {
		return Content{}, nil
	}
	return Content{
		Displays: []Display{{
			ID:     "screen:0",
			Width:  rect.Dx(),
			Height: rect.Dy(),
		}},
	}, nil
}

func (b *PollBackend) Start(ctx context.Context, filter Filter, config StreamConfig, handler FrameHandler) (Stream, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: nil frame handler", ErrInvalidOptions)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, err := config.normalized(filter.Display)
	if err != nil {
		return nil, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: display size %dx%d", ErrInvalidOptions, cfg.Width, cfg.Height)
	}
	if filter.Excludes() {
		logging.Warnf("backend=poll exclusions_ignored windows=%d applications=%d", len(filter.ExcludedWindows), len(filter.ExcludedApplications))
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &pollStream{
		cancel: cancel,
		done:   make(chan struct{}),
		errs:   make(chan error, 1),
	}
	go s.run(loopCtx, b.grab, image.Rect(0, 0, cfg.Width, cfg.Height), cfg, handler)
	logging.Debugf("backend=poll stream_started size=%dx%d fps=%d", cfg.Width, cfg.Height, cfg.FrameRate)
	return s, nil
}

type pollStream struct {
	cancel   context.CancelFunc
	done     chan struct{}
	errs     chan error
	stopOnce sync.Once
}

func (s *pollStream) run(ctx context.Context, grab func(image.Rectangle) (*image.RGBA, error), rect image.Rectangle, cfg StreamConfig, handler FrameHandler) {
	defer close(s.done)

	t := time.NewTicker(time.Second / time.Duration(cfg.FrameRate))
	defer t.Stop()

	start := time.Now()
	failures := 0
	var buf []byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		img, err := grab(rect)
		if err != nil {
			failures++
			logging.Debugf("backend=poll grab_err=%v consecutive=%d", err, failures)
			if failures >= maxConsecutiveGrabFailures {
				select {
				case s.errs <- fmt.Errorf("screen grab failed %d times: %w", failures, err):
				default:
				}
				return
			}
			continue
		}
		failures = 0

		var src image.Image = img
		if cfg.MaxWidth > 0 && img.Rect.Dx() > cfg.MaxWidth {
			src = imaging.Resize(img, cfg.MaxWidth, 0, imaging.Linear)
		}

		var w, h int
		buf, w, h = toBGRA(src, buf)
		if ctx.Err() != nil {
			return
		}
		handler(Frame{
			Pixels:    buf,
			Width:     w,
			Height:    h,
			Stride:    w * 4,
			Timestamp: time.Since(start),
		})
	}
}

func (s *pollStream) Stop(ctx context.Context) error {
	s.stopOnce.Do(s.cancel)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *pollStream) Errors() <-chan error { return s.errs }

// toBGRA packs img into dst as tightly strided BGRA, growing dst as needed.
func toBGRA(img image.Image, dst []byte) ([]byte, int, int) {
	var pix []byte
	var stride int
	var r image.Rectangle
	switch m := img.(type) {
	case *image.RGBA:
		pix, stride, r = m.Pix, m.Stride, m.Rect
	case *image.NRGBA:
		pix, stride, r = m.Pix, m.Stride, m.Rect
	default:
		n := imaging.Clone(img)
		pix, stride, r = n.Pix, n.Stride, n.Rect
	}

	w, h := r.Dx(), r.Dy()
	need := w * h * 4
	if cap(dst) < need {
		dst = make([]byte, need)
	}
	dst = dst[:need]

	for y := 0; y < h; y++ {
		row := pix[y*stride : y*stride+w*4]
		out := dst[y*w*4 : (y+1)*w*4]
		for x := 0; x < len(row); x += 4 {
			out[x] = row[x+2]
			out[x+1] = row[x+1]
			out[x+2] = row[x]
			out[x+3] = row[x+3]
		}
	}
	return dst, w, h
}
