// Package capture defines the screen-capture collaborator consumed by the
// recorder: content enumeration, filters, and frame streams delivered on a
// backend-owned goroutine.
package capture

import (
	"context"
	"errors"
	"math"
	"time"
)

const defaultFrameRate = 30

var (
	ErrNotImplemented = errors.New("screen capture backend is not implemented on this platform")
	ErrCancelled      = errors.New("screen capture request was cancelled")
	ErrNoDisplay      = errors.New("no capturable display found")
	ErrInvalidOptions = errors.New("invalid screen capture options")
	ErrUnknownBackend = errors.New("unknown screen capture backend")
)

// Frame is one captured image. Pixels is BGRA with Stride bytes per row and
// is only valid for the duration of the handler call that receives it.
type Frame struct {
	Pixels    []byte
	Width     int
	Height    int
	Stride    int
	Timestamp time.Duration
}

// FrameHandler receives frames on the backend's delivery goroutine. It must
// return quickly and must not block.
type FrameHandler func(Frame)

type Display struct {
	ID     string
	Width  int
	Height int
	// NodeID is the PipeWire node backing the display, 0 when unused.
	NodeID uint32
}

type Application struct {
	ID   string
	Name string
}

type Window struct {
	ID      string
	OwnerID string
	Title   string
	NodeID  uint32
}

// Content is the shareable content a backend can capture.
type Content struct {
	Displays     []Display
	Applications []Application
	Windows      []Window
}

// Filter selects what a stream captures.
type Filter struct {
	Display              Display
	IncludedApplications []Application
	ExcludedWindows      []Window
	// ExcludedApplications lists the applications dropped from the content,
	// for backends that can only honour the filter partially.
	ExcludedApplications []Application
}

// StreamConfig is the output geometry and cadence requested from a backend.
type StreamConfig struct {
	Width     int
	Height    int
	FrameRate int
	// MaxWidth downscales frames wider than this, 0 keeps native size.
	MaxWidth int
}

// Stream is a running capture. Stop returns only once no further frames
// will be delivered to the handler.
type Stream interface {
	Stop(ctx context.Context) error
	// Errors delivers fatal stream errors. It is never closed before Stop.
	Errors() <-chan error
}

// Backend enumerates content and starts streams.
type Backend interface {
	Name() string
	Content(ctx context.Context) (Content, error)
	Start(ctx context.Context, filter Filter, config StreamConfig, handler FrameHandler) (Stream, error)
}

func (c StreamConfig) normalized(d Display) (StreamConfig, error) {
	if c.FrameRate < 0 || c.Width < 0 || c.Height < 0 || c.MaxWidth < 0 {
		return c, ErrInvalidOptions
	}
	if c.FrameRate == 0 {
		c.FrameRate = defaultFrameRate
	}
	if c.Width == 0 {
		c.Width = d.Width
	}
	if c.Height == 0 {
		c.Height = d.Height
	}
	return c, nil
}

// OutputSize is the frame size a backend delivers for d under c, after
// defaults and MaxWidth downscaling with the aspect ratio preserved.
func OutputSize(d Display, c StreamConfig) (width, height int, err error) {
	cfg, err := c.normalized(d)
	if err != nil {
		return 0, 0, err
	}
	width, height = cfg.Width, cfg.Height
	if width <= 0 || height <= 0 {
		return 0, 0, ErrInvalidOptions
	}
	if cfg.MaxWidth > 0 && width > cfg.MaxWidth {
		height = int(math.Max(1, math.Floor(float64(cfg.MaxWidth)*float64(height)/float64(width)+0.5)))
		width = cfg.MaxWidth
	}
	return width, height, nil
}
