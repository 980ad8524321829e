//go:build linux

package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/pipewire"
	"go2tv.app/screenrec/internal/portal"
)

// PortalBackend negotiates sources through xdg-desktop-portal and receives
// frames from PipeWire. The session created by Content is reused by the next
// Start call.
type PortalBackend struct {
	mu      sync.Mutex
	session *portal.Session
}

func NewPortalBackend() *PortalBackend {
	return &PortalBackend{}
}

func portalAvailable() bool {
	return pipewire.IsAvailable()
}

func (b *PortalBackend) Name() string { return "portal" }

func (b *PortalBackend) Content(ctx context.Context) (Content, error) {
	if !pipewire.IsAvailable() {
		return Content{}, pipewire.ErrLibraryNotLoaded
	}

	sess, err := portal.CreateSession(ctx)
	if err != nil {
		return Content{}, portalErr(err)
	}

	cleanup := true
	defer func() {
		if cleanup {
			_ = sess.Close()
		}
	}()

	available, err := portal.AvailableSourceTypes()
	if err != nil {
		logging.Debugf("backend=portal available_source_types err=%v", err)
	}
	err = sess.SelectSources(ctx, portal.SelectSourcesOptions{
		Types:      sourceTypes(available),
		CursorMode: portal.CursorModeEmbedded,
		Multiple:   true,
	})
	if err != nil {
		return Content{}, portalErr(err)
	}

	streams, err := sess.Start(ctx, "")
	if err != nil {
		return Content{}, portalErr(err)
	}

	content := contentFromStreams(streams)

	b.mu.Lock()
	prev := b.session
	b.session = sess
	b.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	cleanup = false
	logging.Debugf("backend=portal content displays=%d windows=%d", len(content.Displays), len(content.Windows))
	return content, nil
}

func portalErr(err error) error {
	if errors.Is(err, portal.ErrCancelled) {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return err
}

// sourceTypes asks for monitors and windows, limited to what the compositor
// offers. Zero means the property could not be read.
func sourceTypes(available uint32) uint32 {
	want := portal.SourceTypeMonitor | portal.SourceTypeWindow
	if available == 0 {
		return want
	}
	if t := want & available; t&portal.SourceTypeMonitor != 0 {
		return t
	}
	return portal.SourceTypeMonitor
}

func contentFromStreams(streams []portal.Stream) Content {
	var c Content
	for _, s := range streams {
		id := s.ID
		if id == "" {
			id = fmt.Sprintf("node:%d", s.NodeID)
		}
		switch s.SourceType {
		case portal.SourceTypeWindow:
			c.Windows = append(c.Windows, Window{ID: id, OwnerID: s.MappingID, NodeID: s.NodeID})
		default:
			if s.Size[0] <= 0 || s.Size[1] <= 0 {
				continue
			}
			c.Displays = append(c.Displays, Display{
				ID:     id,
				Width:  int(s.Size[0]),
				Height: int(s.Size[1]),
				NodeID: s.NodeID,
			})
		}
	}
	return c
}

func (b *PortalBackend) Start(ctx context.Context, filter Filter, config StreamConfig, handler FrameHandler) (Stream, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: nil frame handler", ErrInvalidOptions)
	}
	cfg, err := config.normalized(filter.Display)
	if err != nil {
		return nil, err
	}
	width, height, err := OutputSize(filter.Display, config)
	if err != nil {
		return nil, err
	}
	if filter.Excludes() {
		// The portal chooser decides what is shared; excluded windows were
		// simply not offered as stream targets.
		logging.Infof("backend=portal exclusions_via_chooser windows=%d applications=%d", len(filter.ExcludedWindows), len(filter.ExcludedApplications))
	}

	b.mu.Lock()
	sess := b.session
	b.session = nil
	b.mu.Unlock()
	if sess == nil {
		return nil, errors.New("portal: Start called without a negotiated session")
	}

	fd, err := sess.OpenPipeWireRemote()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("open pipewire remote: %w", err)
	}
	defer unix.Close(fd)

	s := &portalStream{sess: sess, start: time.Now(), width: width}
	pw, err := pipewire.NewStream(fd, filter.Display.NodeID, uint32(width), uint32(height), uint32(cfg.FrameRate), func(data []byte, stride int) {
		s.deliver(data, stride, handler)
	})
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	s.pw = pw
	pw.Start()
	logging.Debugf("backend=portal stream_started node=%d size=%dx%d fps=%d", filter.Display.NodeID, width, height, cfg.FrameRate)
	return s, nil
}

type portalStream struct {
	sess    *portal.Session
	pw      *pipewire.Stream
	start   time.Time
	width   int
	stopped atomic.Bool

	stopOnce sync.Once
	stopErr  error
}

func (s *portalStream) deliver(data []byte, stride int, handler FrameHandler) {
	if s.stopped.Load() || stride <= 0 {
		return
	}
	h := len(data) / stride
	if h == 0 {
		return
	}
	w := stride / 4
	if s.width > 0 && s.width < w {
		w = s.width
	}
	handler(Frame{
		Pixels:    data[:h*stride],
		Width:     w,
		Height:    h,
		Stride:    stride,
		Timestamp: time.Since(s.start),
	})
}

func (s *portalStream) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.stopOnce.Do(func() {
			s.stopped.Store(true)
			// Close waits for the loop thread, so no buffer is delivered
			// after it returns.
			s.stopErr = errors.Join(s.pw.Close(), s.sess.Close())
		})
		close(done)
	}()

	select {
	case <-done:
		return s.stopErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *portalStream) Errors() <-chan error { return s.pw.Errors() }
