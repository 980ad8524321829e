//go:build !linux

package capture

import (
	"context"
	"fmt"
)

type PortalBackend struct{}

func NewPortalBackend() *PortalBackend { return &PortalBackend{} }

func portalAvailable() bool { return false }

func (b *PortalBackend) Name() string { return "portal" }

func (b *PortalBackend) Content(ctx context.Context) (Content, error) {
	return Content{}, fmt.Errorf("%w: portal backend requires linux", ErrNotImplemented)
}

func (b *PortalBackend) Start(ctx context.Context, filter Filter, config StreamConfig, handler FrameHandler) (Stream, error) {
	return nil, fmt.Errorf("%w: portal backend requires linux", ErrNotImplemented)
}
