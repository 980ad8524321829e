package capture

import (
	"fmt"
	"strings"
)

// New returns the backend registered under name. "auto" (or empty) prefers
// the portal when PipeWire can be loaded and falls back to polling.
func New(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		if portalAvailable() {
			return NewPortalBackend(), nil
		}
		return NewPollBackend(), nil
	case "portal":
		return NewPortalBackend(), nil
	case "poll":
		return NewPollBackend(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
}
