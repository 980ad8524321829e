package recorder

import (
	"sync"
	"time"
)

// sessionState is either notStarted or started.
type sessionState interface {
	isSessionState()
}

type notStarted struct{}

type started struct {
	origin time.Duration
}

func (notStarted) isSessionState() {}
func (started) isSessionState()    {}

// sessionClock anchors a recording's timeline to its first forwarded frame.
type sessionClock struct {
	mu    sync.Mutex
	state sessionState
}

func newSessionClock() *sessionClock {
	return &sessionClock{state: notStarted{}}
}

// OnFirstFrame fixes the origin at ts on the first call and reports
// first=true. Later calls return the recorded origin unchanged.
func (c *sessionClock) OnFirstFrame(ts time.Duration) (origin time.Duration, first bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch s := c.state.(type) {
	case started:
		return s.origin, false
	default:
		c.state = started{origin: ts}
		return ts, true
	}
}

// Origin returns the session origin once started.
func (c *sessionClock) Origin() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.state.(started); ok {
		return s.origin, true
	}
	return 0, false
}
