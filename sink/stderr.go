package sink

import (
	"bytes"
	"strings"
	"sync"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// ffmpeg runs with -loglevel error; cap memory anyway for long recordings.
	if b.buf.Len() > 64*1024 {
		tail := append([]byte(nil), b.buf.Bytes()[b.buf.Len()-16*1024:]...)
		b.buf.Reset()
		b.buf.Write(tail)
	}
	return b.buf.Write(p)
}

func (b *lockedBuffer) Tail(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return tailString(strings.TrimSpace(b.buf.String()), n)
}

func tailString(input string, max int) string {
	if input == "" {
		return "no ffmpeg stderr output"
	}
	if max <= 0 || len(input) <= max {
		return input
	}
	return input[len(input)-max:]
}
