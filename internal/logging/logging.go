// Package logging provides leveled, env-configured logging shared by the
// capture backends, the sink and the recorder.
//
// The level comes from SCREENREC_LOG_LEVEL (debug, info, warn, error).
// SCREENREC_DEBUG=1 forces debug. SCREENREC_DEBUG_FILE sends output to an
// append-only file instead of stderr.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level is the severity of a log line.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	levelOnce    sync.Once
	currentLevel Level

	outputOnce sync.Once
	output     io.Writer = os.Stderr

	loggerOnce sync.Once
	logger     *log.Logger
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// ParseLevel maps a level name to a Level. Unknown names yield LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func levelFromEnv() Level {
	if strings.TrimSpace(os.Getenv("SCREENREC_DEBUG")) == "1" {
		return LevelDebug
	}
	return ParseLevel(os.Getenv("SCREENREC_LOG_LEVEL"))
}

// GetLevel returns the active level.
func GetLevel() Level {
	levelOnce.Do(func() {
		currentLevel = levelFromEnv()
	})
	return currentLevel
}

// DebugEnabled reports whether debug lines are emitted.
func DebugEnabled() bool {
	return GetLevel() <= LevelDebug
}

func writer() io.Writer {
	outputOnce.Do(func() {
		p := strings.TrimSpace(os.Getenv("SCREENREC_DEBUG_FILE"))
		if p == "" {
			return
		}
		f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "screenrec log file open failed: %v\n", err)
			return
		}
		output = f
	})
	return output
}

// Output is the destination of log lines, for child process output that
// should be mirrored in debug mode.
func Output() io.Writer {
	return writer()
}

func logf(level Level, format string, args ...any) {
	if GetLevel() > level {
		return
	}
	loggerOnce.Do(func() {
		logger = log.New(writer(), "screenrec ", log.LstdFlags|log.Lmicroseconds)
	})
	logger.Printf("["+strings.ToUpper(level.String())+"] "+format, args...)
}

func Debugf(format string, args ...any) { logf(LevelDebug, format, args...) }

func Infof(format string, args ...any) { logf(LevelInfo, format, args...) }

func Warnf(format string, args ...any) { logf(LevelWarn, format, args...) }

func Errorf(format string, args ...any) { logf(LevelError, format, args...) }

// ShouldLog returns true at most once per period for the given slot. It lets
// per-frame paths report drops and failures without flooding the log.
func ShouldLog(last *atomic.Int64, period time.Duration) bool {
	if last == nil || period <= 0 {
		return true
	}

	now := time.Now().UnixNano()
	for {
		prev := last.Load()
		if prev != 0 && time.Duration(now-prev) < period {
			return false
		}
		if last.CompareAndSwap(prev, now) {
			return true
		}
	}
}
