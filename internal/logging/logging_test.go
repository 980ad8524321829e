package logging

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{" info ", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	if LevelWarn.String() != "warn" {
		t.Errorf("LevelWarn.String() = %q", LevelWarn.String())
	}
	if Level(42).String() != "unknown(42)" {
		t.Errorf("Level(42).String() = %q", Level(42).String())
	}
}

func TestShouldLog(t *testing.T) {
	var last atomic.Int64

	if !ShouldLog(&last, time.Hour) {
		t.Fatal("first call should log")
	}
	if ShouldLog(&last, time.Hour) {
		t.Fatal("second call within period should not log")
	}

	last.Store(time.Now().Add(-2 * time.Hour).UnixNano())
	if !ShouldLog(&last, time.Hour) {
		t.Fatal("call after period should log")
	}
}

func TestShouldLogWithoutSlot(t *testing.T) {
	if !ShouldLog(nil, time.Second) {
		t.Error("nil slot should always log")
	}
	var last atomic.Int64
	if !ShouldLog(&last, 0) || !ShouldLog(&last, 0) {
		t.Error("zero period should always log")
	}
}
