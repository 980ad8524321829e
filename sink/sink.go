// Package sink encodes BGRA frames into a container file through an ffmpeg
// child process. A Writer mirrors the life cycle of an asset writer: open,
// begin writing, open a session at the first timestamp, append, mark the
// input finished and finalize.
package sink

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupportedContainer = errors.New("unsupported container")
	ErrInputRejected        = errors.New("video input rejected")
	ErrNotWriting           = errors.New("writer is not writing")
	ErrNoSession            = errors.New("writing session not opened")
	ErrQueueFull            = errors.New("writer queue is full")
	ErrFrameGeometry        = errors.New("frame size does not match video input")
	ErrInputFinished        = errors.New("video input already marked finished")
)

// Status is the writer's terminal or current state.
type Status int

const (
	StatusUnknown Status = iota
	StatusWriting
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusWriting:
		return "writing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Container is an output file format.
type Container string

const (
	ContainerMOV Container = "mov"
	ContainerMP4 Container = "mp4"
	ContainerMKV Container = "mkv"
)

// ParseContainer accepts a container name or file extension.
func ParseContainer(s string) (Container, error) {
	switch Container(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), ".")) {
	case ContainerMOV, "quicktime":
		return ContainerMOV, nil
	case ContainerMP4:
		return ContainerMP4, nil
	case ContainerMKV, "matroska":
		return ContainerMKV, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedContainer, s)
	}
}

// Ext is the file extension without the dot.
func (c Container) Ext() string { return string(c) }

func (c Container) muxer() (string, []string) {
	switch c {
	case ContainerMP4:
		return "mp4", []string{"-movflags", "+faststart"}
	case ContainerMKV:
		return "matroska", nil
	default:
		return "mov", nil
	}
}

// VideoSettings describes the single H.264 video input.
type VideoSettings struct {
	Width            int
	Height           int
	FrameRate        int
	BitrateKbps      int
	KeyframeInterval int
	// Encoder is "auto" to probe hardware encoders, "software" for libx264,
	// or an ffmpeg encoder name.
	Encoder string
}

const (
	defaultFrameRate        = 30
	defaultBitrateKbps      = 5000
	defaultKeyframeInterval = 30
	maxDimension            = 8192
)

func (v VideoSettings) normalized() (VideoSettings, error) {
	if v.Width <= 0 || v.Height <= 0 || v.Width > maxDimension || v.Height > maxDimension {
		return v, fmt.Errorf("%w: size %dx%d", ErrInputRejected, v.Width, v.Height)
	}
	if v.FrameRate == 0 {
		v.FrameRate = defaultFrameRate
	} else if v.FrameRate < 1 || v.FrameRate > 240 {
		return v, fmt.Errorf("%w: frame rate %d", ErrInputRejected, v.FrameRate)
	}
	if v.BitrateKbps <= 0 {
		v.BitrateKbps = defaultBitrateKbps
	}
	if v.KeyframeInterval <= 0 {
		v.KeyframeInterval = defaultKeyframeInterval
	}
	if strings.TrimSpace(v.Encoder) == "" {
		v.Encoder = "auto"
	}
	return v, nil
}

func (v VideoSettings) frameBytes() int {
	return v.Width * v.Height * 4
}
