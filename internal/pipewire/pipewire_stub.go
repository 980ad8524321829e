//go:build !linux || !cgo

package pipewire

import "errors"

var ErrLibraryNotLoaded = errors.New("pipewire capture backend is only available on linux")

type BufferFunc func(data []byte, stride int)

type Stream struct{}

func IsAvailable() bool {
	return false
}

func NewStream(fd int, nodeID uint32, width, height, frameRate uint32, onBuffer BufferFunc) (*Stream, error) {
	return nil, ErrLibraryNotLoaded
}

func (s *Stream) Start() {}

func (s *Stream) Errors() <-chan error {
	return nil
}

func (s *Stream) Close() error {
	return nil
}
