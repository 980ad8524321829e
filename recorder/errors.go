package recorder

import (
	"errors"
	"fmt"

	"go2tv.app/screenrec/sink"
)

var (
	ErrNoDisplay        = errors.New("no display found")
	ErrSinkOpen         = errors.New("sink open failed")
	ErrSinkAddInput     = errors.New("sink add input failed")
	ErrCaptureStart     = errors.New("capture start failed")
	ErrFrameAppend      = errors.New("frame append failed")
	ErrWriterFinalize   = errors.New("writer finalize failed")
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

// WriterError reports a sink that did not reach StatusCompleted. It matches
// ErrWriterFinalize and the sink's own error.
type WriterError struct {
	Status sink.Status
	Err    error
}

func (e *WriterError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: status %s", ErrWriterFinalize, e.Status)
	}
	return fmt.Sprintf("%v: status %s: %v", ErrWriterFinalize, e.Status, e.Err)
}

func (e *WriterError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrWriterFinalize}
	}
	return []error{ErrWriterFinalize, e.Err}
}
