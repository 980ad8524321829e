package recorder

import (
	"context"
	"sync"
	"time"

	"go2tv.app/screenrec/capture"
	"go2tv.app/screenrec/sink"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(call string) int {
	n := 0
	for _, c := range l.list() {
		if c == call {
			n++
		}
	}
	return n
}

type fakeSink struct {
	log *callLog

	mu sync.Mutex
	// ready answers IsReadyForMore in order; true once exhausted.
	ready       []bool
	refuseBegin bool
	appendErr   error
	finalStatus sink.Status
	finalErr    error

	status      sink.Status
	err         error
	finalizeErr error
	sessions    []time.Duration
	appended    []time.Duration
}

func newFakeSink(log *callLog) *fakeSink {
	return &fakeSink{log: log, finalStatus: sink.StatusCompleted}
}

func (s *fakeSink) BeginWriting() bool {
	s.log.add("sink.begin")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refuseBegin {
		s.status = sink.StatusFailed
		s.err = sink.ErrNotWriting
		return false
	}
	s.status = sink.StatusWriting
	return true
}

func (s *fakeSink) IsReadyForMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ready) == 0 {
		return true
	}
	r := s.ready[0]
	s.ready = s.ready[1:]
	return r
}

func (s *fakeSink) OpenSession(at time.Duration) {
	s.log.add("sink.session")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, at)
}

func (s *fakeSink) Append(_ []byte, at time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		s.err = s.appendErr
		return false
	}
	s.appended = append(s.appended, at)
	return true
}

func (s *fakeSink) MarkInputFinished() { s.log.add("sink.finish") }

func (s *fakeSink) Finalize(ctx context.Context) error {
	s.log.add("sink.finalize")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizeErr = ctx.Err()
	s.status = s.finalStatus
	s.err = s.finalErr
	if s.status != sink.StatusCompleted {
		return s.finalErr
	}
	return nil
}

func (s *fakeSink) Status() sink.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *fakeSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSink) snapshot() (sessions, appended []time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sessions...), append([]time.Duration(nil), s.appended...)
}

type fakeStream struct {
	log  *callLog
	errs chan error
	// hang makes Stop wait for its context to expire.
	hang bool
}

func (s *fakeStream) Stop(ctx context.Context) error {
	s.log.add("capture.stop")
	if s.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (s *fakeStream) Errors() <-chan error { return s.errs }

type fakeBackend struct {
	log        *callLog
	content    capture.Content
	contentErr error
	startErr   error
	hangStop   bool

	mu      sync.Mutex
	handler capture.FrameHandler
	filter  capture.Filter
	config  capture.StreamConfig
	stream  *fakeStream
}

func newFakeBackend(log *callLog) *fakeBackend {
	return &fakeBackend{
		log: log,
		content: capture.Content{
			Displays:     []capture.Display{{ID: "display:1", Width: 1920, Height: 1080}},
			Applications: []capture.Application{{ID: "com.apple.MobileSMS"}, {ID: "org.example.editor"}},
			Windows:      []capture.Window{{ID: "w1", OwnerID: "com.apple.MobileSMS"}, {ID: "w2", OwnerID: "org.example.editor"}},
		},
	}
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Content(context.Context) (capture.Content, error) {
	b.log.add("capture.content")
	return b.content, b.contentErr
}

func (b *fakeBackend) Start(_ context.Context, filter capture.Filter, config capture.StreamConfig, handler capture.FrameHandler) (capture.Stream, error) {
	b.log.add("capture.start")
	if b.startErr != nil {
		return nil, b.startErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
	b.filter = filter
	b.config = config
	b.stream = &fakeStream{log: b.log, errs: make(chan error, 1), hang: b.hangStop}
	return b.stream, nil
}

func (b *fakeBackend) deliver(ts ...time.Duration) {
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	for _, t := range ts {
		h(capture.Frame{Pixels: make([]byte, 16), Width: 2, Height: 2, Stride: 8, Timestamp: t})
	}
}
