// Package mock provides test doubles for the [audio.Source] and
// [audio.Stream] interfaces.
//
// A mock Stream is driven by the test: push frames with [Stream.Push], then
// end the stream with [Stream.Fail] or Close. A mock Source records every
// Open and hands out either a preconfigured stream or a fresh one per call.
//
// Example:
//
//	src := mock.NewSource()
//	stream, _ := src.Open(ctx, audio.SourceConfig{})
//	src.LastStream().Push(frame)
package mock

import (
	"context"
	"sync"

	"github.com/fablehome/fablewake/pkg/audio"
)

// OpenCall records a single invocation of Source.Open.
type OpenCall struct {
	// Ctx is the context passed to Open.
	Ctx context.Context
	// Config is the source configuration passed to Open.
	Config audio.SourceConfig
}

// Source is a mock implementation of audio.Source.
type Source struct {
	mu sync.Mutex

	// SourceName is returned by Name. Defaults to "mock" when empty.
	SourceName string

	// OpenErr, if non-nil, is returned by every Open call.
	OpenErr error

	// OpenErrs, if non-empty, are returned by successive Open calls in
	// order; a nil entry means that call succeeds. The last entry repeats.
	OpenErrs []error

	// FrameBuffer is the capacity of each created stream's frame channel.
	// Defaults to 64.
	FrameBuffer int

	// OpenCalls records every call to Open.
	OpenCalls []OpenCall

	streams []*Stream
}

// NewSource returns a Source whose streams buffer up to 64 frames.
func NewSource() *Source {
	return &Source{}
}

// Open records the call and returns a fresh Stream, or the configured error.
func (s *Source) Open(ctx context.Context, cfg audio.SourceConfig) (audio.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls = append(s.OpenCalls, OpenCall{Ctx: ctx, Config: cfg})
	n := len(s.OpenCalls) - 1

	err := s.OpenErr
	if len(s.OpenErrs) > 0 {
		err = s.OpenErrs[min(n, len(s.OpenErrs)-1)]
	}
	if err != nil {
		return nil, err
	}

	buffer := s.FrameBuffer
	if buffer <= 0 {
		buffer = 64
	}
	stream := &Stream{frames: make(chan audio.AudioFrame, buffer)}
	s.streams = append(s.streams, stream)
	return stream, nil
}

// Name returns SourceName or "mock".
func (s *Source) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SourceName != "" {
		return s.SourceName
	}
	return "mock"
}

// OpenCount returns the number of Open calls. Thread-safe.
func (s *Source) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.OpenCalls)
}

// LastStream returns the most recently opened stream, or nil when Open has
// not succeeded yet.
func (s *Source) LastStream() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.streams) == 0 {
		return nil
	}
	return s.streams[len(s.streams)-1]
}

// Stream is a mock implementation of audio.Stream fed by the test.
type Stream struct {
	mu     sync.Mutex
	frames chan audio.AudioFrame
	err    error
	closed bool

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Push delivers one frame to the stream's consumer. It reports false when
// the stream is already closed or the buffer is full.
func (st *Stream) Push(f audio.AudioFrame) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return false
	}
	select {
	case st.frames <- f:
		return true
	default:
		return false
	}
}

// Fail ends the stream with a fatal error. Err returns err afterwards.
func (st *Stream) Fail(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	st.closed = true
	st.err = err
	close(st.frames)
}

// Frames implements audio.Stream.
func (st *Stream) Frames() <-chan audio.AudioFrame {
	return st.frames
}

// Err implements audio.Stream.
func (st *Stream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

// Close implements audio.Stream. The frame channel is closed and Err stays
// nil.
func (st *Stream) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.CloseCallCount++
	if st.closed {
		return nil
	}
	st.closed = true
	close(st.frames)
	return nil
}

var (
	_ audio.Source = (*Source)(nil)
	_ audio.Stream = (*Stream)(nil)
)
