package capture

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
)

// fakeStream delivers chunks sent on data. Closing data ends the stream
// with io.EOF; Close unblocks a pending Read.
type fakeStream struct {
	data      chan string
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
}

func newFakeStream() *fakeStream {
	return &fakeStream{data: make(chan string), closed: make(chan struct{})}
}

func (s *fakeStream) Read(b []byte) (int, error) {
	select {
	case chunk, ok := <-s.data:
		if !ok {
			return 0, io.EOF
		}
		return copy(b, chunk), nil
	case <-s.closed:
		return 0, io.EOF
	}
}

func (s *fakeStream) Close() error {
	s.closes.Add(1)
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// killableStream is a fakeStream that behaves like a process. With
// ignoreTerm it survives Terminate; with ignoreKill it survives Kill.
type killableStream struct {
	*fakeStream
	ignoreTerm bool
	ignoreKill bool

	terminated chan struct{}
	killed     chan struct{}
	exited     chan struct{}

	termOnce, killOnce, exitOnce sync.Once
	terminates, kills            atomic.Int32
}

func newKillableStream() *killableStream {
	return &killableStream{
		fakeStream: newFakeStream(),
		terminated: make(chan struct{}),
		killed:     make(chan struct{}),
		exited:     make(chan struct{}),
	}
}

func (s *killableStream) Terminate() error {
	s.terminates.Add(1)
	s.termOnce.Do(func() { close(s.terminated) })
	if !s.ignoreTerm {
		s.exit()
	}
	return nil
}

func (s *killableStream) Kill() error {
	s.kills.Add(1)
	s.killOnce.Do(func() { close(s.killed) })
	if !s.ignoreKill {
		s.exit()
	}
	return nil
}

func (s *killableStream) exit() { s.exitOnce.Do(func() { close(s.exited) }) }

func (s *killableStream) Done() <-chan struct{} { return s.exited }

func wasClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

type fakeSource struct {
	stream Stream
	err    error

	mu    sync.Mutex
	opens int
}

func (s *fakeSource) String() string { return "fake" }

func (s *fakeSource) Open(ctx context.Context) (Stream, error) {
	s.mu.Lock()
	s.opens++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.stream, nil
}

func (s *fakeSource) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}
