package sttadapter

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by SendAudio once the session has been closed.
var ErrClosed = errors.New("sttadapter: session closed")

// MockProvider is a test/fallback Provider: it never talks to a real
// backend. Tests drive recognition output by pushing Transcript values
// through the MockSession returned from StartStream.
type MockProvider struct {
	mu       sync.Mutex
	sessions []*MockSession
	StartErr error
}

// StartStream implements Provider.
func (p *MockProvider) StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error) {
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	s := &MockSession{out: make(chan Transcript, 32), audio: make([][]byte, 0)}
	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()
	return s, nil
}

// Sessions returns every session this provider has ever started, in order.
func (p *MockProvider) Sessions() []*MockSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*MockSession, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// MockSession is a SessionHandle controlled entirely by test code.
type MockSession struct {
	mu     sync.Mutex
	out    chan Transcript
	audio  [][]byte
	err    error
	closed bool
}

// SendAudio implements SessionHandle.
func (s *MockSession) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.audio = append(s.audio, cp)
	return nil
}

// Transcripts implements SessionHandle.
func (s *MockSession) Transcripts() <-chan Transcript {
	return s.out
}

// Err implements SessionHandle.
func (s *MockSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements SessionHandle.
func (s *MockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.out)
	return nil
}

// Emit pushes a transcript to the session's output channel, as if the
// backend had just produced it.
func (s *MockSession) Emit(t Transcript) {
	s.out <- t
}

// Fail marks the session as ended with err and closes its output channel,
// as if the backend connection had dropped.
func (s *MockSession) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.out)
}

// AudioReceived returns a copy of every chunk handed to SendAudio so far.
func (s *MockSession) AudioReceived() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}
