// Package mock provides test doubles for the vad.Engine and
// vad.SessionHandle interfaces.
package mock

import (
	"sync"

	"github.com/parleyvoice/parley/pkg/provider/vad"
)

// Session is a mock vad.SessionHandle that returns scripted events.
type Session struct {
	mu sync.Mutex

	// Events is the sequence returned by successive ProcessFrame calls.
	// Calls beyond the script return Silence.
	Events []vad.Event

	// ProcessErr, if non-nil, is returned from every ProcessFrame call.
	ProcessErr error

	// Frames records every frame passed to ProcessFrame.
	Frames [][]byte

	// ResetCalls counts Reset invocations.
	ResetCalls int

	next   int
	closed bool
}

// ProcessFrame implements vad.SessionHandle.
func (s *Session) ProcessFrame(frame []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.Frames = append(s.Frames, cp)
	if s.ProcessErr != nil {
		return vad.Event{}, s.ProcessErr
	}
	if s.next < len(s.Events) {
		ev := s.Events[s.next]
		s.next++
		return ev, nil
	}
	return vad.Event{Type: vad.Silence}, nil
}

// Reset implements vad.SessionHandle.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCalls++
	s.next = 0
}

// Close implements vad.SessionHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close has been called. Thread-safe.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Engine is a mock vad.Engine returning a pre-built Session.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. When nil, a fresh mock session is
	// created per call.
	Session *Session

	// NewErr, if non-nil, is returned from NewSession.
	NewErr error

	// NewCalls records the Config of every NewSession call.
	NewCalls []vad.Config
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewCalls = append(e.NewCalls, cfg)
	if e.NewErr != nil {
		return nil, e.NewErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Compile-time interface checks.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)
