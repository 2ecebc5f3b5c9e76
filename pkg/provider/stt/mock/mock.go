// Package mock provides test doubles for the stt.Provider and
// stt.SessionHandle interfaces.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/parleyvoice/parley/pkg/provider/stt"
)

// Session is a mock stt.SessionHandle. Feed transcripts with EmitPartial and
// EmitFinal; audio sent via SendAudio is recorded in Chunks.
type Session struct {
	mu     sync.Mutex
	closed bool

	partials chan stt.Transcript
	finals   chan stt.Transcript

	// Chunks records every SendAudio payload in order.
	Chunks [][]byte
}

// NewSession constructs a mock session with buffered transcript channels.
func NewSession() *Session {
	return &Session{
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
	}
}

// SendAudio records the chunk. Returns an error after Close.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock stt: session is closed")
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.Chunks = append(s.Chunks, cp)
	return nil
}

// EmitPartial delivers an interim transcript to the Partials channel.
func (s *Session) EmitPartial(text string) {
	s.partials <- stt.Transcript{Text: text}
}

// EmitFinal delivers a final transcript to the Finals channel.
func (s *Session) EmitFinal(text string, confidence float64) {
	s.finals <- stt.Transcript{Text: text, IsFinal: true, Confidence: confidence}
}

// Partials implements stt.SessionHandle.
func (s *Session) Partials() <-chan stt.Transcript { return s.partials }

// Finals implements stt.SessionHandle.
func (s *Session) Finals() <-chan stt.Transcript { return s.finals }

// Close marks the session closed and closes both channels. Safe to call
// multiple times.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.partials)
	close(s.finals)
	return nil
}

// SentBytes returns the total number of audio bytes recorded. Thread-safe.
func (s *Session) SentBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.Chunks {
		n += len(c)
	}
	return n
}

// Provider is a mock stt.Provider that returns a pre-built Session.
type Provider struct {
	mu sync.Mutex

	// Session is returned by StartStream. When nil, a fresh mock session is
	// created per call.
	Session *Session

	// StartErr, if non-nil, is returned from StartStream.
	StartErr error

	// StartCalls records the StreamConfig of every StartStream call.
	StartCalls []stt.StreamConfig
}

// StartStream implements stt.Provider.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartCalls = append(p.StartCalls, cfg)
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Compile-time interface checks.
var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*Session)(nil)
)
