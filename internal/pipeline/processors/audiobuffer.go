package processors

import (
	"context"
	"sync"

	"github.com/parleyvoice/parley/internal/pipeline"
	"github.com/parleyvoice/parley/pkg/frame"
)

const defaultAudioBufferLimit = 10 << 20 // 10 MiB ≈ 10 min of 8 kHz PCM-16

// AudioBuffer taps the caller audio passing through the chain. It keeps a
// bounded copy for the call recording and can hand out a live tap channel
// that feeds the voicemail detector during the opening seconds of the call.
//
// The tap is independent of VAD: every input audio frame is forwarded
// unchanged regardless of speech state.
type AudioBuffer struct {
	limit int

	mu     sync.Mutex
	buf    []byte
	tap    chan []byte
	closed bool
}

var (
	_ pipeline.Processor = (*AudioBuffer)(nil)
	_ pipeline.Closer    = (*AudioBuffer)(nil)
)

// NewAudioBuffer creates the tap. limit zero means 10 MiB; once reached, new
// audio is dropped from the recording copy (the live tap keeps flowing).
func NewAudioBuffer(limit int) *AudioBuffer {
	if limit <= 0 {
		limit = defaultAudioBufferLimit
	}
	return &AudioBuffer{limit: limit}
}

// Name implements pipeline.Processor.
func (p *AudioBuffer) Name() string { return "audio_buffer" }

// Tap returns a channel carrying copies of incoming caller audio. A slow
// consumer loses chunks rather than stalling the call. The channel closes on
// CloseTap or when the call ends.
func (p *AudioBuffer) Tap() <-chan []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tap == nil && !p.closed {
		p.tap = make(chan []byte, 256)
	}
	return p.tap
}

// CloseTap closes the live tap channel, ending the voicemail detector's feed.
func (p *AudioBuffer) CloseTap() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tap != nil {
		close(p.tap)
		p.tap = nil
	}
}

// ProcessFrame implements pipeline.Processor.
func (p *AudioBuffer) ProcessFrame(_ context.Context, f frame.Frame, push pipeline.PushFunc) error {
	switch t := f.(type) {
	case *frame.InputAudioRawFrame:
		p.capture(t.Data)
	case *frame.EndFrame, *frame.CancelFrame:
		p.markClosed()
	}
	push(f)
	return nil
}

func (p *AudioBuffer) capture(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if len(p.buf)+len(data) <= p.limit {
		p.buf = append(p.buf, data...)
	}
	if p.tap != nil {
		cp := make([]byte, len(data))
		copy(cp, data)
		select {
		case p.tap <- cp:
		default:
		}
	}
}

func (p *AudioBuffer) markClosed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.tap != nil {
		close(p.tap)
		p.tap = nil
	}
}

// Bytes returns a copy of the recorded caller audio.
func (p *AudioBuffer) Bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, len(p.buf))
	copy(out, p.buf)
	return out
}

// Close implements pipeline.Closer.
func (p *AudioBuffer) Close() error {
	p.markClosed()
	return nil
}
