// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify the
// VoiceProfile and text fragments passed to the TTS backend. By default the
// mock drains the text channel in the background; set EchoText to instead
// emit one audio chunk per received fragment, which lets pipeline tests
// correlate audio output with text input.
package mock

import (
	"context"
	"sync"

	"github.com/parleyvoice/parley/pkg/provider/tts"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	Ctx   context.Context
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// SynthesizeChunks is the sequence of audio byte slices emitted on the
	// channel returned by SynthesizeStream. Ignored when EchoText is set.
	SynthesizeChunks [][]byte

	// EchoText, when true, makes SynthesizeStream emit each received text
	// fragment back as an audio chunk ([]byte(fragment)).
	EchoText bool

	// SynthesizeErr, if non-nil, is returned from SynthesizeStream instead of
	// starting a channel.
	SynthesizeErr error

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned from ListVoices.
	ListVoicesErr error

	// --- Call records (read after test) ---

	SynthesizeStreamCalls []SynthesizeStreamCall

	// Fragments records every text fragment read from the input channels
	// across all SynthesizeStream calls.
	Fragments []string
}

// SynthesizeStream records the call and returns a channel emitting the
// configured audio chunks.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, SynthesizeStreamCall{Ctx: ctx, Voice: voice})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	echo := p.EchoText
	chunks := make([][]byte, len(p.SynthesizeChunks))
	copy(chunks, p.SynthesizeChunks)
	p.mu.Unlock()

	ch := make(chan []byte, 64)
	go func() {
		defer close(ch)
		if echo {
			for frag := range text {
				p.recordFragment(frag)
				select {
				case <-ctx.Done():
					return
				case ch <- []byte(frag):
				}
			}
			return
		}
		// Drain text in the background so the caller never blocks writing.
		go func() {
			for frag := range text {
				p.recordFragment(frag)
			}
		}()
		for _, audio := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- audio:
			}
		}
	}()
	return ch, nil
}

func (p *Provider) recordFragment(frag string) {
	p.mu.Lock()
	p.Fragments = append(p.Fragments, frag)
	p.mu.Unlock()
}

// ListVoices records nothing and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ListVoicesResult, p.ListVoicesErr
}

// ReceivedFragments returns a snapshot of recorded text fragments.
// Thread-safe.
func (p *Provider) ReceivedFragments() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Fragments))
	copy(out, p.Fragments)
	return out
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
