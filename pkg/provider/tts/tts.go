// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider converts a stream of text fragments into a stream of raw
// audio bytes. Text arrives incrementally as the language model produces it,
// so the interface is channel based on both sides: callers feed sentence
// fragments into a text channel and read synthesized audio from the returned
// channel as soon as the first bytes are available. This keeps time-to-first-
// audio low, which matters more than throughput on a live call.
package tts

import "context"

// VoiceProfile identifies a synthesis voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is a human-readable display name.
	Name string

	// Provider names the backend this voice belongs to (e.g., "elevenlabs").
	Provider string

	// Metadata holds provider-specific attributes such as accent, gender, or
	// category. May be nil.
	Metadata map[string]string
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use; each live call opens its
// own synthesis stream but many calls share a provider instance.
type Provider interface {
	// SynthesizeStream converts text fragments to speech audio. Fragments read
	// from text are synthesized in order; the returned channel emits raw audio
	// chunks in the provider's configured output format.
	//
	// The audio channel is closed after the text channel is closed and all
	// remaining audio has been emitted, or when ctx is cancelled. Cancelling
	// ctx is the only way to abort synthesis mid-stream, which is how barge-in
	// interruptions cut the bot off.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// ListVoices returns the voices available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
