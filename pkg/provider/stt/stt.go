// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (Deepgram over its
// streaming WebSocket API, or a local whisper.cpp model) and exposes a uniform
// streaming interface. The central abstraction is SessionHandle: once opened,
// a session accepts raw audio chunks and emits two streams of Transcript
// values: low-latency partials for responsiveness and authoritative finals
// for the conversation context.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"time"
)

// Transcript is a speech-to-text result. Both partial (interim) and final
// transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is an authoritative result.
	IsFinal bool

	// Confidence is the overall confidence score in [0.0, 1.0]. Zero when the
	// provider does not report confidence.
	Confidence float64

	// Words contains per-word detail when available. Nil for providers
	// without word-level output.
	Words []WordDetail
}

// WordDetail holds per-word metadata from providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// StreamConfig describes the audio format and recognition hints for a new
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Telephony streams are 8000;
	// WebRTC decode output is typically 16000 or 48000.
	SampleRate int

	// Channels is the audio channel count. 1 for all call audio.
	Channels int

	// Encoding is the wire encoding of chunks passed to SendAudio: "linear16"
	// (default) or "mulaw". Providers that accept μ-law directly avoid a
	// transcode hop for carrier calls.
	Encoding string

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// Empty lets the provider auto-detect, if supported.
	Language string
}

// SessionHandle represents an open streaming session. It is an interface so
// test code can supply mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed; failing to do
// so leaks goroutines and network connections inside the implementation.
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw audio bytes for transcription. The
	// chunk must match the SampleRate, Channels, and Encoding agreed in
	// StreamConfig. Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel that emits low-latency interim
	// Transcript values. Interims drive turn-taking heuristics but are never
	// written to the conversation context. Closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel that emits authoritative Transcript
	// values. Closed when the session ends.
	Finals() <-chan Transcript

	// Close terminates the session, flushes pending audio, and releases all
	// associated resources. After Close returns, both channels will be
	// closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use; one session is opened per
// live call and hundreds of calls share a provider instance.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately. The caller owns the
	// handle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
