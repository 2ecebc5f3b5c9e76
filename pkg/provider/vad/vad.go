// Package vad defines the Engine interface for Voice Activity Detection
// backends and provides an energy-based reference implementation.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session maintains its own internal state
// (smoothing history, start/stop accumulators) so that multiple concurrent
// audio streams can be processed independently.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// detection result, making it suitable for low-latency pipeline stages that
// gate STT input and drive turn-taking.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// PCM frames passed to ProcessFrame. Common values: 8000, 16000, 48000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// ProcessFrame returns an error if the supplied frame does not match this
	// size. Typical: 20.
	FrameSizeMs int

	// Confidence is the speech probability above which a frame counts toward
	// speech onset. Range: [0.0, 1.0]. Typical: 0.7.
	Confidence float64

	// StartSecs is the duration of continuous speech frames required before
	// the session reports SpeechStart. Typical: 0.2.
	StartSecs float64

	// StopSecs is the duration of continuous non-speech frames required after
	// speech before the session reports SpeechEnd. Typical: 0.8.
	StopSecs float64

	// MinVolume is the minimum smoothed volume, normalized to [0.0, 1.0], for
	// a frame to count as speech regardless of confidence. Filters out quiet
	// line noise that still scores high on the model. Typical: 0.6.
	MinVolume float64
}

// Event represents a voice activity detection result for a single audio
// frame.
type Event struct {
	// Type is the detection result.
	Type EventType

	// Probability is the speech probability score (0.0 to 1.0).
	Probability float64
}

// EventType enumerates VAD detection states.
type EventType int

const (
	// SpeechStart indicates speech has just begun. Emitted once after
	// StartSecs of continuous speech.
	SpeechStart EventType = iota

	// SpeechContinue indicates ongoing speech.
	SpeechContinue

	// SpeechEnd indicates speech has just ended. Emitted once after StopSecs
	// of continuous quiet following speech.
	SpeechEnd

	// Silence indicates no speech detected.
	Silence
)

// String returns the event type name for logs.
func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "speech_start"
	case SpeechContinue:
		return "speech_continue"
	case SpeechEnd:
		return "speech_end"
	case Silence:
		return "silence"
	default:
		return "unknown"
	}
}

// SessionHandle represents an active VAD session for a single audio stream.
// It is an interface so that test code can supply mock implementations
// without a live engine. Each session maintains its own detection state;
// Reset clears this state without closing the session.
type SessionHandle interface {
	// ProcessFrame analyses a single audio frame and returns the detection
	// result. The frame must be raw little-endian 16-bit PCM at the
	// SampleRate and FrameSizeMs configured when the session was created.
	// Returns an error if the frame size is wrong or the engine encounters an
	// internal failure.
	//
	// Called synchronously in the audio pipeline loop; it must not block.
	ProcessFrame(frame []byte) (Event, error)

	// Reset clears all accumulated detection state without closing the
	// session. Use this after an interruption so stale state from the
	// previous segment does not affect subsequent frames.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. The
	// session is immediately ready to accept audio frames.
	//
	// Returns an error if the configuration is invalid (unsupported sample
	// rate, frame size, or threshold out of range) or if the engine cannot
	// allocate resources for the session.
	NewSession(cfg Config) (SessionHandle, error)
}
