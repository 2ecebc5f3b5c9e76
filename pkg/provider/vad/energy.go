package vad

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

const (
	// volumeSmoothing is the exponential smoothing factor applied to the
	// per-frame volume. Higher values react faster to changes.
	volumeSmoothing = 0.2

	// fullScale is the maximum absolute value of a 16-bit PCM sample.
	fullScale = 32768.0
)

// EnergyEngine is an Engine backed by a simple RMS energy detector. It has no
// model weights and no external dependencies, which makes it the default for
// telephony audio where the line is quiet between utterances, and the test
// double of choice for pipeline tests that need deterministic detection.
type EnergyEngine struct{}

// NewEnergyEngine creates an energy-based VAD engine.
func NewEnergyEngine() *EnergyEngine {
	return &EnergyEngine{}
}

// NewSession implements Engine.
func (e *EnergyEngine) NewSession(cfg Config) (SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("vad: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("vad: invalid frame size %d ms", cfg.FrameSizeMs)
	}
	if cfg.Confidence < 0 || cfg.Confidence > 1 {
		return nil, fmt.Errorf("vad: confidence %.2f out of range [0,1]", cfg.Confidence)
	}
	if cfg.MinVolume < 0 || cfg.MinVolume > 1 {
		return nil, fmt.Errorf("vad: min volume %.2f out of range [0,1]", cfg.MinVolume)
	}
	if cfg.StartSecs < 0 || cfg.StopSecs < 0 {
		return nil, errors.New("vad: start/stop seconds must not be negative")
	}

	frameBytes := cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2
	return &energySession{
		cfg:        cfg,
		frameBytes: frameBytes,
		frameSecs:  float64(cfg.FrameSizeMs) / 1000,
	}, nil
}

// energySession implements SessionHandle with a four-state machine:
// quiet → starting → speaking → stopping. Transitions require StartSecs of
// continuous speech to enter speaking and StopSecs of continuous quiet to
// leave it, which suppresses single-frame flickers in both directions.
type energySession struct {
	mu         sync.Mutex
	cfg        Config
	frameBytes int
	frameSecs  float64

	closed bool

	smoothedVolume float64
	speaking       bool
	speechSecs     float64 // continuous speech while not yet speaking
	quietSecs      float64 // continuous quiet while speaking
}

// ProcessFrame implements SessionHandle.
func (s *energySession) ProcessFrame(frame []byte) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Event{}, errors.New("vad: session is closed")
	}
	if len(frame) != s.frameBytes {
		return Event{}, fmt.Errorf("vad: frame is %d bytes, want %d (%d ms at %d Hz)",
			len(frame), s.frameBytes, s.cfg.FrameSizeMs, s.cfg.SampleRate)
	}

	volume := frameVolume(frame)
	s.smoothedVolume = volumeSmoothing*volume + (1-volumeSmoothing)*s.smoothedVolume

	// With a pure energy detector the probability is the smoothed volume
	// itself. A model-backed engine would substitute its score here and keep
	// the same state machine.
	prob := s.smoothedVolume
	isSpeech := prob >= s.cfg.Confidence && s.smoothedVolume >= s.cfg.MinVolume

	if s.speaking {
		if isSpeech {
			s.quietSecs = 0
			return Event{Type: SpeechContinue, Probability: prob}, nil
		}
		s.quietSecs += s.frameSecs
		if s.quietSecs >= s.cfg.StopSecs {
			s.speaking = false
			s.quietSecs = 0
			return Event{Type: SpeechEnd, Probability: prob}, nil
		}
		// Still counts as speech until the stop window elapses.
		return Event{Type: SpeechContinue, Probability: prob}, nil
	}

	if isSpeech {
		s.speechSecs += s.frameSecs
		if s.speechSecs >= s.cfg.StartSecs {
			s.speaking = true
			s.speechSecs = 0
			return Event{Type: SpeechStart, Probability: prob}, nil
		}
		return Event{Type: Silence, Probability: prob}, nil
	}

	s.speechSecs = 0
	return Event{Type: Silence, Probability: prob}, nil
}

// Reset implements SessionHandle.
func (s *energySession) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.smoothedVolume = 0
	s.speaking = false
	s.speechSecs = 0
	s.quietSecs = 0
}

// Close implements SessionHandle.
func (s *energySession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// frameVolume returns the RMS amplitude of a 16-bit PCM frame normalized to
// [0.0, 1.0].
func frameVolume(frame []byte) float64 {
	samples := len(frame) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := range samples {
		v := float64(int16(frame[i*2]) | int16(frame[i*2+1])<<8)
		sum += v * v
	}
	return math.Sqrt(sum/float64(samples)) / fullScale
}

// Compile-time interface checks.
var (
	_ Engine        = (*EnergyEngine)(nil)
	_ SessionHandle = (*energySession)(nil)
)
