package processors

import (
	"context"

	"github.com/parleyvoice/parley/internal/pipeline"
	"github.com/parleyvoice/parley/pkg/frame"
)

// STTMute gates caller audio in front of the STT stage. While the engine's
// predicate reports muted (the bot is speaking a node that forbids barge-in),
// input audio frames are dropped so the recognizer never hears the caller
// talking over the bot. All other frames pass through.
type STTMute struct {
	shouldMute func() bool
}

var _ pipeline.Processor = (*STTMute)(nil)

// NewSTTMute creates the mute filter around the engine's predicate.
func NewSTTMute(shouldMute func() bool) *STTMute {
	return &STTMute{shouldMute: shouldMute}
}

// Name implements pipeline.Processor.
func (p *STTMute) Name() string { return "stt_mute" }

// ProcessFrame implements pipeline.Processor.
func (p *STTMute) ProcessFrame(_ context.Context, f frame.Frame, push pipeline.PushFunc) error {
	if _, ok := f.(*frame.InputAudioRawFrame); ok && p.shouldMute != nil && p.shouldMute() {
		return nil
	}
	push(f)
	return nil
}
