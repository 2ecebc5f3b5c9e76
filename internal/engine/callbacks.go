package engine

import (
	"context"

	"github.com/parleyvoice/parley/internal/aggregate"
	"github.com/parleyvoice/parley/internal/dispo"
	"github.com/parleyvoice/parley/pkg/frame"
)

// The callback factories below are the engine's wiring surface: the pipeline
// assembler hands these closures to the processors so that all conversation
// state decisions stay inside the engine.

// ShouldMuteCallback returns the predicate the STT mute filter consults per
// audio frame. The caller is muted while the bot speaks a node that forbids
// barge-in; the flag reflects the node the user is currently hearing, not
// the node the engine may already have moved to.
func (e *Engine) ShouldMuteCallback() func() bool {
	return func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.botSpeaking {
			return false
		}
		hearing := e.hearing
		if hearing == nil {
			hearing = e.current
		}
		return hearing != nil && !hearing.AllowInterrupt
	}
}

// OnBotStartedSpeaking records that playback of the most recent generation
// has begun; from here on the user hears the node that generated it.
func (e *Engine) OnBotStartedSpeaking() {
	e.mu.Lock()
	e.botSpeaking = true
	if e.generating != nil {
		e.hearing = e.generating
	} else {
		e.hearing = e.current
	}
	e.mu.Unlock()
}

// OnBotStoppedSpeaking records that playback has drained.
func (e *Engine) OnBotStoppedSpeaking() {
	e.mu.Lock()
	e.botSpeaking = false
	e.mu.Unlock()
}

// OnUserStartedSpeaking opens the user turn window; transitions requested by
// a concurrent generation are deferred until the turn is committed.
func (e *Engine) OnUserStartedSpeaking() {
	e.mu.Lock()
	e.userTurnOpen = true
	e.mu.Unlock()
}

// OnUserStoppedSpeaking closes the turn window. The aggregator follows up
// with CommitUserTurn when the turn produced text.
func (e *Engine) OnUserStoppedSpeaking() {
	e.mu.Lock()
	e.userTurnOpen = false
	e.mu.Unlock()
}

// UserIdleCallback returns the handler the idle processor calls on each
// expiry. The first strike speaks a check-in line; the second ends the call
// with the idle disposition. When the conversation never left the start
// node, the first strike ends the call immediately.
func (e *Engine) UserIdleCallback() func(strike int) {
	return func(strike int) {
		e.mu.Lock()
		onStart := e.current != nil && e.current.IsStart
		ended := e.endTaskSent
		e.mu.Unlock()
		if ended {
			return
		}

		if strike <= 1 {
			if onStart {
				e.SendEndTaskFrame(dispo.UserIdle, false)
				return
			}
			e.speak(e.checkInLine)
			return
		}
		e.speak(e.goodbyeLine)
		e.SendEndTaskFrame(dispo.UserIdle, false)
	}
}

// MaxDurationCallback returns the handler the max-duration processor calls
// when the wall-clock limit is exceeded. Speaks the closing line and ends
// the call; the processor guarantees a single invocation.
func (e *Engine) MaxDurationCallback() func() {
	return func() {
		if e.Ended() {
			return
		}
		e.speak(e.closingLine)
		e.SendEndTaskFrame(dispo.DurationExceeded, false)
	}
}

// AggregationCorrectionCallback returns the repair function the assistant
// aggregator runs before committing a turn, aligning the assembled text
// against the reference the engine accumulated from the model's own tokens.
func (e *Engine) AggregationCorrectionCallback() aggregate.CorrectionFunc {
	return func(corrupted string) string {
		return aggregate.Repair(e.TakeReference(), corrupted)
	}
}

// GenerationStartedCallback returns the hook the LLM stage invokes when a
// generation begins.
func (e *Engine) GenerationStartedCallback() func() {
	return func() { e.OnGenerationStarted() }
}

// GenerationCompleteCallback returns the hook the LLM stage invokes when a
// generation's text has been fully committed.
func (e *Engine) GenerationCompleteCallback() func(ctx context.Context) {
	return func(ctx context.Context) { e.OnGenerationComplete(ctx) }
}

// speak emits a literal TTS line that did not come from a generation.
func (e *Engine) speak(text string) {
	f := &frame.TTSSpeakFrame{Text: text}
	f.SetDirection(frame.Downstream)
	e.emit(f)
}
