package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/parleyvoice/parley/internal/pipeline"
	"github.com/parleyvoice/parley/internal/turnend"
	"github.com/parleyvoice/parley/pkg/frame"
)

// disconnectNotifier is the slice of the engine the call-control stage
// drives.
type disconnectNotifier interface {
	NotifyClientDisconnected(reason string)
}

// callControl sits directly behind the transport input and relays peer
// lifecycle frames into the engine. A disconnect ends the call with the
// hangup path; the disposition resolution downgrades it to USER_HANGUP or
// NIBP by call age.
type callControl struct {
	notify disconnectNotifier
}

var _ pipeline.Processor = (*callControl)(nil)

func newCallControl(notify disconnectNotifier) *callControl {
	return &callControl{notify: notify}
}

// Name implements pipeline.Processor.
func (p *callControl) Name() string { return "call_control" }

// ProcessFrame implements pipeline.Processor.
func (p *callControl) ProcessFrame(_ context.Context, f frame.Frame, push pipeline.PushFunc) error {
	if t, ok := f.(*frame.ClientDisconnectedFrame); ok {
		p.notify.NotifyClientDisconnected(t.Reason)
	}
	push(f)
	return nil
}

const (
	// holdProbability is the classifier confidence required to hold a VAD
	// stop. Anything less (including the fail-open verdict) passes through.
	holdProbability = 0.8

	// holdTimeout bounds how long a held stop waits for the user to resume
	// before it is released anyway.
	holdTimeout = 1500 * time.Millisecond
)

// pendingSource exposes the buffered text of the open user turn. Satisfied
// by the user aggregator.
type pendingSource interface {
	Pending() string
}

// turnGate consults the remote end-of-turn classifier on each VAD stop.
// When the classifier is confident the pause is mid-sentence, the stop frame
// is held back so the turn stays open; the user resuming speech confirms the
// verdict, and a heartbeat past the hold deadline releases the stop if they
// never did. With no classifier configured the gate is a pass-through.
type turnGate struct {
	cls     *turnend.Classifier
	pending pendingSource
	log     *slog.Logger

	holding   bool
	holdUntil time.Time
}

var _ pipeline.Processor = (*turnGate)(nil)

func newTurnGate(cls *turnend.Classifier, pending pendingSource, log *slog.Logger) *turnGate {
	if log == nil {
		log = slog.Default()
	}
	return &turnGate{cls: cls, pending: pending, log: log}
}

// Name implements pipeline.Processor.
func (p *turnGate) Name() string { return "turn_gate" }

// ProcessFrame implements pipeline.Processor.
func (p *turnGate) ProcessFrame(ctx context.Context, f frame.Frame, push pipeline.PushFunc) error {
	if p.cls == nil {
		push(f)
		return nil
	}

	switch t := f.(type) {
	case *frame.UserStoppedSpeakingFrame:
		verdict, err := p.cls.Classify(ctx, p.pending.Pending())
		if err == nil && !verdict.EndOfTurn && verdict.Probability >= holdProbability {
			p.holding = true
			p.holdUntil = time.Now().Add(holdTimeout)
			p.log.Debug("holding turn end", "probability", verdict.Probability)
			return nil // consumed; the turn stays open
		}
		p.holding = false
	case *frame.UserStartedSpeakingFrame:
		// The user resumed as predicted; the held stop is obsolete.
		p.holding = false
	case *frame.HeartbeatFrame:
		if p.holding && t.At.After(p.holdUntil) {
			p.holding = false
			stop := &frame.UserStoppedSpeakingFrame{}
			stop.SetDirection(frame.Downstream)
			push(stop)
		}
	case *frame.EndFrame, *frame.CancelFrame:
		p.holding = false
	}
	push(f)
	return nil
}
