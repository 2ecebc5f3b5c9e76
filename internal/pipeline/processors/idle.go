// Package processors contains the pipeline stages of a live call: media
// stages wrapping the VAD/STT/LLM/TTS providers, the aggregator stages that
// bridge streams into the workflow engine, and the supporting stages
// (watchdogs, mute filter, metrics, transcript, audio tap).
//
// Every processor forwards frames it does not consume so control signals
// reach the whole chain.
package processors

import (
	"context"
	"time"

	"github.com/parleyvoice/parley/internal/pipeline"
	"github.com/parleyvoice/parley/pkg/frame"
)

const (
	defaultIdleTimeout = 10 * time.Second
	maxIdleStrikes     = 2
)

// UserIdle watches for stretches of the call without user speech. It is a
// cooperative timer: expiry is checked on the heartbeat cadence, and any user
// speech frame resets it. The first expiry triggers strike 1 (a check-in
// prompt via the callback), the second ends the call.
type UserIdle struct {
	timeout time.Duration
	onIdle  func(strike int)

	lastActivity time.Time
	strikes      int
	stopped      bool
}

var _ pipeline.Processor = (*UserIdle)(nil)

// NewUserIdle creates the idle watchdog. timeout zero means 10 s.
func NewUserIdle(timeout time.Duration, onIdle func(strike int)) *UserIdle {
	if timeout <= 0 {
		timeout = defaultIdleTimeout
	}
	return &UserIdle{timeout: timeout, onIdle: onIdle}
}

// Name implements pipeline.Processor.
func (p *UserIdle) Name() string { return "user_idle" }

// ProcessFrame implements pipeline.Processor.
func (p *UserIdle) ProcessFrame(_ context.Context, f frame.Frame, push pipeline.PushFunc) error {
	switch t := f.(type) {
	case *frame.StartFrame:
		p.lastActivity = time.Now()
	case *frame.UserStartedSpeakingFrame, *frame.TranscriptionFrame, *frame.InterimTranscriptionFrame:
		p.lastActivity = time.Now()
		p.strikes = 0
	case *frame.HeartbeatFrame:
		p.check(t.At)
	case *frame.EndFrame, *frame.CancelFrame:
		p.stopped = true
	}
	push(f)
	return nil
}

func (p *UserIdle) check(now time.Time) {
	if p.stopped || p.strikes >= maxIdleStrikes || p.lastActivity.IsZero() {
		return
	}
	if now.Sub(p.lastActivity) < p.timeout {
		return
	}
	p.strikes++
	p.lastActivity = now
	if p.onIdle != nil {
		p.onIdle(p.strikes)
	}
}
