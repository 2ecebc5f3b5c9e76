package processors

import (
	"context"
	"time"

	"github.com/parleyvoice/parley/internal/pipeline"
	"github.com/parleyvoice/parley/pkg/frame"
)

const defaultMaxCallDuration = 300 * time.Second

// MaxDuration enforces the per-workflow wall-clock limit. It measures elapsed
// time from the StartFrame against the heartbeat cadence and fires its
// callback exactly once.
type MaxDuration struct {
	limit      time.Duration
	onExceeded func()

	startedAt time.Time
	fired     bool
}

var _ pipeline.Processor = (*MaxDuration)(nil)

// NewMaxDuration creates the duration watchdog. limit zero means 300 s.
func NewMaxDuration(limit time.Duration, onExceeded func()) *MaxDuration {
	if limit <= 0 {
		limit = defaultMaxCallDuration
	}
	return &MaxDuration{limit: limit, onExceeded: onExceeded}
}

// Name implements pipeline.Processor.
func (p *MaxDuration) Name() string { return "max_duration" }

// ProcessFrame implements pipeline.Processor.
func (p *MaxDuration) ProcessFrame(_ context.Context, f frame.Frame, push pipeline.PushFunc) error {
	switch t := f.(type) {
	case *frame.StartFrame:
		p.startedAt = time.Now()
	case *frame.HeartbeatFrame:
		if !p.fired && !p.startedAt.IsZero() && t.At.Sub(p.startedAt) >= p.limit {
			p.fired = true
			if p.onExceeded != nil {
				p.onExceeded()
			}
		}
	}
	push(f)
	return nil
}
