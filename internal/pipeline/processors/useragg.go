package processors

import (
	"context"

	"github.com/parleyvoice/parley/internal/aggregate"
	"github.com/parleyvoice/parley/internal/pipeline"
	"github.com/parleyvoice/parley/pkg/frame"
)

// userTurnSink is the slice of the workflow engine the user aggregator
// drives.
type userTurnSink interface {
	OnUserStartedSpeaking()
	OnUserStoppedSpeaking()
	CommitUserTurn(ctx context.Context, text string)
}

// UserAggregator bridges the speech stream into whole user turns. Final
// transcripts buffer between the started- and stopped-speaking signals; the
// stopped signal commits exactly one user message through the engine, which
// triggers the next generation.
type UserAggregator struct {
	agg  *aggregate.UserAggregator
	sink userTurnSink
}

var _ pipeline.Processor = (*UserAggregator)(nil)

// NewUserAggregator creates the user-turn stage.
func NewUserAggregator(sink userTurnSink) *UserAggregator {
	return &UserAggregator{agg: aggregate.NewUserAggregator(), sink: sink}
}

// Name implements pipeline.Processor.
func (p *UserAggregator) Name() string { return "user_aggregator" }

// ProcessFrame implements pipeline.Processor.
func (p *UserAggregator) ProcessFrame(ctx context.Context, f frame.Frame, push pipeline.PushFunc) error {
	switch t := f.(type) {
	case *frame.UserStartedSpeakingFrame:
		p.agg.StartTurn()
		p.sink.OnUserStartedSpeaking()
	case *frame.TranscriptionFrame:
		p.agg.AddTranscript(t.Text)
		// A final landing after the stop signal closes the turn late.
		if !p.agg.Speaking() {
			p.commit(ctx)
		}
	case *frame.UserStoppedSpeakingFrame:
		p.sink.OnUserStoppedSpeaking()
		p.commit(ctx)
	case *frame.InterruptionFrame:
		// Barge-in: the open turn keeps buffering, nothing to discard here.
	case *frame.CancelFrame:
		p.agg.Reset()
	}
	push(f)
	return nil
}

// Pending exposes the buffered text of the open turn for the end-of-turn
// classifier.
func (p *UserAggregator) Pending() string { return p.agg.Pending() }

func (p *UserAggregator) commit(ctx context.Context) {
	if text, ok := p.agg.EndTurn(); ok {
		p.sink.CommitUserTurn(ctx, text)
	}
}
