package processors

import (
	"context"

	"github.com/parleyvoice/parley/internal/aggregate"
	"github.com/parleyvoice/parley/internal/pipeline"
	"github.com/parleyvoice/parley/pkg/frame"
)

// assistantTurnSink is the slice of the workflow engine the assistant
// aggregator drives.
type assistantTurnSink interface {
	CommitAssistantTurn(text string)
	OnGenerationComplete(ctx context.Context)
	OnBotStartedSpeaking()
	OnBotStoppedSpeaking()
}

// AssistantAggregator assembles the streamed assistant tokens back into one
// turn per generation. The turn is repaired against the engine's reference
// text before being committed, and the generation-complete hook runs
// afterwards so end nodes terminate only once their final text is in the
// context. It also relays the playback signals from the transport output into
// the engine.
type AssistantAggregator struct {
	agg        *aggregate.AssistantAggregator
	sink       assistantTurnSink
	transcript *Transcript
}

var _ pipeline.Processor = (*AssistantAggregator)(nil)

// NewAssistantAggregator creates the assistant-turn stage. transcript may be
// nil when the call does not record one.
func NewAssistantAggregator(sink assistantTurnSink, correct aggregate.CorrectionFunc, transcript *Transcript) *AssistantAggregator {
	return &AssistantAggregator{
		agg:        aggregate.NewAssistantAggregator(correct),
		sink:       sink,
		transcript: transcript,
	}
}

// Name implements pipeline.Processor.
func (p *AssistantAggregator) Name() string { return "assistant_aggregator" }

// ProcessFrame implements pipeline.Processor.
func (p *AssistantAggregator) ProcessFrame(ctx context.Context, f frame.Frame, push pipeline.PushFunc) error {
	switch t := f.(type) {
	case *frame.LLMFullResponseStartFrame:
		p.agg.StartResponse()
	case *frame.LLMTextFrame:
		p.agg.AddText(t.Text)
	case *frame.LLMFullResponseEndFrame:
		if text, ok := p.agg.EndResponse(); ok {
			p.sink.CommitAssistantTurn(text)
			if p.transcript != nil {
				p.transcript.AddAssistant(text)
			}
		}
		p.sink.OnGenerationComplete(ctx)
	case *frame.BotStartedSpeakingFrame:
		p.sink.OnBotStartedSpeaking()
	case *frame.BotStoppedSpeakingFrame:
		p.sink.OnBotStoppedSpeaking()
	case *frame.InterruptionFrame:
		// The interrupted generation never commits.
		p.agg.StartResponse()
	}
	push(f)
	return nil
}
