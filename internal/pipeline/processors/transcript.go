package processors

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/parleyvoice/parley/internal/pipeline"
	"github.com/parleyvoice/parley/pkg/frame"
)

// TranscriptLine is one committed turn of the call transcript.
type TranscriptLine struct {
	Role string // "user" or "assistant"
	Text string
	At   time.Time
}

// Transcript records the call transcript as it happens. User lines arrive as
// final transcription frames on the chain; assistant lines are added by the
// assistant aggregator after repair, so the transcript matches what was
// actually committed to the conversation.
type Transcript struct {
	mu    sync.Mutex
	lines []TranscriptLine
}

var _ pipeline.Processor = (*Transcript)(nil)

// NewTranscript creates an empty transcript recorder.
func NewTranscript() *Transcript {
	return &Transcript{}
}

// Name implements pipeline.Processor.
func (p *Transcript) Name() string { return "transcript" }

// ProcessFrame implements pipeline.Processor.
func (p *Transcript) ProcessFrame(_ context.Context, f frame.Frame, push pipeline.PushFunc) error {
	switch t := f.(type) {
	case *frame.TranscriptionFrame:
		p.add("user", t.Text)
	case *frame.TTSSpeakFrame:
		// Literal spoken lines (idle check-ins, closing lines) never pass
		// through the aggregator, so they are recorded here.
		p.add("assistant", t.Text)
	}
	push(f)
	return nil
}

// AddAssistant records a committed assistant turn.
func (p *Transcript) AddAssistant(text string) {
	p.add("assistant", text)
}

func (p *Transcript) add(role, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	p.mu.Lock()
	p.lines = append(p.lines, TranscriptLine{Role: role, Text: text, At: time.Now()})
	p.mu.Unlock()
}

// Lines returns a snapshot of the recorded transcript.
func (p *Transcript) Lines() []TranscriptLine {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TranscriptLine, len(p.lines))
	copy(out, p.lines)
	return out
}

// Render produces the plain-text transcript persisted at shutdown.
func (p *Transcript) Render() string {
	var sb strings.Builder
	for _, l := range p.Lines() {
		fmt.Fprintf(&sb, "[%s] %s: %s\n", l.At.Format("15:04:05.000"), l.Role, l.Text)
	}
	return sb.String()
}
