package processors

import (
	"context"
	"sync"

	"github.com/parleyvoice/parley/internal/pipeline"
	"github.com/parleyvoice/parley/pkg/frame"
)

// Metrics folds the incremental MetricsFrames emitted by the service stages
// into the call's usage totals. The totals become the workflow run's
// usage_info at shutdown.
type Metrics struct {
	mu     sync.Mutex
	totals map[string]frame.ServiceUsage
}

var _ pipeline.Processor = (*Metrics)(nil)

// NewMetrics creates an empty usage aggregator.
func NewMetrics() *Metrics {
	return &Metrics{totals: make(map[string]frame.ServiceUsage)}
}

// Name implements pipeline.Processor.
func (p *Metrics) Name() string { return "metrics" }

// ProcessFrame implements pipeline.Processor.
func (p *Metrics) ProcessFrame(_ context.Context, f frame.Frame, push pipeline.PushFunc) error {
	if mf, ok := f.(*frame.MetricsFrame); ok {
		p.mu.Lock()
		for _, u := range mf.Usage {
			t := p.totals[u.Service]
			t.Service = u.Service
			t.PromptTokens += u.PromptTokens
			t.CompletionTokens += u.CompletionTokens
			t.AudioSeconds += u.AudioSeconds
			p.totals[u.Service] = t
		}
		p.mu.Unlock()
	}
	push(f)
	return nil
}

// Totals returns a snapshot of per-service usage.
func (p *Metrics) Totals() map[string]frame.ServiceUsage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]frame.ServiceUsage, len(p.totals))
	for k, v := range p.totals {
		out[k] = v
	}
	return out
}

// UsageInfo renders the totals in the shape persisted on the workflow run.
func (p *Metrics) UsageInfo() map[string]any {
	out := make(map[string]any)
	for service, u := range p.Totals() {
		entry := map[string]any{}
		if u.PromptTokens > 0 || u.CompletionTokens > 0 {
			entry["prompt_tokens"] = u.PromptTokens
			entry["completion_tokens"] = u.CompletionTokens
		}
		if u.AudioSeconds > 0 {
			entry["audio_seconds"] = u.AudioSeconds
		}
		out[service] = entry
	}
	return out
}
