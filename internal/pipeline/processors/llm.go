package processors

import (
	"context"
	"log/slog"
	"sync"

	"github.com/parleyvoice/parley/internal/pipeline"
	"github.com/parleyvoice/parley/pkg/frame"
	"github.com/parleyvoice/parley/pkg/provider/llm"
)

// generationDriver is the slice of the workflow engine the LLM stage drives.
type generationDriver interface {
	OnGenerationStarted()
	HandleLLMTextFrame(text string)
	HandleToolCall(ctx context.Context, call llm.ToolCall)
}

// contextSource supplies the completion request for the next generation.
// Satisfied by the engine-owned conversation context.
type contextSource interface {
	CompletionRequest() llm.CompletionRequest
}

// LLM runs streaming generations against the conversation context. Context
// pushes arrive either on the chain (from the user aggregator) or through
// Inject (from the engine after a node transition); both enqueue exactly one
// generation, executed serially by a worker goroutine so a generation that
// suspends on the provider never stalls the chain.
//
// The engine's Emit is wired to Inject: tool results and literal speak lines
// pass through into the chain, context pushes become generations, and a tool
// result flagged run_llm re-runs the model so it sees the output.
type LLM struct {
	provider llm.Provider
	driver   generationDriver
	convo    contextSource
	log      *slog.Logger

	mu        sync.Mutex
	push      pipeline.PushFunc
	genCancel context.CancelFunc
	closed    bool

	genCh chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

var (
	_ pipeline.Processor = (*LLM)(nil)
	_ pipeline.Closer    = (*LLM)(nil)
)

// NewLLM creates the generation stage.
func NewLLM(provider llm.Provider, driver generationDriver, convo contextSource, log *slog.Logger) *LLM {
	if log == nil {
		log = slog.Default()
	}
	return &LLM{
		provider: provider,
		driver:   driver,
		convo:    convo,
		log:      log,
		genCh:    make(chan struct{}, 16),
	}
}

// Name implements pipeline.Processor.
func (p *LLM) Name() string { return "llm" }

// ProcessFrame implements pipeline.Processor.
func (p *LLM) ProcessFrame(ctx context.Context, f frame.Frame, push pipeline.PushFunc) error {
	p.mu.Lock()
	p.push = push
	p.mu.Unlock()

	switch f.(type) {
	case *frame.StartFrame:
		p.once.Do(func() {
			p.wg.Add(1)
			go p.worker(context.WithoutCancel(ctx))
		})
	case *frame.LLMContextFrame:
		p.requestGeneration()
		return nil // consumed
	case *frame.InterruptionFrame:
		p.cancelGeneration()
	case *frame.EndFrame, *frame.CancelFrame:
		p.shutdown()
	}
	push(f)
	return nil
}

// Inject receives the frames the engine emits. Safe from any goroutine.
func (p *LLM) Inject(f frame.Frame) {
	switch t := f.(type) {
	case *frame.LLMContextFrame:
		p.requestGeneration()
	case *frame.ToolResultFrame:
		p.emit(f)
		if t.RunLLM {
			p.requestGeneration()
		}
	default:
		p.emit(f)
	}
}

func (p *LLM) requestGeneration() {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	select {
	case p.genCh <- struct{}{}:
	default:
		p.log.Warn("generation queue full, dropping context push")
	}
}

func (p *LLM) cancelGeneration() {
	p.mu.Lock()
	if p.genCancel != nil {
		p.genCancel()
	}
	p.mu.Unlock()
}

func (p *LLM) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-p.genCh:
			if !ok {
				return
			}
			p.drainPending()
			p.generate(ctx)
		}
	}
}

// drainPending absorbs generation requests queued behind the one being
// served. Requests made before a generation starts all see the same context,
// so a single run answers them; a tool rerun and a node transition requested
// by the same response collapse into one follow-up generation.
func (p *LLM) drainPending() {
	for {
		select {
		case _, ok := <-p.genCh:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (p *LLM) generate(ctx context.Context) {
	genCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.genCancel = cancel
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		p.genCancel = nil
		p.mu.Unlock()
	}()

	req := p.convo.CompletionRequest()
	chunks, err := p.provider.StreamCompletion(genCtx, req)
	if err != nil {
		p.log.Error("llm stream failed to start", "error", err)
		return
	}

	p.driver.OnGenerationStarted()
	start := &frame.LLMFullResponseStartFrame{}
	start.SetDirection(frame.Downstream)
	p.emit(start)

	var toolCalls []llm.ToolCall
	for c := range chunks {
		if c.Text != "" {
			p.driver.HandleLLMTextFrame(c.Text)
			tf := &frame.LLMTextFrame{Text: c.Text}
			tf.SetDirection(frame.Downstream)
			p.emit(tf)
		}
		if len(c.ToolCalls) > 0 {
			toolCalls = append(toolCalls, c.ToolCalls...)
		}
		if c.Usage != nil {
			mf := &frame.MetricsFrame{Usage: []frame.ServiceUsage{{
				Service:          "llm",
				PromptTokens:     c.Usage.PromptTokens,
				CompletionTokens: c.Usage.CompletionTokens,
			}}}
			mf.SetDirection(frame.Downstream)
			p.emit(mf)
		}
	}

	end := &frame.LLMFullResponseEndFrame{}
	end.SetDirection(frame.Downstream)
	p.emit(end)

	// Tool calls run after the response is bracketed so the assistant
	// aggregator commits the text before any node transition rewrites the
	// system message.
	for _, call := range toolCalls {
		p.driver.HandleToolCall(ctx, call)
	}
}

func (p *LLM) emit(f frame.Frame) {
	p.mu.Lock()
	push := p.push
	p.mu.Unlock()
	if push != nil {
		push(f)
	}
}

func (p *LLM) shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.genCancel != nil {
		p.genCancel()
	}
	p.mu.Unlock()
	close(p.genCh)
}

// Close implements pipeline.Closer.
func (p *LLM) Close() error {
	p.shutdown()
	p.wg.Wait()
	return nil
}
