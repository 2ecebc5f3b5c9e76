package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/parleyvoice/parley/pkg/provider/llm"
	llmmock "github.com/parleyvoice/parley/pkg/provider/llm/mock"
)

func newLLMChain(primary, secondary llm.Provider, maxFailures int) *LLMFallback {
	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: maxFailures},
	})
	fb.AddFallback("secondary", secondary)
	return fb
}

func TestLLMFallback_PrimaryServesWhenHealthy(t *testing.T) {
	primary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from primary"},
	}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from secondary"},
	}
	fb := newLLMChain(primary, secondary, 3)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from primary" {
		t.Errorf("content = %q, want the primary's answer", resp.Content)
	}
	if len(secondary.CompleteCalls) != 0 {
		t.Errorf("secondary called %d times while primary healthy, want 0", len(secondary.CompleteCalls))
	}
}

func TestLLMFallback_FailsOverOnError(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from secondary"},
	}
	fb := newLLMChain(primary, secondary, 3)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from secondary" {
		t.Errorf("content = %q, want the fallback's answer", resp.Content)
	}
	if len(primary.CompleteCalls) != 1 {
		t.Errorf("primary called %d times, want 1", len(primary.CompleteCalls))
	}
}

func TestLLMFallback_AllBackendsDown(t *testing.T) {
	fb := newLLMChain(
		&llmmock.Provider{CompleteErr: errors.New("primary down")},
		&llmmock.Provider{CompleteErr: errors.New("secondary down")},
		3,
	)
	if _, err := fb.Complete(context.Background(), llm.CompletionRequest{}); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestLLMFallback_OpenCircuitSkipsPrimary(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from secondary"},
	}
	fb := newLLMChain(primary, secondary, 1)

	// First call trips the primary's breaker.
	if _, err := fb.Complete(context.Background(), llm.CompletionRequest{}); err != nil {
		t.Fatalf("first Complete: %v", err)
	}
	// Second call must not even reach the primary.
	if _, err := fb.Complete(context.Background(), llm.CompletionRequest{}); err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	if got := len(primary.CompleteCalls); got != 1 {
		t.Errorf("primary called %d times, want 1 (breaker open)", got)
	}
	if got := len(secondary.CompleteCalls); got != 2 {
		t.Errorf("secondary called %d times, want 2", got)
	}
}

func TestLLMFallback_StreamSetupFailsOver(t *testing.T) {
	primary := &llmmock.Provider{StreamErr: errors.New("connect refused")}
	secondary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "Hello"}, {Text: " there.", FinishReason: "stop"}},
	}
	fb := newLLMChain(primary, secondary, 3)

	ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var got string
	for c := range ch {
		got += c.Text
	}
	if got != "Hello there." {
		t.Errorf("streamed text = %q, want %q", got, "Hello there.")
	}
}
