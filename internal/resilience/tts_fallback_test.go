package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/parleyvoice/parley/pkg/provider/tts"
	ttsmock "github.com/parleyvoice/parley/pkg/provider/tts/mock"
)

func TestTTSFallback_StreamSetupFailsOver(t *testing.T) {
	primary := &ttsmock.Provider{SynthesizeErr: errors.New("elevenlabs 503")}
	secondary := &ttsmock.Provider{EchoText: true}

	fb := NewTTSFallback(primary, "elevenlabs", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("elevenlabs-eu", secondary)

	text := make(chan string, 1)
	text <- "One moment please."
	close(text)

	audio, err := fb.SynthesizeStream(context.Background(), text, tts.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	var chunks [][]byte
	for c := range audio {
		chunks = append(chunks, c)
	}
	if len(chunks) != 1 || string(chunks[0]) != "One moment please." {
		t.Errorf("audio chunks = %q, want the echoed fragment", chunks)
	}
	if got := secondary.SynthesizeStreamCalls[0].Voice.ID; got != "v1" {
		t.Errorf("fallback voice = %q, want v1", got)
	}
}

func TestTTSFallback_ListVoicesUsesHealthyBackend(t *testing.T) {
	primary := &ttsmock.Provider{ListVoicesErr: errors.New("down")}
	secondary := &ttsmock.Provider{
		ListVoicesResult: []tts.VoiceProfile{{ID: "v1"}, {ID: "v2"}},
	}

	fb := NewTTSFallback(primary, "elevenlabs", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("elevenlabs-eu", secondary)

	voices, err := fb.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 {
		t.Errorf("got %d voices, want 2", len(voices))
	}
}

func TestTTSFallback_AllBackendsDown(t *testing.T) {
	fb := NewTTSFallback(&ttsmock.Provider{SynthesizeErr: errors.New("down")}, "elevenlabs", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("elevenlabs-eu", &ttsmock.Provider{SynthesizeErr: errors.New("also down")})

	text := make(chan string)
	close(text)
	if _, err := fb.SynthesizeStream(context.Background(), text, tts.VoiceProfile{}); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
