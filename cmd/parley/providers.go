package main

import (
	"errors"
	"fmt"
	"log/slog"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/parleyvoice/parley/internal/config"
	"github.com/parleyvoice/parley/internal/resilience"
	"github.com/parleyvoice/parley/pkg/provider/llm"
	"github.com/parleyvoice/parley/pkg/provider/llm/anyllm"
	"github.com/parleyvoice/parley/pkg/provider/llm/openai"
	"github.com/parleyvoice/parley/pkg/provider/stt"
	"github.com/parleyvoice/parley/pkg/provider/stt/deepgram"
	"github.com/parleyvoice/parley/pkg/provider/stt/whisper"
	"github.com/parleyvoice/parley/pkg/provider/tts"
	"github.com/parleyvoice/parley/pkg/provider/tts/elevenlabs"
	"github.com/parleyvoice/parley/pkg/provider/vad"
)

// providerSet is the pipeline provider stack shared by every call. Each slot
// is wrapped in its fallback group when the config lists fallbacks.
type providerSet struct {
	llm llm.Provider
	stt stt.Provider
	tts tts.Provider
	vad vad.Engine
}

// buildProviders instantiates the configured providers and wires failover.
func buildProviders(cfg *config.Config, log *slog.Logger) (*providerSet, error) {
	reg := newProviderRegistry()
	ps := &providerSet{}

	var err error
	if ps.llm, err = buildLLM(reg, cfg.Providers.LLM, cfg.Providers.LLMFallbacks, log); err != nil {
		return nil, err
	}
	if ps.stt, err = buildSTT(reg, cfg.Providers.STT, cfg.Providers.STTFallbacks, log); err != nil {
		return nil, err
	}
	if ps.tts, err = buildTTS(reg, cfg.Providers.TTS, cfg.Providers.TTSFallbacks, log); err != nil {
		return nil, err
	}

	vadEntry := cfg.Providers.VAD
	if vadEntry.Name == "" {
		vadEntry.Name = "energy"
	}
	if ps.vad, err = reg.CreateVAD(vadEntry); err != nil {
		return nil, fmt.Errorf("vad provider %q: %w", vadEntry.Name, err)
	}
	log.Info("provider created", "kind", "vad", "name", vadEntry.Name)
	return ps, nil
}

func buildLLM(reg *config.Registry, primary config.ProviderEntry, fallbacks []config.ProviderEntry, log *slog.Logger) (llm.Provider, error) {
	if primary.Name == "" {
		return nil, errors.New("providers.llm is required")
	}
	p, err := reg.CreateLLM(primary)
	if err != nil {
		return nil, fmt.Errorf("llm provider %q: %w", primary.Name, err)
	}
	log.Info("provider created", "kind", "llm", "name", primary.Name, "model", primary.Model)
	if len(fallbacks) == 0 {
		return p, nil
	}
	group := resilience.NewLLMFallback(p, primary.Name, resilience.FallbackConfig{})
	for _, entry := range fallbacks {
		fb, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("llm fallback %q: %w", entry.Name, err)
		}
		group.AddFallback(entry.Name, fb)
		log.Info("fallback registered", "kind", "llm", "name", entry.Name)
	}
	return group, nil
}

func buildSTT(reg *config.Registry, primary config.ProviderEntry, fallbacks []config.ProviderEntry, log *slog.Logger) (stt.Provider, error) {
	if primary.Name == "" {
		return nil, errors.New("providers.stt is required")
	}
	p, err := reg.CreateSTT(primary)
	if err != nil {
		return nil, fmt.Errorf("stt provider %q: %w", primary.Name, err)
	}
	log.Info("provider created", "kind", "stt", "name", primary.Name, "model", primary.Model)
	if len(fallbacks) == 0 {
		return p, nil
	}
	group := resilience.NewSTTFallback(p, primary.Name, resilience.FallbackConfig{})
	for _, entry := range fallbacks {
		fb, err := reg.CreateSTT(entry)
		if err != nil {
			return nil, fmt.Errorf("stt fallback %q: %w", entry.Name, err)
		}
		group.AddFallback(entry.Name, fb)
		log.Info("fallback registered", "kind", "stt", "name", entry.Name)
	}
	return group, nil
}

func buildTTS(reg *config.Registry, primary config.ProviderEntry, fallbacks []config.ProviderEntry, log *slog.Logger) (tts.Provider, error) {
	if primary.Name == "" {
		return nil, errors.New("providers.tts is required")
	}
	p, err := reg.CreateTTS(primary)
	if err != nil {
		return nil, fmt.Errorf("tts provider %q: %w", primary.Name, err)
	}
	log.Info("provider created", "kind", "tts", "name", primary.Name, "model", primary.Model)
	if len(fallbacks) == 0 {
		return p, nil
	}
	group := resilience.NewTTSFallback(p, primary.Name, resilience.FallbackConfig{})
	for _, entry := range fallbacks {
		fb, err := reg.CreateTTS(entry)
		if err != nil {
			return nil, fmt.Errorf("tts fallback %q: %w", entry.Name, err)
		}
		group.AddFallback(entry.Name, fb)
		log.Info("fallback registered", "kind", "tts", "name", entry.Name)
	}
	return group, nil
}

// newProviderRegistry wires every built-in provider factory.
func newProviderRegistry() *config.Registry {
	reg := config.NewRegistry()

	// The OpenAI-native provider keeps full tool-call streaming; everything
	// else routes through the any-llm abstraction.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})
	for _, name := range []string{"anthropic", "gemini", "mistral", "groq", "deepseek"} {
		providerName := name
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if ms := optInt(entry.Options, "endpointing_ms"); ms > 0 {
			opts = append(opts, deepgram.WithEndpointingMs(ms))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(modelPath, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if format := optString(entry.Options, "output_format"); format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return vad.NewEnergyEngine(), nil
	})

	return reg
}

// optString extracts a string from a provider Options map. Returns "" for a
// nil map, a missing key, or a non-string value.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an int from a provider Options map. YAML decodes numbers as
// int; zero means absent.
func optInt(opts map[string]any, key string) int {
	n, _ := opts[key].(int)
	return n
}
