package config_test

import (
	"testing"

	"github.com/parleyvoice/parley/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Providers: config.ProvidersConfig{
			LLM: config.ProviderEntry{Name: "openai", Model: "gpt-4o"},
			STT: config.ProviderEntry{Name: "deepgram"},
			TTS: config.ProviderEntry{Name: "elevenlabs"},
		},
		Engine: config.EngineConfig{
			UserIdleTimeoutSeconds: 10,
			MaxCallDurationSeconds: 300,
		},
		Campaigns: config.CampaignsConfig{BatchSize: 25},
		Quota:     config.QuotaConfig{CallEstimateTokens: 100},
	}
}

func TestDiff_IdenticalConfigs(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	if d := config.Diff(cfg, cfg); d.Any() {
		t.Errorf("Diff of identical configs reported changes: %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v, want LogLevelChanged with debug", d)
	}
	if d.ProvidersChanged || d.EngineChanged {
		t.Errorf("unrelated flags set: %+v", d)
	}
}

func TestDiff_EngineAndCampaignKnobs(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Engine.MaxCallDurationSeconds = 600
	new.Campaigns.BatchSize = 10
	new.Quota.CallEstimateTokens = 150

	d := config.Diff(old, new)
	if !d.EngineChanged || !d.CampaignsChanged || !d.QuotaChanged {
		t.Errorf("diff = %+v, want engine, campaigns and quota flagged", d)
	}
}

func TestDiff_ProviderStack(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Providers.LLM.Model = "gpt-4o-mini"

	d := config.Diff(old, new)
	if !d.ProvidersChanged {
		t.Error("model change not reported as a provider change")
	}

	old, new = baseConfig(), baseConfig()
	new.Providers.TTSFallbacks = []config.ProviderEntry{{Name: "elevenlabs", Model: "turbo"}}
	if d := config.Diff(old, new); !d.ProvidersChanged {
		t.Error("added fallback not reported as a provider change")
	}
}
