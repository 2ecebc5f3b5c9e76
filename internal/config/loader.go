package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/parleyvoice/parley/internal/tools"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anyllm"},
	"stt": {"deepgram", "whisper-native"},
	"tts": {"elevenlabs"},
	"vad": {"energy"},
}

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides,
// and validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays secrets from the environment so API keys and the
// database DSN never have to live in the config file.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("PARLEY_POSTGRES_DSN"); v != "" {
		cfg.Database.PostgresDSN = v
	}
	if v := os.Getenv("PARLEY_LLM_API_KEY"); v != "" {
		cfg.Providers.LLM.APIKey = v
	}
	if v := os.Getenv("PARLEY_STT_API_KEY"); v != "" {
		cfg.Providers.STT.APIKey = v
	}
	if v := os.Getenv("PARLEY_TTS_API_KEY"); v != "" {
		cfg.Providers.TTS.APIKey = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	for _, e := range cfg.Providers.LLMFallbacks {
		validateProviderName("llm", e.Name)
	}
	for _, e := range cfg.Providers.STTFallbacks {
		validateProviderName("stt", e.Name)
	}
	for _, e := range cfg.Providers.TTSFallbacks {
		validateProviderName("tts", e.Name)
	}

	// A voice pipeline cannot run without its three core stages.
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm is required"))
	}
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts is required"))
	}
	for i, e := range cfg.Providers.LLMFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
	}
	for i, e := range cfg.Providers.STTFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
		}
	}
	for i, e := range cfg.Providers.TTSFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.tts_fallbacks[%d].name is required", i))
		}
	}

	// Campaigns need the database.
	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; campaigns, run persistence and quota enforcement are disabled")
	}

	// Engine knobs
	if cfg.Engine.UserIdleTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("engine.user_idle_timeout_seconds %d must not be negative", cfg.Engine.UserIdleTimeoutSeconds))
	}
	if cfg.Engine.MaxCallDurationSeconds < 0 {
		errs = append(errs, fmt.Errorf("engine.max_call_duration_seconds %d must not be negative", cfg.Engine.MaxCallDurationSeconds))
	}

	// Campaign knobs
	if cfg.Campaigns.TickIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("campaigns.tick_interval_seconds %d must not be negative", cfg.Campaigns.TickIntervalSeconds))
	}
	if cfg.Campaigns.TenantConcurrencyCap < 0 {
		errs = append(errs, fmt.Errorf("campaigns.tenant_concurrency_cap %d must not be negative", cfg.Campaigns.TenantConcurrencyCap))
	}

	// Quota knobs
	if cfg.Quota.CallEstimateTokens < 0 {
		errs = append(errs, fmt.Errorf("quota.call_estimate_tokens %d must not be negative", cfg.Quota.CallEstimateTokens))
	}
	if cfg.Quota.DefaultQuotaTokens < 0 {
		errs = append(errs, fmt.Errorf("quota.default_quota_tokens %d must not be negative", cfg.Quota.DefaultQuotaTokens))
	}

	// MCP servers
	seen := make(map[string]int, len(cfg.Tools.MCPServers))
	for i, srv := range cfg.Tools.MCPServers {
		prefix := fmt.Sprintf("tools.mcp_servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tools.mcp_servers[%d]", prefix, srv.Name, prev))
			}
			seen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == tools.MCPTransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == tools.MCPTransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unrecognised provider name; may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
