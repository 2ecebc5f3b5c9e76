package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only changes the
// server can act on at runtime are broken out; provider changes need a
// restart and are reported as a single flag so the operator can be warned.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// EngineChanged covers the call-level defaults (idle timeout, max
	// duration, interruptions, turn analyzer). New calls pick them up;
	// live calls keep the values they started with.
	EngineChanged bool

	// CampaignsChanged covers scheduler knobs applied on the next tick.
	CampaignsChanged bool

	// QuotaChanged covers the reservation estimate and default quota.
	QuotaChanged bool

	// ProvidersChanged means the provider stack differs; provider clients
	// are built once at startup, so this requires a restart.
	ProvidersChanged bool
}

// Any reports whether the diff contains any change at all.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.EngineChanged || d.CampaignsChanged ||
		d.QuotaChanged || d.ProvidersChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Engine != new.Engine {
		d.EngineChanged = true
	}
	if old.Campaigns != new.Campaigns {
		d.CampaignsChanged = true
	}
	if old.Quota != new.Quota {
		d.QuotaChanged = true
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.ProvidersChanged = true
	}
	return d
}
