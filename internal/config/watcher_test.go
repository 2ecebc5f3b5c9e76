package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/parleyvoice/parley/internal/config"
)

const watcherBaseYAML = minimalProviders + `
server:
  log_level: info
`

const watcherUpdatedYAML = minimalProviders + `
server:
  log_level: debug
`

const watcherInvalidYAML = minimalProviders + `
server:
  log_level: bananas
`

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

func newWatchedFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	writeConfigFile(t, path, watcherBaseYAML)
	return path
}

func TestWatcher_InitialLoad(t *testing.T) {
	w, err := config.NewWatcher(newWatchedFile(t), nil, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() is nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
}

func TestWatcher_DeliversChangedConfig(t *testing.T) {
	path := newWatchedFile(t)

	var mu sync.Mutex
	var gotOld, gotNew *config.Config
	changed := make(chan struct{}, 1)

	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		mu.Lock()
		gotOld, gotNew = old, new
		mu.Unlock()
		select {
		case changed <- struct{}{}:
		default:
		}
	}, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeConfigFile(t, path, watcherUpdatedYAML)

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("change callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotOld == nil || gotNew == nil {
		t.Fatal("callback received nil configs")
	}
	if gotOld.Server.LogLevel != config.LogInfo || gotNew.Server.LogLevel != config.LogDebug {
		t.Errorf("callback levels = (%q, %q), want (info, debug)", gotOld.Server.LogLevel, gotNew.Server.LogLevel)
	}
	if cur := w.Current(); cur.Server.LogLevel != config.LogDebug {
		t.Errorf("Current() log_level = %q, want debug", cur.Server.LogLevel)
	}
}

func TestWatcher_InvalidUpdateKeepsOldConfig(t *testing.T) {
	path := newWatchedFile(t)

	var mu sync.Mutex
	calls := 0
	w, err := config.NewWatcher(path, func(_, _ *config.Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeConfigFile(t, path, watcherInvalidYAML)
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	n := calls
	mu.Unlock()
	if n != 0 {
		t.Errorf("callback fired %d times for an invalid config, want 0", n)
	}
	if cur := w.Current(); cur.Server.LogLevel != config.LogInfo {
		t.Errorf("Current() log_level = %q, want the old value info", cur.Server.LogLevel)
	}
}

func TestWatcher_TouchWithoutChangeIsQuiet(t *testing.T) {
	path := newWatchedFile(t)

	var mu sync.Mutex
	calls := 0
	w, err := config.NewWatcher(path, func(_, _ *config.Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	later := time.Now().Add(time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("touch: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("callback fired %d times for a touch-only change, want 0", calls)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	if _, err := config.NewWatcher("/nonexistent/parley.yaml", nil); err == nil {
		t.Fatal("expected error for a missing file, got nil")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w, err := config.NewWatcher(newWatchedFile(t), nil, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Stop()
	w.Stop()
}
