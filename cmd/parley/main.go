// Command parley is the voice call server: it terminates call media, runs
// workflow-driven conversations over the STT/LLM/TTS pipeline, and drives
// outbound campaigns against the shared PostgreSQL state.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/parleyvoice/parley/internal/app"
	"github.com/parleyvoice/parley/internal/campaign"
	"github.com/parleyvoice/parley/internal/config"
	"github.com/parleyvoice/parley/internal/observe"
	"github.com/parleyvoice/parley/internal/quota"
	"github.com/parleyvoice/parley/internal/store"
	"github.com/parleyvoice/parley/internal/tools"
	"github.com/parleyvoice/parley/internal/workflow"
)

// version is stamped by the release build.
var version = "dev"

const (
	defaultTickInterval      = 5 * time.Second
	defaultReconcileInterval = 30 * time.Second
	shutdownGrace            = 15 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	workflowsDir := flag.String("workflows", "workflows", "directory of workflow graph definitions")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("parley starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
	})
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	graphs, err := workflow.LoadDir(*workflowsDir)
	if err != nil {
		logger.Error("loading workflow definitions failed", "dir", *workflowsDir, "error", err)
		return 1
	}
	logger.Info("workflow definitions loaded", "count", len(graphs))

	pool, err := connectDatabase(ctx, cfg, logger)
	if err != nil {
		logger.Error("database setup failed", "error", err)
		return 1
	}
	defer pool.Close()

	runs := store.NewWorkflowRunRepo(pool)
	campaigns := store.NewCampaignRepo(pool)
	queue := store.NewQueuedRunRepo(pool)
	usage := store.NewUsageRepo(pool)

	quotaOpts := []quota.Option{quota.WithLogger(logger)}
	if cfg.Quota.CallEstimateTokens > 0 {
		quotaOpts = append(quotaOpts, quota.WithCallEstimate(cfg.Quota.CallEstimateTokens))
	}
	if cfg.Quota.DefaultQuotaTokens > 0 {
		quotaOpts = append(quotaOpts, quota.WithDefaultQuota(cfg.Quota.DefaultQuotaTokens))
	}
	quotaSvc := quota.New(usage, quotaOpts...)

	providers, err := buildProviders(cfg, logger)
	if err != nil {
		logger.Error("building providers failed", "error", err)
		return 1
	}

	shared := tools.NewRegistry()
	bridge := tools.NewMCPBridge(shared)
	defer bridge.Close()
	for _, mc := range cfg.Tools.MCPServers {
		if err := bridge.RegisterServer(ctx, mc); err != nil {
			logger.Warn("mcp server registration failed", "server", mc.Name, "error", err)
		}
	}

	// The scheduler observes call completions through the session manager,
	// and dispatches admitted calls back into it. Break the cycle with a
	// late-bound observer.
	observer := &schedulerObserver{log: logger}

	mgr, err := app.NewSessionManager(app.Deps{
		LLM:          providers.llm,
		STT:          providers.stt,
		TTS:          providers.tts,
		VAD:          providers.vad,
		Runs:         runs,
		Quota:        quotaSvc,
		SharedTools:  shared,
		Observer:     observer,
		Metrics:      observe.DefaultMetrics(),
		RecordingDir: cfg.Recording.Dir,
		Engine: app.EngineSettings{
			UserIdleTimeout:    time.Duration(cfg.Engine.UserIdleTimeoutSeconds) * time.Second,
			MaxCallDuration:    time.Duration(cfg.Engine.MaxCallDurationSeconds) * time.Second,
			AllowInterruptions: cfg.Engine.AllowInterruptions,
			TurnAnalyzerURL:    cfg.Engine.TurnAnalyzerURL,
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("session manager init failed", "error", err)
		return 1
	}

	sched, err := campaign.New(campaign.Config{
		Campaigns: campaigns,
		Queue:     queue,
		Admitter:  store.NewAdmission(pool),
		Dialer: &mediaDialer{
			mgr:       mgr,
			graphs:    graphs,
			campaigns: campaigns,
			log:       logger,
		},
		TenantConcurrencyCap: cfg.Campaigns.TenantConcurrencyCap,
		BatchSize:            cfg.Campaigns.BatchSize,
		Logger:               logger,
	})
	if err != nil {
		logger.Error("campaign scheduler init failed", "error", err)
		return 1
	}
	observer.bind(sched)

	srv := newServer(cfg, mgr, graphs, campaigns, pool, logger)

	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		if old.Server.LogLevel != new.Server.LogLevel && new.Server.LogLevel.IsValid() {
			level.Set(slogLevel(new.Server.LogLevel))
			logger.Info("log level changed", "level", new.Server.LogLevel)
		}
	})
	if err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		defer watcher.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.run(gctx) })
	g.Go(func() error {
		return tickLoop(gctx, intervalOr(cfg.Campaigns.TickIntervalSeconds, defaultTickInterval),
			"campaign tick", sched.Tick, logger)
	})
	g.Go(func() error {
		rec := campaign.NewReconciler(campaigns, queue, runs,
			time.Duration(cfg.Campaigns.StaleRunSeconds)*time.Second, logger)
		return tickLoop(gctx, intervalOr(cfg.Campaigns.ReconcileIntervalSeconds, defaultReconcileInterval),
			"campaign reconcile", rec.Tick, logger)
	})

	logger.Info("server ready")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("run error", "error", err)
	}

	shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	logger.Info("shutting down, draining live calls")
	if err := mgr.Shutdown(shCtx); err != nil {
		logger.Error("session drain failed", "error", err)
		return 1
	}
	logger.Info("goodbye")
	return 0
}

// connectDatabase opens the pool and optionally applies the schema.
func connectDatabase(ctx context.Context, cfg *config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	dsn := cfg.Database.PostgresDSN
	if dsn == "" {
		return nil, errors.New("database.postgres_dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if cfg.Database.Migrate {
		if err := store.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("applying schema: %w", err)
		}
		log.Info("database schema applied")
	}
	return pool, nil
}

// tickLoop invokes fn on a fixed cadence until ctx ends. Tick errors are
// logged, not fatal; the store owns correctness across partial failures.
func tickLoop(ctx context.Context, every time.Duration, name string, fn func(context.Context) error, log *slog.Logger) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn(name+" failed", "error", err)
			}
		}
	}
}

func intervalOr(seconds int, fallback time.Duration) time.Duration {
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
