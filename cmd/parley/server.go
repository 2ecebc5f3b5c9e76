package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleyvoice/parley/internal/app"
	"github.com/parleyvoice/parley/internal/config"
	"github.com/parleyvoice/parley/internal/dispo"
	"github.com/parleyvoice/parley/internal/health"
	"github.com/parleyvoice/parley/internal/observe"
	"github.com/parleyvoice/parley/internal/store"
	"github.com/parleyvoice/parley/internal/transport/carrierws"
	"github.com/parleyvoice/parley/internal/workflow"
	"github.com/parleyvoice/parley/pkg/provider/tts"
)

// server is the HTTP face of the process: the carrier media endpoint, health
// probes, and the Prometheus scrape target.
type server struct {
	cfg       *config.Config
	mgr       *app.SessionManager
	graphs    map[string]*workflow.Graph
	campaigns *store.CampaignRepo
	http      *http.Server
	log       *slog.Logger
}

func newServer(cfg *config.Config, mgr *app.SessionManager, graphs map[string]*workflow.Graph,
	campaigns *store.CampaignRepo, pool *pgxpool.Pool, log *slog.Logger) *server {
	s := &server{
		cfg:       cfg,
		mgr:       mgr,
		graphs:    graphs,
		campaigns: campaigns,
		log:       log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/call/stream", s.handleCallStream)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(health.Checker{
		Name:  "database",
		Check: func(ctx context.Context) error { return pool.Ping(ctx) },
	}).Register(mux)

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// run serves until ctx ends, then shuts the listener down. Live call media
// sockets are hijacked and drain separately through the session manager.
func (s *server) run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", "addr", s.http.Addr)
		if tls := s.cfg.Server.TLS; tls != nil {
			errCh <- s.http.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- s.http.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shCtx)
		return ctx.Err()
	}
}

// handleCallStream terminates one carrier media leg. Query parameters:
//
//	workflow_id  required; selects the graph
//	org_id       required; the tenant billed for the call
//	run_id       set on campaign legs whose run was pre-created by admission
//	campaign_id, queued_run_id  campaign bookkeeping, forwarded to the run
//	voice        TTS voice ID override
//
// The handler blocks until the call ends so the hijacked socket stays alive.
func (s *server) handleCallStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	workflowID := q.Get("workflow_id")
	orgID := q.Get("org_id")
	if workflowID == "" || orgID == "" {
		http.Error(w, "workflow_id and org_id are required", http.StatusBadRequest)
		return
	}
	graph, ok := s.graphs[workflowID]
	if !ok {
		http.Error(w, "unknown workflow", http.StatusNotFound)
		return
	}

	cfg := app.CallConfig{
		RunID:       q.Get("run_id"),
		OrgID:       orgID,
		WorkflowID:  workflowID,
		CampaignID:  q.Get("campaign_id"),
		QueuedRunID: q.Get("queued_run_id"),
		Graph:       graph,
		Voice:       tts.VoiceProfile{ID: q.Get("voice")},
		Format:      carrierws.Format(),
		STTEncoding: "mulaw",
	}
	if start := graph.StartNode(); start != nil {
		cfg.DetectVoicemail = start.DetectVoicemail
	}
	if cfg.CampaignID != "" {
		cfg.Mapping = s.campaignMapping(r.Context(), cfg.CampaignID)
	}

	conn, err := carrierws.Accept(w, r)
	if err != nil {
		s.log.Warn("carrier accept failed", "error", err)
		return
	}
	cfg.Wire = conn

	sess, err := s.mgr.StartCall(r.Context(), cfg)
	if err != nil {
		s.log.Warn("call rejected", "workflow_id", workflowID, "org_id", orgID, "error", err)
		_ = conn.Close()
		return
	}
	<-sess.Done()
}

// campaignMapping loads the tenant disposition mapping stored on the
// campaign row. A missing campaign or malformed metadata means no mapping.
func (s *server) campaignMapping(ctx context.Context, campaignID string) dispo.Mapping {
	c, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		s.log.Warn("campaign lookup failed", "campaign_id", campaignID, "error", err)
		return nil
	}
	return mappingFromMetadata(c.OrchestratorMetadata)
}
