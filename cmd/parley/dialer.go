package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/parleyvoice/parley/internal/app"
	"github.com/parleyvoice/parley/internal/campaign"
	"github.com/parleyvoice/parley/internal/dispo"
	"github.com/parleyvoice/parley/internal/store"
	"github.com/parleyvoice/parley/internal/transport/carrierws"
	"github.com/parleyvoice/parley/internal/workflow"
	"github.com/parleyvoice/parley/pkg/provider/tts"
)

// mediaDialer turns an admitted campaign run into a live call: it dials the
// carrier media stream named in the queued run's context variables and hands
// the connected leg to the session manager. A dial or start failure rolls the
// admission back, leaving the run queued for the next tick.
type mediaDialer struct {
	mgr       *app.SessionManager
	graphs    map[string]*workflow.Graph
	campaigns *store.CampaignRepo
	log       *slog.Logger
}

var _ campaign.Dialer = (*mediaDialer)(nil)

// Dispatch implements campaign.Dialer.
func (d *mediaDialer) Dispatch(ctx context.Context, run store.WorkflowRun, vars map[string]string) error {
	mediaURL := vars["media_url"]
	if mediaURL == "" {
		return fmt.Errorf("dialer: run %s has no media_url context variable", run.ID)
	}
	graph, ok := d.graphs[run.WorkflowID]
	if !ok {
		return fmt.Errorf("dialer: unknown workflow %q", run.WorkflowID)
	}

	var mapping dispo.Mapping
	if c, err := d.campaigns.Get(ctx, run.CampaignID); err != nil {
		d.log.Warn("campaign lookup failed", "campaign_id", run.CampaignID, "error", err)
	} else {
		mapping = mappingFromMetadata(c.OrchestratorMetadata)
	}

	conn, err := carrierws.Dial(ctx, mediaURL)
	if err != nil {
		return err
	}

	cfg := app.CallConfig{
		RunID:          run.ID,
		OrgID:          run.OrgID,
		WorkflowID:     run.WorkflowID,
		Mode:           "campaign",
		CampaignID:     run.CampaignID,
		QueuedRunID:    run.QueuedRunID,
		Graph:          graph,
		Mapping:        mapping,
		Voice:          tts.VoiceProfile{ID: vars["voice_id"]},
		InitialContext: vars,
		Wire:           conn,
		Format:         carrierws.Format(),
		STTEncoding:    "mulaw",
	}
	if start := graph.StartNode(); start != nil {
		cfg.DetectVoicemail = start.DetectVoicemail
	}

	if _, err := d.mgr.StartCall(ctx, cfg); err != nil {
		_ = conn.Close()
		return err
	}
	return nil
}

// mappingFromMetadata decodes the per-campaign disposition mapping stored
// under the "disposition_mapping" metadata key.
func mappingFromMetadata(meta map[string]any) dispo.Mapping {
	raw, ok := meta["disposition_mapping"].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	m := make(dispo.Mapping, len(raw))
	for code, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			m[dispo.Code(code)] = s
		}
	}
	return m
}

// schedulerObserver adapts the session manager's completion callbacks onto
// the campaign scheduler. The scheduler is bound after construction because
// it needs the dialer, which needs the session manager, which needs this
// observer.
type schedulerObserver struct {
	mu    sync.RWMutex
	sched *campaign.Scheduler
	log   *slog.Logger
}

func (o *schedulerObserver) bind(s *campaign.Scheduler) {
	o.mu.Lock()
	o.sched = s
	o.mu.Unlock()
}

func (o *schedulerObserver) scheduler() *campaign.Scheduler {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sched
}

// OnCallComplete implements app.CallObserver.
func (o *schedulerObserver) OnCallComplete(ctx context.Context, run *store.WorkflowRun, mappedDisposition string) {
	s := o.scheduler()
	if s == nil {
		return
	}
	if err := s.OnCallComplete(ctx, *run, mappedDisposition); err != nil {
		o.log.Warn("campaign completion handling failed", "run_id", run.ID, "error", err)
	}
}

// OnCallFailed implements app.CallObserver.
func (o *schedulerObserver) OnCallFailed(ctx context.Context, run *store.WorkflowRun) {
	s := o.scheduler()
	if s == nil {
		return
	}
	if err := s.OnCallFailed(ctx, *run); err != nil {
		o.log.Warn("campaign failure handling failed", "run_id", run.ID, "error", err)
	}
}

var _ app.CallObserver = (*schedulerObserver)(nil)
