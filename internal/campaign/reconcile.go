package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/parleyvoice/parley/internal/store"
)

// DefaultStaleAfter is how long a run may go without a heartbeat before the
// orphan sweep declares it dead.
const DefaultStaleAfter = 2 * time.Minute

// RunStore is the slice of the workflow-run repository the reconciler uses.
type RunStore interface {
	StaleRuns(ctx context.Context, threshold time.Duration) ([]store.WorkflowRun, error)
	Complete(ctx context.Context, id, state string, usageInfo, costInfo, gatheredContext map[string]any) error
}

// Reconciler closes the loop the scheduler cannot: it completes campaigns
// whose queues have drained and recovers runs whose worker died mid-call.
type Reconciler struct {
	campaigns  CampaignStore
	queue      RunQueue
	runs       RunStore
	staleAfter time.Duration
	log        *slog.Logger
}

// NewReconciler creates a Reconciler. A zero staleAfter means the default.
func NewReconciler(campaigns CampaignStore, queue RunQueue, runs RunStore, staleAfter time.Duration, log *slog.Logger) *Reconciler {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		campaigns:  campaigns,
		queue:      queue,
		runs:       runs,
		staleAfter: staleAfter,
		log:        log,
	}
}

// Tick runs one reconciliation pass: orphan recovery first so freed slots
// and re-enqueued retries count before the completion check.
func (r *Reconciler) Tick(ctx context.Context) error {
	if err := r.recoverOrphans(ctx); err != nil {
		return err
	}
	return r.completeDrained(ctx)
}

// completeDrained moves a running campaign to completed once nothing is
// queued, scheduled or in flight.
func (r *Reconciler) completeDrained(ctx context.Context) error {
	running, err := r.campaigns.ListByState(ctx, store.CampaignRunning)
	if err != nil {
		return fmt.Errorf("campaign: reconcile list: %w", err)
	}
	for _, c := range running {
		counts, err := r.campaigns.Counts(ctx, c.ID)
		if err != nil {
			r.log.Warn("reconcile counts failed", "campaign_id", c.ID, "error", err)
			continue
		}
		if counts.Queued > 0 || counts.Scheduled > 0 || counts.InFlight > 0 {
			continue
		}
		err = r.campaigns.TransitionState(ctx, c.ID, store.CampaignRunning, store.CampaignCompleted)
		switch {
		case err == nil:
			r.log.Info("campaign completed", "campaign_id", c.ID)
		case errors.Is(err, store.ErrStateConflict):
			// Paused or failed between the count and the flip.
		default:
			r.log.Warn("campaign completion failed", "campaign_id", c.ID, "error", err)
		}
	}
	return nil
}

// recoverOrphans fails runs whose heartbeat went silent and, when the
// campaign's policy retries unanswered calls, schedules another attempt.
// A dead worker looks the same as a call nobody picked up, so orphans land
// in the no-answer bucket.
func (r *Reconciler) recoverOrphans(ctx context.Context) error {
	stale, err := r.runs.StaleRuns(ctx, r.staleAfter)
	if err != nil {
		return fmt.Errorf("campaign: stale runs: %w", err)
	}
	for _, run := range stale {
		err := r.runs.Complete(ctx, run.ID, store.RunFailed, nil, nil, map[string]any{
			"mapped_call_disposition": "NO_ANSWER",
			"failure_reason":          "heartbeat lost",
		})
		if errors.Is(err, store.ErrStateConflict) {
			// The worker came back and finished it first.
			continue
		}
		if err != nil {
			r.log.Warn("orphan completion failed", "run_id", run.ID, "error", err)
			continue
		}
		r.log.Warn("orphaned run recovered", "run_id", run.ID, "campaign_id", run.CampaignID)

		if run.QueuedRunID == "" {
			continue
		}
		if err := r.closeQueuedRun(ctx, run); err != nil {
			r.log.Warn("orphan queue cleanup failed",
				"run_id", run.ID, "queued_run_id", run.QueuedRunID, "error", err)
		}
	}
	return nil
}

func (r *Reconciler) closeQueuedRun(ctx context.Context, run store.WorkflowRun) error {
	q, err := r.queue.Get(ctx, run.QueuedRunID)
	if err != nil {
		return err
	}
	c, err := r.campaigns.Get(ctx, run.CampaignID)
	if err != nil {
		return err
	}
	if next, ok := NextRetry(c.RetryConfig, *q, "NO_ANSWER", time.Now()); ok {
		if err := r.queue.Enqueue(ctx, next); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return err
		}
	}
	return r.queue.MarkFailed(ctx, q.ID)
}
