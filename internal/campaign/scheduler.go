// Package campaign runs outbound calling campaigns: a durable admission loop
// that turns queued runs into live calls under per-campaign rate limits and
// per-tenant concurrency caps, retry scheduling keyed on call dispositions,
// the campaign state machine, and the reconciler that completes drained
// campaigns and recovers orphaned runs.
//
// The loop is tick-driven: an external runner invokes Tick periodically and
// OnCallComplete fires event-driven admissions bookkeeping at call end.
// Admission safety does not depend on this process being alone; the queued
// run state flip and the (campaign, source, retry) uniqueness are enforced
// by the store, so extra workers only add throughput.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/parleyvoice/parley/internal/store"
)

// Defaults.
const (
	defaultTenantCap  = 50
	defaultBatchSize  = 25
	defaultFailStreak = 5
)

// CampaignStore is the slice of the campaign repository the scheduler uses.
type CampaignStore interface {
	ListByState(ctx context.Context, state string) ([]store.Campaign, error)
	Get(ctx context.Context, id string) (*store.Campaign, error)
	TransitionState(ctx context.Context, id, from, to string) error
	TouchLastBatch(ctx context.Context, id string) error
	Counts(ctx context.Context, id string) (store.Counts, error)
}

// RunQueue is the slice of the queued-run repository the scheduler uses.
type RunQueue interface {
	DueRetries(ctx context.Context, campaignID string, limit int) ([]store.QueuedRun, error)
	ReadyRuns(ctx context.Context, campaignID string, limit int) ([]store.QueuedRun, error)
	Enqueue(ctx context.Context, q *store.QueuedRun) error
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*store.QueuedRun, error)
}

// Admitter runs the single-transaction admission. store.Admission is the
// production implementation.
type Admitter interface {
	Admit(ctx context.Context, q store.QueuedRun, run *store.WorkflowRun, dispatch func(ctx context.Context) error) error
}

// Dialer hands an admitted run to the telephony layer. A dispatch error
// rolls the admission back, leaving the run queued for the next tick.
type Dialer interface {
	Dispatch(ctx context.Context, run store.WorkflowRun, vars map[string]string) error
}

// Config assembles a Scheduler.
type Config struct {
	Campaigns CampaignStore
	Queue     RunQueue
	Admitter  Admitter
	Dialer    Dialer

	// TenantConcurrencyCap is the global cap on live calls per tenant,
	// across all of the tenant's campaigns. Zero means the default.
	TenantConcurrencyCap int64

	// BatchSize caps admissions per campaign per tick. Zero means the
	// default.
	BatchSize int

	// FailStreak is how many consecutive failed admission batches move a
	// campaign to failed. Zero means the default.
	FailStreak int

	Logger *slog.Logger
}

// Scheduler is the campaign admission loop.
type Scheduler struct {
	campaigns  CampaignStore
	queue      RunQueue
	admit      Admitter
	dialer     Dialer
	tenantCap  int64
	batchSize  int
	failStreak int
	log        *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter       // per campaign
	sems     map[string]*semaphore.Weighted // per tenant
	streaks  map[string]int                 // consecutive batch errors per campaign
}

// New creates a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Campaigns == nil || cfg.Queue == nil || cfg.Admitter == nil || cfg.Dialer == nil {
		return nil, errors.New("campaign: store, queue, admitter and dialer are all required")
	}
	if cfg.TenantConcurrencyCap <= 0 {
		cfg.TenantConcurrencyCap = defaultTenantCap
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FailStreak <= 0 {
		cfg.FailStreak = defaultFailStreak
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		campaigns:  cfg.Campaigns,
		queue:      cfg.Queue,
		admit:      cfg.Admitter,
		dialer:     cfg.Dialer,
		tenantCap:  cfg.TenantConcurrencyCap,
		batchSize:  cfg.BatchSize,
		failStreak: cfg.FailStreak,
		log:        cfg.Logger,
		limiters:   map[string]*rate.Limiter{},
		sems:       map[string]*semaphore.Weighted{},
		streaks:    map[string]int{},
	}, nil
}

// Tick runs one admission pass over every running campaign. Campaign
// failures are isolated; one campaign's error never blocks another's batch.
func (s *Scheduler) Tick(ctx context.Context) error {
	running, err := s.campaigns.ListByState(ctx, store.CampaignRunning)
	if err != nil {
		return fmt.Errorf("campaign: list running: %w", err)
	}
	for _, c := range running {
		if err := s.admitBatch(ctx, c); err != nil {
			s.log.Warn("campaign batch failed", "campaign_id", c.ID, "error", err)
			s.noteBatchError(ctx, c)
			continue
		}
		s.resetStreak(c.ID)
	}
	return nil
}

// admitBatch admits up to the campaign's free slots: due retries first, then
// ready runs in arrival order.
func (s *Scheduler) admitBatch(ctx context.Context, c store.Campaign) error {
	counts, err := s.campaigns.Counts(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("counts: %w", err)
	}
	slots := c.MaxConcurrency - counts.InFlight
	if slots <= 0 {
		return nil
	}
	if slots > s.batchSize {
		slots = s.batchSize
	}

	due, err := s.queue.DueRetries(ctx, c.ID, slots)
	if err != nil {
		return fmt.Errorf("due retries: %w", err)
	}
	batch := due
	if rem := slots - len(due); rem > 0 {
		ready, err := s.queue.ReadyRuns(ctx, c.ID, rem)
		if err != nil {
			return fmt.Errorf("ready runs: %w", err)
		}
		batch = append(batch, ready...)
	}
	if len(batch) == 0 {
		return nil
	}

	lim := s.limiter(c)
	sem := s.tenantSem(c.OrgID)
	admitted := 0
	for _, q := range batch {
		if ctx.Err() != nil {
			break
		}
		if !lim.Allow() {
			// Leaky bucket dry: the rest of the batch waits for a later tick.
			break
		}
		if !sem.TryAcquire(1) {
			s.log.Info("tenant concurrency cap reached", "org_id", c.OrgID)
			break
		}
		if err := s.admitOne(ctx, c, q); err != nil {
			sem.Release(1)
			if errors.Is(err, store.ErrStateConflict) {
				// Another worker admitted this run between fetch and flip.
				continue
			}
			s.log.Warn("admission rolled back",
				"campaign_id", c.ID, "queued_run_id", q.ID, "error", err)
			continue
		}
		admitted++
	}

	if err := s.campaigns.TouchLastBatch(ctx, c.ID); err != nil {
		return fmt.Errorf("touch last batch: %w", err)
	}
	s.log.Info("campaign batch admitted",
		"campaign_id", c.ID, "selected", len(batch), "admitted", admitted)
	return nil
}

// admitOne runs the single-transaction admission for one queued run.
func (s *Scheduler) admitOne(ctx context.Context, c store.Campaign, q store.QueuedRun) error {
	run := &store.WorkflowRun{
		ID:             uuid.NewString(),
		OrgID:          c.OrgID,
		WorkflowID:     c.WorkflowID,
		Mode:           "campaign",
		InitialContext: q.ContextVariables,
		CampaignID:     c.ID,
		QueuedRunID:    q.ID,
	}
	return s.admit.Admit(ctx, q, run, func(ctx context.Context) error {
		return s.dialer.Dispatch(ctx, *run, q.ContextVariables)
	})
}

// OnCallComplete finishes the scheduler's view of a call: the tenant slot is
// released, the queued run is closed out and, when the campaign's retry
// policy covers the mapped disposition, a follow-up run is scheduled.
func (s *Scheduler) OnCallComplete(ctx context.Context, run store.WorkflowRun, mappedDisposition string) error {
	s.releaseSlot(run.OrgID)
	if run.QueuedRunID == "" {
		return nil
	}

	q, err := s.queue.Get(ctx, run.QueuedRunID)
	if err != nil {
		return fmt.Errorf("campaign: queued run for finished call: %w", err)
	}
	c, err := s.campaigns.Get(ctx, run.CampaignID)
	if err != nil {
		return fmt.Errorf("campaign: campaign for finished call: %w", err)
	}

	if next, ok := NextRetry(c.RetryConfig, *q, mappedDisposition, time.Now()); ok {
		if err := s.queue.Enqueue(ctx, next); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("campaign: schedule retry: %w", err)
		}
		s.log.Info("retry scheduled",
			"campaign_id", c.ID, "source_uuid", q.SourceUUID,
			"retry_count", next.RetryCount, "reason", next.RetryReason,
			"scheduled_for", next.ScheduledFor)
	}
	if err := s.queue.MarkProcessed(ctx, q.ID); err != nil && !errors.Is(err, store.ErrStateConflict) {
		return fmt.Errorf("campaign: close queued run: %w", err)
	}
	return nil
}

// OnCallFailed closes a queued run after a non-retryable error.
func (s *Scheduler) OnCallFailed(ctx context.Context, run store.WorkflowRun) error {
	s.releaseSlot(run.OrgID)
	if run.QueuedRunID == "" {
		return nil
	}
	if err := s.queue.MarkFailed(ctx, run.QueuedRunID); err != nil && !errors.Is(err, store.ErrStateConflict) {
		return fmt.Errorf("campaign: fail queued run: %w", err)
	}
	return nil
}

func (s *Scheduler) limiter(c store.Campaign) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[c.ID]
	if !ok {
		rps := c.RateLimitPerSecond
		if rps <= 0 {
			rps = 1
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(rps), burst)
		s.limiters[c.ID] = lim
	}
	return lim
}

func (s *Scheduler) tenantSem(orgID string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.sems[orgID]
	if !ok {
		sem = semaphore.NewWeighted(s.tenantCap)
		s.sems[orgID] = sem
	}
	return sem
}

func (s *Scheduler) releaseSlot(orgID string) {
	s.mu.Lock()
	sem := s.sems[orgID]
	s.mu.Unlock()
	if sem != nil {
		sem.Release(1)
	}
}

// noteBatchError counts consecutive batch failures; past the threshold the
// campaign moves to failed instead of erroring forever.
func (s *Scheduler) noteBatchError(ctx context.Context, c store.Campaign) {
	s.mu.Lock()
	s.streaks[c.ID]++
	streak := s.streaks[c.ID]
	s.mu.Unlock()

	if streak < s.failStreak {
		return
	}
	s.log.Error("campaign failed after repeated batch errors",
		"campaign_id", c.ID, "streak", streak)
	if err := s.campaigns.TransitionState(ctx, c.ID, store.CampaignRunning, store.CampaignFailed); err != nil {
		s.log.Warn("campaign fail transition lost", "campaign_id", c.ID, "error", err)
	}
}

func (s *Scheduler) resetStreak(id string) {
	s.mu.Lock()
	delete(s.streaks, id)
	s.mu.Unlock()
}
