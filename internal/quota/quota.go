// Package quota enforces per-tenant token budgets. Every call admission
// reserves an estimated token spend against the tenant's current billing
// cycle before the pipeline starts; call teardown reconciles the estimate
// with what the call actually consumed. The reservation is atomic at the
// storage layer (row lock), so concurrent admissions from one tenant cannot
// overspend together.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/parleyvoice/parley/internal/store"
)

// ErrInsufficientCredits is the user-visible admission failure. The call is
// never dispatched and no pipeline is started.
var ErrInsufficientCredits = errors.New("quota: insufficient credits")

// Defaults applied when the tenant has no explicit configuration.
const (
	// DefaultCallEstimate is the token spend reserved per admitted call.
	DefaultCallEstimate = 100

	// DefaultQuotaTokens seeds a cycle row created on first use.
	DefaultQuotaTokens = 100_000
)

// cycleStore is the slice of the usage repository the service needs.
type cycleStore interface {
	Reserve(ctx context.Context, orgID string, periodStart, periodEnd time.Time, estimate, defaultQuota int64) (store.UsageCycle, error)
	Reconcile(ctx context.Context, orgID string, periodStart time.Time, estimate, actualTokens int64, durationSeconds float64) error
}

// Reservation is a successful pre-call hold. Keep it until the call ends and
// pass it to Release so the estimate is replaced by actual consumption.
type Reservation struct {
	OrgID       string
	PeriodStart time.Time
	Estimate    int64

	// Remaining is the tenant's budget after this reservation, for logging
	// and admission telemetry.
	Remaining int64
}

// Service is the quota gate for call admission.
type Service struct {
	store        cycleStore
	callEstimate int64
	defaultQuota int64
	log          *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithCallEstimate overrides the per-call token estimate.
func WithCallEstimate(tokens int64) Option {
	return func(s *Service) { s.callEstimate = tokens }
}

// WithDefaultQuota overrides the quota seeded into a fresh cycle row.
func WithDefaultQuota(tokens int64) Option {
	return func(s *Service) { s.defaultQuota = tokens }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// New creates the quota service over a usage-cycle store.
func New(cs cycleStore, opts ...Option) *Service {
	s := &Service{
		store:        cs,
		callEstimate: DefaultCallEstimate,
		defaultQuota: DefaultQuotaTokens,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Reserve holds the per-call estimate against the tenant's current cycle.
// A tenant at quota gets ErrInsufficientCredits.
func (s *Service) Reserve(ctx context.Context, orgID string) (*Reservation, error) {
	start, end := CurrentPeriod(time.Now().UTC())
	cycle, err := s.store.Reserve(ctx, orgID, start, end, s.callEstimate, s.defaultQuota)
	if err != nil {
		if errors.Is(err, store.ErrQuotaExceeded) {
			s.log.Info("call admission rejected on quota",
				"org_id", orgID, "used", cycle.UsedTokens, "quota", cycle.QuotaTokens)
			return nil, fmt.Errorf("%w: org %s used %d of %d tokens",
				ErrInsufficientCredits, orgID, cycle.UsedTokens, cycle.QuotaTokens)
		}
		return nil, fmt.Errorf("quota: reserve for org %s: %w", orgID, err)
	}
	return &Reservation{
		OrgID:       orgID,
		PeriodStart: start,
		Estimate:    s.callEstimate,
		Remaining:   cycle.QuotaTokens - cycle.UsedTokens,
	}, nil
}

// Release reconciles a reservation with the call's actual token count and
// duration. Safe to call with zero actuals for calls that never connected.
func (s *Service) Release(ctx context.Context, res *Reservation, actualTokens int64, duration time.Duration) error {
	if res == nil {
		return nil
	}
	err := s.store.Reconcile(ctx, res.OrgID, res.PeriodStart, res.Estimate, actualTokens, duration.Seconds())
	if err != nil {
		return fmt.Errorf("quota: release for org %s: %w", res.OrgID, err)
	}
	return nil
}

// CurrentPeriod returns the calendar-month billing period containing now,
// in UTC.
func CurrentPeriod(now time.Time) (start, end time.Time) {
	now = now.UTC()
	start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
