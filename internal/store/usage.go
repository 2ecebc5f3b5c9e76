package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrQuotaExceeded is returned when a reservation would push the cycle past
// its token quota. Call admission surfaces this as "insufficient credits".
var ErrQuotaExceeded = errors.New("store: quota exceeded")

// UsageRepo owns the per-tenant usage cycle rows. Reserve and Reconcile run
// their read-check-write under a FOR UPDATE row lock so concurrent calls
// from the same tenant serialize instead of double-spending.
type UsageRepo struct {
	db DB
}

// NewUsageRepo creates a repository over the given pool or connection.
func NewUsageRepo(db DB) *UsageRepo { return &UsageRepo{db: db} }

// Reserve atomically reserves estimate tokens against the tenant's cycle for
// the given period, creating the cycle with defaultQuota on first touch.
// The updated cycle is returned; ErrQuotaExceeded leaves the row unchanged.
func (r *UsageRepo) Reserve(ctx context.Context, orgID string, periodStart, periodEnd time.Time, estimate, defaultQuota int64) (UsageCycle, error) {
	var cycle UsageCycle
	err := InTx(ctx, r.db, func(tx pgx.Tx) error {
		const ensure = `
			INSERT INTO usage_cycles (org_id, period_start, period_end, quota_tokens)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (org_id, period_start) DO NOTHING`
		if _, err := tx.Exec(ctx, ensure, orgID, periodStart, periodEnd, defaultQuota); err != nil {
			return fmt.Errorf("ensure cycle: %w", err)
		}

		const lock = `
			SELECT org_id, period_start, period_end, used_tokens,
			       total_duration_seconds, quota_tokens
			FROM usage_cycles
			WHERE org_id = $1 AND period_start = $2
			FOR UPDATE`
		if err := tx.QueryRow(ctx, lock, orgID, periodStart).Scan(
			&cycle.OrgID, &cycle.PeriodStart, &cycle.PeriodEnd,
			&cycle.UsedTokens, &cycle.TotalDurationSeconds, &cycle.QuotaTokens,
		); err != nil {
			return fmt.Errorf("lock cycle: %w", err)
		}

		if cycle.UsedTokens+estimate > cycle.QuotaTokens {
			return fmt.Errorf("org %s: used %d + estimate %d > quota %d: %w",
				orgID, cycle.UsedTokens, estimate, cycle.QuotaTokens, ErrQuotaExceeded)
		}

		const update = `
			UPDATE usage_cycles SET used_tokens = used_tokens + $3
			WHERE org_id = $1 AND period_start = $2`
		if _, err := tx.Exec(ctx, update, orgID, periodStart, estimate); err != nil {
			return fmt.Errorf("reserve tokens: %w", err)
		}
		cycle.UsedTokens += estimate
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			return cycle, err
		}
		return UsageCycle{}, fmt.Errorf("store: reserve usage: %w", err)
	}
	return cycle, nil
}

// Reconcile replaces a reservation with actual consumption: the estimate is
// backed out and the real token count and call duration are added, under the
// same row lock Reserve takes.
func (r *UsageRepo) Reconcile(ctx context.Context, orgID string, periodStart time.Time, estimate, actualTokens int64, durationSeconds float64) error {
	err := InTx(ctx, r.db, func(tx pgx.Tx) error {
		const lock = `
			SELECT used_tokens FROM usage_cycles
			WHERE org_id = $1 AND period_start = $2
			FOR UPDATE`
		var used int64
		if err := tx.QueryRow(ctx, lock, orgID, periodStart).Scan(&used); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("cycle for org %s: %w", orgID, ErrNotFound)
			}
			return fmt.Errorf("lock cycle: %w", err)
		}

		// Never reconcile below zero; a stale estimate must not mint credit.
		const update = `
			UPDATE usage_cycles SET
				used_tokens = GREATEST(used_tokens - $3 + $4, 0),
				total_duration_seconds = total_duration_seconds + $5
			WHERE org_id = $1 AND period_start = $2`
		if _, err := tx.Exec(ctx, update, orgID, periodStart, estimate, actualTokens, durationSeconds); err != nil {
			return fmt.Errorf("reconcile tokens: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: reconcile usage: %w", err)
	}
	return nil
}

// Current returns the cycle row without locking it. Readers get a consistent
// snapshot; writers go through Reserve/Reconcile.
func (r *UsageRepo) Current(ctx context.Context, orgID string, periodStart time.Time) (*UsageCycle, error) {
	const query = `
		SELECT org_id, period_start, period_end, used_tokens,
		       total_duration_seconds, quota_tokens
		FROM usage_cycles
		WHERE org_id = $1 AND period_start = $2`
	var cycle UsageCycle
	err := r.db.QueryRow(ctx, query, orgID, periodStart).Scan(
		&cycle.OrgID, &cycle.PeriodStart, &cycle.PeriodEnd,
		&cycle.UsedTokens, &cycle.TotalDurationSeconds, &cycle.QuotaTokens,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: cycle for org %s: %w", orgID, ErrNotFound)
		}
		return nil, fmt.Errorf("store: current cycle: %w", err)
	}
	return &cycle, nil
}
