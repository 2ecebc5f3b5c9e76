package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// QueuedRunRepo persists dialable rows. Selection runs on the pool outside
// the admission transaction, so the SKIP LOCKED clause only narrows a pick
// within its own statement; a row picked by two workers is still admitted
// once, by the queued-to-processing state flip inside the admission
// transaction.
type QueuedRunRepo struct {
	db DB
}

// NewQueuedRunRepo creates a repository over the given pool or connection.
func NewQueuedRunRepo(db DB) *QueuedRunRepo { return &QueuedRunRepo{db: db} }

// WithTx returns a repository bound to the transaction. Admission selection
// and the state flip must share one transaction.
func (r *QueuedRunRepo) WithTx(tx pgx.Tx) *QueuedRunRepo { return &QueuedRunRepo{db: tx} }

const queuedRunColumns = `id, campaign_id, source_uuid, context_variables,
       retry_count, scheduled_for, state, parent_queued_run_id, retry_reason,
       created_at`

// Enqueue inserts a run in the queued state. A duplicate
// (campaign, source, retry) triple returns ErrDuplicate, which is how a
// double sync or double retry is swallowed.
func (r *QueuedRunRepo) Enqueue(ctx context.Context, q *QueuedRun) error {
	varsJSON, err := json.Marshal(emptyStringMap(q.ContextVariables))
	if err != nil {
		return fmt.Errorf("store: marshal context_variables: %w", err)
	}
	if q.State == "" {
		q.State = RunQueued
	}

	const query = `
		INSERT INTO queued_runs (
			id, campaign_id, source_uuid, context_variables, retry_count,
			scheduled_for, state, parent_queued_run_id, retry_reason
		) VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),$9)
		RETURNING created_at`

	err = r.db.QueryRow(ctx, query,
		q.ID, q.CampaignID, q.SourceUUID, varsJSON, q.RetryCount,
		q.ScheduledFor, q.State, q.ParentQueuedRunID, q.RetryReason,
	).Scan(&q.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: queued run %s/%s retry %d: %w",
				q.CampaignID, q.SourceUUID, q.RetryCount, ErrDuplicate)
		}
		return fmt.Errorf("store: enqueue run: %w", err)
	}
	return nil
}

// Get retrieves a queued run by ID.
func (r *QueuedRunRepo) Get(ctx context.Context, id string) (*QueuedRun, error) {
	query := `SELECT ` + queuedRunColumns + ` FROM queued_runs WHERE id = $1`
	q, err := scanQueuedRun(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: queued run %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get queued run %q: %w", id, err)
	}
	return q, nil
}

// DueRetries selects up to limit scheduled retries that have come due,
// oldest schedule first. Rows held by a concurrent statement are skipped
// rather than waited on; duplicate picks are resolved by MarkProcessing.
func (r *QueuedRunRepo) DueRetries(ctx context.Context, campaignID string, limit int) ([]QueuedRun, error) {
	query := `
		SELECT ` + queuedRunColumns + ` FROM queued_runs
		WHERE campaign_id = $1 AND state = 'queued'
		  AND scheduled_for IS NOT NULL AND scheduled_for <= now()
		ORDER BY scheduled_for
		LIMIT $2
		FOR UPDATE SKIP LOCKED`
	return r.selectRuns(ctx, query, campaignID, limit)
}

// ReadyRuns selects up to limit unscheduled queued runs in arrival order,
// with the same selection semantics as DueRetries.
func (r *QueuedRunRepo) ReadyRuns(ctx context.Context, campaignID string, limit int) ([]QueuedRun, error) {
	query := `
		SELECT ` + queuedRunColumns + ` FROM queued_runs
		WHERE campaign_id = $1 AND state = 'queued' AND scheduled_for IS NULL
		ORDER BY created_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`
	return r.selectRuns(ctx, query, campaignID, limit)
}

func (r *QueuedRunRepo) selectRuns(ctx context.Context, query, campaignID string, limit int) ([]QueuedRun, error) {
	rows, err := r.db.Query(ctx, query, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: select queued runs: %w", err)
	}
	defer rows.Close()

	var out []QueuedRun
	for rows.Next() {
		q, err := scanQueuedRun(rows)
		if err != nil {
			return nil, fmt.Errorf("store: select queued runs scan: %w", err)
		}
		out = append(out, *q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: select queued runs: %w", err)
	}
	return out, nil
}

// MarkProcessing flips a queued run to processing. The state predicate makes
// the flip atomic: a second admission of the same run gets ErrStateConflict.
func (r *QueuedRunRepo) MarkProcessing(ctx context.Context, id string) error {
	return r.setState(ctx, id, RunQueued, RunProcessing)
}

// MarkProcessed finishes a run that will not be retried.
func (r *QueuedRunRepo) MarkProcessed(ctx context.Context, id string) error {
	return r.setState(ctx, id, RunProcessing, RunProcessed)
}

// MarkFailed finishes a run with a non-retryable error.
func (r *QueuedRunRepo) MarkFailed(ctx context.Context, id string) error {
	return r.setState(ctx, id, RunProcessing, RunFailed)
}

func (r *QueuedRunRepo) setState(ctx context.Context, id, from, to string) error {
	const query = `
		UPDATE queued_runs SET state = $3, updated_at = now()
		WHERE id = $1 AND state = $2`
	tag, err := r.db.Exec(ctx, query, id, from, to)
	if err != nil {
		return fmt.Errorf("store: queued run %q %s→%s: %w", id, from, to, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: queued run %q not in state %q: %w", id, from, ErrStateConflict)
	}
	return nil
}

func scanQueuedRun(row pgx.Row) (*QueuedRun, error) {
	var q QueuedRun
	var varsJSON []byte
	var parent *string
	err := row.Scan(
		&q.ID, &q.CampaignID, &q.SourceUUID, &varsJSON,
		&q.RetryCount, &q.ScheduledFor, &q.State, &parent, &q.RetryReason,
		&q.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if parent != nil {
		q.ParentQueuedRunID = *parent
	}
	if err := json.Unmarshal(varsJSON, &q.ContextVariables); err != nil {
		return nil, fmt.Errorf("unmarshal context_variables: %w", err)
	}
	return &q, nil
}

// emptyStringMap keeps JSONB columns "{}" instead of "null".
func emptyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
