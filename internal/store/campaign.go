package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CampaignRepo persists campaigns and answers the aggregate counts the
// reconciler needs.
type CampaignRepo struct {
	db DB
}

// NewCampaignRepo creates a repository over the given pool or connection.
func NewCampaignRepo(db DB) *CampaignRepo { return &CampaignRepo{db: db} }

// WithTx returns a repository bound to the transaction.
func (r *CampaignRepo) WithTx(tx pgx.Tx) *CampaignRepo { return &CampaignRepo{db: tx} }

const campaignColumns = `id, org_id, workflow_id, state, rate_limit_per_second,
       max_concurrency, retry_config, orchestrator_metadata,
       last_batch_scheduled_at, created_at, updated_at`

// Create inserts a campaign in its initial state.
func (r *CampaignRepo) Create(ctx context.Context, c *Campaign) error {
	retryJSON, err := json.Marshal(c.RetryConfig)
	if err != nil {
		return fmt.Errorf("store: marshal retry_config: %w", err)
	}
	metaJSON, err := json.Marshal(emptyMap(c.OrchestratorMetadata))
	if err != nil {
		return fmt.Errorf("store: marshal orchestrator_metadata: %w", err)
	}
	if c.State == "" {
		c.State = CampaignCreated
	}

	const query = `
		INSERT INTO campaigns (
			id, org_id, workflow_id, state, rate_limit_per_second,
			max_concurrency, retry_config, orchestrator_metadata
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`

	err = r.db.QueryRow(ctx, query,
		c.ID, c.OrgID, c.WorkflowID, c.State, c.RateLimitPerSecond,
		c.MaxConcurrency, retryJSON, metaJSON,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: campaign %q: %w", c.ID, ErrDuplicate)
		}
		return fmt.Errorf("store: create campaign: %w", err)
	}
	return nil
}

// Get retrieves a campaign by ID.
func (r *CampaignRepo) Get(ctx context.Context, id string) (*Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
	c, err := scanCampaign(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: campaign %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get campaign %q: %w", id, err)
	}
	return c, nil
}

// ListByState returns all campaigns in the given state. The scheduler tick
// lists running campaigns; the reconciler also walks syncing ones.
func (r *CampaignRepo) ListByState(ctx context.Context, state string) ([]Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE state = $1 ORDER BY created_at`
	rows, err := r.db.Query(ctx, query, state)
	if err != nil {
		return nil, fmt.Errorf("store: list campaigns: %w", err)
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list campaigns scan: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list campaigns: %w", err)
	}
	return out, nil
}

// TransitionState moves a campaign from one state to another atomically.
// Returns ErrStateConflict when the campaign was not in the expected state.
func (r *CampaignRepo) TransitionState(ctx context.Context, id, from, to string) error {
	const query = `
		UPDATE campaigns SET state = $3, updated_at = now()
		WHERE id = $1 AND state = $2`
	tag, err := r.db.Exec(ctx, query, id, from, to)
	if err != nil {
		return fmt.Errorf("store: transition campaign %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: campaign %q not in state %q: %w", id, from, ErrStateConflict)
	}
	return nil
}

// TouchLastBatch stamps the end of an admission batch.
func (r *CampaignRepo) TouchLastBatch(ctx context.Context, id string) error {
	const query = `
		UPDATE campaigns SET last_batch_scheduled_at = now(), updated_at = now()
		WHERE id = $1`
	if _, err := r.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("store: touch campaign %q: %w", id, err)
	}
	return nil
}

// Counts are the live aggregates the reconciler reads in one query.
type Counts struct {
	// Queued is ready runs with no schedule.
	Queued int

	// Scheduled is queued runs waiting on scheduled_for.
	Scheduled int

	// InFlight is workflow runs not yet completed.
	InFlight int
}

// Counts returns the campaign's queued, scheduled and in-flight run counts.
// A campaign with all three at zero is complete.
func (r *CampaignRepo) Counts(ctx context.Context, id string) (Counts, error) {
	const query = `
		SELECT
			(SELECT count(*) FROM queued_runs
			 WHERE campaign_id = $1 AND state = 'queued' AND scheduled_for IS NULL),
			(SELECT count(*) FROM queued_runs
			 WHERE campaign_id = $1 AND state = 'queued' AND scheduled_for IS NOT NULL),
			(SELECT count(*) FROM workflow_runs
			 WHERE campaign_id = $1 AND is_completed = FALSE)`
	var c Counts
	if err := r.db.QueryRow(ctx, query, id).Scan(&c.Queued, &c.Scheduled, &c.InFlight); err != nil {
		return Counts{}, fmt.Errorf("store: campaign %q counts: %w", id, err)
	}
	return c, nil
}

// scanCampaign reads one campaign row from either a pgx.Row or pgx.Rows.
func scanCampaign(row pgx.Row) (*Campaign, error) {
	var c Campaign
	var retryJSON, metaJSON []byte
	err := row.Scan(
		&c.ID, &c.OrgID, &c.WorkflowID, &c.State, &c.RateLimitPerSecond,
		&c.MaxConcurrency, &retryJSON, &metaJSON,
		&c.LastBatchScheduledAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(retryJSON, &c.RetryConfig); err != nil {
		return nil, fmt.Errorf("unmarshal retry_config: %w", err)
	}
	if err := json.Unmarshal(metaJSON, &c.OrchestratorMetadata); err != nil {
		return nil, fmt.Errorf("unmarshal orchestrator_metadata: %w", err)
	}
	return &c, nil
}

// emptyMap keeps JSONB columns "{}" instead of "null".
func emptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
