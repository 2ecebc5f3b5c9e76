package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// WorkflowRunRepo persists call executions.
type WorkflowRunRepo struct {
	db DB
}

// NewWorkflowRunRepo creates a repository over the given pool or connection.
func NewWorkflowRunRepo(db DB) *WorkflowRunRepo { return &WorkflowRunRepo{db: db} }

// WithTx returns a repository bound to the transaction so admission creates
// the run atomically with the queued-run state flip.
func (r *WorkflowRunRepo) WithTx(tx pgx.Tx) *WorkflowRunRepo { return &WorkflowRunRepo{db: tx} }

const workflowRunColumns = `id, org_id, workflow_id, mode, state, is_completed,
       recording_ref, transcript_ref, usage_info, cost_info,
       initial_context, gathered_context, campaign_id, queued_run_id,
       last_heartbeat_at, created_at, updated_at`

// Create inserts a run in the running state.
func (r *WorkflowRunRepo) Create(ctx context.Context, run *WorkflowRun) error {
	usageJSON, err := json.Marshal(emptyMap(run.UsageInfo))
	if err != nil {
		return fmt.Errorf("store: marshal usage_info: %w", err)
	}
	costJSON, err := json.Marshal(emptyMap(run.CostInfo))
	if err != nil {
		return fmt.Errorf("store: marshal cost_info: %w", err)
	}
	initJSON, err := json.Marshal(emptyStringMap(run.InitialContext))
	if err != nil {
		return fmt.Errorf("store: marshal initial_context: %w", err)
	}
	gatheredJSON, err := json.Marshal(emptyMap(run.GatheredContext))
	if err != nil {
		return fmt.Errorf("store: marshal gathered_context: %w", err)
	}
	if run.State == "" {
		run.State = "running"
	}
	if run.Mode == "" {
		run.Mode = "campaign"
	}

	const query = `
		INSERT INTO workflow_runs (
			id, org_id, workflow_id, mode, state,
			usage_info, cost_info, initial_context, gathered_context,
			campaign_id, queued_run_id, last_heartbeat_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,''),NULLIF($11,''),now())
		RETURNING created_at, updated_at`

	err = r.db.QueryRow(ctx, query,
		run.ID, run.OrgID, run.WorkflowID, run.Mode, run.State,
		usageJSON, costJSON, initJSON, gatheredJSON,
		run.CampaignID, run.QueuedRunID,
	).Scan(&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: workflow run %q: %w", run.ID, ErrDuplicate)
		}
		return fmt.Errorf("store: create workflow run: %w", err)
	}
	return nil
}

// Get retrieves a run by ID.
func (r *WorkflowRunRepo) Get(ctx context.Context, id string) (*WorkflowRun, error) {
	query := `SELECT ` + workflowRunColumns + ` FROM workflow_runs WHERE id = $1`
	run, err := scanWorkflowRun(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: workflow run %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get workflow run %q: %w", id, err)
	}
	return run, nil
}

// Heartbeat stamps liveness. The orphan sweep treats a silent run as dead.
func (r *WorkflowRunRepo) Heartbeat(ctx context.Context, id string) error {
	const query = `UPDATE workflow_runs SET last_heartbeat_at = now() WHERE id = $1`
	if _, err := r.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("store: heartbeat run %q: %w", id, err)
	}
	return nil
}

// Complete finishes a run: final state, usage, cost and gathered context in
// one write.
func (r *WorkflowRunRepo) Complete(ctx context.Context, id, state string, usageInfo, costInfo, gatheredContext map[string]any) error {
	usageJSON, err := json.Marshal(emptyMap(usageInfo))
	if err != nil {
		return fmt.Errorf("store: marshal usage_info: %w", err)
	}
	costJSON, err := json.Marshal(emptyMap(costInfo))
	if err != nil {
		return fmt.Errorf("store: marshal cost_info: %w", err)
	}
	gatheredJSON, err := json.Marshal(emptyMap(gatheredContext))
	if err != nil {
		return fmt.Errorf("store: marshal gathered_context: %w", err)
	}

	const query = `
		UPDATE workflow_runs SET
			state = $2, is_completed = TRUE,
			usage_info = $3, cost_info = $4, gathered_context = $5,
			updated_at = now()
		WHERE id = $1 AND is_completed = FALSE`
	tag, err := r.db.Exec(ctx, query, id, state, usageJSON, costJSON, gatheredJSON)
	if err != nil {
		return fmt.Errorf("store: complete run %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: run %q already completed: %w", id, ErrStateConflict)
	}
	return nil
}

// SetReferences records where the recording and transcript landed.
func (r *WorkflowRunRepo) SetReferences(ctx context.Context, id, recordingRef, transcriptRef string) error {
	const query = `
		UPDATE workflow_runs SET
			recording_ref = $2, transcript_ref = $3, updated_at = now()
		WHERE id = $1`
	if _, err := r.db.Exec(ctx, query, id, recordingRef, transcriptRef); err != nil {
		return fmt.Errorf("store: set run %q references: %w", id, err)
	}
	return nil
}

// StaleRuns returns open runs whose last heartbeat is older than threshold.
func (r *WorkflowRunRepo) StaleRuns(ctx context.Context, threshold time.Duration) ([]WorkflowRun, error) {
	query := `
		SELECT ` + workflowRunColumns + ` FROM workflow_runs
		WHERE is_completed = FALSE
		  AND (last_heartbeat_at IS NULL OR last_heartbeat_at < now() - $1::interval)
		ORDER BY created_at`
	rows, err := r.db.Query(ctx, query, threshold.String())
	if err != nil {
		return nil, fmt.Errorf("store: stale runs: %w", err)
	}
	defer rows.Close()

	var out []WorkflowRun
	for rows.Next() {
		run, err := scanWorkflowRun(rows)
		if err != nil {
			return nil, fmt.Errorf("store: stale runs scan: %w", err)
		}
		out = append(out, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: stale runs: %w", err)
	}
	return out, nil
}

func scanWorkflowRun(row pgx.Row) (*WorkflowRun, error) {
	var run WorkflowRun
	var usageJSON, costJSON, initJSON, gatheredJSON []byte
	var campaignID, queuedRunID *string
	err := row.Scan(
		&run.ID, &run.OrgID, &run.WorkflowID, &run.Mode, &run.State, &run.IsCompleted,
		&run.RecordingRef, &run.TranscriptRef, &usageJSON, &costJSON,
		&initJSON, &gatheredJSON, &campaignID, &queuedRunID,
		&run.LastHeartbeatAt, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if campaignID != nil {
		run.CampaignID = *campaignID
	}
	if queuedRunID != nil {
		run.QueuedRunID = *queuedRunID
	}
	if err := json.Unmarshal(usageJSON, &run.UsageInfo); err != nil {
		return nil, fmt.Errorf("unmarshal usage_info: %w", err)
	}
	if err := json.Unmarshal(costJSON, &run.CostInfo); err != nil {
		return nil, fmt.Errorf("unmarshal cost_info: %w", err)
	}
	if err := json.Unmarshal(initJSON, &run.InitialContext); err != nil {
		return nil, fmt.Errorf("unmarshal initial_context: %w", err)
	}
	if err := json.Unmarshal(gatheredJSON, &run.GatheredContext); err != nil {
		return nil, fmt.Errorf("unmarshal gathered_context: %w", err)
	}
	return &run, nil
}
