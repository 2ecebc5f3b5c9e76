package store

import (
	"context"
	"fmt"
)

// Schema is the SQL DDL for the scheduler and engine state. Execute it via
// [Migrate] or apply it manually during deployment.
//
// The unique index on (campaign_id, source_uuid, retry_count) is what makes
// double admission of the same queued run impossible even across scheduler
// workers.
const Schema = `
CREATE TABLE IF NOT EXISTS campaigns (
    id                      TEXT PRIMARY KEY,
    org_id                  TEXT NOT NULL,
    workflow_id             TEXT NOT NULL,
    state                   TEXT NOT NULL DEFAULT 'created',
    rate_limit_per_second   DOUBLE PRECISION NOT NULL DEFAULT 1,
    max_concurrency         INTEGER NOT NULL DEFAULT 10,
    retry_config            JSONB NOT NULL DEFAULT '{}',
    orchestrator_metadata   JSONB NOT NULL DEFAULT '{}',
    last_batch_scheduled_at TIMESTAMPTZ,
    created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_campaigns_org ON campaigns(org_id);
CREATE INDEX IF NOT EXISTS idx_campaigns_state ON campaigns(state);

CREATE TABLE IF NOT EXISTS queued_runs (
    id                   TEXT PRIMARY KEY,
    campaign_id          TEXT NOT NULL REFERENCES campaigns(id),
    source_uuid          TEXT NOT NULL,
    context_variables    JSONB NOT NULL DEFAULT '{}',
    retry_count          INTEGER NOT NULL DEFAULT 0,
    scheduled_for        TIMESTAMPTZ,
    state                TEXT NOT NULL DEFAULT 'queued',
    parent_queued_run_id TEXT,
    retry_reason         TEXT NOT NULL DEFAULT '',
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_queued_runs_admission
    ON queued_runs(campaign_id, source_uuid, retry_count);
CREATE INDEX IF NOT EXISTS idx_queued_runs_ready
    ON queued_runs(campaign_id, state, scheduled_for);

CREATE TABLE IF NOT EXISTS workflow_runs (
    id                TEXT PRIMARY KEY,
    org_id            TEXT NOT NULL,
    workflow_id       TEXT NOT NULL,
    mode              TEXT NOT NULL DEFAULT 'campaign',
    state             TEXT NOT NULL DEFAULT 'running',
    is_completed      BOOLEAN NOT NULL DEFAULT FALSE,
    recording_ref     TEXT NOT NULL DEFAULT '',
    transcript_ref    TEXT NOT NULL DEFAULT '',
    usage_info        JSONB NOT NULL DEFAULT '{}',
    cost_info         JSONB NOT NULL DEFAULT '{}',
    initial_context   JSONB NOT NULL DEFAULT '{}',
    gathered_context  JSONB NOT NULL DEFAULT '{}',
    campaign_id       TEXT,
    queued_run_id     TEXT,
    last_heartbeat_at TIMESTAMPTZ,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_workflow_runs_campaign
    ON workflow_runs(campaign_id) WHERE campaign_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_workflow_runs_open
    ON workflow_runs(is_completed, last_heartbeat_at) WHERE is_completed = FALSE;

CREATE TABLE IF NOT EXISTS usage_cycles (
    org_id                 TEXT NOT NULL,
    period_start           TIMESTAMPTZ NOT NULL,
    period_end             TIMESTAMPTZ NOT NULL,
    used_tokens            BIGINT NOT NULL DEFAULT 0,
    total_duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    quota_tokens           BIGINT NOT NULL,
    PRIMARY KEY (org_id, period_start)
);
`

// Migrate executes the [Schema] DDL, creating tables and indexes if they do
// not already exist.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}
