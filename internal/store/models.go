package store

import "time"

// Campaign states.
const (
	CampaignCreated   = "created"
	CampaignSyncing   = "syncing"
	CampaignRunning   = "running"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
	CampaignFailed    = "failed"
)

// QueuedRun states.
const (
	RunQueued     = "queued"
	RunProcessing = "processing"
	RunProcessed  = "processed"
	RunFailed     = "failed"
)

// RetryConfig is the campaign's per-disposition retry policy, stored as
// JSONB on the campaign row.
type RetryConfig struct {
	// MaxRetries caps retry_count; a run at the cap is never re-enqueued.
	MaxRetries int `json:"max_retries"`

	// DelaySeconds is how far in the future a retry is scheduled.
	DelaySeconds int `json:"retry_delay_seconds"`

	// Buckets enables retries per disposition bucket, e.g.
	// {"busy": true, "no_answer": true, "voicemail": false}.
	Buckets map[string]bool `json:"buckets"`
}

// Campaign is one outbound calling campaign.
type Campaign struct {
	ID                   string
	OrgID                string
	WorkflowID           string
	State                string
	RateLimitPerSecond   float64
	MaxConcurrency       int
	RetryConfig          RetryConfig
	OrchestratorMetadata map[string]any
	LastBatchScheduledAt *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// QueuedRun is one dialable row pulled from a campaign source. The
// (CampaignID, SourceUUID, RetryCount) triple is unique: the original
// admission is retry 0 and every retry increments the count.
type QueuedRun struct {
	ID                string
	CampaignID        string
	SourceUUID        string
	ContextVariables  map[string]string
	RetryCount        int
	ScheduledFor      *time.Time
	State             string
	ParentQueuedRunID string
	RetryReason       string
	CreatedAt         time.Time
}

// WorkflowRun is one call execution.
type WorkflowRun struct {
	ID              string
	OrgID           string
	WorkflowID      string
	Mode            string
	State           string
	IsCompleted     bool
	RecordingRef    string
	TranscriptRef   string
	UsageInfo       map[string]any
	CostInfo        map[string]any
	InitialContext  map[string]string
	GatheredContext map[string]any
	CampaignID      string
	QueuedRunID     string
	LastHeartbeatAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// UsageCycle is a tenant's token and duration consumption for one billing
// period. Mutated only under a row lock.
type UsageCycle struct {
	OrgID                string
	PeriodStart          time.Time
	PeriodEnd            time.Time
	UsedTokens           int64
	TotalDurationSeconds float64
	QuotaTokens          int64
}
