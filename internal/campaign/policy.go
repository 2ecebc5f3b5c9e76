package campaign

import (
	"time"

	"github.com/google/uuid"

	"github.com/parleyvoice/parley/internal/store"
)

// Retry buckets a campaign policy can enable.
const (
	BucketBusy      = "busy"
	BucketNoAnswer  = "no_answer"
	BucketVoicemail = "voicemail"
	BucketHangUp    = "hang_up"
)

// bucketByDisposition folds the raw and carrier disposition codes into the
// policy buckets. Codes outside the map are never retried.
var bucketByDisposition = map[string]string{
	"BUSY":               BucketBusy,
	"NO_ANSWER":          BucketNoAnswer,
	"NIBP":               BucketNoAnswer,
	"VOICEMAIL_DETECTED": BucketVoicemail,
	"HU":                 BucketHangUp,
	"USER_HANGUP":        BucketHangUp,
}

// Bucket returns the retry bucket for a disposition code, or "" when the
// disposition is not retryable.
func Bucket(disposition string) string {
	return bucketByDisposition[disposition]
}

// NextRetry decides whether a finished run earns another attempt. When the
// campaign policy enables the disposition's bucket and the run is under the
// retry cap, it returns the follow-up queued run: incremented retry count,
// parent link, schedule pushed out by the policy delay.
func NextRetry(cfg store.RetryConfig, q store.QueuedRun, disposition string, now time.Time) (*store.QueuedRun, bool) {
	bucket := Bucket(disposition)
	if bucket == "" || !cfg.Buckets[bucket] {
		return nil, false
	}
	if q.RetryCount >= cfg.MaxRetries {
		return nil, false
	}
	at := now.Add(time.Duration(cfg.DelaySeconds) * time.Second)
	return &store.QueuedRun{
		ID:                uuid.NewString(),
		CampaignID:        q.CampaignID,
		SourceUUID:        q.SourceUUID,
		ContextVariables:  q.ContextVariables,
		RetryCount:        q.RetryCount + 1,
		ScheduledFor:      &at,
		State:             store.RunQueued,
		ParentQueuedRunID: q.ID,
		RetryReason:       bucket,
	}, true
}
