package campaign

import (
	"context"
	"fmt"

	"github.com/parleyvoice/parley/internal/store"
)

// validTransitions is the campaign lifecycle:
// created → syncing → running ↔ paused → completed|failed.
var validTransitions = map[string][]string{
	store.CampaignCreated: {store.CampaignSyncing, store.CampaignFailed},
	store.CampaignSyncing: {store.CampaignRunning, store.CampaignFailed},
	store.CampaignRunning: {store.CampaignPaused, store.CampaignCompleted, store.CampaignFailed},
	store.CampaignPaused:  {store.CampaignRunning, store.CampaignCompleted, store.CampaignFailed},
}

// ValidTransition reports whether a campaign may move from one state to
// another. Completed and failed are terminal.
func ValidTransition(from, to string) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates and applies a campaign state change.
func (s *Scheduler) Transition(ctx context.Context, id, from, to string) error {
	if !ValidTransition(from, to) {
		return fmt.Errorf("campaign: invalid transition %s→%s for %q", from, to, id)
	}
	return s.campaigns.TransitionState(ctx, id, from, to)
}
