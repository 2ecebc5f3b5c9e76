package store

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Admission runs the per-run admission transaction: flip the queued run to
// processing, create its workflow run, dispatch to the dialer. Any failure,
// dispatch included, rolls the whole thing back so the run stays queued for
// the next tick.
type Admission struct {
	db    DB
	queue *QueuedRunRepo
	runs  *WorkflowRunRepo
}

// NewAdmission creates the admission transactor.
func NewAdmission(db DB) *Admission {
	return &Admission{
		db:    db,
		queue: NewQueuedRunRepo(db),
		runs:  NewWorkflowRunRepo(db),
	}
}

// Admit performs one admission. ErrStateConflict from the state flip means
// another worker already admitted this run; callers skip it silently.
func (a *Admission) Admit(ctx context.Context, q QueuedRun, run *WorkflowRun, dispatch func(ctx context.Context) error) error {
	return InTx(ctx, a.db, func(tx pgx.Tx) error {
		if err := a.queue.WithTx(tx).MarkProcessing(ctx, q.ID); err != nil {
			return err
		}
		if err := a.runs.WithTx(tx).Create(ctx, run); err != nil {
			return err
		}
		return dispatch(ctx)
	})
}
