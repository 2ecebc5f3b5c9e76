package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

// mockRow implements pgx.Row.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// mockDB implements the DB interface.
type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	tx           *mockTx
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return nil, errors.New("unexpected Query")
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func (m *mockDB) Begin(context.Context) (pgx.Tx, error) {
	if m.tx == nil {
		return nil, errors.New("unexpected Begin")
	}
	return m.tx, nil
}

// mockTx implements pgx.Tx over the same hooks, recording the commit/rollback
// outcome.
type mockTx struct {
	mockDB
	committed  bool
	rolledBack bool
}

func (t *mockTx) Begin(context.Context) (pgx.Tx, error) { return t, nil }
func (t *mockTx) Commit(context.Context) error          { t.committed = true; return nil }
func (t *mockTx) Rollback(context.Context) error        { t.rolledBack = true; return nil }
func (t *mockTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("unexpected CopyFrom")
}
func (t *mockTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *mockTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *mockTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("unexpected Prepare")
}
func (t *mockTx) Conn() *pgx.Conn { return nil }

func duplicateKeyRow() pgx.Row {
	return &mockRow{scanFunc: func(...any) error {
		return &pgconn.PgError{Code: "23505"}
	}}
}

// ---------------------------------------------------------------------------
// Error mapping
// ---------------------------------------------------------------------------

func TestCampaignRepo_GetNotFound(t *testing.T) {
	t.Parallel()
	repo := NewCampaignRepo(&mockDB{})
	_, err := repo.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCampaignRepo_TransitionStateConflict(t *testing.T) {
	t.Parallel()
	db := &mockDB{execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		if args[1] != CampaignRunning || args[2] != CampaignPaused {
			t.Errorf("transition args = %v", args)
		}
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}}
	repo := NewCampaignRepo(db)
	err := repo.TransitionState(context.Background(), "c1", CampaignRunning, CampaignPaused)
	if !errors.Is(err, ErrStateConflict) {
		t.Errorf("err = %v, want ErrStateConflict", err)
	}
}

func TestQueuedRunRepo_EnqueueDuplicate(t *testing.T) {
	t.Parallel()
	db := &mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row {
		return duplicateKeyRow()
	}}
	repo := NewQueuedRunRepo(db)
	err := repo.Enqueue(context.Background(), &QueuedRun{
		ID: "q1", CampaignID: "c1", SourceUUID: "src-1", RetryCount: 1,
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("err = %v, want ErrDuplicate", err)
	}
}

func TestQueuedRunRepo_MarkProcessingIsCompareAndSet(t *testing.T) {
	t.Parallel()
	var gotSQL string
	db := &mockDB{execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		gotSQL = sql
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}}
	repo := NewQueuedRunRepo(db)
	if err := repo.MarkProcessing(context.Background(), "q1"); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if !strings.Contains(gotSQL, "state = $2") {
		t.Errorf("update must predicate on the current state:\n%s", gotSQL)
	}
}

func TestQueuedRunRepo_SelectionLocksWithSkipLocked(t *testing.T) {
	t.Parallel()
	var sqls []string
	db := &mockDB{queryFunc: func(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
		sqls = append(sqls, sql)
		return nil, errors.New("stop here")
	}}
	repo := NewQueuedRunRepo(db)
	repo.DueRetries(context.Background(), "c1", 10)
	repo.ReadyRuns(context.Background(), "c1", 10)

	if len(sqls) != 2 {
		t.Fatalf("issued %d queries", len(sqls))
	}
	for i, sql := range sqls {
		if !strings.Contains(sql, "FOR UPDATE SKIP LOCKED") {
			t.Errorf("query %d missing SKIP LOCKED:\n%s", i, sql)
		}
	}
	if !strings.Contains(sqls[0], "scheduled_for <= now()") || !strings.Contains(sqls[0], "ORDER BY scheduled_for") {
		t.Errorf("due-retries query wrong:\n%s", sqls[0])
	}
	if !strings.Contains(sqls[1], "scheduled_for IS NULL") || !strings.Contains(sqls[1], "ORDER BY created_at") {
		t.Errorf("ready-runs query wrong:\n%s", sqls[1])
	}
}

// ---------------------------------------------------------------------------
// Usage cycle reservation
// ---------------------------------------------------------------------------

func reserveTx(used, quota int64, updates *[]string) *mockTx {
	tx := &mockTx{}
	tx.execFunc = func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		*updates = append(*updates, sql)
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	tx.queryRowFunc = func(_ context.Context, sql string, args ...any) pgx.Row {
		return &mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*string)) = "org-1"
			*(dest[1].(*time.Time)) = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
			*(dest[2].(*time.Time)) = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
			*(dest[3].(*int64)) = used
			*(dest[4].(*float64)) = 0
			*(dest[5].(*int64)) = quota
			return nil
		}}
	}
	return tx
}

func TestUsageRepo_ReserveWithinQuota(t *testing.T) {
	t.Parallel()
	var updates []string
	tx := reserveTx(100, 250, &updates)
	repo := NewUsageRepo(&mockDB{tx: tx})

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	cycle, err := repo.Reserve(context.Background(), "org-1", start, start.AddDate(0, 1, 0), 100, 250)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if cycle.UsedTokens != 200 {
		t.Errorf("used tokens = %d, want 200", cycle.UsedTokens)
	}
	if !tx.committed || tx.rolledBack {
		t.Error("reservation must commit")
	}
	// Insert-on-conflict for the cycle, then the reservation update.
	if len(updates) != 2 || !strings.Contains(updates[0], "ON CONFLICT") || !strings.Contains(updates[1], "used_tokens + $3") {
		t.Errorf("statements = %v", updates)
	}
}

func TestUsageRepo_ReserveExceedsQuota(t *testing.T) {
	t.Parallel()
	var updates []string
	tx := reserveTx(200, 250, &updates)
	repo := NewUsageRepo(&mockDB{tx: tx})

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	_, err := repo.Reserve(context.Background(), "org-1", start, start.AddDate(0, 1, 0), 100, 250)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}
	if tx.committed || !tx.rolledBack {
		t.Error("a rejected reservation must roll back")
	}
	// Only the insert-on-conflict ran; the reservation update must not.
	if len(updates) != 1 {
		t.Errorf("statements = %v", updates)
	}
}

func TestUsageRepo_ReconcileMissingCycle(t *testing.T) {
	t.Parallel()
	tx := &mockTx{}
	tx.queryRowFunc = func(context.Context, string, ...any) pgx.Row {
		return &mockRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
	}
	repo := NewUsageRepo(&mockDB{tx: tx})
	err := repo.Reconcile(context.Background(), "org-1", time.Now(), 100, 80, 42.5)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
