package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parleyvoice/parley/internal/store"
)

// fakeCycles is an in-memory cycle store with the same locking discipline as
// the real one: reservations serialize on a mutex.
type fakeCycles struct {
	mu     sync.Mutex
	cycles map[string]*store.UsageCycle

	reconciles []reconcileCall
}

type reconcileCall struct {
	orgID           string
	estimate        int64
	actual          int64
	durationSeconds float64
}

func newFakeCycles() *fakeCycles {
	return &fakeCycles{cycles: map[string]*store.UsageCycle{}}
}

func (f *fakeCycles) Reserve(_ context.Context, orgID string, periodStart, periodEnd time.Time, estimate, defaultQuota int64) (store.UsageCycle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cycles[orgID]
	if !ok {
		c = &store.UsageCycle{
			OrgID: orgID, PeriodStart: periodStart, PeriodEnd: periodEnd,
			QuotaTokens: defaultQuota,
		}
		f.cycles[orgID] = c
	}
	if c.UsedTokens+estimate > c.QuotaTokens {
		return *c, store.ErrQuotaExceeded
	}
	c.UsedTokens += estimate
	return *c, nil
}

func (f *fakeCycles) Reconcile(_ context.Context, orgID string, _ time.Time, estimate, actualTokens int64, durationSeconds float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cycles[orgID]
	if !ok {
		return store.ErrNotFound
	}
	c.UsedTokens = c.UsedTokens - estimate + actualTokens
	if c.UsedTokens < 0 {
		c.UsedTokens = 0
	}
	c.TotalDurationSeconds += durationSeconds
	f.reconciles = append(f.reconciles, reconcileCall{orgID, estimate, actualTokens, durationSeconds})
	return nil
}

func TestReserve_ConcurrentAdmissionsNeverOverspend(t *testing.T) {
	t.Parallel()
	cycles := newFakeCycles()
	svc := New(cycles, WithCallEstimate(100), WithDefaultQuota(250))

	// Three concurrent 100-token reservations against a 250-token quota:
	// exactly two may win.
	var wg sync.WaitGroup
	results := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Reserve(context.Background(), "org-1")
		}(i)
	}
	wg.Wait()

	granted, rejected := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			granted++
		case errors.Is(err, ErrInsufficientCredits):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if granted != 2 || rejected != 1 {
		t.Errorf("granted=%d rejected=%d, want 2 and 1", granted, rejected)
	}
	if used := cycles.cycles["org-1"].UsedTokens; used != 200 {
		t.Errorf("used tokens = %d, want 200", used)
	}
}

func TestRelease_ReplacesEstimateWithActuals(t *testing.T) {
	t.Parallel()
	cycles := newFakeCycles()
	svc := New(cycles, WithCallEstimate(100), WithDefaultQuota(1000))

	res, err := svc.Reserve(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.Remaining != 900 {
		t.Errorf("remaining = %d, want 900", res.Remaining)
	}

	if err := svc.Release(context.Background(), res, 37, 95*time.Second); err != nil {
		t.Fatalf("Release: %v", err)
	}
	c := cycles.cycles["org-1"]
	if c.UsedTokens != 37 {
		t.Errorf("used tokens after reconcile = %d, want 37", c.UsedTokens)
	}
	if c.TotalDurationSeconds != 95 {
		t.Errorf("duration = %v, want 95", c.TotalDurationSeconds)
	}
}

func TestRelease_NilReservationIsNoop(t *testing.T) {
	t.Parallel()
	svc := New(newFakeCycles())
	if err := svc.Release(context.Background(), nil, 0, 0); err != nil {
		t.Fatalf("Release(nil): %v", err)
	}
}

func TestCurrentPeriod(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 25, 13, 45, 0, 0, time.FixedZone("CEST", 2*3600))
	start, end := CurrentPeriod(now)
	if !start.Equal(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v", start)
	}
	if !end.Equal(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("end = %v", end)
	}
}
