package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/maestro/internal/config"
	"github.com/haasonsaas/maestro/internal/observability"
)

var testClock = time.Date(2026, 3, 14, 10, 30, 5, 0, time.UTC)

func testGate(cfg config.QuotaConfig) (*Gate, *MemoryCounterStore) {
	counters := NewMemoryCounterStore()
	counters.now = func() time.Time { return testClock }
	gate := NewGate(counters, cfg, observability.NewNopLogger())
	gate.now = func() time.Time { return testClock }
	return gate, counters
}

func TestMinuteCeiling(t *testing.T) {
	ctx := context.Background()
	gate, _ := testGate(config.QuotaConfig{Enabled: true, RequestsPerMinute: 3})

	for i := 0; i < 3; i++ {
		if err := gate.EnforceBeforeRequest(ctx, 7, "openai", "gpt-4o-mini"); err != nil {
			t.Fatalf("request %d rejected: %v", i+1, err)
		}
	}
	err := gate.EnforceBeforeRequest(ctx, 7, "openai", "gpt-4o-mini")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}

	// A different owner has an independent bucket.
	if err := gate.EnforceBeforeRequest(ctx, 8, "openai", "gpt-4o-mini"); err != nil {
		t.Errorf("other owner limited: %v", err)
	}
}

func TestMinuteWindowResetsAtBoundary(t *testing.T) {
	ctx := context.Background()
	counters := NewMemoryCounterStore()
	current := time.Date(2026, 3, 14, 10, 30, 59, 0, time.UTC)
	counters.now = func() time.Time { return current }
	gate := NewGate(counters, config.QuotaConfig{Enabled: true, RequestsPerMinute: 1}, observability.NewNopLogger())
	gate.now = func() time.Time { return current }

	if err := gate.EnforceBeforeRequest(ctx, 7, "openai", "m"); err != nil {
		t.Fatal(err)
	}
	if err := gate.EnforceBeforeRequest(ctx, 7, "openai", "m"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}

	// One second later the calendar minute rolls over and the counter
	// starts fresh, well before the old key's TTL.
	current = current.Add(time.Second)
	if err := gate.EnforceBeforeRequest(ctx, 7, "openai", "m"); err != nil {
		t.Errorf("new minute bucket still limiting: %v", err)
	}
}

func TestDayBucketsResetAtMidnight(t *testing.T) {
	ctx := context.Background()
	counters := NewMemoryCounterStore()
	current := time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)
	counters.now = func() time.Time { return current }
	cfg := config.QuotaConfig{Enabled: true, RequestsPerMinute: 100, RequestsPerDay: 1, TokensPerDay: 100}
	gate := NewGate(counters, cfg, observability.NewNopLogger())
	gate.now = func() time.Time { return current }

	if err := gate.EnforceBeforeRequest(ctx, 7, "openai", "m"); err != nil {
		t.Fatal(err)
	}
	gate.CommitTokenUsage(ctx, 7, "openai", "m", 100)

	if err := gate.EnforceBeforeRequest(ctx, 7, "openai", "m"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}

	// Past midnight both day counters live under a fresh date key.
	current = current.Add(2 * time.Minute)
	if err := gate.EnforceBeforeRequest(ctx, 7, "openai", "m"); err != nil {
		t.Errorf("new day still limited: %v", err)
	}
	if spent, _ := counters.Get(ctx, dayTokenKey(7, "openai", "m", dayBucket(current))); spent != 0 {
		t.Errorf("token spend carried across days: %d", spent)
	}
}

func TestTokenCeiling(t *testing.T) {
	ctx := context.Background()
	gate, _ := testGate(config.QuotaConfig{Enabled: true, RequestsPerMinute: 100, TokensPerDay: 1000})

	if err := gate.EnforceBeforeRequest(ctx, 7, "openai", "m"); err != nil {
		t.Fatal(err)
	}
	gate.CommitTokenUsage(ctx, 7, "openai", "m", 1000)

	err := gate.EnforceBeforeRequest(ctx, 7, "openai", "m")
	if !errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("want ErrQuotaExhausted, got %v", err)
	}
}

func TestDayRequestCeilingOnlyWhenConfigured(t *testing.T) {
	ctx := context.Background()
	gate, counters := testGate(config.QuotaConfig{Enabled: true, RequestsPerMinute: 100, RequestsPerDay: 2})

	for i := 0; i < 2; i++ {
		if err := gate.EnforceBeforeRequest(ctx, 7, "openai", "m"); err != nil {
			t.Fatal(err)
		}
	}
	if err := gate.EnforceBeforeRequest(ctx, 7, "openai", "m"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}

	// Zero ceiling means the day bucket is never touched.
	gate = NewGate(counters, config.QuotaConfig{Enabled: true, RequestsPerMinute: 100}, observability.NewNopLogger())
	gate.now = func() time.Time { return testClock }
	for i := 0; i < 10; i++ {
		if err := gate.EnforceBeforeRequest(ctx, 9, "openai", "m"); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := counters.Get(ctx, dayRequestKey(9, "openai", "m", dayBucket(testClock))); n != 0 {
		t.Errorf("day bucket touched with zero ceiling: %d", n)
	}
}

func TestDisabledGateIsNoop(t *testing.T) {
	ctx := context.Background()
	gate, counters := testGate(config.QuotaConfig{Enabled: false, RequestsPerMinute: 1})

	for i := 0; i < 5; i++ {
		if err := gate.EnforceBeforeRequest(ctx, 7, "openai", "m"); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := counters.Get(ctx, minuteKey(7, "openai", "m", minuteBucket(testClock))); n != 0 {
		t.Errorf("disabled gate mutated counters: %d", n)
	}
}

type failingCounters struct{}

func (failingCounters) Incr(context.Context, string) (int64, error) {
	return 0, errors.New("cache down")
}
func (failingCounters) IncrBy(context.Context, string, int64) (int64, error) {
	return 0, errors.New("cache down")
}
func (failingCounters) Get(context.Context, string) (int64, error) {
	return 0, errors.New("cache down")
}
func (failingCounters) Expire(context.Context, string, time.Duration) error {
	return errors.New("cache down")
}

func TestGateFailsOpen(t *testing.T) {
	ctx := context.Background()
	gate := NewGate(failingCounters{}, config.QuotaConfig{Enabled: true, RequestsPerMinute: 1, TokensPerDay: 1}, observability.NewNopLogger())

	for i := 0; i < 5; i++ {
		if err := gate.EnforceBeforeRequest(ctx, 7, "openai", "m"); err != nil {
			t.Fatalf("gate did not fail open: %v", err)
		}
	}

	snapshot := gate.Snapshot(ctx, 7, "openai", "m")
	if snapshot["unavailable"] != true {
		t.Errorf("snapshot = %v", snapshot)
	}
}

func TestSnapshotReadsWithoutMutating(t *testing.T) {
	ctx := context.Background()
	gate, _ := testGate(config.QuotaConfig{Enabled: true, RequestsPerMinute: 10, TokensPerDay: 1000})

	if err := gate.EnforceBeforeRequest(ctx, 7, "openai", "m"); err != nil {
		t.Fatal(err)
	}
	gate.CommitTokenUsage(ctx, 7, "openai", "m", 42)

	first := gate.Snapshot(ctx, 7, "openai", "m")
	second := gate.Snapshot(ctx, 7, "openai", "m")
	if first["minute_requests"] != int64(1) || second["minute_requests"] != int64(1) {
		t.Errorf("snapshots mutated state: %v then %v", first, second)
	}
	if first["day_tokens"] != int64(42) {
		t.Errorf("day_tokens = %v", first["day_tokens"])
	}
}
