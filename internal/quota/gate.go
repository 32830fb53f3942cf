// Package quota enforces per-tenant request and token ceilings over a TTL
// counter store. The gate fails open: when the counter store errors, chat
// continues and the failure is logged.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/maestro/internal/config"
	"github.com/haasonsaas/maestro/internal/observability"
)

var (
	// ErrRateLimited is returned when a request ceiling is exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrQuotaExhausted is returned when the daily token ceiling is spent.
	ErrQuotaExhausted = errors.New("token quota exhausted")
)

const (
	// minuteTTL is padded past one minute so a bucket cannot expire while
	// its minute is still running.
	minuteTTL = 70 * time.Second

	// dayTTL covers the day bucket plus slack for clock skew.
	dayTTL = 48 * time.Hour
)

// CounterStore is the counter surface the gate runs against. An in-memory
// implementation ships with the package; a shared cache can replace it.
type CounterStore interface {
	Incr(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Gate checks ceilings before a chat run and commits token spend after.
type Gate struct {
	counters CounterStore
	cfg      config.QuotaConfig
	logger   *observability.Logger
	now      func() time.Time
}

// NewGate wires a gate.
func NewGate(counters CounterStore, cfg config.QuotaConfig, logger *observability.Logger) *Gate {
	return &Gate{counters: counters, cfg: cfg, logger: logger, now: time.Now}
}

// Keys embed the calendar bucket, so counters reset at minute and day
// boundaries; the TTLs only clean up stale buckets.
func minuteKey(ownerID int64, provider, model string, bucket int64) string {
	return fmt.Sprintf("llm:rate:minute:%d:%s:%s:%d", ownerID, provider, model, bucket)
}

func dayRequestKey(ownerID int64, provider, model, day string) string {
	return fmt.Sprintf("llm:rate:day:req:%s:%d:%s:%s", day, ownerID, provider, model)
}

func dayTokenKey(ownerID int64, provider, model, day string) string {
	return fmt.Sprintf("llm:rate:day:tok:%s:%d:%s:%s", day, ownerID, provider, model)
}

func minuteBucket(now time.Time) int64 { return now.Unix() / 60 }

func dayBucket(now time.Time) string { return now.UTC().Format("20060102") }

// EnforceBeforeRequest increments the request buckets and checks every
// configured ceiling. Counter-store failures are logged and ignored.
func (g *Gate) EnforceBeforeRequest(ctx context.Context, ownerID int64, provider, model string) error {
	if !g.cfg.Enabled || g.counters == nil {
		return nil
	}

	now := g.now()
	minute := minuteKey(ownerID, provider, model, minuteBucket(now))
	day := dayBucket(now)

	if g.cfg.RequestsPerMinute > 0 {
		count, err := g.counters.Incr(ctx, minute)
		if err != nil {
			g.logger.Warn(ctx, "quota counter unavailable, failing open", "error", err.Error())
			return nil
		}
		if count == 1 {
			g.expire(ctx, minute, minuteTTL)
		}
		if count > int64(g.cfg.RequestsPerMinute) {
			return fmt.Errorf("%w: %d requests this minute (limit %d)",
				ErrRateLimited, count, g.cfg.RequestsPerMinute)
		}
	}

	if g.cfg.RequestsPerDay > 0 {
		key := dayRequestKey(ownerID, provider, model, day)
		count, err := g.counters.Incr(ctx, key)
		if err != nil {
			g.logger.Warn(ctx, "quota counter unavailable, failing open", "error", err.Error())
			return nil
		}
		if count == 1 {
			g.expire(ctx, key, dayTTL)
		}
		if count > int64(g.cfg.RequestsPerDay) {
			return fmt.Errorf("%w: %d requests today (limit %d)",
				ErrRateLimited, count, g.cfg.RequestsPerDay)
		}
	}

	if g.cfg.TokensPerDay > 0 {
		spent, err := g.counters.Get(ctx, dayTokenKey(ownerID, provider, model, day))
		if err != nil {
			g.logger.Warn(ctx, "quota counter unavailable, failing open", "error", err.Error())
			return nil
		}
		if spent >= int64(g.cfg.TokensPerDay) {
			return fmt.Errorf("%w: %d tokens today (limit %d)",
				ErrQuotaExhausted, spent, g.cfg.TokensPerDay)
		}
	}

	return nil
}

// CommitTokenUsage adds the run's total tokens to the day bucket. The
// expiry is set only when the increment created the bucket.
func (g *Gate) CommitTokenUsage(ctx context.Context, ownerID int64, provider, model string, totalTokens int) {
	if !g.cfg.Enabled || g.counters == nil || totalTokens <= 0 {
		return
	}
	key := dayTokenKey(ownerID, provider, model, dayBucket(g.now()))
	count, err := g.counters.IncrBy(ctx, key, int64(totalTokens))
	if err != nil {
		g.logger.Warn(ctx, "token usage commit failed", "error", err.Error())
		return
	}
	if count == int64(totalTokens) {
		g.expire(ctx, key, dayTTL)
	}
}

// Snapshot reads the current counters without mutating them.
func (g *Gate) Snapshot(ctx context.Context, ownerID int64, provider, model string) map[string]any {
	out := map[string]any{
		"enabled":             g.cfg.Enabled,
		"requests_per_minute": g.cfg.RequestsPerMinute,
		"requests_per_day":    g.cfg.RequestsPerDay,
		"tokens_per_day":      g.cfg.TokensPerDay,
	}
	if !g.cfg.Enabled || g.counters == nil {
		return out
	}

	now := g.now()
	dayStr := dayBucket(now)
	minute, errMinute := g.counters.Get(ctx, minuteKey(ownerID, provider, model, minuteBucket(now)))
	day, errDay := g.counters.Get(ctx, dayRequestKey(ownerID, provider, model, dayStr))
	tokens, errTokens := g.counters.Get(ctx, dayTokenKey(ownerID, provider, model, dayStr))
	if errMinute != nil || errDay != nil || errTokens != nil {
		out["unavailable"] = true
		return out
	}
	out["minute_requests"] = minute
	out["day_requests"] = day
	out["day_tokens"] = tokens
	return out
}

func (g *Gate) expire(ctx context.Context, key string, ttl time.Duration) {
	if err := g.counters.Expire(ctx, key, ttl); err != nil {
		g.logger.Warn(ctx, "quota expiry not set", "key", key, "error", err.Error())
	}
}
