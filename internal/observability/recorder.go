package observability

import (
	"context"
	"time"

	"github.com/haasonsaas/maestro/pkg/models"
)

// MetricStore is the slice of the record store the recorder needs.
type MetricStore interface {
	RecordMetric(ctx context.Context, metric *models.RequestMetric) error
	RecentMetrics(ctx context.Context, ownerID int64, limit int) ([]*models.RequestMetric, error)
	MetricsSince(ctx context.Context, ownerID int64, since time.Time) ([]*models.RequestMetric, error)
}

// Recorder writes one RequestMetric per chat run and keeps the prometheus
// series in step. Recording is best-effort: a failing sink never fails the
// caller's request.
type Recorder struct {
	store   MetricStore
	metrics *Metrics
	logger  *Logger
}

// NewRecorder creates a recorder. metrics may be nil when prometheus is not
// wired (tests).
func NewRecorder(store MetricStore, metrics *Metrics, logger *Logger) *Recorder {
	return &Recorder{store: store, metrics: metrics, logger: logger}
}

// SafeRecord persists the metric and updates prometheus counters. Failures
// are logged and swallowed; SafeRecord never returns an error.
func (r *Recorder) SafeRecord(ctx context.Context, metric *models.RequestMetric) {
	if metric == nil {
		return
	}

	metric.PromptTokens, metric.CompletionTokens, metric.TotalTokens =
		models.ExtractTokenUsage(metric.UsageRaw)
	if metric.LatencyMS < 0 {
		metric.LatencyMS = 0
	}
	if len(metric.ErrorMessage) > 2000 {
		metric.ErrorMessage = metric.ErrorMessage[:2000]
	}
	if metric.CreatedAt.IsZero() {
		metric.CreatedAt = time.Now()
	}

	r.observe(metric)

	if r.store == nil {
		return
	}
	if err := r.store.RecordMetric(ctx, metric); err != nil {
		r.logger.Error(ctx, "failed to record request metric",
			"error", err.Error(),
			"request_id", metric.RequestID,
		)
	}
}

func (r *Recorder) observe(metric *models.RequestMetric) {
	if r.metrics == nil {
		return
	}

	mode := "chat"
	if metric.Stream {
		mode = "stream"
	}
	status := "error"
	if metric.Success {
		status = "success"
	}

	r.metrics.RequestCounter.WithLabelValues(metric.Provider, metric.Model, mode, status).Inc()
	r.metrics.RequestDuration.WithLabelValues(metric.Provider, metric.Model, mode).
		Observe(float64(metric.LatencyMS) / 1000)
	if metric.PromptTokens > 0 {
		r.metrics.TokensUsed.WithLabelValues(metric.Provider, metric.Model, "prompt").
			Add(float64(metric.PromptTokens))
	}
	if metric.CompletionTokens > 0 {
		r.metrics.TokensUsed.WithLabelValues(metric.Provider, metric.Model, "completion").
			Add(float64(metric.CompletionTokens))
	}
	if metric.FallbackFrom != "" && metric.FallbackFrom != metric.Provider {
		r.metrics.Fallbacks.WithLabelValues(metric.FallbackFrom, metric.Provider).Inc()
	}
}

// Recent returns the most recent metrics for an owner, newest first. The
// limit is clamped to [1,200].
func (r *Recorder) Recent(ctx context.Context, ownerID int64, limit int) ([]*models.RequestMetric, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}
	return r.store.RecentMetrics(ctx, ownerID, limit)
}

// Summary aggregates an owner's metrics over a trailing window of days
// (clamped to [1,60]): totals plus a per provider/model breakdown.
type Summary struct {
	WindowDays      int             `json:"window_days"`
	TotalRequests   int             `json:"total_requests"`
	SuccessRequests int             `json:"success_requests"`
	ErrorRequests   int             `json:"error_requests"`
	ErrorRate       float64         `json:"error_rate"`
	AvgLatencyMS    float64         `json:"avg_latency_ms"`
	TotalTokens     int             `json:"total_tokens"`
	PromptTokens    int             `json:"prompt_tokens"`
	CompletionToken int             `json:"completion_tokens"`
	ByProviderModel []SummaryBucket `json:"by_provider_model"`
}

// SummaryBucket is one provider/model row of a Summary.
type SummaryBucket struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Requests     int     `json:"requests"`
	Success      int     `json:"success"`
	Errors       int     `json:"errors"`
	ErrorRate    float64 `json:"error_rate"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	Tokens       int     `json:"tokens"`
}

// Summarize builds a Summary for the owner over the trailing window.
func (r *Recorder) Summarize(ctx context.Context, ownerID int64, days int) (*Summary, error) {
	if days < 1 {
		days = 1
	}
	if days > 60 {
		days = 60
	}
	since := time.Now().AddDate(0, 0, -days)

	rows, err := r.store.MetricsSince(ctx, ownerID, since)
	if err != nil {
		return nil, err
	}

	out := &Summary{WindowDays: days}
	type bucket struct {
		requests, success, tokens int
		latencySum                int64
	}
	buckets := make(map[[2]string]*bucket)
	var latencySum int64

	for _, row := range rows {
		out.TotalRequests++
		if row.Success {
			out.SuccessRequests++
		}
		latencySum += row.LatencyMS
		out.TotalTokens += row.TotalTokens
		out.PromptTokens += row.PromptTokens
		out.CompletionToken += row.CompletionTokens

		key := [2]string{row.Provider, row.Model}
		b := buckets[key]
		if b == nil {
			b = &bucket{}
			buckets[key] = b
		}
		b.requests++
		if row.Success {
			b.success++
		}
		b.latencySum += row.LatencyMS
		b.tokens += row.TotalTokens
	}

	out.ErrorRequests = out.TotalRequests - out.SuccessRequests
	if out.TotalRequests > 0 {
		out.ErrorRate = float64(out.ErrorRequests) / float64(out.TotalRequests)
		out.AvgLatencyMS = float64(latencySum) / float64(out.TotalRequests)
	}
	for key, b := range buckets {
		errors := b.requests - b.success
		row := SummaryBucket{
			Provider:     key[0],
			Model:        key[1],
			Requests:     b.requests,
			Success:      b.success,
			Errors:       errors,
			ErrorRate:    float64(errors) / float64(b.requests),
			AvgLatencyMS: float64(b.latencySum) / float64(b.requests),
			Tokens:       b.tokens,
		}
		out.ByProviderModel = append(out.ByProviderModel, row)
	}
	return out, nil
}
