// Package billing implements C5: fire-and-forget usage reporting with
// a bounded, capped-backoff retry queue. The buffered-queue-plus-
// background-scanner shape is grounded on the AsyncLogger/ReservationStore
// pair in the metering reference file (services/gateway/metering);
// the fire-and-forget dispatch itself follows the
// graceful.GoCritical(gmw.BackgroundCtx(c), "postBilling", ...) pattern
// used for post-response billing in the reference gateway's Claude
// Messages controller.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"

	"github.com/jinbowang1/claude-proxy/internal/graceful"
	"github.com/jinbowang1/claude-proxy/internal/metrics"
)

// Invalidator is the subset of balance.Cache the reporter depends on.
// Declared as an interface here rather than importing balance
// directly to keep the dependency direction one-way (balance does not
// need to know about billing).
type Invalidator interface {
	Invalidate(userID string)
}

// UsageReport is the immutable record the request handler hands to
// the reporter after a successfully metered upstream response.
type UsageReport struct {
	UserID              string
	Model               string
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens      int64
	CacheCreationTokens int64
	Cost                float64
}

// usagePayload is the wire shape POSTed to the billing service,
// matching the canonical variant named in the specification: cost +
// currency + cacheWriteTokens + totalTokens.
type usagePayload struct {
	Model               string  `json:"model"`
	Provider            string  `json:"provider"`
	InputTokens         int64   `json:"inputTokens"`
	OutputTokens        int64   `json:"outputTokens"`
	CacheReadTokens      int64   `json:"cacheReadTokens"`
	CacheWriteTokens    int64   `json:"cacheWriteTokens"`
	TotalTokens         int64   `json:"totalTokens"`
	Cost                float64 `json:"cost"`
	Currency            string  `json:"currency"`
}

func toPayload(r UsageReport) usagePayload {
	return usagePayload{
		Model:            r.Model,
		Provider:         "anthropic",
		InputTokens:      r.InputTokens,
		OutputTokens:     r.OutputTokens,
		CacheReadTokens:  r.CacheReadTokens,
		CacheWriteTokens: r.CacheCreationTokens,
		TotalTokens:      r.InputTokens + r.OutputTokens + r.CacheReadTokens + r.CacheCreationTokens,
		Cost:             r.Cost,
		Currency:         "USD",
	}
}

// retryEntry is one queued-for-retry usage report.
type retryEntry struct {
	credential string
	payload    usagePayload
	retries    int
	nextRetry  time.Time
}

// Reporter is the process-wide usage reporter singleton.
type Reporter struct {
	client         *http.Client
	domesticAPIURL string
	cache          Invalidator

	maxFailedReports int
	maxRetries       int
	baseRetryDelay   time.Duration

	mu    sync.Mutex
	queue []*retryEntry
}

// New builds a Reporter.
func New(client *http.Client, domesticAPIURL string, cache Invalidator, maxFailedReports, maxRetries int, baseRetryDelay time.Duration) *Reporter {
	return &Reporter{
		client:           client,
		domesticAPIURL:   domesticAPIURL,
		cache:            cache,
		maxFailedReports: maxFailedReports,
		maxRetries:       maxRetries,
		baseRetryDelay:   baseRetryDelay,
	}
}

// Report is C5's report() operation: fire-and-forget, returns
// immediately. ctx should be a background context that survives the
// originating request's cancellation (the reference gateway's
// gmw.BackgroundCtx(c) serves this purpose).
func (r *Reporter) Report(ctx context.Context, credential string, report UsageReport) {
	graceful.GoCritical(ctx, "usage-report", func(ctx context.Context) {
		r.cache.Invalidate(report.UserID)

		payload := toPayload(report)
		if err := r.post(ctx, credential, payload); err != nil {
			gmw.GetLogger(ctx).Warn("usage report send failed, enqueuing for retry",
				zap.String("user_id", report.UserID), zap.Error(err))
			r.enqueue(ctx, credential, payload)
			return
		}
		metrics.UsageReportsTotal.WithLabelValues(metrics.ReportSent).Inc()
	})
}

func (r *Reporter) post(ctx context.Context, credential string, payload usagePayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal usage payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.domesticAPIURL+"/api/billing/usage", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build usage request")
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "usage request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("billing usage endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// enqueue appends a retry entry, dropping the oldest on overflow.
func (r *Reporter) enqueue(ctx context.Context, credential string, payload usagePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.queue) >= r.maxFailedReports {
		dropped := r.queue[0]
		r.queue = r.queue[1:]
		gmw.GetLogger(ctx).Error("retry queue full, dropping oldest usage report",
			zap.String("dropped_model", dropped.payload.Model))
		metrics.UsageReportsTotal.WithLabelValues(metrics.ReportDropped).Inc()
	}

	r.queue = append(r.queue, &retryEntry{
		credential: credential,
		payload:    payload,
		retries:    0,
		nextRetry:  time.Now().Add(r.baseRetryDelay),
	})
	metrics.UsageReportsTotal.WithLabelValues(metrics.ReportEnqueued).Inc()
	metrics.RetryQueueDepth.Set(float64(len(r.queue)))
}

// StartRetryScanner launches the background scan loop that retries
// due entries, waking every interval. Returns a stop function.
func (r *Reporter) StartRetryScanner(ctx context.Context, interval time.Duration) (stop func()) {
	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.scan(ctx)
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(stopCh) }
}

// scan pops every due entry and dispatches its retry POST, outside
// the queue lock.
func (r *Reporter) scan(ctx context.Context) {
	now := time.Now()

	r.mu.Lock()
	var due []*retryEntry
	remaining := r.queue[:0]
	for _, e := range r.queue {
		if !e.nextRetry.After(now) {
			due = append(due, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	r.queue = remaining
	metrics.RetryQueueDepth.Set(float64(len(r.queue)))
	r.mu.Unlock()

	for _, e := range due {
		e := e
		graceful.GoCritical(ctx, "usage-report-retry", func(ctx context.Context) {
			r.retryOne(ctx, e)
		})
	}
}

func (r *Reporter) retryOne(ctx context.Context, e *retryEntry) {
	e.retries++

	if e.retries > r.maxRetries {
		gmw.GetLogger(ctx).Error("usage report retry quota exhausted, dropping",
			zap.String("model", e.payload.Model))
		metrics.UsageReportsTotal.WithLabelValues(metrics.ReportDropped).Inc()
		return
	}

	if err := r.post(ctx, e.credential, e.payload); err != nil {
		metrics.UsageReportsTotal.WithLabelValues(metrics.ReportRetried).Inc()
		if e.retries == r.maxRetries {
			gmw.GetLogger(ctx).Error("usage report retry quota exhausted after failed attempt, dropping",
				zap.String("model", e.payload.Model), zap.Error(err))
			metrics.UsageReportsTotal.WithLabelValues(metrics.ReportDropped).Inc()
			return
		}

		backoff := r.baseRetryDelay * time.Duration(1<<uint(e.retries-1))
		e.nextRetry = time.Now().Add(backoff)

		r.mu.Lock()
		if len(r.queue) >= r.maxFailedReports {
			r.queue = r.queue[1:]
			metrics.UsageReportsTotal.WithLabelValues(metrics.ReportDropped).Inc()
		}
		r.queue = append(r.queue, e)
		metrics.RetryQueueDepth.Set(float64(len(r.queue)))
		r.mu.Unlock()
		return
	}

	metrics.UsageReportsTotal.WithLabelValues(metrics.ReportSent).Inc()
}

// QueueDepth returns the current retry queue length. Exposed for
// tests.
func (r *Reporter) QueueDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Reset clears the retry queue. Exposed for tests, matching the
// reference gateway's convention of explicit reset hooks on
// process-lifetime singletons.
func (r *Reporter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = nil
}
