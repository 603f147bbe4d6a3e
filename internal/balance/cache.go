// Package balance implements C3: a per-user balance cache with
// fresh/stale/fail-closed semantics in front of the billing service's
// balance endpoint. The mutex-guarded map-of-entries shape is
// grounded on the ReservationStore in the metering reference file
// (services/gateway/metering); concurrent cache-miss coalescing uses
// golang.org/x/sync/singleflight, a dependency the reference gateway
// itself carries for exactly this kind of stampede protection.
package balance

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"golang.org/x/sync/singleflight"

	"github.com/jinbowang1/claude-proxy/internal/metrics"
)

// Snapshot is a user's balance as last observed from the billing
// service (or carried forward from a stale prior fetch).
type Snapshot struct {
	Balance       float64
	FreeTokens    float64
	ClaudeBalance float64
	Expiry        time.Time
}

// usable is the canonical "may this user spend" predicate: claudeBalance
// or freeTokens being positive authorizes the request. Plain spendable
// balance is informational only — it is already reflected in
// claudeBalance by the billing service.
func usable(s Snapshot) bool {
	return s.ClaudeBalance > 0 || s.FreeTokens > 0
}

// Result is what check() returns to the request handler.
type Result struct {
	Balance            float64
	FreeTokens         float64
	OK                 bool
	ServiceUnavailable bool
}

type entry struct {
	snapshot Snapshot
}

// Cache is the process-wide balance cache. Zero value is not usable;
// construct with New.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry

	freshTTL time.Duration
	staleTTL time.Duration

	client         *http.Client
	domesticAPIURL string

	group singleflight.Group
}

// New builds a Cache. freshTTL/staleTTL are FRESH_TTL/STALE_TTL from
// the specification; client is the billing-egress HTTP client.
func New(client *http.Client, domesticAPIURL string, freshTTL, staleTTL time.Duration) *Cache {
	return &Cache{
		entries:        make(map[string]*entry),
		freshTTL:       freshTTL,
		staleTTL:       staleTTL,
		client:         client,
		domesticAPIURL: domesticAPIURL,
	}
}

// Check is C3's check() operation.
func (c *Cache) Check(ctx context.Context, userID, credential string) Result {
	now := time.Now()

	c.mu.Lock()
	e, exists := c.entries[userID]
	if exists && e.snapshot.Expiry.After(now) {
		snap := e.snapshot
		c.mu.Unlock()
		metrics.BalanceCacheHitsTotal.Inc()
		return Result{Balance: snap.Balance, FreeTokens: snap.FreeTokens, OK: usable(snap)}
	}
	c.mu.Unlock()

	metrics.BalanceCacheMissesTotal.Inc()

	// Cache miss or stale: fetch, coalescing concurrent fetches for the
	// same user into a single outbound request.
	v, _, _ := c.group.Do(userID, func() (any, error) {
		snap, err := c.fetch(ctx, credential)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[userID] = &entry{snapshot: snap}
		c.mu.Unlock()
		return snap, nil
	})

	if v != nil {
		snap := v.(Snapshot)
		return Result{Balance: snap.Balance, FreeTokens: snap.FreeTokens, OK: usable(snap)}
	}

	// Fetch failed: stale-fallback.
	return c.staleFallback(userID, now)
}

// staleFallback returns a previously cached snapshot if it is still
// within the grace window, otherwise fails closed.
func (c *Cache) staleFallback(userID string, now time.Time) Result {
	c.mu.Lock()
	e, exists := c.entries[userID]
	c.mu.Unlock()

	if exists && e.snapshot.Expiry.After(now.Add(-c.staleTTL)) {
		metrics.BalanceCacheStaleServesTotal.Inc()
		return Result{Balance: e.snapshot.Balance, FreeTokens: e.snapshot.FreeTokens, OK: usable(e.snapshot)}
	}

	return Result{OK: false, ServiceUnavailable: true}
}

// Invalidate marks userID's entry expired without removing it, so a
// subsequent Check still has stale-fallback material available.
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[userID]; ok {
		e.snapshot.Expiry = time.Now()
	}
}

// balanceResponse is the loosely-typed billing-service response body;
// every field is optional and defaults to 0 when absent.
type balanceResponse struct {
	Balance            *float64 `json:"balance"`
	FreeTokens         *float64 `json:"freeTokens"`
	TotalAvailable     *float64 `json:"totalAvailable"`
	DailyFreeTokens    *float64 `json:"dailyFreeTokens"`
	SubscriptionTokens *float64 `json:"subscriptionTokens"`
	ClaudeBalance      *float64 `json:"claudeBalance"`
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

func (c *Cache) fetch(ctx context.Context, credential string) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.domesticAPIURL+"/api/billing/balance", nil)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "build balance request")
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "billing balance request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Snapshot{}, errors.Errorf("billing balance endpoint returned status %d", resp.StatusCode)
	}

	var body balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Snapshot{}, errors.Wrap(err, "decode balance response")
	}

	return Snapshot{
		Balance:       deref(body.Balance),
		FreeTokens:    deref(body.FreeTokens),
		ClaudeBalance: deref(body.ClaudeBalance),
		Expiry:        time.Now().Add(c.freshTTL),
	}, nil
}

// StartJanitor launches the background sweep that evicts entries
// older than staleTTL, waking every interval. It returns a stop
// function for graceful shutdown.
func (c *Cache) StartJanitor(ctx context.Context, interval time.Duration) (stop func()) {
	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweep()
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(stopCh) }
}

func (c *Cache) sweep() {
	cutoff := time.Now().Add(-c.staleTTL)
	c.mu.Lock()
	defer c.mu.Unlock()
	for userID, e := range c.entries {
		if e.snapshot.Expiry.Before(cutoff) {
			delete(c.entries, userID)
		}
	}
}

// Reset clears every cached entry. Exposed for tests, matching the
// reference gateway's convention of explicit reset hooks on
// process-lifetime singletons.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// Seed installs a snapshot directly, bypassing the network fetch.
// Exposed for tests.
func (c *Cache) Seed(userID string, snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = &entry{snapshot: snap}
}
