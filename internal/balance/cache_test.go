package balance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck_FreshCacheHit_NoNetworkCall(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	c := New(srv.Client(), srv.URL, 2*time.Minute, 10*time.Minute)
	c.Seed("U", Snapshot{Balance: 5, ClaudeBalance: 2.5, FreeTokens: 100, Expiry: time.Now().Add(60 * time.Second)})

	res := c.Check(context.Background(), "U", "cred")
	assert.True(t, res.OK)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestCheck_CacheMiss_FetchesAndCaches(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "Bearer cred", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"claudeBalance": 10.0,
			"freeTokens":    0.0,
		})
	}))
	defer srv.Close()

	c := New(srv.Client(), srv.URL, 2*time.Minute, 10*time.Minute)
	res := c.Check(context.Background(), "U", "cred")
	require.True(t, res.OK)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// Second call within fresh TTL must not re-fetch.
	c.Check(context.Background(), "U", "cred")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCheck_UsablePredicate_ClaudeBalanceOrFreeTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"balance": 100.0})
	}))
	defer srv.Close()

	c := New(srv.Client(), srv.URL, 2*time.Minute, 10*time.Minute)
	res := c.Check(context.Background(), "U", "cred")
	assert.False(t, res.OK, "plain spendable balance alone must not authorize; claudeBalance/freeTokens must")
}

func TestCheck_BillingOutage_NoStaleCache_FailsClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.Client(), srv.URL, 2*time.Minute, 10*time.Minute)
	res := c.Check(context.Background(), "U", "cred")
	assert.False(t, res.OK)
	assert.True(t, res.ServiceUnavailable)
}

func TestCheck_BillingOutage_StaleWithinGrace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.Client(), srv.URL, 2*time.Minute, 10*time.Minute)
	c.Seed("U", Snapshot{ClaudeBalance: 2.5, Expiry: time.Now().Add(-3 * time.Minute)})

	res := c.Check(context.Background(), "U", "cred")
	assert.True(t, res.OK)
	assert.False(t, res.ServiceUnavailable)
}

func TestInvalidate_MarksExpiredButKeepsForStaleFallback(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.Client(), srv.URL, 2*time.Minute, 10*time.Minute)
	c.Seed("U", Snapshot{ClaudeBalance: 2.5, Expiry: time.Now().Add(time.Minute)})
	c.Invalidate("U")

	res := c.Check(context.Background(), "U", "cred")
	assert.True(t, res.OK, "invalidated entry should still serve stale-fallback within grace")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestJanitor_EvictsEntriesOlderThanStaleTTL(t *testing.T) {
	c := New(http.DefaultClient, "http://unused", 2*time.Minute, 50*time.Millisecond)
	c.Seed("U", Snapshot{ClaudeBalance: 1, Expiry: time.Now().Add(-time.Hour)})

	stop := c.StartJanitor(context.Background(), 10*time.Millisecond)
	defer stop()

	require.Eventually(t, func() bool {
		c.mu.Lock()
		_, exists := c.entries["U"]
		c.mu.Unlock()
		if exists {
			return false
		}
		res := c.Check(context.Background(), "U", "cred")
		return res.ServiceUnavailable
	}, time.Second, 10*time.Millisecond)
}
