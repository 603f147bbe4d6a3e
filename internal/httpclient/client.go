// Package httpclient builds the shared *http.Client instances used
// for billing egress and upstream egress, the same shape as the
// reference gateway's common/client package (separate clients tuned
// per destination rather than one global default client).
package httpclient

import (
	"crypto/tls"
	"net/http"
	"time"
)

// New builds an *http.Client with the given timeout. A timeout of
// zero disables the client-wide deadline, which the upstream client
// needs so a long-running SSE stream is not cut off mid-response;
// per-chunk progress, not total duration, is what matters there.
func New(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		// Disabling HTTP/2 avoids the class of stream-reset bugs that
		// multiplexed long-lived SSE bodies are prone to behind flaky
		// intermediaries.
		TLSNextProto:        map[string]func(string, *tls.Conn) http.RoundTripper{},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
