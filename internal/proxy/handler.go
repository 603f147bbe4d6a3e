// Package proxy implements C6: the request handler that orchestrates
// C2 (auth), C3 (balance), the upstream forward, C4/JSON metering, and
// C5 (reporting) behind POST /v1/messages. The header-passthrough and
// streaming-vs-buffered branching follows the shape of the reference
// gateway's relay/controller/claude_messages.go — copy upstream
// status/headers verbatim, detect SSE via Content-Type, and meter
// without ever delaying the byte stream to the client.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/jinbowang1/claude-proxy/internal/auth"
	"github.com/jinbowang1/claude-proxy/internal/balance"
	"github.com/jinbowang1/claude-proxy/internal/billing"
	"github.com/jinbowang1/claude-proxy/internal/ctxkey"
	"github.com/jinbowang1/claude-proxy/internal/metrics"
	"github.com/jinbowang1/claude-proxy/internal/pricing"
	"github.com/jinbowang1/claude-proxy/internal/sse"
)

const upstreamURL = "https://api.anthropic.com/v1/messages"

// BalanceChecker is the subset of balance.Cache the handler depends
// on, declared as an interface for test substitutability.
type BalanceChecker interface {
	Check(ctx context.Context, userID, credential string) balance.Result
}

// Handler wires C2-C5 together behind the single proxy route.
type Handler struct {
	verifier        *auth.Verifier
	balance         BalanceChecker
	pricing         *pricing.Table
	reporter        *billing.Reporter
	anthropicAPIKey string
	upstreamClient  *http.Client
	backgroundCtx   func(*gin.Context) context.Context
}

// New builds a Handler.
func New(verifier *auth.Verifier, balanceCache BalanceChecker, priceTable *pricing.Table, reporter *billing.Reporter, anthropicAPIKey string, upstreamClient *http.Client) *Handler {
	return &Handler{
		verifier:        verifier,
		balance:         balanceCache,
		pricing:         priceTable,
		reporter:        reporter,
		anthropicAPIKey: anthropicAPIKey,
		upstreamClient:  upstreamClient,
		backgroundCtx:   gmw.BackgroundCtx,
	}
}

func writeError(c *gin.Context, status int, message, details string) {
	body := gin.H{"error": message}
	if details != "" {
		body["details"] = details
	}
	c.JSON(status, body)
}

// ServeHTTP is the gin handler for POST /v1/messages.
func (h *Handler) ServeHTTP(c *gin.Context) {
	lg := gmw.GetLogger(c)

	// AUTH_CHECK
	credential := c.GetHeader("x-api-key")
	if credential == "" {
		metrics.RequestsTotal.WithLabelValues(metrics.OutcomeUnauthorized).Inc()
		writeError(c, http.StatusUnauthorized, "Missing x-api-key header", "")
		return
	}

	principal, err := h.verifier.Verify(credential)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(metrics.OutcomeUnauthorized).Inc()
		writeError(c, http.StatusUnauthorized, "Invalid or expired token", err.Error())
		return
	}
	c.Set(ctxkey.UserID, principal.UserID)

	// BALANCE_CHECK
	result := h.balance.Check(c.Request.Context(), principal.UserID, credential)
	if !result.OK {
		if result.ServiceUnavailable {
			metrics.RequestsTotal.WithLabelValues(metrics.OutcomeBillingUnavailable).Inc()
			writeError(c, http.StatusServiceUnavailable, "Billing service unavailable", "")
			return
		}
		metrics.RequestsTotal.WithLabelValues(metrics.OutcomeInsufficientBalance).Inc()
		writeError(c, http.StatusPaymentRequired, "Insufficient balance", "")
		return
	}

	// FORWARD
	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(metrics.OutcomeUpstreamUnreachable).Inc()
		writeError(c, http.StatusBadGateway, "Failed to reach Anthropic API", err.Error())
		return
	}

	requestModel, forwardBody := extractModelAndReserialize(rawBody, lg)

	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, upstreamURL, bytes.NewReader(forwardBody))
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(metrics.OutcomeUpstreamUnreachable).Inc()
		writeError(c, http.StatusBadGateway, "Failed to reach Anthropic API", err.Error())
		return
	}
	req.Header.Set("x-api-key", h.anthropicAPIKey)
	req.Header.Set("content-type", "application/json")
	for _, passthrough := range []string{"anthropic-version", "anthropic-beta", "content-type"} {
		if v := c.GetHeader(passthrough); v != "" {
			req.Header.Set(passthrough, v)
		}
	}

	resp, err := h.upstreamClient.Do(req)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(metrics.OutcomeUpstreamUnreachable).Inc()
		writeError(c, http.StatusBadGateway, "Failed to reach Anthropic API", err.Error())
		return
	}
	defer resp.Body.Close()

	metrics.RequestsTotal.WithLabelValues(metrics.OutcomeOK).Inc()

	// Response headers passthrough.
	c.Status(resp.StatusCode)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		c.Header("Content-Type", ct)
	}
	for name, values := range resp.Header {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-ratelimit") || lower == "request-id" {
			for _, v := range values {
				c.Header(name, v)
			}
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if resp.Body == nil || !strings.Contains(contentType, "text/event-stream") {
		h.jsonPath(c, lg, resp, principal.UserID, credential, requestModel)
		return
	}

	h.streamPath(c, lg, resp, principal.UserID, credential, requestModel)
}

// jsonPath buffers the whole upstream body, forwards it unchanged,
// and meters from the parsed JSON when possible.
func (h *Handler) jsonPath(c *gin.Context, lg *zap.Logger, resp *http.Response, userID, credential, fallbackModel string) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		lg.Warn("failed to read upstream JSON body", zap.Error(err))
		return
	}
	c.Writer.Write(body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		return
	}

	var parsed jsonResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		lg.Warn("failed to parse upstream JSON body for metering", zap.Error(err))
		return
	}
	if parsed.Usage == nil || (parsed.Usage.InputTokens <= 0 && parsed.Usage.OutputTokens <= 0) {
		return
	}

	model := parsed.Model
	if model == "" {
		model = fallbackModel
	}
	h.meter(c, userID, credential, model, pricing.Usage{
		InputTokens:         parsed.Usage.InputTokens,
		OutputTokens:        parsed.Usage.OutputTokens,
		CacheReadTokens:      parsed.Usage.CacheReadInputTokens,
		CacheCreationTokens: parsed.Usage.CacheCreationInputTokens,
	})
}

// streamPath pipes upstream chunks to the client as they arrive while
// feeding the same bytes through a C4 extractor, meeting once the
// upstream body ends.
func (h *Handler) streamPath(c *gin.Context, lg *zap.Logger, resp *http.Response, userID, credential, fallbackModel string) {
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	extractor := sse.New()
	flusher, _ := c.Writer.(http.Flusher)

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, err := c.Writer.Write(chunk); err != nil {
				lg.Warn("client write failed during stream passthrough", zap.Error(err))
				return
			}
			extractor.Push(chunk)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			break
		}
	}
	extractor.Finish()

	usage := extractor.GetUsage()
	if usage.InputTokens <= 0 && usage.OutputTokens <= 0 {
		return
	}

	model := extractor.GetModel()
	if model == "" {
		model = fallbackModel
	}
	h.meter(c, userID, credential, model, pricing.Usage{
		InputTokens:         usage.InputTokens,
		OutputTokens:        usage.OutputTokens,
		CacheReadTokens:      usage.CacheReadTokens,
		CacheCreationTokens: usage.CacheCreationTokens,
	})
}

func (h *Handler) meter(c *gin.Context, userID, credential, model string, usage pricing.Usage) {
	cost := h.pricing.Cost(model, usage)
	h.reporter.Report(h.backgroundCtx(c), credential, billing.UsageReport{
		UserID:              userID,
		Model:               model,
		InputTokens:         usage.InputTokens,
		OutputTokens:        usage.OutputTokens,
		CacheReadTokens:      usage.CacheReadTokens,
		CacheCreationTokens: usage.CacheCreationTokens,
		Cost:                cost,
	})
}

// extractModelAndReserialize decodes the inbound body as a JSON
// object to pull out a best-effort "model" field and re-serialize it
// for forwarding. If the body does not parse as JSON, it is forwarded
// unchanged and no fallback model is available.
func extractModelAndReserialize(raw []byte, lg *zap.Logger) (model string, forwardBody []byte) {
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		lg.Debug("request body not parseable as JSON, forwarding verbatim", zap.Error(err))
		return "", raw
	}

	if m, ok := generic["model"].(string); ok {
		model = m
	}

	reserialized, err := json.Marshal(generic)
	if err != nil {
		lg.Debug("failed to re-serialize request body, forwarding verbatim", zap.Error(err))
		return model, raw
	}
	return model, reserialized
}
