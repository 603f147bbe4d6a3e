// Package sse implements C4: an incremental parser that reads
// usage/model fields out of upstream SSE chunks. It never forwards or
// alters the bytes itself; the caller writes each chunk to the client
// and then hands the same chunk to the Extractor. The line-wise
// scan-then-cut-prefix approach is grounded on the "data: " prefix
// handling in the reference gateway's OpenAI SSE-to-Claude adaptor
// response path.
package sse

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
)

// Usage is the running token-count accumulator extracted from the
// stream. Zero value means nothing has been observed yet.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens      int64
	CacheCreationTokens int64
}

// Extractor parses SSE events line-by-line from chunks handed to it
// via Push, without ever buffering the full body. It is built fresh
// per request/response and is not safe for concurrent Push calls
// (chunks from one upstream body arrive in order on one goroutine);
// GetUsage/GetModel are safe to call from another goroutine since
// they take a lock.
type Extractor struct {
	mu    sync.Mutex
	usage Usage
	model string

	buf []byte // residual partial line across chunks
}

// New builds an Extractor.
func New() *Extractor {
	return &Extractor{}
}

// Push feeds one upstream chunk through the line parser. Unlike a
// true duplex, Push does not itself write to a downstream sink —
// callers are expected to write chunk to the client before or
// concurrently with calling Push, so byte delivery is never delayed
// by parsing (see design note on pass-through streaming).
func (e *Extractor) Push(chunk []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.buf = append(e.buf, chunk...)
	for {
		idx := bytes.IndexByte(e.buf, '\n')
		if idx < 0 {
			break
		}
		line := e.buf[:idx]
		e.buf = e.buf[idx+1:]
		e.consumeLine(line)
	}
}

// Finish flushes any residual buffered partial line through the
// parser. Call once after the upstream body has ended.
func (e *Extractor) Finish() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.buf) > 0 {
		e.consumeLine(e.buf)
		e.buf = nil
	}
}

// GetUsage returns the usage observed so far. Safe to call after
// Finish.
func (e *Extractor) GetUsage() Usage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.usage
}

// GetModel returns the model string observed so far, if any.
func (e *Extractor) GetModel() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model
}

// consumeLine must be called with e.mu held.
func (e *Extractor) consumeLine(line []byte) {
	text := strings.TrimRight(string(line), "\r")
	payload, ok := strings.CutPrefix(text, "data: ")
	if !ok {
		return
	}
	payload = strings.TrimSpace(payload)
	if payload == "" || payload == "[DONE]" {
		return
	}

	var event sseEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		// Silent: SSE parse errors never affect the byte passthrough.
		return
	}

	switch event.Type {
	case "message_start":
		if event.Message == nil {
			return
		}
		if event.Message.Model != "" {
			e.model = event.Message.Model
		}
		if u := event.Message.Usage; u != nil {
			e.usage.InputTokens = orZero(u.InputTokens)
			e.usage.CacheReadTokens = orZero(u.CacheReadInputTokens)
			e.usage.CacheCreationTokens = orZero(u.CacheCreationInputTokens)
		}
	case "message_delta":
		if u := event.Usage; u != nil {
			if u.OutputTokens != nil {
				e.usage.OutputTokens = *u.OutputTokens
			}
			if u.InputTokens != nil {
				e.usage.InputTokens = *u.InputTokens
			}
			if u.CacheReadInputTokens != nil {
				e.usage.CacheReadTokens = *u.CacheReadInputTokens
			}
			if u.CacheCreationInputTokens != nil {
				e.usage.CacheCreationTokens = *u.CacheCreationInputTokens
			}
		}
	}
}

func orZero(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

type sseEvent struct {
	Type    string          `json:"type"`
	Message *sseMessage     `json:"message"`
	Usage   *sseUsageDelta  `json:"usage"`
}

type sseMessage struct {
	Model string        `json:"model"`
	Usage *sseUsageStart `json:"usage"`
}

type sseUsageStart struct {
	InputTokens              *int64 `json:"input_tokens"`
	CacheReadInputTokens      *int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens *int64 `json:"cache_creation_input_tokens"`
}

type sseUsageDelta struct {
	OutputTokens             *int64 `json:"output_tokens"`
	InputTokens              *int64 `json:"input_tokens"`
	CacheReadInputTokens      *int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens *int64 `json:"cache_creation_input_tokens"`
}
