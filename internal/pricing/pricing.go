// Package pricing implements C1: a static model-id → per-million-token
// price table and the cost formula applied to observed usage. The
// mutex-guarded map shape is grounded on the CostEngine in the
// metering reference file (services/gateway/metering), adapted here
// to the fixed Anthropic price points this proxy actually bills
// against instead of a multi-provider table.
package pricing

import "sync"

// ModelPricing is USD per million tokens for each usage dimension.
type ModelPricing struct {
	Input     float64
	Output    float64
	CacheRead float64
	CacheWrite float64
}

// Usage is the subset of token counters a cost computation needs.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens      int64
	CacheCreationTokens int64
}

const defaultModelKey = "__default__"

// Table is a static, concurrency-safe model-id -> ModelPricing lookup.
// Reads vastly outnumber writes (writes only happen in tests), so a
// RWMutex guards a plain map rather than anything fancier.
type Table struct {
	mu     sync.RWMutex
	prices map[string]ModelPricing
}

// NewDefaultTable returns the proxy's built-in Anthropic Claude price
// table. Prices are USD per million tokens.
func NewDefaultTable() *Table {
	t := &Table{prices: map[string]ModelPricing{
		"claude-sonnet-4-6-20250514": {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
		"claude-sonnet-4-6":          {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
		"claude-opus-4-6":            {Input: 15, Output: 75, CacheRead: 1.5, CacheWrite: 18.75},
		"claude-haiku-4-6":           {Input: 0.8, Output: 4, CacheRead: 0.08, CacheWrite: 1},
		defaultModelKey:              {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
	}}
	return t
}

// Set upserts the price row for a model id. Exposed for tests and for
// an operator to update prices without a restart; not part of the
// request path.
func (t *Table) Set(model string, p ModelPricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices[model] = p
}

// Lookup returns the price row for model, falling back to the default
// row when the model id is unknown.
func (t *Table) Lookup(model string) ModelPricing {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.prices[model]; ok {
		return p
	}
	return t.prices[defaultModelKey]
}

// Cost computes the USD cost of usage under model's price row.
// Arithmetic is double-precision float; callers comparing costs in
// tests should use a tolerance rather than exact equality.
func (t *Table) Cost(model string, usage Usage) float64 {
	p := t.Lookup(model)
	return (float64(usage.InputTokens)*p.Input +
		float64(usage.OutputTokens)*p.Output +
		float64(usage.CacheReadTokens)*p.CacheRead +
		float64(usage.CacheCreationTokens)*p.CacheWrite) / 1_000_000
}
