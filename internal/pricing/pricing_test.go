package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCost_KnownModel(t *testing.T) {
	tbl := NewDefaultTable()
	cost := tbl.Cost("claude-sonnet-4-6", Usage{
		InputTokens:    500,
		OutputTokens:   150,
		CacheReadTokens: 100,
	})
	assert.InDelta(t, 0.00378, cost, 1e-9)
}

func TestCost_JSONScenario(t *testing.T) {
	tbl := NewDefaultTable()
	cost := tbl.Cost("claude-sonnet-4-6", Usage{
		InputTokens:         1000,
		OutputTokens:        500,
		CacheReadTokens:      5000,
		CacheCreationTokens: 2000,
	})
	assert.InDelta(t, 0.0195, cost, 1e-9)
}

func TestCost_UnknownModelFallsBackToDefault(t *testing.T) {
	tbl := NewDefaultTable()
	known := tbl.Cost("claude-sonnet-4-6", Usage{InputTokens: 1000})
	unknown := tbl.Cost("some-unreleased-model", Usage{InputTokens: 1000})
	assert.Equal(t, known, unknown)
}

func TestSet_OverridesLookup(t *testing.T) {
	tbl := NewDefaultTable()
	tbl.Set("custom-model", ModelPricing{Input: 1, Output: 2, CacheRead: 0, CacheWrite: 0})
	cost := tbl.Cost("custom-model", Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000})
	assert.InDelta(t, 3.0, cost, 1e-9)
}
