package sse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractor_MessageStartThenDelta(t *testing.T) {
	e := New()

	e.Push([]byte("event: message_start\n"))
	e.Push([]byte(`data: {"type":"message_start","message":{"model":"claude-sonnet-4-6-20250514","usage":{"input_tokens":500,"cache_read_input_tokens":100}}}` + "\n\n"))
	e.Push([]byte(`data: {"type":"message_delta","usage":{"output_tokens":150}}` + "\n\n"))
	e.Push([]byte("data: [DONE]\n\n"))
	e.Finish()

	usage := e.GetUsage()
	assert.EqualValues(t, 500, usage.InputTokens)
	assert.EqualValues(t, 150, usage.OutputTokens)
	assert.EqualValues(t, 100, usage.CacheReadTokens)
	assert.Equal(t, "claude-sonnet-4-6-20250514", e.GetModel())
}

func TestExtractor_DeltaOverwritesNotAccumulates(t *testing.T) {
	e := New()
	e.Push([]byte(`data: {"type":"message_start","message":{"usage":{"input_tokens":10}}}` + "\n"))
	e.Push([]byte(`data: {"type":"message_delta","usage":{"output_tokens":5}}` + "\n"))
	e.Push([]byte(`data: {"type":"message_delta","usage":{"output_tokens":20}}` + "\n"))
	e.Finish()

	assert.EqualValues(t, 20, e.GetUsage().OutputTokens, "message_delta carries running totals, not increments")
}

func TestExtractor_ChunkSplitAcrossLineBoundary(t *testing.T) {
	e := New()
	full := `data: {"type":"message_start","message":{"model":"m","usage":{"input_tokens":7}}}` + "\n"
	mid := len(full) / 2
	e.Push([]byte(full[:mid]))
	e.Push([]byte(full[mid:]))
	e.Finish()

	assert.EqualValues(t, 7, e.GetUsage().InputTokens)
	assert.Equal(t, "m", e.GetModel())
}

func TestExtractor_MalformedJSON_SilentlyIgnored(t *testing.T) {
	e := New()
	e.Push([]byte("data: {not valid json\n"))
	e.Finish()
	assert.EqualValues(t, 0, e.GetUsage().InputTokens)
}

func TestExtractor_NonDataLinesIgnored(t *testing.T) {
	e := New()
	e.Push([]byte("event: message_start\nid: 1\n"))
	e.Push([]byte(`data: {"type":"message_start","message":{"usage":{"input_tokens":3}}}` + "\n"))
	e.Finish()
	assert.EqualValues(t, 3, e.GetUsage().InputTokens)
}

func TestExtractor_FinishFlushesResidualBuffer(t *testing.T) {
	e := New()
	e.Push([]byte(`data: {"type":"message_start","message":{"usage":{"input_tokens":9}}}`))
	// No trailing newline before Finish.
	e.Finish()
	assert.EqualValues(t, 9, e.GetUsage().InputTokens)
}

func TestExtractor_OtherEventTypesIgnored(t *testing.T) {
	e := New()
	e.Push([]byte(`data: {"type":"content_block_delta","delta":{"text":"hi"}}` + "\n"))
	e.Finish()
	assert.EqualValues(t, 0, e.GetUsage().InputTokens)
	assert.Equal(t, "", e.GetModel())
}
