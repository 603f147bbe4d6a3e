package proxy

// jsonResponse is the loosely-typed shape of a non-streaming Anthropic
// Messages response, enough to extract usage and model for metering;
// every other key is irrelevant to the proxy and is forwarded to the
// client from the raw bytes, never from this struct.
type jsonResponse struct {
	Model string        `json:"model"`
	Usage *jsonUsage `json:"usage"`
}

type jsonUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens      int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}
