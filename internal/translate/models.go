package translate

// ModelInfo is one entry of the static model table served at /v1/models.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// Models the upstream serves through this relay.
var Models = []ModelInfo{
	{ID: "claude-sonnet-4-5", Object: "model", Created: 1758000000, OwnedBy: "anthropic"},
	{ID: "claude-sonnet-4-5-thinking", Object: "model", Created: 1758000000, OwnedBy: "anthropic"},
	{ID: "claude-opus-4-5-thinking", Object: "model", Created: 1763000000, OwnedBy: "anthropic"},
	{ID: "gemini-3-flash", Object: "model", Created: 1765000000, OwnedBy: "google"},
	{ID: "gemini-3-pro-low", Object: "model", Created: 1765000000, OwnedBy: "google"},
	{ID: "gemini-3-pro-high", Object: "model", Created: 1765000000, OwnedBy: "google"},
}

// Output cap applied when a Claude-family request omits max_tokens.
const claudeDefaultMaxTokens = 64000
