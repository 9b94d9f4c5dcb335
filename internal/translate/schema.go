package translate

import "strings"

// Keys the Claude upstream rejects in tool parameter schemas.
var claudeSchemaDropKeys = map[string]bool{
	"$schema":              true,
	"additionalProperties": true,
	"strict":               true,
	"default":              true,
	"title":                true,
	"$id":                  true,
	"$ref":                 true,
}

// CleanClaudeSchema recursively strips unsupported JSON-schema keys. The input
// is not modified; cleaning is idempotent.
func CleanClaudeSchema(schema any) any {
	switch v := schema.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			if claudeSchemaDropKeys[k] {
				continue
			}
			out[k] = CleanClaudeSchema(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = CleanClaudeSchema(val)
		}
		return out
	default:
		return schema
	}
}

// --- Model family helpers ---

func IsClaudeModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "claude")
}

func IsOpusModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "opus")
}

func isGemini3(model string) bool {
	return strings.HasPrefix(strings.ToLower(model), "gemini-3")
}

func isGemini25(model string) bool {
	return strings.HasPrefix(strings.ToLower(model), "gemini-2.5")
}

// thinkingBudgetFor maps reasoning effort to a token budget.
func thinkingBudgetFor(effort string) (int, bool) {
	switch effort {
	case "low":
		return 8192, true
	case "medium":
		return 16384, true
	case "high":
		return 32768, true
	}
	return 0, false
}
