package translate

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// --- OpenAI wire types ---

type ChatRequest struct {
	Model           string          `json:"model"`
	Messages        []ChatMessage   `json:"messages"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	MaxTokens       *int            `json:"max_tokens,omitempty"`
	Stop            json.RawMessage `json:"stop,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
	ReasoningEffort string          `json:"reasoning_effort,omitempty"`
	Tools           []ChatTool      `json:"tools,omitempty"`
	ToolChoice      json.RawMessage `json:"tool_choice,omitempty"`
}

type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	Index    *int             `json:"index,omitempty"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function ToolCallFunction `json:"function"`
}

type ToolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type ChatTool struct {
	Type     string           `json:"type"`
	Function ChatToolFunction `json:"function"`
}

type ChatToolFunction struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type ChatCompletion struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *ChatUsage   `json:"usage,omitempty"`
}

type ChatChoice struct {
	Index        int              `json:"index"`
	Message      *AssistantOutput `json:"message,omitempty"`
	Delta        *AssistantOutput `json:"delta,omitempty"`
	FinishReason *string          `json:"finish_reason"`
}

// AssistantOutput is both the unary message and the streaming delta shape.
type AssistantOutput struct {
	Role             string     `json:"role,omitempty"`
	Content          string     `json:"content,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Request translation ---

// OpenAIToUpstream converts a chat completions request into a v1internal
// envelope for the given project.
func OpenAIToUpstream(req *ChatRequest, project string) *Envelope {
	up := &UpstreamRequest{}

	// The last system message wins; earlier ones are dropped with it.
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "system" {
			up.SystemInstruction = &Content{
				Role:  "user",
				Parts: []Part{{Text: contentText(req.Messages[i].Content)}},
			}
			break
		}
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			// handled above
		case "user":
			up.Contents = append(up.Contents, Content{Role: "user", Parts: userParts(msg.Content)})
		case "assistant":
			up.Contents = append(up.Contents, Content{Role: "model", Parts: assistantParts(msg)})
		case "tool":
			up.Contents = append(up.Contents, Content{Role: "user", Parts: []Part{{
				FunctionResponse: &FunctionResponse{
					ID:       msg.ToolCallID,
					Name:     toolResponseName(msg),
					Response: parseToolPayload(contentText(msg.Content)),
				},
			}}})
		}
	}

	up.GenerationConfig = openAIGenerationConfig(req)
	up.Tools = openAITools(req)
	up.ToolConfig = openAIToolConfig(req.ToolChoice)

	return NewEnvelope(project, req.Model, up)
}

func openAIGenerationConfig(req *ChatRequest) *GenerationConfig {
	gc := &GenerationConfig{
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: stopSequences(req.Stop),
	}

	if req.MaxTokens != nil {
		gc.MaxOutputTokens = req.MaxTokens
	} else if IsClaudeModel(req.Model) {
		def := claudeDefaultMaxTokens
		gc.MaxOutputTokens = &def
	}

	gc.ThinkingConfig = thinkingConfig(req.Model, req.ReasoningEffort)
	return gc
}

// thinkingConfig applies the per-family reasoning rules: Gemini-3 models take
// a level, Claude and Gemini-2.5 take a budget, Opus always thinks.
func thinkingConfig(model, effort string) *ThinkingConfig {
	if isGemini3(model) {
		level := "high"
		if effort == "low" {
			level = "low"
		}
		return &ThinkingConfig{IncludeThoughts: true, ThinkingLevel: level}
	}

	if IsClaudeModel(model) || isGemini25(model) {
		if budget, ok := thinkingBudgetFor(effort); ok {
			return &ThinkingConfig{IncludeThoughts: true, ThinkingBudget: &budget}
		}
	}

	if IsOpusModel(model) {
		unlimited := -1
		return &ThinkingConfig{IncludeThoughts: true, ThinkingBudget: &unlimited}
	}

	return nil
}

func openAITools(req *ChatRequest) []Tool {
	if len(req.Tools) == 0 {
		return nil
	}
	decls := make([]FunctionDeclaration, 0, len(req.Tools))
	for _, t := range req.Tools {
		decl := FunctionDeclaration{
			Name:        t.Function.Name,
			Description: t.Function.Description,
		}
		if IsClaudeModel(req.Model) {
			cleaned, _ := CleanClaudeSchema(normalizeSchema(t.Function.Parameters)).(map[string]any)
			decl.Parameters = cleaned
		} else {
			decl.ParametersJsonSchema = t.Function.Parameters
		}
		decls = append(decls, decl)
	}
	return []Tool{{FunctionDeclarations: decls}}
}

func openAIToolConfig(choice json.RawMessage) *ToolConfig {
	if len(choice) == 0 {
		return nil
	}

	var mode string
	if err := json.Unmarshal(choice, &mode); err == nil {
		switch mode {
		case "auto":
			return &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{Mode: "AUTO"}}
		case "none":
			return &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{Mode: "NONE"}}
		case "required":
			return &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{Mode: "ANY"}}
		}
		return nil
	}

	var named struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(choice, &named); err == nil && named.Function.Name != "" {
		return &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{
			Mode:                 "ANY",
			AllowedFunctionNames: []string{named.Function.Name},
		}}
	}
	return nil
}

// --- Response translation (unary) ---

// OpenAIFromUpstream converts a unary upstream response into a chat
// completion.
func OpenAIFromUpstream(resp *GenerateResponse, model string) *ChatCompletion {
	var content, reasoning strings.Builder
	var toolCalls []ToolCall

	for _, part := range resp.parts() {
		switch {
		case part.FunctionCall != nil:
			toolCalls = append(toolCalls, ToolCall{
				ID:   toolCallID(part.FunctionCall),
				Type: "function",
				Function: ToolCallFunction{
					Name:      part.FunctionCall.Name,
					Arguments: marshalArgs(part.FunctionCall.Args),
				},
			})
		case part.Thought:
			reasoning.WriteString(part.Text)
		default:
			content.WriteString(part.Text)
		}
	}

	finish := openAIFinishReason(resp.finishReason())
	if len(toolCalls) > 0 {
		finish = "tool_calls"
	}

	return &ChatCompletion{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatChoice{{
			Index: 0,
			Message: &AssistantOutput{
				Role:             "assistant",
				Content:          content.String(),
				ReasoningContent: reasoning.String(),
				ToolCalls:        toolCalls,
			},
			FinishReason: &finish,
		}},
		Usage: chatUsage(resp.UsageMetadata),
	}
}

func chatUsage(u *UsageMetadata) *ChatUsage {
	if u == nil {
		return nil
	}
	return &ChatUsage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount,
		TotalTokens:      u.TotalTokenCount,
	}
}

func openAIFinishReason(upstream string) string {
	switch upstream {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return "stop"
	}
}

// --- Content helpers ---

// contentText flattens string-or-blocks content into plain text.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []map[string]any
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var b strings.Builder
	for _, blk := range blocks {
		if text, ok := blk["text"].(string); ok {
			b.WriteString(text)
		}
	}
	return b.String()
}

func userParts(raw json.RawMessage) []Part {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []Part{{Text: s}}
	}

	var blocks []map[string]any
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return []Part{{Text: string(raw)}}
	}

	var parts []Part
	for _, blk := range blocks {
		switch blk["type"] {
		case "text":
			if text, ok := blk["text"].(string); ok {
				parts = append(parts, Part{Text: text})
			}
		case "image_url":
			if img, ok := blk["image_url"].(map[string]any); ok {
				if url, ok := img["url"].(string); ok {
					parts = append(parts, Part{InlineData: parseImageURL(url)})
				}
			}
		}
	}
	return parts
}

// parseImageURL decodes data URLs; plain URLs pass through as the payload.
func parseImageURL(url string) *Blob {
	if strings.HasPrefix(url, "data:") {
		rest := strings.TrimPrefix(url, "data:")
		if semi := strings.Index(rest, ";base64,"); semi >= 0 {
			return &Blob{MimeType: rest[:semi], Data: rest[semi+len(";base64,"):]}
		}
	}
	return &Blob{MimeType: "image/png", Data: url}
}

func assistantParts(msg ChatMessage) []Part {
	var parts []Part
	if text := contentText(msg.Content); text != "" {
		parts = append(parts, Part{Text: text})
	}
	for _, tc := range msg.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		parts = append(parts, Part{FunctionCall: &FunctionCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		}})
	}
	return parts
}

func toolResponseName(msg ChatMessage) string {
	if msg.Name != "" {
		return msg.Name
	}
	return "tool_result"
}

// parseToolPayload JSON-decodes a tool result, wrapping non-JSON output.
func parseToolPayload(raw string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err == nil {
		return obj
	}
	return map[string]any{"output": raw}
}

func stopSequences(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

// normalizeSchema round-trips typed schemas through JSON so cleaning sees
// plain maps.
func normalizeSchema(schema any) any {
	if schema == nil {
		return nil
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return schema
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return schema
	}
	return out
}

func toolCallID(fc *FunctionCall) string {
	if fc.ID != "" {
		return fc.ID
	}
	return newToolCallID()
}

func marshalArgs(args map[string]any) string {
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}
