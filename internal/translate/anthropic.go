package translate

import (
	"encoding/json"

	"github.com/google/uuid"
)

// --- Anthropic wire types ---

type MessagesRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	System        json.RawMessage    `json:"system,omitempty"`
	Messages      []AnthropicMessage `json:"messages"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Thinking      *ThinkingParam     `json:"thinking,omitempty"`
	Tools         []AnthropicTool    `json:"tools,omitempty"`
	ToolChoice    json.RawMessage    `json:"tool_choice,omitempty"`
}

type AnthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type ThinkingParam struct {
	Type         string `json:"type"` // "enabled" or "disabled"
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type AnthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema,omitempty"`
}

// ContentBlock covers text, thinking, tool_use and tool_result blocks.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Source    *ImageSource    `json:"source,omitempty"`
}

type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        AnthropicUsage `json:"usage"`
}

type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// --- Request translation ---

// AnthropicToUpstream converts a messages request into a v1internal envelope.
func AnthropicToUpstream(req *MessagesRequest, project string) *Envelope {
	up := &UpstreamRequest{}

	if sys := contentText(req.System); sys != "" {
		up.SystemInstruction = &Content{Role: "user", Parts: []Part{{Text: sys}}}
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "user":
			up.Contents = append(up.Contents, Content{Role: "user", Parts: anthropicUserParts(msg.Content)})
		case "assistant":
			up.Contents = append(up.Contents, Content{Role: "model", Parts: anthropicAssistantParts(msg.Content)})
		}
	}

	gc := &GenerationConfig{
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.StopSequences,
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		gc.MaxOutputTokens = &mt
	} else if IsClaudeModel(req.Model) {
		def := claudeDefaultMaxTokens
		gc.MaxOutputTokens = &def
	}
	if req.Thinking != nil && req.Thinking.Type == "enabled" {
		budget := req.Thinking.BudgetTokens
		if budget == 0 {
			budget = 16384
		}
		gc.ThinkingConfig = &ThinkingConfig{IncludeThoughts: true, ThinkingBudget: &budget}
	}
	up.GenerationConfig = gc

	up.Tools = anthropicTools(req)
	up.ToolConfig = anthropicToolConfig(req.ToolChoice)

	return NewEnvelope(project, req.Model, up)
}

func anthropicUserParts(raw json.RawMessage) []Part {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []Part{{Text: s}}
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return []Part{{Text: string(raw)}}
	}

	var parts []Part
	for _, blk := range blocks {
		switch blk.Type {
		case "text":
			parts = append(parts, Part{Text: blk.Text})
		case "image":
			if blk.Source != nil && blk.Source.Type == "base64" {
				parts = append(parts, Part{InlineData: &Blob{
					MimeType: blk.Source.MediaType,
					Data:     blk.Source.Data,
				}})
			}
		case "tool_result":
			parts = append(parts, Part{FunctionResponse: &FunctionResponse{
				ID:       blk.ToolUseID,
				Name:     "tool_result",
				Response: map[string]any{"result": toolResultPayload(blk.Content)},
			}})
		}
	}
	return parts
}

func anthropicAssistantParts(raw json.RawMessage) []Part {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []Part{{Text: s}}
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return []Part{{Text: string(raw)}}
	}

	var parts []Part
	for _, blk := range blocks {
		switch blk.Type {
		case "text":
			parts = append(parts, Part{Text: blk.Text})
		case "tool_use":
			parts = append(parts, Part{FunctionCall: &FunctionCall{
				ID:   blk.ID,
				Name: blk.Name,
				Args: blk.Input,
			}})
		}
	}
	return parts
}

// toolResultPayload JSON-parses block content, wrapping raw text.
func toolResultPayload(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{"output": ""}
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj
	}
	var arr []any
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr
	}
	return map[string]any{"output": contentText(raw)}
}

func anthropicTools(req *MessagesRequest) []Tool {
	if len(req.Tools) == 0 {
		return nil
	}
	decls := make([]FunctionDeclaration, 0, len(req.Tools))
	for _, t := range req.Tools {
		decl := FunctionDeclaration{Name: t.Name, Description: t.Description}
		if IsClaudeModel(req.Model) {
			cleaned, _ := CleanClaudeSchema(normalizeSchema(t.InputSchema)).(map[string]any)
			decl.Parameters = cleaned
		} else {
			decl.ParametersJsonSchema = t.InputSchema
		}
		decls = append(decls, decl)
	}
	return []Tool{{FunctionDeclarations: decls}}
}

func anthropicToolConfig(choice json.RawMessage) *ToolConfig {
	if len(choice) == 0 {
		return nil
	}
	var tc struct {
		Type string `json:"type"`
		Name string `json:"name,omitempty"`
	}
	if err := json.Unmarshal(choice, &tc); err != nil {
		return nil
	}
	switch tc.Type {
	case "auto":
		return &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{Mode: "AUTO"}}
	case "none":
		return &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{Mode: "NONE"}}
	case "any":
		return &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{Mode: "ANY"}}
	case "tool":
		return &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{
			Mode:                 "ANY",
			AllowedFunctionNames: []string{tc.Name},
		}}
	}
	return nil
}

// --- Response translation (unary) ---

// AnthropicFromUpstream converts a unary upstream response into a messages
// response.
func AnthropicFromUpstream(resp *GenerateResponse, model string) *MessagesResponse {
	var blocks []ContentBlock
	sawToolUse := false

	for _, part := range resp.parts() {
		switch {
		case part.FunctionCall != nil:
			id := part.FunctionCall.ID
			if id == "" {
				id = newToolUseID()
			}
			input := part.FunctionCall.Args
			if input == nil {
				input = map[string]any{}
			}
			blocks = append(blocks, ContentBlock{
				Type:  "tool_use",
				ID:    id,
				Name:  part.FunctionCall.Name,
				Input: input,
			})
			sawToolUse = true
		case part.Thought:
			blocks = append(blocks, ContentBlock{Type: "thinking", Thinking: part.Text, Signature: part.ThoughtSignature})
		default:
			blocks = append(blocks, ContentBlock{Type: "text", Text: part.Text})
		}
	}

	stop := anthropicStopReason(resp.finishReason())
	if sawToolUse {
		stop = "tool_use"
	}

	out := &MessagesResponse{
		ID:         "msg_" + uuid.NewString(),
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    blocks,
		StopReason: stop,
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = AnthropicUsage{InputTokens: u.PromptTokenCount, OutputTokens: u.CandidatesTokenCount}
	}
	return out
}

func anthropicStopReason(upstream string) string {
	switch upstream {
	case "MAX_TOKENS":
		return "max_tokens"
	default:
		return "end_turn"
	}
}
