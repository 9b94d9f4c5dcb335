package translate

import (
	"time"

	"github.com/google/uuid"
)

// ChatCompletionChunk is one streamed chat completion fragment.
type ChatCompletionChunk struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *ChatUsage   `json:"usage,omitempty"`
}

// OpenAIStream re-chunks upstream events into chat completion chunks. One
// instance serves exactly one stream.
type OpenAIStream struct {
	id      string
	model   string
	created int64

	sentRole     bool
	sawToolCalls bool
	sawMaxTokens bool
	sawFilter    bool
	complete     bool

	nextToolIdx int
	toolIdxByID map[string]int
}

func NewOpenAIStream(model string) *OpenAIStream {
	return &OpenAIStream{
		id:          "chatcmpl-" + uuid.NewString(),
		model:       model,
		created:     time.Now().Unix(),
		toolIdxByID: make(map[string]int),
	}
}

// Complete reports whether a usage-bearing terminal chunk has been emitted.
func (s *OpenAIStream) Complete() bool { return s.complete }

// Next folds one upstream chunk into zero or one client chunks.
func (s *OpenAIStream) Next(resp *GenerateResponse) *ChatCompletionChunk {
	switch reason := resp.finishReason(); reason {
	case "MAX_TOKENS":
		s.sawMaxTokens = true
	case "SAFETY", "RECITATION":
		s.sawFilter = true
	}

	delta := &AssistantOutput{}
	hasPayload := false

	for _, part := range resp.parts() {
		switch {
		case part.FunctionCall != nil:
			delta.ToolCalls = append(delta.ToolCalls, s.toolCallDelta(part.FunctionCall))
			s.sawToolCalls = true
			hasPayload = true
		case part.Thought:
			delta.ReasoningContent += part.Text
			hasPayload = part.Text != "" || hasPayload
		default:
			delta.Content += part.Text
			hasPayload = part.Text != "" || hasPayload
		}
	}

	// A non-zero candidates token count marks stream completion.
	if resp.UsageMetadata != nil && resp.UsageMetadata.CandidatesTokenCount > 0 {
		s.complete = true
		finish := s.finishReason()
		chunk := s.newChunk(&AssistantOutput{}, &finish)
		chunk.Usage = chatUsage(resp.UsageMetadata)
		if hasPayload {
			// Fold trailing content into the terminal chunk.
			chunk.Choices[0].Delta = s.decorate(delta)
		}
		return chunk
	}

	if !hasPayload {
		return nil
	}
	return s.newChunk(s.decorate(delta), nil)
}

// Finish synthesizes the terminal chunk when the upstream ended without a
// usage-bearing event. Returns nil if completion was already emitted.
func (s *OpenAIStream) Finish() *ChatCompletionChunk {
	if s.complete {
		return nil
	}
	s.complete = true
	finish := s.finishReason()
	return s.newChunk(&AssistantOutput{}, &finish)
}

// toolCallDelta assigns a stable index per logical tool call. Accumulation is
// keyed by the upstream call id when present; anonymous calls each take the
// next free index.
func (s *OpenAIStream) toolCallDelta(fc *FunctionCall) ToolCall {
	var idx int
	if fc.ID != "" {
		if existing, ok := s.toolIdxByID[fc.ID]; ok {
			idx = existing
			// Continuation of a known call: only arguments accumulate.
			return ToolCall{
				Index:    &idx,
				Function: ToolCallFunction{Arguments: marshalArgs(fc.Args)},
			}
		}
		idx = s.nextToolIdx
		s.toolIdxByID[fc.ID] = idx
	} else {
		idx = s.nextToolIdx
	}
	s.nextToolIdx++

	return ToolCall{
		Index: &idx,
		ID:    toolCallID(fc),
		Type:  "function",
		Function: ToolCallFunction{
			Name:      fc.Name,
			Arguments: marshalArgs(fc.Args),
		},
	}
}

func (s *OpenAIStream) decorate(delta *AssistantOutput) *AssistantOutput {
	if !s.sentRole {
		delta.Role = "assistant"
		s.sentRole = true
	}
	return delta
}

func (s *OpenAIStream) finishReason() string {
	switch {
	case s.sawToolCalls:
		return "tool_calls"
	case s.sawMaxTokens:
		return "length"
	case s.sawFilter:
		return "content_filter"
	default:
		return "stop"
	}
}

func (s *OpenAIStream) newChunk(delta *AssistantOutput, finish *string) *ChatCompletionChunk {
	return &ChatCompletionChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []ChatChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}
