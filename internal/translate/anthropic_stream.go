package translate

import (
	"sort"

	"github.com/google/uuid"
)

// StreamEvent is one named SSE event in the Anthropic dialect.
type StreamEvent struct {
	Event string
	Data  any
}

// AnthropicStream re-chunks upstream events into the event-tagged content
// block lifecycle: message_start, content_block_start/delta/stop per block,
// message_delta, message_stop.
type AnthropicStream struct {
	id    string
	model string

	started    bool
	complete   bool
	sawToolUse bool
	lastFinish string

	nextIndex   int
	openByType  map[string]int // open non-tool block index by type
	inputTokens int
}

func NewAnthropicStream(model string) *AnthropicStream {
	return &AnthropicStream{
		id:         "msg_" + uuid.NewString(),
		model:      model,
		openByType: make(map[string]int),
	}
}

// Complete reports whether the closing sequence has been emitted.
func (s *AnthropicStream) Complete() bool { return s.complete }

// Next folds one upstream chunk into zero or more client events.
func (s *AnthropicStream) Next(resp *GenerateResponse) []StreamEvent {
	var out []StreamEvent

	if !s.started {
		s.started = true
		out = append(out, s.messageStart())
	}

	if resp.UsageMetadata != nil && resp.UsageMetadata.PromptTokenCount > 0 {
		s.inputTokens = resp.UsageMetadata.PromptTokenCount
	}

	// The finish reason may arrive on an earlier chunk than the usage.
	if reason := resp.finishReason(); reason != "" {
		s.lastFinish = reason
	}

	for _, part := range resp.parts() {
		switch {
		case part.FunctionCall != nil:
			out = append(out, s.toolUseEvents(part.FunctionCall)...)
		case part.Thought:
			out = append(out, s.blockDelta("thinking", part.Text)...)
		default:
			if part.Text != "" {
				out = append(out, s.blockDelta("text", part.Text)...)
			}
		}
	}

	if resp.UsageMetadata != nil && resp.UsageMetadata.CandidatesTokenCount > 0 {
		out = append(out, s.closingEvents(s.lastFinish, resp.UsageMetadata.CandidatesTokenCount)...)
	}

	return out
}

// Finish synthesizes the closing sequence when the upstream ended without a
// usage-bearing chunk. Returns nil if already complete.
func (s *AnthropicStream) Finish() []StreamEvent {
	if s.complete {
		return nil
	}
	var out []StreamEvent
	if !s.started {
		s.started = true
		out = append(out, s.messageStart())
	}
	return append(out, s.closingEvents(s.lastFinish, 0)...)
}

func (s *AnthropicStream) messageStart() StreamEvent {
	return StreamEvent{
		Event: "message_start",
		Data: map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            s.id,
				"type":          "message",
				"role":          "assistant",
				"model":         s.model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
			},
		},
	}
}

// blockDelta emits a delta for an already-open block of the matching type, or
// opens a new block first.
func (s *AnthropicStream) blockDelta(blockType, text string) []StreamEvent {
	var out []StreamEvent

	idx, open := s.openByType[blockType]
	if !open {
		idx = s.nextIndex
		s.nextIndex++
		s.openByType[blockType] = idx

		start := map[string]any{"type": blockType}
		if blockType == "thinking" {
			start["thinking"] = ""
		} else {
			start["text"] = ""
		}
		out = append(out, StreamEvent{
			Event: "content_block_start",
			Data: map[string]any{
				"type":          "content_block_start",
				"index":         idx,
				"content_block": start,
			},
		})
	}

	deltaType := "text_delta"
	deltaKey := "text"
	if blockType == "thinking" {
		deltaType = "thinking_delta"
		deltaKey = "thinking"
	}
	out = append(out, StreamEvent{
		Event: "content_block_delta",
		Data: map[string]any{
			"type":  "content_block_delta",
			"index": idx,
			"delta": map[string]any{"type": deltaType, deltaKey: text},
		},
	})
	return out
}

// toolUseEvents opens a tool_use block, delivers the full arguments as one
// input_json_delta, and closes the block immediately.
func (s *AnthropicStream) toolUseEvents(fc *FunctionCall) []StreamEvent {
	s.sawToolUse = true

	idx := s.nextIndex
	s.nextIndex++

	id := fc.ID
	if id == "" {
		id = newToolUseID()
	}

	return []StreamEvent{
		{
			Event: "content_block_start",
			Data: map[string]any{
				"type":  "content_block_start",
				"index": idx,
				"content_block": map[string]any{
					"type":  "tool_use",
					"id":    id,
					"name":  fc.Name,
					"input": map[string]any{},
				},
			},
		},
		{
			Event: "content_block_delta",
			Data: map[string]any{
				"type":  "content_block_delta",
				"index": idx,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": marshalArgs(fc.Args)},
			},
		},
		{
			Event: "content_block_stop",
			Data:  map[string]any{"type": "content_block_stop", "index": idx},
		},
	}
}

// closingEvents stops every open non-tool block in index order, then emits
// message_delta and message_stop.
func (s *AnthropicStream) closingEvents(finishReason string, outputTokens int) []StreamEvent {
	s.complete = true

	openIdx := make([]int, 0, len(s.openByType))
	for _, idx := range s.openByType {
		openIdx = append(openIdx, idx)
	}
	sort.Ints(openIdx)

	var out []StreamEvent
	for _, idx := range openIdx {
		out = append(out, StreamEvent{
			Event: "content_block_stop",
			Data:  map[string]any{"type": "content_block_stop", "index": idx},
		})
	}
	s.openByType = make(map[string]int)

	stop := anthropicStopReason(finishReason)
	if s.sawToolUse {
		stop = "tool_use"
	}

	out = append(out,
		StreamEvent{
			Event: "message_delta",
			Data: map[string]any{
				"type":  "message_delta",
				"delta": map[string]any{"stop_reason": stop, "stop_sequence": nil},
				"usage": map[string]int{"input_tokens": s.inputTokens, "output_tokens": outputTokens},
			},
		},
		StreamEvent{
			Event: "message_stop",
			Data:  map[string]any{"type": "message_stop"},
		},
	)
	return out
}
