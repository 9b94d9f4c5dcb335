package translate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textChunk(text string) *GenerateResponse {
	return &GenerateResponse{Candidates: []Candidate{{
		Content: Content{Role: "model", Parts: []Part{{Text: text}}},
	}}}
}

func TestOpenAIStreamTextAndToolCallAssembly(t *testing.T) {
	s := NewOpenAIStream("gemini-3-flash")

	first := s.Next(textChunk("Hi"))
	require.NotNil(t, first)
	assert.Equal(t, "assistant", first.Choices[0].Delta.Role)
	assert.Equal(t, "Hi", first.Choices[0].Delta.Content)
	assert.Nil(t, first.Choices[0].FinishReason)
	assert.Nil(t, first.Usage)

	callChunk := s.Next(&GenerateResponse{Candidates: []Candidate{{
		Content: Content{Role: "model", Parts: []Part{{
			FunctionCall: &FunctionCall{Name: "lookup", Args: map[string]any{"q": "x"}},
		}}},
	}}})
	require.NotNil(t, callChunk)
	assert.Empty(t, callChunk.Choices[0].Delta.Role) // role only on the first chunk
	require.Len(t, callChunk.Choices[0].Delta.ToolCalls, 1)
	tc := callChunk.Choices[0].Delta.ToolCalls[0]
	assert.Equal(t, 0, *tc.Index)
	assert.Equal(t, "lookup", tc.Function.Name)
	assert.Equal(t, `{"q":"x"}`, tc.Function.Arguments)

	last := s.Next(&GenerateResponse{
		Candidates:    []Candidate{{FinishReason: "STOP"}},
		UsageMetadata: &UsageMetadata{PromptTokenCount: 12, CandidatesTokenCount: 7, TotalTokenCount: 19},
	})
	require.NotNil(t, last)
	require.NotNil(t, last.Choices[0].FinishReason)
	assert.Equal(t, "tool_calls", *last.Choices[0].FinishReason)
	require.NotNil(t, last.Usage)
	assert.Equal(t, 7, last.Usage.CompletionTokens)
	assert.True(t, s.Complete())

	assert.Nil(t, s.Finish())
}

func TestOpenAIStreamSameCallIDAccumulatesArguments(t *testing.T) {
	s := NewOpenAIStream("claude-sonnet-4-5")

	mk := func(id, args string) *GenerateResponse {
		var parsed map[string]any
		if args != "" {
			parsed = map[string]any{"frag": args}
		}
		return &GenerateResponse{Candidates: []Candidate{{
			Content: Content{Parts: []Part{{FunctionCall: &FunctionCall{ID: id, Name: "f", Args: parsed}}}},
		}}}
	}

	first := s.Next(mk("abc", "one"))
	require.NotNil(t, first)
	opening := first.Choices[0].Delta.ToolCalls[0]
	assert.Equal(t, 0, *opening.Index)
	assert.NotEmpty(t, opening.ID)
	assert.Equal(t, "f", opening.Function.Name)

	second := s.Next(mk("abc", "two"))
	require.NotNil(t, second)
	cont := second.Choices[0].Delta.ToolCalls[0]
	assert.Equal(t, 0, *cont.Index) // same logical call, same index
	assert.Empty(t, cont.ID)
	assert.Empty(t, cont.Function.Name)
	assert.NotEmpty(t, cont.Function.Arguments)

	third := s.Next(mk("xyz", "other"))
	require.NotNil(t, third)
	assert.Equal(t, 1, *third.Choices[0].Delta.ToolCalls[0].Index)
}

func TestOpenAIStreamConcatInvariance(t *testing.T) {
	// The concatenation of content deltas must equal the full text regardless
	// of how upstream splits it.
	splits := [][]string{
		{"Hello, world!"},
		{"Hello", ", ", "world!"},
		{"H", "e", "llo, world", "!"},
	}

	for _, chunks := range splits {
		s := NewOpenAIStream("gemini-3-flash")
		var got string
		for _, c := range chunks {
			if chunk := s.Next(textChunk(c)); chunk != nil {
				got += chunk.Choices[0].Delta.Content
			}
		}
		assert.Equal(t, "Hello, world!", got)
	}
}

func TestOpenAIStreamFinishSynthesizesTerminalChunk(t *testing.T) {
	s := NewOpenAIStream("gemini-3-flash")
	s.Next(textChunk("partial"))
	s.Next(&GenerateResponse{Candidates: []Candidate{{FinishReason: "MAX_TOKENS"}}})

	final := s.Finish()
	require.NotNil(t, final)
	assert.Equal(t, "length", *final.Choices[0].FinishReason)
	assert.Nil(t, final.Usage)
	assert.True(t, s.Complete())
}

func TestOpenAIStreamEmptyChunkEmitsNothing(t *testing.T) {
	s := NewOpenAIStream("gemini-3-flash")
	assert.Nil(t, s.Next(&GenerateResponse{Candidates: []Candidate{{}}}))
}
