// Package translate converts between the client dialects (OpenAI chat
// completions, Anthropic messages) and the upstream v1internal wire format.
package translate

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// Fixed userAgent in the request envelope.
const envelopeUserAgent = "antigravity"

// --- Upstream request ---

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

type Part struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	InlineData       *Blob             `json:"inlineData,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

type Blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response,omitempty"`
}

type ThinkingConfig struct {
	IncludeThoughts bool   `json:"include_thoughts,omitempty"`
	ThinkingBudget  *int   `json:"thinkingBudget,omitempty"`
	ThinkingLevel   string `json:"thinkingLevel,omitempty"`
}

type GenerationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	MaxOutputTokens *int            `json:"maxOutputTokens,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

type FunctionDeclaration struct {
	Name                 string         `json:"name"`
	Description          string         `json:"description,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	ParametersJsonSchema any            `json:"parametersJsonSchema,omitempty"`
}

type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type FunctionCallingConfig struct {
	Mode                 string   `json:"mode,omitempty"` // AUTO, NONE, ANY
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type ToolConfig struct {
	FunctionCallingConfig *FunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// UpstreamRequest is the inner "request" object of the envelope.
type UpstreamRequest struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
	ToolConfig        *ToolConfig       `json:"toolConfig,omitempty"`
	SafetySettings    []SafetySetting   `json:"safetySettings,omitempty"`
}

// Envelope is the v1internal request wrapper.
type Envelope struct {
	Project   string           `json:"project"`
	Model     string           `json:"model"`
	Request   *UpstreamRequest `json:"request"`
	UserAgent string           `json:"userAgent"`
	RequestID string           `json:"requestId"`
	SessionID string           `json:"sessionId"`
}

// NewEnvelope wraps an upstream request with fresh request/session ids.
func NewEnvelope(project, model string, req *UpstreamRequest) *Envelope {
	req.SafetySettings = defaultSafetySettings()
	return &Envelope{
		Project:   project,
		Model:     model,
		Request:   req,
		UserAgent: envelopeUserAgent,
		RequestID: "agent-" + uuid.NewString(),
		SessionID: newSessionID(),
	}
}

func defaultSafetySettings() []SafetySetting {
	return []SafetySetting{
		{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_NONE"},
		{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_NONE"},
		{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_NONE"},
		{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_NONE"},
	}
}

// --- Upstream response ---

type GenerateResponse struct {
	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string         `json:"modelVersion,omitempty"`
}

type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int `json:"candidatesTokenCount,omitempty"`
	ThoughtsTokenCount   int `json:"thoughtsTokenCount,omitempty"`
	TotalTokenCount      int `json:"totalTokenCount,omitempty"`
}

// ParseResponse decodes a unary or streamed upstream payload, unwrapping the
// v1internal {"response": ...} envelope when present.
func ParseResponse(data []byte) (*GenerateResponse, error) {
	var wrapper struct {
		Response *GenerateResponse `json:"response"`
	}
	if err := json.Unmarshal(data, &wrapper); err == nil && wrapper.Response != nil {
		return wrapper.Response, nil
	}

	var resp GenerateResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse upstream response: %w", err)
	}
	return &resp, nil
}

// parts returns the first candidate's parts, or nil.
func (r *GenerateResponse) parts() []Part {
	if len(r.Candidates) == 0 {
		return nil
	}
	return r.Candidates[0].Content.Parts
}

func (r *GenerateResponse) finishReason() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	return r.Candidates[0].FinishReason
}

// --- ID helpers ---

// newSessionID mimics the IDE's negative-prefixed 18-digit session ids.
func newSessionID() string {
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return fmt.Sprintf("-%018d", 0)
	}
	return fmt.Sprintf("-%018d", n)
}

// newToolCallID produces OpenAI-shaped tool call ids (call_<24 hex>).
func newToolCallID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "call_" + uuid.NewString()[:24]
	}
	return "call_" + hex.EncodeToString(b)
}

// newToolUseID produces Anthropic-shaped tool_use ids.
func newToolUseID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "toolu_" + uuid.NewString()[:24]
	}
	return "toolu_" + hex.EncodeToString(b)
}
