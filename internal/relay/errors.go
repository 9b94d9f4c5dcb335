package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Dialect selects the client-facing wire format.
type Dialect string

const (
	DialectOpenAI    Dialect = "openai"
	DialectAnthropic Dialect = "anthropic"
)

func openAIErrorType(status int) (errType string, code string) {
	switch {
	case status == 400:
		return "invalid_request_error", "invalid_request"
	case status == 401:
		return "authentication_error", "invalid_api_key"
	case status == 403:
		return "permission_error", "permission_denied"
	case status == 404:
		return "invalid_request_error", "not_found"
	case status == 429:
		return "rate_limit_error", "rate_limit_exceeded"
	case status >= 500:
		return "server_error", "server_error"
	default:
		return "invalid_request_error", "invalid_request"
	}
}

func anthropicErrorType(status int) string {
	switch status {
	case 400:
		return "invalid_request_error"
	case 401:
		return "authentication_error"
	case 403:
		return "permission_error"
	case 404:
		return "not_found_error"
	case 429:
		return "rate_limit_error"
	case 529:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// errorBody renders a status and message in the dialect's error shape.
func errorBody(dialect Dialect, status int, message string) []byte {
	var payload any
	if dialect == DialectAnthropic {
		payload = map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    anthropicErrorType(status),
				"message": message,
			},
		}
	} else {
		errType, code := openAIErrorType(status)
		payload = map[string]any{
			"error": map[string]any{
				"message": message,
				"type":    errType,
				"param":   nil,
				"code":    code,
			},
		}
	}
	data, _ := json.Marshal(payload)
	return data
}

func writeError(w http.ResponseWriter, dialect Dialect, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(errorBody(dialect, status, message))
}

// sseErrorEvent renders a terminal error for an already-started stream.
func sseErrorEvent(dialect Dialect, status int, message string) []byte {
	body := errorBody(dialect, status, message)
	if dialect == DialectAnthropic {
		return []byte(fmt.Sprintf("event: error\ndata: %s\n\n", body))
	}
	return []byte(fmt.Sprintf("data: %s\n\n", body))
}

// upstreamMessage pulls a readable message out of an upstream error body.
func upstreamMessage(body []byte, fallback string) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	if fallback != "" {
		return fallback
	}
	return "upstream error"
}
