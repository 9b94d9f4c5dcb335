package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/yansir/ag-relayer/internal/config"
)

// Middleware validates the static proxy API key. Each dialect extracts the
// key from its own header and gets its own error body shape.
type Middleware struct {
	cfg *config.Config
}

func NewMiddleware(cfg *config.Config) *Middleware {
	return &Middleware{cfg: cfg}
}

// OpenAI guards OpenAI-style endpoints: key from "Authorization: Bearer".
func (m *Middleware) OpenAI(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.allowed(bearerKey(r)) {
			slog.Warn("auth failed", "path", r.URL.Path)
			writeOpenAIError(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Anthropic guards /v1/messages: key from "x-api-key".
func (m *Middleware) Anthropic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.allowed(r.Header.Get("x-api-key")) {
			slog.Warn("auth failed", "path", r.URL.Path)
			writeAnthropicError(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowed accepts everything when no key is configured.
func (m *Middleware) allowed(key string) bool {
	return m.cfg.APIKey == "" || key == m.cfg.APIKey
}

func bearerKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeOpenAIError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": "missing or invalid API key",
			"type":    "authentication_error",
			"param":   nil,
			"code":    "invalid_api_key",
		},
	})
}

func writeAnthropicError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    "authentication_error",
			"message": "missing or invalid API key",
		},
	})
}
