package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yansir/ag-relayer/internal/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestOpenAIRequiresBearerKey(t *testing.T) {
	m := NewMiddleware(&config.Config{APIKey: "secret"})
	h := m.OpenAI(okHandler())

	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "authentication_error", errObj["type"])
	assert.Contains(t, body["error"], "param")

	req = httptest.NewRequest("POST", "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOpenAIIgnoresXAPIKeyHeader(t *testing.T) {
	m := NewMiddleware(&config.Config{APIKey: "secret"})
	h := m.OpenAI(okHandler())

	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	req.Header.Set("x-api-key", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAnthropicRequiresXAPIKey(t *testing.T) {
	m := NewMiddleware(&config.Config{APIKey: "secret"})
	h := m.Anthropic(okHandler())

	req := httptest.NewRequest("POST", "/v1/messages", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error", body["type"])

	req = httptest.NewRequest("POST", "/v1/messages", nil)
	req.Header.Set("x-api-key", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNoConfiguredKeyAcceptsAll(t *testing.T) {
	m := NewMiddleware(&config.Config{})

	rec := httptest.NewRecorder()
	m.OpenAI(okHandler()).ServeHTTP(rec, httptest.NewRequest("POST", "/v1/chat/completions", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	m.Anthropic(okHandler()).ServeHTTP(rec, httptest.NewRequest("POST", "/v1/messages", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
