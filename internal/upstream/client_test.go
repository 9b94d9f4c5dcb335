package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yansir/ag-relayer/internal/account"
	"github.com/yansir/ag-relayer/internal/config"
	"github.com/yansir/ag-relayer/internal/translate"
)

func newTestClient(t *testing.T, oauthURL string, bases ...string) (*Client, *account.Store) {
	t.Helper()
	cfg := &config.Config{
		BaseURLs:          bases,
		OAuthTokenURL:     oauthURL,
		OAuthClientID:     "client-id",
		OAuthClientSecret: "client-secret",
	}
	store := account.NewStore(time.Minute, nil)
	store.Add(config.Credential{
		Email:        "one@example.com",
		AccessToken:  "tok-1",
		RefreshToken: "refresh-1",
		ExpiryDate:   time.Now().Add(time.Hour).UnixMilli(),
	})
	tokens := account.NewTokenManager(store, cfg, nil, nil)
	return NewClient(cfg, store, tokens, nil), store
}

func testEnvelope() *translate.Envelope {
	return translate.NewEnvelope("proj", "gemini-3-flash", &translate.UpstreamRequest{
		Contents: []translate.Content{{Role: "user", Parts: []translate.Part{{Text: "hi"}}}},
	})
}

func TestGenerateUnwrapsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1internal:generateContent", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "antigravity", r.Header.Get("User-Agent"))
		w.Write([]byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"pong"}]},"finishReason":"STOP"}]}}`))
	}))
	defer srv.Close()

	client, _ := newTestClient(t, "", srv.URL+"/v1internal")
	resp, err := client.Generate(context.Background(), "account-1", testEnvelope())
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Candidates[0].Content.Parts[0].Text)
}

func TestRateLimitDoesNotRotateBases(t *testing.T) {
	var secondHits atomic.Int64
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":429}}`, http.StatusTooManyRequests)
	}))
	defer first.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondHits.Add(1)
		w.Write([]byte(`{}`))
	}))
	defer second.Close()

	client, _ := newTestClient(t, "", first.URL+"/v1internal", second.URL+"/v1internal")
	_, err := client.Generate(context.Background(), "account-1", testEnvelope())

	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, int64(0), secondHits.Load())
}

func TestUnauthorizedTriggersOneRefreshThenRetry(t *testing.T) {
	oauth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"tok-2","expires_in":3600}`))
	}))
	defer oauth.Close()

	var upstreamHits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok-2" {
			http.Error(w, "expired", http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"ok"}]},"finishReason":"STOP"}]}}`))
	}))
	defer srv.Close()

	client, store := newTestClient(t, oauth.URL, srv.URL+"/v1internal")
	resp, err := client.Generate(context.Background(), "account-1", testEnvelope())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Candidates[0].Content.Parts[0].Text)
	assert.Equal(t, int64(2), upstreamHits.Load())

	acct, _ := store.Get("account-1")
	assert.Equal(t, "tok-2", acct.AccessToken)
}

func TestPersistentUnauthorizedSurfacesAuthError(t *testing.T) {
	oauth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"tok-2","expires_in":3600}`))
	}))
	defer oauth.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client, _ := newTestClient(t, oauth.URL, srv.URL+"/v1internal")
	_, err := client.Generate(context.Background(), "account-1", testEnvelope())

	var ae *AuthError
	assert.ErrorAs(t, err, &ae)
}

func TestServerErrorRotatesToNextBase(t *testing.T) {
	var firstHits atomic.Int64
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		firstHits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer first.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"ok"}]},"finishReason":"STOP"}]}}`))
	}))
	defer second.Close()

	client, _ := newTestClient(t, "", first.URL+"/v1internal", second.URL+"/v1internal")

	_, err := client.Generate(context.Background(), "account-1", testEnvelope())
	require.NoError(t, err)
	assert.Equal(t, int64(1), firstHits.Load())

	// The cursor now points at the working base; the failing one is skipped.
	_, err = client.Generate(context.Background(), "account-1", testEnvelope())
	require.NoError(t, err)
	assert.Equal(t, int64(1), firstHits.Load())
}

func TestAllBasesFailingSurfacesBadGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, _ := newTestClient(t, "", srv.URL+"/v1internal", srv.URL+"/v1internal")
	_, err := client.Generate(context.Background(), "account-1", testEnvelope())

	var bge *BadGatewayError
	require.ErrorAs(t, err, &bge)
	assert.Equal(t, 2, bge.Attempts)

	var apiErr *APIError
	assert.True(t, errors.As(bge.Last, &apiErr))
}

func TestClientErrorForwardedAsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad project"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	client, _ := newTestClient(t, "", srv.URL+"/v1internal")
	_, err := client.Generate(context.Background(), "account-1", testEnvelope())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestGenerateHonorsConfiguredTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	client, _ := newTestClient(t, "", srv.URL+"/v1internal")
	client.cfg.RequestTimeout = 50 * time.Millisecond

	start := time.Now()
	_, err := client.Generate(context.Background(), "account-1", testEnvelope())

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestStreamGenerateSetsStreamHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1internal:streamGenerateContent", r.URL.Path)
		assert.Equal(t, "alt=sse", r.URL.RawQuery)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Write([]byte("data: {}\n\n"))
	}))
	defer srv.Close()

	client, _ := newTestClient(t, "", srv.URL+"/v1internal")
	body, err := client.StreamGenerate(context.Background(), "account-1", testEnvelope())
	require.NoError(t, err)
	body.Close()
}

func TestFetchAvailableModelsParsesQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1internal:fetchAvailableModels", r.URL.Path)
		w.Write([]byte(`{"models":{
			"claude-sonnet-4-5":{"quotaInfo":{"remainingFraction":0.42,"resetTime":"2026-08-24T12:00:00Z"}},
			"gemini-3-flash":{}
		}}`))
	}))
	defer srv.Close()

	client, _ := newTestClient(t, "", srv.URL+"/v1internal")
	resp, err := client.FetchAvailableModels(context.Background(), "account-1", "proj")
	require.NoError(t, err)

	sonnet := resp.Models["claude-sonnet-4-5"]
	require.NotNil(t, sonnet.QuotaInfo)
	assert.InDelta(t, 0.42, *sonnet.QuotaInfo.RemainingFraction, 1e-9)
	assert.Nil(t, resp.Models["gemini-3-flash"].QuotaInfo)
}
