package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/yansir/ag-relayer/internal/account"
	"github.com/yansir/ag-relayer/internal/config"
	"github.com/yansir/ag-relayer/internal/translate"
)

const (
	userAgent           = "antigravity"
	defaultUnaryTimeout = 120 * time.Second
	quotaTimeout        = 30 * time.Second
)

// ClientProvider supplies per-account HTTP clients (direct or proxied).
type ClientProvider interface {
	GetClient(acct *account.Account) *http.Client
}

// Client speaks the v1internal protocol against an ordered list of base URLs.
// A rotating cursor remembers the last base that worked; network errors and
// 5xx advance it, 429 and auth failures do not.
type Client struct {
	cfg      *config.Config
	store    *account.Store
	tokens   *account.TokenManager
	clients  ClientProvider
	fallback *http.Client
	cursor   atomic.Int64
}

func NewClient(cfg *config.Config, store *account.Store, tokens *account.TokenManager, clients ClientProvider) *Client {
	return &Client{
		cfg:      cfg,
		store:    store,
		tokens:   tokens,
		clients:  clients,
		fallback: &http.Client{},
	}
}

// Generate performs a unary :generateContent call.
func (c *Client) Generate(ctx context.Context, accountID string, env *translate.Envelope) (*translate.GenerateResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.unaryTimeout())
	defer cancel()

	resp, err := c.post(ctx, accountID, "generateContent", "", env, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	return translate.ParseResponse(body)
}

// StreamGenerate opens a :streamGenerateContent SSE stream and returns the
// body once headers have arrived. The caller owns closing it.
func (c *Client) StreamGenerate(ctx context.Context, accountID string, env *translate.Envelope) (io.ReadCloser, error) {
	resp, err := c.post(ctx, accountID, "streamGenerateContent", "alt=sse", env, true)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// ModelsResponse is the :fetchAvailableModels payload, keyed by model id.
type ModelsResponse struct {
	Models map[string]ModelData `json:"models"`
}

type ModelData struct {
	QuotaInfo *QuotaInfo `json:"quotaInfo,omitempty"`
}

type QuotaInfo struct {
	RemainingFraction *float64 `json:"remainingFraction,omitempty"`
	ResetTime         *string  `json:"resetTime,omitempty"`
}

// FetchAvailableModels returns per-model quota data for the account.
func (c *Client) FetchAvailableModels(ctx context.Context, accountID, project string) (*ModelsResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, quotaTimeout)
	defer cancel()

	resp, err := c.post(ctx, accountID, "fetchAvailableModels", "", map[string]string{"project": project}, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out ModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("parse models response: %w", err)
	}
	return &out, nil
}

// post tries each base URL starting at the cursor. 429 returns immediately,
// a 401 earns one forced token refresh against the same base.
func (c *Client) post(ctx context.Context, accountID, method, query string, payload any, stream bool) (*http.Response, error) {
	token, err := c.tokens.EnsureValidToken(ctx, accountID)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream request: %w", err)
	}

	acct, ok := c.store.Get(accountID)
	if !ok {
		return nil, fmt.Errorf("unknown account %s", accountID)
	}
	client := c.clientFor(acct)

	bases := c.cfg.BaseURLs
	start := int(c.cursor.Load())
	refreshed := false

	var lastErr error
	for i := 0; i < len(bases); i++ {
		idx := (start + i) % len(bases)
		base := bases[idx]

		resp, err := c.attempt(ctx, client, base, method, query, token, body, stream)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("upstream attempt failed", "base", base, "method", method, "error", err)
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			c.cursor.Store(int64(idx))
			return resp, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, &RateLimitError{Body: drain(resp)}

		case resp.StatusCode == http.StatusUnauthorized:
			respBody := drain(resp)
			if refreshed {
				return nil, &AuthError{Body: respBody}
			}
			refreshed = true
			token, err = c.tokens.ForceRefresh(ctx, accountID)
			if err != nil {
				return nil, err
			}
			i-- // retry the same base with the fresh token

		case resp.StatusCode >= 500:
			lastErr = &APIError{Status: resp.StatusCode, Body: drain(resp)}
			slog.Warn("upstream server error, rotating base", "base", base, "status", resp.StatusCode)

		default:
			return nil, &APIError{Status: resp.StatusCode, Body: drain(resp)}
		}
	}

	return nil, &BadGatewayError{Attempts: len(bases), Last: lastErr}
}

func (c *Client) attempt(ctx context.Context, client *http.Client, base, method, query, token string, body []byte, stream bool) (*http.Response, error) {
	endpoint := base + ":" + method
	if query != "" {
		endpoint += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
		if u, err := url.Parse(base); err == nil {
			req.Host = u.Host
		}
	}

	return client.Do(req)
}

// unaryTimeout is REQUEST_TIMEOUT_MS when set, 120s otherwise.
func (c *Client) unaryTimeout() time.Duration {
	if c.cfg.RequestTimeout > 0 {
		return c.cfg.RequestTimeout
	}
	return defaultUnaryTimeout
}

func (c *Client) clientFor(acct *account.Account) *http.Client {
	if c.clients != nil {
		if cl := c.clients.GetClient(acct); cl != nil {
			return cl
		}
	}
	return c.fallback
}

func drain(resp *http.Response) []byte {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return body
}
