package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yansir/ag-relayer/internal/config"
	"github.com/yansir/ag-relayer/internal/events"
)

// Refresh this far before expiry.
const refreshBuffer = 5 * time.Minute

// ErrTokenRefresh wraps any failure to obtain a fresh access token.
var ErrTokenRefresh = errors.New("token refresh failed")

// HTTPTransportProvider supplies per-account transports for proxied egress.
type HTTPTransportProvider interface {
	GetHTTPTransport(acct *Account) *http.Transport
}

// TokenManager refreshes OAuth access tokens. Concurrent refreshes for the
// same account collapse into one flight.
type TokenManager struct {
	store     *Store
	cfg       *config.Config
	client    *http.Client
	transport HTTPTransportProvider
	bus       *events.Bus
	group     singleflight.Group
}

func NewTokenManager(s *Store, cfg *config.Config, tp HTTPTransportProvider, bus *events.Bus) *TokenManager {
	return &TokenManager{
		store:     s,
		cfg:       cfg,
		client:    &http.Client{Timeout: 30 * time.Second},
		transport: tp,
		bus:       bus,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// EnsureValidToken returns a usable access token for the account, refreshing
// first when the token expires within the buffer window.
func (tm *TokenManager) EnsureValidToken(ctx context.Context, accountID string) (string, error) {
	acct, ok := tm.store.Get(accountID)
	if !ok {
		return "", fmt.Errorf("unknown account %s", accountID)
	}

	if acct.AccessToken != "" && time.Now().Add(refreshBuffer).UnixMilli() < acct.ExpiresAt {
		return acct.AccessToken, nil
	}

	return tm.refresh(ctx, accountID)
}

// ForceRefresh refreshes regardless of the cached expiry. Used after an
// upstream 401.
func (tm *TokenManager) ForceRefresh(ctx context.Context, accountID string) (string, error) {
	return tm.refresh(ctx, accountID)
}

func (tm *TokenManager) refresh(ctx context.Context, accountID string) (string, error) {
	v, err, shared := tm.group.Do(accountID, func() (any, error) {
		// The flight outlives any single caller's request context.
		flightCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return tm.doRefresh(flightCtx, accountID)
	})
	if err != nil {
		return "", err
	}
	if shared {
		slog.Debug("token refresh shared with concurrent caller", "accountId", accountID)
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return v.(string), nil
}

func (tm *TokenManager) doRefresh(ctx context.Context, accountID string) (string, error) {
	acct, ok := tm.store.Get(accountID)
	if !ok {
		return "", fmt.Errorf("unknown account %s", accountID)
	}
	if acct.RefreshToken == "" {
		tm.store.MarkError(accountID)
		return "", fmt.Errorf("%w: empty refresh token for %s", ErrTokenRefresh, accountID)
	}

	slog.Info("refreshing token", "accountId", accountID)

	resp, err := tm.callOAuthRefresh(ctx, acct)
	if err != nil {
		tm.store.MarkError(accountID)
		return "", fmt.Errorf("%w: %v", ErrTokenRefresh, err)
	}

	expiresAt := time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second).UnixMilli()
	tm.store.UpdateTokens(accountID, resp.AccessToken, resp.RefreshToken, expiresAt)

	slog.Info("token refreshed", "accountId", accountID, "expiresIn", resp.ExpiresIn)
	if tm.bus != nil {
		tm.bus.Publish(events.Event{Type: events.EventRefresh, AccountID: accountID, Message: "access token refreshed"})
	}
	return resp.AccessToken, nil
}

func (tm *TokenManager) callOAuthRefresh(ctx context.Context, acct *Account) (*tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", acct.RefreshToken)
	form.Set("client_id", tm.cfg.OAuthClientID)
	form.Set("client_secret", tm.cfg.OAuthClientSecret)

	req, err := http.NewRequestWithContext(ctx, "POST", tm.cfg.OAuthTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	// Route through the account's proxy when one is configured.
	client := tm.client
	if tm.transport != nil && acct.Proxy != nil {
		if t := tm.transport.GetHTTPTransport(acct); t != nil {
			client = &http.Client{Transport: t, Timeout: 30 * time.Second}
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oauth returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(respBody, &tokenResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("empty access_token in response")
	}
	return &tokenResp, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
