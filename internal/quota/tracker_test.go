package quota

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yansir/ag-relayer/internal/account"
	"github.com/yansir/ag-relayer/internal/config"
	"github.com/yansir/ag-relayer/internal/upstream"
)

func newTestTracker(t *testing.T, handler http.HandlerFunc, emails ...string) (*Tracker, *account.Store) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &config.Config{BaseURLs: []string{srv.URL + "/v1internal"}}
	store := account.NewStore(time.Minute, nil)
	for _, email := range emails {
		store.Add(config.Credential{
			Email:       email,
			AccessToken: "tok",
			ExpiryDate:  time.Now().Add(time.Hour).UnixMilli(),
			ProjectID:   "proj",
		})
	}
	tokens := account.NewTokenManager(store, cfg, nil, nil)
	client := upstream.NewClient(cfg, store, tokens, nil)
	return NewTracker(client, store, nil, nil), store
}

func TestRefreshUpsertsQuotaEntries(t *testing.T) {
	tracker, _ := newTestTracker(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":{
			"claude-sonnet-4-5":{"quotaInfo":{"remainingFraction":0.8,"resetTime":"2026-08-24T12:00:00Z"}},
			"gemini-3-flash":{"quotaInfo":{"remainingFraction":0.005}},
			"no-quota-model":{}
		}}`))
	}, "one@example.com")

	require.NoError(t, tracker.Refresh(context.Background(), "account-1"))

	entry, ok := tracker.Lookup("account-1", "claude-sonnet-4-5")
	require.True(t, ok)
	assert.Equal(t, StatusAvailable, entry.Status)
	assert.InDelta(t, 0.8, entry.RemainingFraction, 1e-9)
	require.NotNil(t, entry.ResetTime)
	assert.Equal(t, 2026, entry.ResetTime.Year())

	entry, ok = tracker.Lookup("account-1", "gemini-3-flash")
	require.True(t, ok)
	assert.Equal(t, StatusExhausted, entry.Status)

	_, ok = tracker.Lookup("account-1", "no-quota-model")
	assert.False(t, ok)
}

func TestRefreshClassifiesThresholdAsExhausted(t *testing.T) {
	tracker, _ := newTestTracker(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":{
			"at-threshold":{"quotaInfo":{"remainingFraction":0.01}},
			"just-above":{"quotaInfo":{"remainingFraction":0.011}}
		}}`))
	}, "one@example.com")
	require.NoError(t, tracker.Refresh(context.Background(), "account-1"))

	entry, ok := tracker.Lookup("account-1", "at-threshold")
	require.True(t, ok)
	assert.Equal(t, StatusExhausted, entry.Status)

	entry, ok = tracker.Lookup("account-1", "just-above")
	require.True(t, ok)
	assert.Equal(t, StatusAvailable, entry.Status)
}

func TestFractionView(t *testing.T) {
	tracker, _ := newTestTracker(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":{"m":{"quotaInfo":{"remainingFraction":0.5}}}}`))
	}, "one@example.com")
	require.NoError(t, tracker.Refresh(context.Background(), "account-1"))

	fraction, exhausted, ok := tracker.Fraction("account-1", "m")
	assert.True(t, ok)
	assert.False(t, exhausted)
	assert.InDelta(t, 0.5, fraction, 1e-9)

	_, _, ok = tracker.Fraction("account-1", "unknown")
	assert.False(t, ok)
}

func TestRefreshAllIgnoresIndividualFailures(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	tracker, store := newTestTracker(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			http.Error(w, "boom", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"models":{"m":{"quotaInfo":{"remainingFraction":1}}}}`))
	}, "one@example.com", "two@example.com")

	tracker.RefreshAll(context.Background())

	snap := tracker.Snapshot(store.List())
	require.Len(t, snap, 2)

	populated := 0
	for _, aq := range snap {
		if len(aq.Models) > 0 {
			populated++
			require.NotNil(t, aq.LastFetchedAt)
		}
	}
	assert.Equal(t, 1, populated)
}

func TestSnapshotSortsModels(t *testing.T) {
	tracker, store := newTestTracker(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":{
			"zeta":{"quotaInfo":{"remainingFraction":1}},
			"alpha":{"quotaInfo":{"remainingFraction":0.2}}
		}}`))
	}, "one@example.com")
	require.NoError(t, tracker.Refresh(context.Background(), "account-1"))

	snap := tracker.Snapshot(store.List())
	require.Len(t, snap, 1)
	require.Len(t, snap[0].Models, 2)
	assert.Equal(t, "alpha", snap[0].Models[0].Model)
	assert.Equal(t, "zeta", snap[0].Models[1].Model)
}
