package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yansir/ag-relayer/internal/account"
	"github.com/yansir/ag-relayer/internal/config"
)

type fakeQuota map[string]struct {
	fraction  float64
	exhausted bool
}

func (f fakeQuota) Fraction(accountID, model string) (float64, bool, bool) {
	entry, ok := f[accountID+"/"+model]
	return entry.fraction, entry.exhausted, ok
}

func newPool(t *testing.T, n int) *account.Store {
	t.Helper()
	store := account.NewStore(time.Minute, nil)
	for i := 0; i < n; i++ {
		store.Add(config.Credential{
			Email:       string(rune('a'+i)) + "@example.com",
			AccessToken: "tok",
			ExpiryDate:  time.Now().Add(time.Hour).UnixMilli(),
		})
	}
	return store
}

func TestPickReturnsNilOnEmptyPool(t *testing.T) {
	s := New(account.NewStore(time.Minute, nil), nil)
	assert.Nil(t, s.Pick("gemini-3-flash"))
}

func TestPickPrefersNeverUsedAccounts(t *testing.T) {
	store := newPool(t, 2)
	store.MarkSuccess("account-1")

	s := New(store, nil)
	picked := s.Pick("")
	require.NotNil(t, picked)
	assert.Equal(t, "account-2", picked.ID)
}

func TestPickPrefersHigherQuota(t *testing.T) {
	store := newPool(t, 2)
	// Both used once so the never-used bonus does not dominate.
	store.MarkSuccess("account-1")
	store.MarkSuccess("account-2")

	quota := fakeQuota{
		"account-1/claude-sonnet-4-5": {fraction: 0.1},
		"account-2/claude-sonnet-4-5": {fraction: 0.9},
	}
	s := New(store, quota)
	picked := s.Pick("claude-sonnet-4-5")
	require.NotNil(t, picked)
	assert.Equal(t, "account-2", picked.ID)
}

func TestPickAvoidsExhaustedAccounts(t *testing.T) {
	store := newPool(t, 2)
	store.MarkSuccess("account-1")
	store.MarkSuccess("account-2")

	quota := fakeQuota{
		"account-1/m": {fraction: 1.0, exhausted: false},
		"account-2/m": {fraction: 0.005, exhausted: true},
	}
	s := New(store, quota)

	picked := s.Pick("m")
	require.NotNil(t, picked)
	assert.Equal(t, "account-1", picked.ID)
}

func TestPickSkipsCoolingAccounts(t *testing.T) {
	store := newPool(t, 2)
	store.MarkCooldown("account-1")

	s := New(store, nil)
	picked := s.Pick("")
	require.NotNil(t, picked)
	assert.Equal(t, "account-2", picked.ID)
}

func TestPickTiesKeepInsertionOrder(t *testing.T) {
	store := newPool(t, 3)
	s := New(store, nil)

	picked := s.Pick("")
	require.NotNil(t, picked)
	assert.Equal(t, "account-1", picked.ID)
}

func TestScoreRecencyComponent(t *testing.T) {
	s := New(nil, nil)
	now := time.Now()
	s.now = func() time.Time { return now }

	neverUsed := &account.Account{}
	assert.InDelta(t, 4000, s.score(neverUsed, ""), 0.001)

	idle30m := now.Add(-30 * time.Minute)
	assert.InDelta(t, 1800, s.score(&account.Account{LastUsedAt: &idle30m}, ""), 1)

	// The idle bonus saturates at one hour.
	idle5h := now.Add(-5 * time.Hour)
	assert.InDelta(t, 3600, s.score(&account.Account{LastUsedAt: &idle5h}, ""), 1)
}

func TestScoreUsageAndQuotaComponents(t *testing.T) {
	now := time.Now()
	s := New(nil, fakeQuota{"account-1/m": {fraction: 0.5, exhausted: false}})
	s.now = func() time.Time { return now }

	acct := &account.Account{ID: "account-1", Requests: 100, LastUsedAt: &now}
	// 1000*0.5 quota, -10 usage, 0 idle.
	assert.InDelta(t, 490, s.score(acct, "m"), 1)

	s.quota = fakeQuota{"account-1/m": {fraction: 0.005, exhausted: true}}
	// 1000*0.005 - 5000 - 10.
	assert.InDelta(t, -5005, s.score(acct, "m"), 1)

	// Unknown model contributes no quota component.
	assert.InDelta(t, -10, s.score(acct, "other"), 1)
}
