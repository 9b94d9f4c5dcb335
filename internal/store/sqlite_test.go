package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedLog(t *testing.T, s *SQLiteStore, accountID, model string, age time.Duration) {
	t.Helper()
	err := s.InsertRequestLog(context.Background(), &RequestLog{
		RequestID:    "req-1",
		AccountID:    accountID,
		Dialect:      "openai",
		Model:        model,
		InputTokens:  10,
		OutputTokens: 5,
		Status:       200,
		DurationMs:   120,
		CreatedAt:    time.Now().Add(-age),
	})
	require.NoError(t, err)
}

func TestInsertAndQueryRequestLogs(t *testing.T) {
	s := newTestStore(t)
	seedLog(t, s, "account-1", "gemini-3-flash", 0)
	seedLog(t, s, "account-2", "claude-sonnet-4-5", 0)

	logs, total, err := s.QueryRequestLogs(context.Background(), RequestLogQuery{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, logs, 2)

	logs, total, err = s.QueryRequestLogs(context.Background(), RequestLogQuery{AccountID: "account-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, logs, 1)
	assert.Equal(t, "gemini-3-flash", logs[0].Model)
	assert.Equal(t, 10, logs[0].InputTokens)

	logs, _, err = s.QueryRequestLogs(context.Background(), RequestLogQuery{Model: "claude-sonnet-4-5"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "account-2", logs[0].AccountID)
}

func TestQueryUsagePeriods(t *testing.T) {
	s := newTestStore(t)
	seedLog(t, s, "account-1", "m", 0)
	seedLog(t, s, "account-1", "m", 5*24*time.Hour)

	periods, err := s.QueryUsagePeriods(context.Background())
	require.NoError(t, err)
	require.Len(t, periods, 5)

	byLabel := map[string]UsagePeriod{}
	for _, p := range periods {
		byLabel[p.Label] = p
	}
	assert.Equal(t, int64(1), byLabel["today"].Requests)
	assert.Equal(t, int64(2), byLabel["30 days"].Requests)
	assert.Equal(t, int64(20), byLabel["30 days"].InputTokens)
}

func TestQueryModelUsage(t *testing.T) {
	s := newTestStore(t)
	seedLog(t, s, "account-1", "gemini-3-flash", 0)
	seedLog(t, s, "account-1", "gemini-3-flash", time.Hour)
	seedLog(t, s, "account-1", "claude-sonnet-4-5", 0)

	usage, err := s.QueryModelUsage(context.Background())
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.Equal(t, "gemini-3-flash", usage[0].Model)
	assert.Equal(t, int64(2), usage[0].Requests)
}

func TestPurgeOldLogs(t *testing.T) {
	s := newTestStore(t)
	seedLog(t, s, "account-1", "m", 0)
	seedLog(t, s, "account-1", "m", 48*time.Hour)

	n, err := s.PurgeOldLogs(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, total, err := s.QueryRequestLogs(context.Background(), RequestLogQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}
