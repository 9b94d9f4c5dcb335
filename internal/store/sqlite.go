package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore persists the request log.
type SQLiteStore struct {
	db *sql.DB
}

// New opens (or creates) the database and initializes the schema.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteStore) Close() error                   { return s.db.Close() }

// InsertRequestLog appends one row.
func (s *SQLiteStore) InsertRequestLog(ctx context.Context, l *RequestLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_log (request_id, account_id, dialect, model, stream,
			input_tokens, output_tokens, status, duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.RequestID, l.AccountID, l.Dialect, l.Model, boolInt(l.Stream),
		l.InputTokens, l.OutputTokens, l.Status, l.DurationMs, l.Error, l.CreatedAt.Unix())
	return err
}

// QueryRequestLogs returns matching rows newest first, plus the total count.
func (s *SQLiteStore) QueryRequestLogs(ctx context.Context, opts RequestLogQuery) ([]*RequestLog, int, error) {
	where, args := buildLogWhere(opts.AccountID, opts.Model)

	var total int
	_ = s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM request_log WHERE %s", where), args...).Scan(&total)

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	fetchArgs := make([]any, len(args))
	copy(fetchArgs, args)
	fetchArgs = append(fetchArgs, limit, opts.Offset)

	query := fmt.Sprintf(`SELECT id, request_id, account_id, dialect, model, stream,
		input_tokens, output_tokens, status, duration_ms, error, created_at
		FROM request_log WHERE %s ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, where)

	rows, err := s.db.QueryContext(ctx, query, fetchArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var logs []*RequestLog
	for rows.Next() {
		l := &RequestLog{}
		var ts int64
		var stream int
		if err := rows.Scan(&l.ID, &l.RequestID, &l.AccountID, &l.Dialect, &l.Model, &stream,
			&l.InputTokens, &l.OutputTokens, &l.Status, &l.DurationMs, &l.Error, &ts); err != nil {
			return nil, 0, err
		}
		l.Stream = stream != 0
		l.CreatedAt = time.Unix(ts, 0).UTC()
		logs = append(logs, l)
	}
	return logs, total, rows.Err()
}

// QueryUsagePeriods aggregates usage for today, yesterday, 3d, 7d and 30d.
func (s *SQLiteStore) QueryUsagePeriods(ctx context.Context) ([]UsagePeriod, error) {
	now := time.Now().UTC()
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	yesterdayStart := todayStart.Add(-24 * time.Hour)

	// Unix truncation would otherwise drop rows logged in the current second,
	// so windows ending at now extend one second past it.
	end := now.Add(time.Second)

	periods := []struct {
		label string
		since time.Time
		until time.Time
	}{
		{"today", todayStart, end},
		{"yesterday", yesterdayStart, todayStart},
		{"3 days", now.Add(-3 * 24 * time.Hour), end},
		{"7 days", now.Add(-7 * 24 * time.Hour), end},
		{"30 days", now.Add(-30 * 24 * time.Hour), end},
	}

	result := make([]UsagePeriod, 0, len(periods))
	for _, p := range periods {
		row := s.db.QueryRowContext(ctx,
			`SELECT COALESCE(COUNT(*),0), COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0)
			FROM request_log WHERE created_at >= ? AND created_at < ?`, p.since.Unix(), p.until.Unix())
		up := UsagePeriod{Label: p.label}
		row.Scan(&up.Requests, &up.InputTokens, &up.OutputTokens)
		result = append(result, up)
	}
	return result, nil
}

// QueryModelUsage returns the 7-day per-model breakdown, busiest models first.
func (s *SQLiteStore) QueryModelUsage(ctx context.Context) ([]ModelUsageRow, error) {
	sevenDaysAgo := time.Now().UTC().Add(-7 * 24 * time.Hour).Unix()
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, COUNT(*), COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0)
		FROM request_log WHERE created_at >= ?
		GROUP BY model ORDER BY SUM(input_tokens + output_tokens) DESC`, sevenDaysAgo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ModelUsageRow
	for rows.Next() {
		var m ModelUsageRow
		rows.Scan(&m.Model, &m.Requests, &m.InputTokens, &m.OutputTokens)
		result = append(result, m)
	}
	return result, rows.Err()
}

// PurgeOldLogs deletes rows older than the cutoff.
func (s *SQLiteStore) PurgeOldLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM request_log WHERE created_at < ?", before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RunPurge deletes expired rows daily until ctx is canceled.
func (s *SQLiteStore) RunPurge(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PurgeOldLogs(ctx, time.Now().Add(-retention))
			if err != nil {
				slog.Warn("request log purge failed", "error", err)
			} else if n > 0 {
				slog.Info("purged request logs", "rows", n)
			}
		}
	}
}

func buildLogWhere(accountID, model string) (string, []any) {
	where := "1=1"
	var args []any
	if accountID != "" {
		where += " AND account_id = ?"
		args = append(args, accountID)
	}
	if model != "" {
		where += " AND model = ?"
		args = append(args, model)
	}
	return where, args
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
