package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// DailyStat is one credential's counters for one UTC civil day.
type DailyStat struct {
	CredentialID  int64
	Date          string // YYYY-MM-DD, UTC
	CallCount     int64
	ThrottleCount int64
	LastSubnet    string
}

// CivilDate formats a time as the UTC civil date used for statistics rows.
func CivilDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// GetStat returns the row for (credential id, date), or ErrNotFound.
func (s *Store) GetStat(ctx context.Context, credentialID int64, date string) (*DailyStat, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT credential_id, date, call_count, throttle_count, last_subnet FROM daily_stats WHERE credential_id = ? AND date = ?",
		credentialID, date)
	var st DailyStat
	err := row.Scan(&st.CredentialID, &st.Date, &st.CallCount, &st.ThrottleCount, &st.LastSubnet)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan daily stat: %w", err)
	}
	return &st, nil
}

// GetTodayStat returns today's row for a credential, or ErrNotFound.
func (s *Store) GetTodayStat(ctx context.Context, credentialID int64) (*DailyStat, error) {
	return s.GetStat(ctx, credentialID, CivilDate(time.Now()))
}

// ListTodayStats returns all of today's rows keyed by credential id.
func (s *Store) ListTodayStats(ctx context.Context) (map[int64]*DailyStat, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT credential_id, date, call_count, throttle_count, last_subnet FROM daily_stats WHERE date = ?",
		CivilDate(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("list today stats: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]*DailyStat)
	for rows.Next() {
		var st DailyStat
		if err := rows.Scan(&st.CredentialID, &st.Date, &st.CallCount, &st.ThrottleCount, &st.LastSubnet); err != nil {
			return nil, fmt.Errorf("scan daily stat: %w", err)
		}
		out[st.CredentialID] = &st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily stats: %w", err)
	}
	return out, nil
}

// IncrementCallCount adds one to today's call count for a credential,
// creating the row lazily, and records the last observed client subnet.
func (s *Store) IncrementCallCount(ctx context.Context, credentialID int64, subnet string) error {
	return s.upsertStat(ctx, credentialID, 1, 0, subnet)
}

// IncrementThrottleCount adds one to today's throttle count for a credential,
// creating the row lazily.
func (s *Store) IncrementThrottleCount(ctx context.Context, credentialID int64) error {
	return s.upsertStat(ctx, credentialID, 0, 1, "")
}

func (s *Store) upsertStat(ctx context.Context, credentialID int64, calls, throttles int64, subnet string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	date := CivilDate(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_stats (credential_id, date, call_count, throttle_count, last_subnet)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(credential_id, date) DO UPDATE SET
			call_count = call_count + excluded.call_count,
			throttle_count = throttle_count + excluded.throttle_count,
			last_subnet = CASE WHEN excluded.last_subnet != '' THEN excluded.last_subnet ELSE last_subnet END`,
		credentialID, date, calls, throttles, subnet)
	if err != nil {
		return fmt.Errorf("upsert daily stat: %w", err)
	}

	st, err := s.GetStat(ctx, credentialID, date)
	if err != nil {
		return err
	}
	s.notify(func(l Listener) { l.StatUpdated(st) })
	return nil
}

// DeleteStatsOlderThan removes statistics whose civil date is more than
// retentionDays before now and returns the number of rows deleted.
func (s *Store) DeleteStatsOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := CivilDate(time.Now().AddDate(0, 0, -retentionDays))
	res, err := s.db.ExecContext(ctx, "DELETE FROM daily_stats WHERE date < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old stats: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.WithFields(log.Fields{"deleted": n, "cutoff": cutoff}).Debug("pruned daily statistics")
	}
	return n, nil
}
