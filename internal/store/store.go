// Package store persists credential records and per-day statistics in a
// process-exclusive SQLite database. All mutations run under a single writer
// mutex and are published to registered listeners so the hot cache can apply
// write-through updates.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"keypool/internal/secure"
)

var (
	// ErrDuplicate is returned when a fingerprint already exists.
	ErrDuplicate = errors.New("credential already exists")
	// ErrNotFound is returned when a credential cannot be located.
	ErrNotFound = errors.New("credential not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	fingerprint    TEXT    NOT NULL UNIQUE,
	material       TEXT    NOT NULL,
	display        TEXT    NOT NULL,
	blocked_until  INTEGER,
	auth_failures  INTEGER NOT NULL DEFAULT 0,
	throttles      INTEGER NOT NULL DEFAULT 0,
	last_success   INTEGER,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credentials_fingerprint ON credentials(fingerprint);

CREATE TABLE IF NOT EXISTS daily_stats (
	credential_id  INTEGER NOT NULL REFERENCES credentials(id) ON DELETE CASCADE,
	date           TEXT    NOT NULL,
	call_count     INTEGER NOT NULL DEFAULT 0,
	throttle_count INTEGER NOT NULL DEFAULT 0,
	last_subnet    TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (credential_id, date)
);
CREATE INDEX IF NOT EXISTS idx_daily_stats_date ON daily_stats(date);
`

// Listener receives store mutations for write-through caching. Callbacks run
// synchronously under the writer mutex, so the mutation happens-before any
// later snapshot read.
type Listener interface {
	CredentialCreated(c *Credential)
	// CredentialUpdated fires for counter and last-success changes that keep
	// or restore availability (including counter reset on success).
	CredentialUpdated(c *Credential)
	CredentialBlocked(id int64, until time.Time)
	CredentialDeleted(id int64)
	StatUpdated(s *DailyStat)
}

// Store owns the SQLite database and the at-rest sealer.
type Store struct {
	db     *sql.DB
	sealer *secure.Sealer

	// mu serializes all mutations: the state machine's effects on a single
	// credential must be serializable, and fused count+insert relies on it.
	mu        sync.Mutex
	listeners []Listener
}

// Open opens (creating if needed) the database at path with WAL journaling
// and foreign-key cascades enabled.
func Open(path string, sealer *secure.Sealer) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY between the pool's writers.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	log.WithField("path", path).Info("credential store opened")
	return &Store{db: db, sealer: sealer}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Health verifies the database connection.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AddListener registers a write-through listener. Registration happens at
// wiring time, before traffic; it is not synchronized against mutations.
func (s *Store) AddListener(l Listener) {
	s.listeners = append(s.listeners, l)
}

func (s *Store) notify(fn func(Listener)) {
	for _, l := range s.listeners {
		fn(l)
	}
}
