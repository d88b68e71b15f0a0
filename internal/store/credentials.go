package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// TransientID marks a presented credential that is not (yet) pool-resident.
const TransientID int64 = -1

// Credential is a pool member. Material is held decrypted in memory; the
// store seals it before it touches disk.
type Credential struct {
	ID           int64
	Fingerprint  string
	Material     string
	Display      string
	BlockedUntil *time.Time
	AuthFailures int
	Throttles    int
	LastSuccess  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Resident reports whether the credential is persisted in the pool.
func (c *Credential) Resident() bool {
	return c.ID != TransientID
}

// Blocked reports whether the credential's block deadline is in the future.
// Deadlines are never auto-cleared; reads re-evaluate against current time.
func (c *Credential) Blocked(now time.Time) bool {
	return c.BlockedUntil != nil && c.BlockedUntil.After(now)
}

const credentialColumns = "id, fingerprint, material, display, blocked_until, auth_failures, throttles, last_success, created_at, updated_at"

func (s *Store) scanCredential(row interface{ Scan(...any) error }) (*Credential, error) {
	var (
		c           Credential
		sealed      string
		blockedUnix sql.NullInt64
		successUnix sql.NullInt64
		createdUnix int64
		updatedUnix int64
	)
	if err := row.Scan(&c.ID, &c.Fingerprint, &sealed, &c.Display, &blockedUnix, &c.AuthFailures, &c.Throttles, &successUnix, &createdUnix, &updatedUnix); err != nil {
		return nil, err
	}
	material, err := s.sealer.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("unseal credential %d: %w", c.ID, err)
	}
	c.Material = material
	if blockedUnix.Valid {
		t := time.Unix(blockedUnix.Int64, 0).UTC()
		c.BlockedUntil = &t
	}
	if successUnix.Valid {
		t := time.Unix(successUnix.Int64, 0).UTC()
		c.LastSuccess = &t
	}
	c.CreatedAt = time.Unix(createdUnix, 0).UTC()
	c.UpdatedAt = time.Unix(updatedUnix, 0).UTC()
	return &c, nil
}

// CreateCredential inserts a new record, sealing material at rest.
func (s *Store) CreateCredential(ctx context.Context, fingerprint, material, display string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(ctx, fingerprint, material, display)
}

// CreateCredentialIfCapacity atomically checks the pool size against max and
// inserts only when strictly below it. The second return reports whether the
// insert happened; (nil, false, nil) means the pool was at capacity.
func (s *Store) CreateCredentialIfCapacity(ctx context.Context, fingerprint, material, display string, max int) (*Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM credentials").Scan(&count); err != nil {
		return nil, false, fmt.Errorf("count credentials: %w", err)
	}
	if count >= max {
		return nil, false, nil
	}
	c, err := s.createLocked(ctx, fingerprint, material, display)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func (s *Store) createLocked(ctx context.Context, fingerprint, material, display string) (*Credential, error) {
	sealed, err := s.sealer.Seal(material)
	if err != nil {
		return nil, fmt.Errorf("seal credential: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO credentials (fingerprint, material, display, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		fingerprint, sealed, display, now.Unix(), now.Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("insert credential: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("read insert id: %w", err)
	}
	c := &Credential{
		ID:          id,
		Fingerprint: fingerprint,
		Material:    material,
		Display:     display,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.notify(func(l Listener) { l.CredentialCreated(c) })
	return c, nil
}

// GetCredential returns the record with the given id, or ErrNotFound.
func (s *Store) GetCredential(ctx context.Context, id int64) (*Credential, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+credentialColumns+" FROM credentials WHERE id = ?", id)
	c, err := s.scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

// GetCredentialByFingerprint returns the record with the given fingerprint,
// or ErrNotFound.
func (s *Store) GetCredentialByFingerprint(ctx context.Context, fingerprint string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+credentialColumns+" FROM credentials WHERE fingerprint = ?", fingerprint)
	c, err := s.scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

// ListAvailable returns all records whose block deadline is absent or has
// passed as of now.
func (s *Store) ListAvailable(ctx context.Context, now time.Time) ([]*Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+credentialColumns+" FROM credentials WHERE blocked_until IS NULL OR blocked_until <= ?", now.Unix())
	if err != nil {
		return nil, fmt.Errorf("list available credentials: %w", err)
	}
	defer rows.Close()

	var out []*Credential
	for rows.Next() {
		c, err := s.scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return out, nil
}

// Count returns the number of persisted credentials.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM credentials").Scan(&n)
	return n, err
}

// SetBlockedUntil sets or clears the block deadline.
func (s *Store) SetBlockedUntil(ctx context.Context, id int64, until *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var unix any
	if until != nil {
		unix = until.Unix()
	}
	if err := s.exec(ctx, "UPDATE credentials SET blocked_until = ?, updated_at = ? WHERE id = ?", unix, time.Now().Unix(), id); err != nil {
		return err
	}
	if until != nil {
		u := *until
		s.notify(func(l Listener) { l.CredentialBlocked(id, u) })
	} else if c, err := s.getLocked(ctx, id); err == nil {
		s.notify(func(l Listener) { l.CredentialUpdated(c) })
	}
	return nil
}

// IncrementAuthFailures bumps the consecutive auth failure counter and
// returns the new value.
func (s *Store) IncrementAuthFailures(ctx context.Context, id int64) (int, error) {
	return s.incrementCounter(ctx, id, "auth_failures")
}

// IncrementThrottles bumps the consecutive throttle counter and returns the
// new value.
func (s *Store) IncrementThrottles(ctx context.Context, id int64) (int, error) {
	return s.incrementCounter(ctx, id, "throttles")
}

func (s *Store) incrementCounter(ctx context.Context, id int64, column string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.exec(ctx, "UPDATE credentials SET "+column+" = "+column+" + 1, updated_at = ? WHERE id = ?", time.Now().Unix(), id); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT "+column+" FROM credentials WHERE id = ?", id).Scan(&n); err != nil {
		return 0, fmt.Errorf("read %s: %w", column, err)
	}
	if c, err := s.getLocked(ctx, id); err == nil {
		s.notify(func(l Listener) { l.CredentialUpdated(c) })
	}
	return n, nil
}

// ResetCounters zeroes both consecutive counters, clears the block deadline
// and records the success timestamp.
func (s *Store) ResetCounters(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if err := s.exec(ctx,
		"UPDATE credentials SET auth_failures = 0, throttles = 0, blocked_until = NULL, last_success = ?, updated_at = ? WHERE id = ?",
		now.Unix(), now.Unix(), id); err != nil {
		return err
	}
	if c, err := s.getLocked(ctx, id); err == nil {
		s.notify(func(l Listener) { l.CredentialUpdated(c) })
	}
	return nil
}

// DeleteCredential removes a record; daily statistics cascade.
func (s *Store) DeleteCredential(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.exec(ctx, "DELETE FROM credentials WHERE id = ?", id); err != nil {
		return err
	}
	s.notify(func(l Listener) { l.CredentialDeleted(id) })
	return nil
}

// DeleteCredentialByFingerprint removes a record by its fingerprint.
func (s *Store) DeleteCredentialByFingerprint(ctx context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.getByFingerprintLocked(ctx, fingerprint)
	if err != nil {
		return err
	}
	if err := s.exec(ctx, "DELETE FROM credentials WHERE id = ?", c.ID); err != nil {
		return err
	}
	s.notify(func(l Listener) { l.CredentialDeleted(c.ID) })
	return nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) getLocked(ctx context.Context, id int64) (*Credential, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+credentialColumns+" FROM credentials WHERE id = ?", id)
	c, err := s.scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *Store) getByFingerprintLocked(ctx context.Context, fingerprint string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+credentialColumns+" FROM credentials WHERE fingerprint = ?", fingerprint)
	c, err := s.scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}
