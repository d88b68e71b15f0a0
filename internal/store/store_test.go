package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keypool/internal/secure"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	key := make([]byte, 32)
	sealer, err := secure.NewSealer(key)
	require.NoError(t, err)

	s, err := Open(filepath.Join(t.TempDir(), "keypool.db"), sealer)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreate(t *testing.T, s *Store, raw string) *Credential {
	t.Helper()
	c, err := s.CreateCredential(context.Background(), secure.Fingerprint(raw), raw, secure.Display(raw))
	require.NoError(t, err)
	return c
}

func TestCreateAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	raw := "sk-test-credential-0001"
	c := mustCreate(t, s, raw)
	assert.Positive(t, c.ID)
	assert.Equal(t, raw, c.Material)

	byID, err := s.GetCredential(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, raw, byID.Material)
	assert.Equal(t, secure.Fingerprint(raw), byID.Fingerprint)

	byFP, err := s.GetCredentialByFingerprint(ctx, c.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, c.ID, byFP.ID)

	_, err = s.GetCredential(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateDuplicateFingerprint(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "sk-test-credential-0001")

	_, err := s.CreateCredential(context.Background(),
		secure.Fingerprint("sk-test-credential-0001"), "sk-test-credential-0001", "sk-t..0001")
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestBlockingAndAvailability(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	a := mustCreate(t, s, "sk-test-credential-000a")
	b := mustCreate(t, s, "sk-test-credential-000b")

	until := now.Add(10 * time.Minute)
	require.NoError(t, s.SetBlockedUntil(ctx, a.ID, &until))

	avail, err := s.ListAvailable(ctx, now)
	require.NoError(t, err)
	require.Len(t, avail, 1)
	assert.Equal(t, b.ID, avail[0].ID)

	// Past deadlines make the record available again without clearing.
	avail, err = s.ListAvailable(ctx, now.Add(11*time.Minute))
	require.NoError(t, err)
	assert.Len(t, avail, 2)

	got, err := s.GetCredential(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Blocked(now))
	assert.False(t, got.Blocked(now.Add(11*time.Minute)))
}

func TestCountersAndReset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := mustCreate(t, s, "sk-test-credential-0001")

	n, err := s.IncrementAuthFailures(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.IncrementAuthFailures(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.IncrementThrottles(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	until := time.Now().Add(time.Hour)
	require.NoError(t, s.SetBlockedUntil(ctx, c.ID, &until))
	require.NoError(t, s.ResetCounters(ctx, c.ID))

	got, err := s.GetCredential(ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, got.AuthFailures)
	assert.Zero(t, got.Throttles)
	assert.Nil(t, got.BlockedUntil)
	assert.NotNil(t, got.LastSuccess)
}

func TestDeleteCascadesStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := mustCreate(t, s, "sk-test-credential-0001")

	require.NoError(t, s.IncrementCallCount(ctx, c.ID, "10.0.0.0/24"))
	_, err := s.GetTodayStat(ctx, c.ID)
	require.NoError(t, err)

	require.NoError(t, s.DeleteCredential(ctx, c.ID))
	_, err = s.GetCredential(ctx, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetTodayStat(ctx, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateIfCapacityEnforcesCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "sk-test-credential-0001")
	mustCreate(t, s, "sk-test-credential-0002")

	_, created, err := s.CreateCredentialIfCapacity(ctx,
		secure.Fingerprint("sk-test-credential-0003"), "sk-test-credential-0003", "sk-t..0003", 2)
	require.NoError(t, err)
	assert.False(t, created)

	c, created, err := s.CreateCredentialIfCapacity(ctx,
		secure.Fingerprint("sk-test-credential-0003"), "sk-test-credential-0003", "sk-t..0003", 3)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Positive(t, c.ID)
}

func TestCreateIfCapacityConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "sk-test-credential-seed")

	const workers = 8
	const maxPool = 4
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw := fmt.Sprintf("sk-test-credential-%04d", i)
			_, _, err := s.CreateCredentialIfCapacity(ctx, secure.Fingerprint(raw), raw, secure.Display(raw), maxPool)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, maxPool, n)
}

func TestStatsIncrementsNoLostUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := mustCreate(t, s, "sk-test-credential-0001")

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.IncrementCallCount(ctx, c.ID, "192.168.1.0/24"))
		}()
	}
	wg.Wait()

	st, err := s.GetTodayStat(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(n), st.CallCount)
	assert.Equal(t, "192.168.1.0/24", st.LastSubnet)
}

func TestThrottleCountAndRetention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := mustCreate(t, s, "sk-test-credential-0001")

	require.NoError(t, s.IncrementThrottleCount(ctx, c.ID))
	require.NoError(t, s.IncrementThrottleCount(ctx, c.ID))
	st, err := s.GetTodayStat(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.ThrottleCount)

	// Backdate a row beyond the retention window, then sweep.
	old := CivilDate(time.Now().AddDate(0, 0, -40))
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO daily_stats (credential_id, date, call_count) VALUES (?, ?, 5)", c.ID, old)
	require.NoError(t, err)

	deleted, err := s.DeleteStatsOlderThan(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	// Today's row survives.
	_, err = s.GetTodayStat(ctx, c.ID)
	assert.NoError(t, err)
}

type recordingListener struct {
	mu      sync.Mutex
	created []int64
	updated []int64
	blocked []int64
	deleted []int64
	stats   []int64
}

func (r *recordingListener) CredentialCreated(c *Credential) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, c.ID)
}

func (r *recordingListener) CredentialUpdated(c *Credential) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, c.ID)
}

func (r *recordingListener) CredentialBlocked(id int64, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocked = append(r.blocked, id)
}

func (r *recordingListener) CredentialDeleted(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, id)
}

func (r *recordingListener) StatUpdated(s *DailyStat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = append(r.stats, s.CredentialID)
}

func TestListenerNotifications(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := &recordingListener{}
	s.AddListener(rec)

	c := mustCreate(t, s, "sk-test-credential-0001")
	until := time.Now().Add(time.Minute)
	require.NoError(t, s.SetBlockedUntil(ctx, c.ID, &until))
	require.NoError(t, s.ResetCounters(ctx, c.ID))
	require.NoError(t, s.IncrementCallCount(ctx, c.ID, "10.1.2.0/24"))
	require.NoError(t, s.DeleteCredential(ctx, c.ID))

	assert.Equal(t, []int64{c.ID}, rec.created)
	assert.Equal(t, []int64{c.ID}, rec.blocked)
	assert.NotEmpty(t, rec.updated)
	assert.Equal(t, []int64{c.ID}, rec.stats)
	assert.Equal(t, []int64{c.ID}, rec.deleted)
}
