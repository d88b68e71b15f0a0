package hotcache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keypool/internal/secure"
	"keypool/internal/store"
)

func newFixture(t *testing.T) (*store.Store, *Cache) {
	t.Helper()
	sealer, err := secure.NewSealer(make([]byte, 32))
	require.NoError(t, err)
	st, err := store.Open(filepath.Join(t.TempDir(), "keypool.db"), sealer)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cache := New(st, 60)
	st.AddListener(cache)
	return st, cache
}

func create(t *testing.T, st *store.Store, raw string) *store.Credential {
	t.Helper()
	c, err := st.CreateCredential(context.Background(), secure.Fingerprint(raw), raw, secure.Display(raw))
	require.NoError(t, err)
	return c
}

func ids(creds []*store.Credential) []int64 {
	out := make([]int64, len(creds))
	for i, c := range creds {
		out[i] = c.ID
	}
	return out
}

func TestRefreshIntervalFloor(t *testing.T) {
	_, cache := newFixture(t)
	assert.Equal(t, minRefreshInterval, cache.interval)

	st, _ := newFixture(t)
	c2 := New(st, 300)
	assert.Equal(t, 300*time.Second, c2.interval)
}

func TestAvailableRefreshesOnFirstRead(t *testing.T) {
	st, cache := newFixture(t)
	ctx := context.Background()

	// Created before the first refresh; write-through adds it, and the
	// first read also rebuilds from the store.
	a := create(t, st, "sk-test-credential-000a")

	creds, err := cache.Available(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID}, ids(creds))

	status := cache.Status()
	assert.True(t, status.Cached)
	assert.Equal(t, 1, status.KeyCount)
}

func TestWriteThroughBlockRemovesEagerly(t *testing.T) {
	st, cache := newFixture(t)
	ctx := context.Background()
	a := create(t, st, "sk-test-credential-000a")
	b := create(t, st, "sk-test-credential-000b")

	_, err := cache.Available(ctx)
	require.NoError(t, err)

	until := time.Now().Add(time.Hour)
	require.NoError(t, st.SetBlockedUntil(ctx, a.ID, &until))

	creds, err := cache.Available(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{b.ID}, ids(creds))
}

func TestWriteThroughCreateAddsEagerly(t *testing.T) {
	st, cache := newFixture(t)
	ctx := context.Background()
	create(t, st, "sk-test-credential-000a")

	_, err := cache.Available(ctx)
	require.NoError(t, err)

	b := create(t, st, "sk-test-credential-000b")
	creds, err := cache.Available(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids(creds), b.ID)
}

func TestWriteThroughDeleteRemovesEagerlyWithStats(t *testing.T) {
	st, cache := newFixture(t)
	ctx := context.Background()
	a := create(t, st, "sk-test-credential-000a")
	require.NoError(t, st.IncrementCallCount(ctx, a.ID, "10.0.0.0/24"))

	_, err := cache.Available(ctx)
	require.NoError(t, err)
	calls, _ := cache.StatFor(a.ID)
	assert.Equal(t, int64(1), calls)

	require.NoError(t, st.DeleteCredential(ctx, a.ID))
	creds, err := cache.Available(ctx)
	require.NoError(t, err)
	assert.Empty(t, creds)
	calls, throttles := cache.StatFor(a.ID)
	assert.Zero(t, calls)
	assert.Zero(t, throttles)
}

func TestResetRestoresAvailability(t *testing.T) {
	st, cache := newFixture(t)
	ctx := context.Background()
	a := create(t, st, "sk-test-credential-000a")

	_, err := cache.Available(ctx)
	require.NoError(t, err)

	until := time.Now().Add(time.Hour)
	require.NoError(t, st.SetBlockedUntil(ctx, a.ID, &until))
	creds, err := cache.Available(ctx)
	require.NoError(t, err)
	assert.Empty(t, creds)

	// Counter reset on success clears the deadline and re-adds eagerly.
	require.NoError(t, st.ResetCounters(ctx, a.ID))
	creds, err = cache.Available(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID}, ids(creds))
}

func TestStatWriteThrough(t *testing.T) {
	st, cache := newFixture(t)
	ctx := context.Background()
	a := create(t, st, "sk-test-credential-000a")

	_, err := cache.Available(ctx)
	require.NoError(t, err)

	require.NoError(t, st.IncrementCallCount(ctx, a.ID, "10.0.0.0/24"))
	require.NoError(t, st.IncrementThrottleCount(ctx, a.ID))
	require.NoError(t, st.IncrementThrottleCount(ctx, a.ID))

	calls, throttles := cache.StatFor(a.ID)
	assert.Equal(t, int64(1), calls)
	assert.Equal(t, int64(2), throttles)
}

func TestOrderStableBetweenRefreshes(t *testing.T) {
	st, cache := newFixture(t)
	ctx := context.Background()
	for _, raw := range []string{
		"sk-test-credential-000a",
		"sk-test-credential-000b",
		"sk-test-credential-000c",
		"sk-test-credential-000d",
	} {
		create(t, st, raw)
	}

	first, err := cache.Available(ctx)
	require.NoError(t, err)
	second, err := cache.Available(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids(first), ids(second))
}

func TestDateRolloverRebuilds(t *testing.T) {
	st, cache := newFixture(t)
	ctx := context.Background()
	create(t, st, "sk-test-credential-000a")

	_, err := cache.Available(ctx)
	require.NoError(t, err)
	before := cache.Status()

	// Pretend the civil day advanced: a read must rebuild.
	cache.nowFn = func() time.Time { return time.Now().Add(48 * time.Hour) }
	_, err = cache.Available(ctx)
	require.NoError(t, err)

	after := cache.Status()
	assert.True(t, after.Cached)
	assert.NotEqual(t, before.Age, after.Age)
	assert.Equal(t, store.CivilDate(cache.nowFn()), cache.date)
}
