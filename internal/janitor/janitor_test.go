package janitor

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

func TestSweepDeletesAgedStats(t *testing.T) {
	sealer, err := secure.NewSealer(make([]byte, 32))
	require.NoError(t, err)
	st, err := store.Open(filepath.Join(t.TempDir(), "keypool.db"), sealer)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	raw := "sk-test-credential-0001"
	c, err := st.CreateCredential(ctx, secure.Fingerprint(raw), raw, secure.Display(raw))
	require.NoError(t, err)

	require.NoError(t, st.IncrementCallCount(ctx, c.ID, "10.0.0.0/24"))

	j := New(st, 30, 60)
	j.sweep(ctx)

	// Today's row is inside the retention window.
	stat, err := st.GetTodayStat(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stat.CallCount)
}

func TestStartRespectsContext(t *testing.T) {
	sealer, err := secure.NewSealer(make([]byte, 32))
	require.NoError(t, err)
	st, err := store.Open(filepath.Join(t.TempDir(), "keypool.db"), sealer)
	require.NoError(t, err)
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	New(st, 30, 60).Start(ctx)
	cancel()
	// Nothing to assert beyond "does not block or panic".
	time.Sleep(10 * time.Millisecond)
}
