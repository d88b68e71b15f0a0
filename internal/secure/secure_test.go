package secure

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("sk-test-credential-0001")
	b := Fingerprint("sk-test-credential-0001")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, Fingerprint("sk-test-credential-0002"))
}

func TestDisplay(t *testing.T) {
	assert.Equal(t, "abcd..", Display("abcdefgh"))
	assert.Equal(t, "ab..", Display("ab"))
	assert.Equal(t, "sk-a..wxyz", Display("sk-abc123456789wxyz"))
}

func TestSealRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	s, err := NewSealer(key)
	require.NoError(t, err)

	for _, plain := range []string{"sk-short-key-0123", "sk-" + strings.Repeat("x", 200)} {
		sealed, err := s.Seal(plain)
		require.NoError(t, err)
		assert.Len(t, strings.Split(sealed, ":"), 3)

		got, err := s.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, plain, got)
	}

	// Distinct nonces mean distinct ciphertexts for the same plaintext.
	a, _ := s.Seal("same")
	b, _ := s.Seal("same")
	assert.NotEqual(t, a, b)
}

func TestOpenRejectsTampering(t *testing.T) {
	key := make([]byte, 32)
	s, err := NewSealer(key)
	require.NoError(t, err)

	sealed, err := s.Seal("payload")
	require.NoError(t, err)

	_, err = s.Open("not-three-parts")
	assert.ErrorIs(t, err, ErrMalformedCiphertext)

	parts := strings.Split(sealed, ":")
	_, err = s.Open(parts[0] + ":" + parts[1] + ":AAAA")
	assert.ErrorIs(t, err, ErrMalformedCiphertext)
}

func TestLoadKeyGeneratesAndPersists(t *testing.T) {
	t.Setenv(EncryptionKeyEnv, "")
	path := filepath.Join(t.TempDir(), "keypool.key")

	key, err := LoadKey("", path)
	require.NoError(t, err)
	assert.Len(t, key, 32)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// Second load reads the same key back.
	again, err := LoadKey("", path)
	require.NoError(t, err)
	assert.Equal(t, key, again)
}

func TestLoadKeyEnvWins(t *testing.T) {
	t.Setenv(EncryptionKeyEnv, strings.Repeat("ab", 32))
	key, err := LoadKey(strings.Repeat("cd", 32), filepath.Join(t.TempDir(), "unused.key"))
	require.NoError(t, err)
	assert.Equal(t, byte(0xab), key[0])
}
