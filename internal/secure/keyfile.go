package secure

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// EncryptionKeyEnv is checked before any configured key material.
const EncryptionKeyEnv = "KEYPOOL_ENCRYPTION_KEY"

// LoadKey resolves the at-rest encryption key. Resolution order: environment,
// configured hex string, key file next to the database. When nothing is found
// a fresh key is generated and persisted to keyFile with mode 0600.
func LoadKey(configured, keyFile string) ([]byte, error) {
	if v := strings.TrimSpace(os.Getenv(EncryptionKeyEnv)); v != "" {
		return decodeKeyHex(v, "environment")
	}
	if v := strings.TrimSpace(configured); v != "" {
		return decodeKeyHex(v, "config")
	}

	if data, err := os.ReadFile(keyFile); err == nil {
		return decodeKeyHex(strings.TrimSpace(string(data)), keyFile)
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyFile), 0o755); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(keyFile, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("persist encryption key: %w", err)
	}
	log.WithField("path", keyFile).Info("generated new encryption key")
	return key, nil
}

func decodeKeyHex(v, source string) ([]byte, error) {
	key, err := hex.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("encryption key from %s is not valid hex: %w", source, err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("encryption key from %s must be %d hex chars", source, keySize*2)
	}
	return key, nil
}
