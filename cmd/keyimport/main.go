// Command keyimport bulk-loads credentials into the pool from a file or
// stdin, one per line. Lines failing validation or already present are
// skipped, not fatal.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"keypool/internal/config"
	"keypool/internal/secure"
	"keypool/internal/store"
	"keypool/internal/validator"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	input := flag.String("input", "-", "Credentials file, one per line; - for stdin")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := config.NewManager(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	current := cfg.Get()

	keyFile := filepath.Join(filepath.Dir(current.Database.Path), "keypool.key")
	key, err := secure.LoadKey(current.EncryptionKey, keyFile)
	if err != nil {
		log.WithError(err).Fatal("failed to resolve encryption key")
	}
	sealer, err := secure.NewSealer(key)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize sealer")
	}
	st, err := store.Open(current.Database.Path, sealer)
	if err != nil {
		log.WithError(err).Fatal("failed to open credential store")
	}
	defer st.Close()

	var reader io.Reader = os.Stdin
	if *input != "-" {
		file, err := os.Open(*input)
		if err != nil {
			log.WithError(err).Fatal("failed to open input")
		}
		defer file.Close()
		reader = file
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var imported, skipped, invalid int
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		if err := validator.ValidateForImport(raw); err != nil {
			log.WithError(err).WithField("key", secure.Display(raw)).Warn("skipping invalid credential")
			invalid++
			continue
		}
		_, created, err := st.CreateCredentialIfCapacity(ctx, secure.Fingerprint(raw), raw, secure.Display(raw), current.Database.MaxKeys)
		switch {
		case errors.Is(err, store.ErrDuplicate):
			log.WithField("key", secure.Display(raw)).Debug("already in pool")
			skipped++
		case err != nil:
			log.WithError(err).WithField("key", secure.Display(raw)).Error("import failed")
		case !created:
			log.WithField("max_keys", current.Database.MaxKeys).Fatal("pool at capacity, stopping import")
		default:
			imported++
		}
	}
	if err := scanner.Err(); err != nil {
		log.WithError(err).Fatal("failed to read input")
	}

	log.WithFields(log.Fields{
		"imported": imported,
		"skipped":  skipped,
		"invalid":  invalid,
	}).Info("import complete")
}
