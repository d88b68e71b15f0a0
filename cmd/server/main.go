package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"keypool/internal/balancer"
	"keypool/internal/config"
	"keypool/internal/forwarder"
	"keypool/internal/hotcache"
	"keypool/internal/janitor"
	"keypool/internal/lifecycle"
	"keypool/internal/logging"
	"keypool/internal/proxycache"
	"keypool/internal/secure"
	"keypool/internal/server"
	"keypool/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	cfg, err := config.NewManager(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if *debug {
		cfg.Get().Server.Debug = true
	}
	if err := logging.Setup(cfg.Get()); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}
	log.WithField("config", *configPath).Info("starting keypool")

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

	if err := os.MkdirAll(filepath.Dir(current.Database.Path), 0o755); err != nil {
		log.WithError(err).Fatal("failed to create database directory")
	}
	st, err := store.Open(current.Database.Path, sealer)
	if err != nil {
		log.WithError(err).Fatal("failed to open credential store")
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := hotcache.New(st, current.Stats.CacheExpirySeconds)
	st.AddListener(cache)
	if err := cache.Refresh(ctx); err != nil {
		log.WithError(err).Warn("initial cache refresh failed; will retry on first request")
	}
	cache.Start(ctx)

	if current.Stats.AutoCleanup {
		janitor.New(st, current.Stats.RetentionDays, current.Stats.CleanupIntervalMinutes).Start(ctx)
	}

	if err := cfg.Watch(ctx); err != nil {
		log.WithError(err).Warn("config hot reload unavailable")
	}

	deps := server.Dependencies{
		Store:         st,
		HotCache:      cache,
		Lifecycle:     lifecycle.New(st, current.Blocking, current.Database.MaxKeys),
		Balancer:      balancer.New(),
		Forwarder:     forwarder.New(),
		ResponseCache: proxycache.New(0),
	}
	engine := server.Build(cfg, deps)

	addr := fmt.Sprintf("%s:%d", current.Server.Host, current.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{
			"addr":     addr,
			"provider": current.Server.Provider,
			"tls":      current.SSL.Enabled,
		}).Info("listening")
		if current.SSL.Enabled {
			errCh <- httpServer.ListenAndServeTLS(current.SSL.CertPath, current.SSL.KeyPath)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
		return
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("forced shutdown after drain timeout")
	}
	log.Info("stopped")
}
