// Package janitor deletes daily statistics that have aged out of the
// retention window.
package janitor

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"keypool/internal/store"
)

// Janitor sweeps the statistics store on an interval.
type Janitor struct {
	st            *store.Store
	retentionDays int
	interval      time.Duration
}

// New builds a Janitor.
func New(st *store.Store, retentionDays, intervalMinutes int) *Janitor {
	return &Janitor{
		st:            st,
		retentionDays: retentionDays,
		interval:      time.Duration(intervalMinutes) * time.Minute,
	}
}

// Start sweeps once immediately and then on every interval until ctx ends.
// Sweep failures are logged, never fatal.
func (j *Janitor) Start(ctx context.Context) {
	go func() {
		j.sweep(ctx)
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.sweep(ctx)
			}
		}
	}()
}

func (j *Janitor) sweep(ctx context.Context) {
	deleted, err := j.st.DeleteStatsOlderThan(ctx, j.retentionDays)
	if err != nil {
		log.WithError(err).Warn("statistics cleanup failed")
		return
	}
	log.WithFields(log.Fields{
		"deleted":        deleted,
		"retention_days": j.retentionDays,
	}).Info("statistics cleanup completed")
}
