// Package hotcache keeps process-local snapshots of the available credential
// set and today's statistics so the hot request path never scans the store.
// It subscribes to store mutations for write-through: blocks, deletes and
// creates apply eagerly; naturally-expired block deadlines only re-enter on
// the next full refresh.
package hotcache

import (
	"context"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"keypool/internal/store"
)

// minRefreshInterval floors the configured refresh interval. The selection
// invariant's one-interval staleness allowance for newly-unblocked records
// assumes this floor; do not tighten it without auditing the unblock paths.
const minRefreshInterval = 60 * time.Second

// Status describes the cache for health reporting.
type Status struct {
	Cached     bool          `json:"cached"`
	Age        time.Duration `json:"-"`
	AgeSeconds float64       `json:"age_seconds"`
	KeyCount   int           `json:"key_count"`
	StatsCount int           `json:"stats_count"`
}

// Cache fronts the store for all hot-path reads.
type Cache struct {
	st       *store.Store
	interval time.Duration
	nowFn    func() time.Time

	mu        sync.RWMutex
	creds     []*store.Credential // shuffled; copy-on-write, never mutated in place
	stats     map[int64]*store.DailyStat
	date      string
	refreshed time.Time

	// refreshMu keeps concurrent stale readers from all scanning the store.
	refreshMu sync.Mutex
}

// New builds a cache refreshing at least every max(refreshSeconds, 60s).
func New(st *store.Store, refreshSeconds int) *Cache {
	interval := time.Duration(refreshSeconds) * time.Second
	if interval < minRefreshInterval {
		interval = minRefreshInterval
	}
	return &Cache{st: st, interval: interval, nowFn: time.Now}
}

// Available returns the current shuffled snapshot of available credentials,
// refreshing synchronously when stale, absent, or on civil-date rollover.
func (c *Cache) Available(ctx context.Context) ([]*store.Credential, error) {
	if err := c.ensureFresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds, nil
}

// StatFor returns today's call and throttle counts for a credential,
// defaulting missing entries to zero.
func (c *Cache) StatFor(id int64) (calls, throttles int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if st, ok := c.stats[id]; ok {
		return st.CallCount, st.ThrottleCount
	}
	return 0, 0
}

// TodayStats refreshes if needed and returns a copy of today's statistics.
func (c *Cache) TodayStats(ctx context.Context) (map[int64]store.DailyStat, error) {
	if err := c.ensureFresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int64]store.DailyStat, len(c.stats))
	for id, st := range c.stats {
		out[id] = *st
	}
	return out, nil
}

// Status reports cache state for the health endpoint.
func (c *Cache) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Status{
		Cached:     !c.refreshed.IsZero(),
		KeyCount:   len(c.creds),
		StatsCount: len(c.stats),
	}
	if s.Cached {
		s.Age = c.nowFn().Sub(c.refreshed)
		s.AgeSeconds = s.Age.Seconds()
	}
	return s
}

// Start refreshes periodically until ctx is cancelled.
func (c *Cache) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Refresh(ctx); err != nil {
					log.WithError(err).Warn("hot cache refresh failed")
				}
			}
		}
	}()
}

func (c *Cache) stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.refreshed.IsZero() {
		return true
	}
	now := c.nowFn()
	return now.Sub(c.refreshed) > c.interval || c.date != store.CivilDate(now)
}

func (c *Cache) ensureFresh(ctx context.Context) error {
	if !c.stale() {
		return nil
	}
	return c.Refresh(ctx)
}

// Refresh rebuilds both snapshots from the store. The available sequence is
// shuffled once per refresh; its order is the selector's source of
// randomness between refreshes.
func (c *Cache) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	// Another caller may have refreshed while we waited for the lock.
	if !c.stale() {
		return nil
	}

	now := c.nowFn()
	creds, err := c.st.ListAvailable(ctx, now)
	if err != nil {
		return err
	}
	stats, err := c.st.ListTodayStats(ctx)
	if err != nil {
		return err
	}

	rand.Shuffle(len(creds), func(i, j int) {
		creds[i], creds[j] = creds[j], creds[i]
	})

	c.mu.Lock()
	c.creds = creds
	c.stats = stats
	c.date = store.CivilDate(now)
	c.refreshed = now
	c.mu.Unlock()

	log.WithFields(log.Fields{"keys": len(creds), "stats": len(stats)}).Debug("hot cache refreshed")
	return nil
}

// CredentialCreated adds new records to the snapshot eagerly.
func (c *Cache) CredentialCreated(cred *store.Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = appendCred(c.creds, cred)
}

// CredentialUpdated replaces or re-adds a record whose mutation kept or
// restored availability (counter changes, counter reset on success).
func (c *Cache) CredentialUpdated(cred *store.Credential) {
	if cred.Blocked(c.nowFn()) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	replaced := false
	next := make([]*store.Credential, len(c.creds))
	for i, existing := range c.creds {
		if existing.ID == cred.ID {
			next[i] = cred
			replaced = true
		} else {
			next[i] = existing
		}
	}
	if !replaced {
		next = appendCred(next, cred)
	}
	c.creds = next
}

// CredentialBlocked removes newly-blocked records eagerly.
func (c *Cache) CredentialBlocked(id int64, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = removeCred(c.creds, id)
}

// CredentialDeleted removes deleted records and their stats eagerly.
func (c *Cache) CredentialDeleted(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = removeCred(c.creds, id)
	if _, ok := c.stats[id]; ok {
		next := make(map[int64]*store.DailyStat, len(c.stats))
		for k, v := range c.stats {
			if k != id {
				next[k] = v
			}
		}
		c.stats = next
	}
}

// StatUpdated applies today's counter changes to the stats snapshot.
func (c *Cache) StatUpdated(st *store.DailyStat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st.Date != c.date {
		// A stale snapshot from before midnight; the rollover rebuild will
		// pick the row up.
		return
	}
	if c.stats == nil {
		c.stats = make(map[int64]*store.DailyStat)
	}
	c.stats[st.CredentialID] = st
}

func appendCred(creds []*store.Credential, cred *store.Credential) []*store.Credential {
	for _, existing := range creds {
		if existing.ID == cred.ID {
			return creds
		}
	}
	next := make([]*store.Credential, 0, len(creds)+1)
	next = append(next, creds...)
	return append(next, cred)
}

func removeCred(creds []*store.Credential, id int64) []*store.Credential {
	next := make([]*store.Credential, 0, len(creds))
	for _, existing := range creds {
		if existing.ID != id {
			next = append(next, existing)
		}
	}
	return next
}
