// Package lifecycle applies upstream response codes to per-credential state:
// counter resets on success, auth-failure quarantine, exponential throttle
// backoff, delete thresholds, and auto-enrollment of previously unseen
// credentials up to the pool capacity. It also owns the per-presenter
// admission rate limit.
package lifecycle

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"

	"keypool/internal/config"
	"keypool/internal/secure"
	"keypool/internal/store"
)

// Action classifies the state machine outcome for logging.
type Action string

const (
	// ActionSuccess: counters reset, or a transient credential enrolled.
	ActionSuccess Action = "success"
	// ActionBlocked: a block deadline was set.
	ActionBlocked Action = "blocked"
	// ActionDeleted: the credential hit a delete threshold.
	ActionDeleted Action = "deleted"
	// ActionProxied: the response was relayed with no state change.
	ActionProxied Action = "proxied"
)

// Outcome is the structured result of HandleResponse. The pipeline logs it;
// correctness does not depend on it being inspected.
type Outcome struct {
	Action  Action
	Message string
}

// Manager drives the credential state machine.
type Manager struct {
	st       *store.Store
	blocking config.BlockingConfig
	maxKeys  int

	// presenters maps presented fingerprints to their last admission time.
	// Bounded at pool capacity with TTL 2R; a full map evicts its oldest
	// entry rather than denying admission.
	presenters *expirable.LRU[string, time.Time]

	nowFn func() time.Time
}

// New builds a Manager. maxKeys caps both auto-enrollment and the presenter
// rate-limit map.
func New(st *store.Store, blocking config.BlockingConfig, maxKeys int) *Manager {
	ttl := 2 * time.Duration(blocking.PresentedKeyRateLimitSeconds) * time.Second
	return &Manager{
		st:         st,
		blocking:   blocking,
		maxKeys:    maxKeys,
		presenters: expirable.NewLRU[string, time.Time](maxKeys, nil, ttl),
		nowFn:      time.Now,
	}
}

// CheckPresenterLimit admits a presenter at most once per configured
// interval. Deny returns the remaining wait. Two racing first admissions may
// both pass; the limit is a coarse throttle, not a strict one.
func (m *Manager) CheckPresenterLimit(fingerprint string) (allowed bool, wait time.Duration) {
	now := m.nowFn()
	interval := time.Duration(m.blocking.PresentedKeyRateLimitSeconds) * time.Second
	if last, ok := m.presenters.Get(fingerprint); ok {
		if elapsed := now.Sub(last); elapsed < interval {
			return false, interval - elapsed
		}
	}
	m.presenters.Add(fingerprint, now)
	return true, 0
}

// Subnet reduces an IPv4 address to its /24 for privacy-limited client
// attribution; anything else passes through unchanged.
func Subnet(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip
	}
	v4 := parsed.To4()
	if v4 == nil {
		return ip
	}
	return fmt.Sprintf("%d.%d.%d.0/24", v4[0], v4[1], v4[2])
}

// HandleResponse mutates credential state according to the upstream status.
func (m *Manager) HandleResponse(ctx context.Context, cred *store.Credential, status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return m.handleSuccess(ctx, cred)
	case status == 401:
		return m.handleAuthFailure(ctx, cred)
	case status == 429:
		return m.handleThrottle(ctx, cred)
	default:
		// 403, 5xx and everything else leave credential state untouched.
		return Outcome{Action: ActionProxied, Message: fmt.Sprintf("status %d relayed, no state change", status)}
	}
}

func (m *Manager) handleSuccess(ctx context.Context, cred *store.Credential) Outcome {
	if !cred.Resident() {
		return m.enroll(ctx, cred)
	}
	if err := m.st.ResetCounters(ctx, cred.ID); err != nil {
		log.WithError(err).WithField("key", cred.Display).Warn("failed to reset counters")
		return Outcome{Action: ActionProxied, Message: "success, counter reset failed"}
	}
	return Outcome{Action: ActionSuccess, Message: "counters reset"}
}

func (m *Manager) enroll(ctx context.Context, cred *store.Credential) Outcome {
	created, ok, err := m.st.CreateCredentialIfCapacity(ctx, cred.Fingerprint, cred.Material, secure.Display(cred.Material), m.maxKeys)
	if err != nil {
		if err == store.ErrDuplicate {
			// A concurrent request enrolled the same material first.
			return Outcome{Action: ActionSuccess, Message: "already enrolled"}
		}
		log.WithError(err).WithField("key", cred.Display).Warn("auto-enrollment failed")
		return Outcome{Action: ActionProxied, Message: "proxied, enrollment failed"}
	}
	if !ok {
		return Outcome{Action: ActionProxied, Message: fmt.Sprintf("proxied, not enrolled: pool at capacity %d", m.maxKeys)}
	}
	// Promote in place so the caller observes a pool-resident record.
	cred.ID = created.ID
	cred.Display = created.Display
	log.WithField("key", created.Display).Info("auto-enrolled presented credential")
	return Outcome{Action: ActionSuccess, Message: "enrolled into pool"}
}

func (m *Manager) handleAuthFailure(ctx context.Context, cred *store.Credential) Outcome {
	if !cred.Resident() {
		return Outcome{Action: ActionProxied, Message: "401 for untracked credential"}
	}
	n, err := m.st.IncrementAuthFailures(ctx, cred.ID)
	if err != nil {
		log.WithError(err).WithField("key", cred.Display).Warn("failed to count auth failure")
		return Outcome{Action: ActionProxied, Message: "401, counter update failed"}
	}
	if n >= m.blocking.AuthFailureDeleteThreshold {
		if err := m.st.DeleteCredential(ctx, cred.ID); err != nil {
			log.WithError(err).WithField("key", cred.Display).Warn("failed to delete credential")
		}
		log.WithFields(log.Fields{"key": cred.Display, "failures": n}).Info("credential deleted after repeated auth failures")
		return Outcome{Action: ActionDeleted, Message: fmt.Sprintf("deleted after %d consecutive auth failures", n)}
	}
	until := m.nowFn().Add(time.Duration(m.blocking.AuthFailureBlockMinutes) * time.Minute)
	if err := m.st.SetBlockedUntil(ctx, cred.ID, &until); err != nil {
		log.WithError(err).WithField("key", cred.Display).Warn("failed to set block deadline")
	}
	return Outcome{Action: ActionBlocked, Message: fmt.Sprintf("blocked until %s after auth failure %d", until.Format(time.RFC3339), n)}
}

func (m *Manager) handleThrottle(ctx context.Context, cred *store.Credential) Outcome {
	if !cred.Resident() {
		return Outcome{Action: ActionProxied, Message: "429 for untracked credential"}
	}
	n, err := m.st.IncrementThrottles(ctx, cred.ID)
	if err != nil {
		log.WithError(err).WithField("key", cred.Display).Warn("failed to count throttle")
		return Outcome{Action: ActionProxied, Message: "429, counter update failed"}
	}
	if err := m.st.IncrementThrottleCount(ctx, cred.ID); err != nil {
		log.WithError(err).WithField("key", cred.Display).Warn("failed to count daily throttle")
	}
	if n >= m.blocking.ThrottleDeleteThreshold {
		if err := m.st.DeleteCredential(ctx, cred.ID); err != nil {
			log.WithError(err).WithField("key", cred.Display).Warn("failed to delete credential")
		}
		log.WithFields(log.Fields{"key": cred.Display, "throttles": n}).Info("credential deleted after repeated throttling")
		return Outcome{Action: ActionDeleted, Message: fmt.Sprintf("deleted after %d consecutive throttles", n)}
	}
	// Exponential backoff: 2^(n-1) x base minutes.
	backoff := time.Duration(1<<uint(n-1)) * time.Duration(m.blocking.ThrottleBackoffBaseMinutes) * time.Minute
	until := m.nowFn().Add(backoff)
	if err := m.st.SetBlockedUntil(ctx, cred.ID, &until); err != nil {
		log.WithError(err).WithField("key", cred.Display).Warn("failed to set block deadline")
	}
	return Outcome{Action: ActionBlocked, Message: fmt.Sprintf("blocked %s after throttle %d", backoff, n)}
}
