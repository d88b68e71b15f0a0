package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"keypool/internal/apierr"
	"keypool/internal/balancer"
	"keypool/internal/forwarder"
	"keypool/internal/lifecycle"
	mw "keypool/internal/middleware"
	"keypool/internal/secure"
	"keypool/internal/store"
	"keypool/internal/validator"
)

// upstreamHostHeader, when present, must resolve to the configured provider
// host; trusted fronting proxies set it to pin the intended upstream.
const upstreamHostHeader = "X-Upstream-Host"

// Proxy is the admission pipeline: extraction, rate limiting, validation,
// pool decision, forwarding, and lifecycle feedback, in that order. Blocked
// presenters short-circuit load balancing (isolation mode), so the only way
// back into the pool is their own credential succeeding.
func (h *Handler) Proxy(c *gin.Context) {
	ctx := c.Request.Context()
	prov := h.cfg.Provider()
	if prov == nil {
		writeError(c, apierr.New(apierr.KindProviderMisconfigured, "no provider configured").WithStatus(http.StatusNotFound))
		return
	}

	if host := c.GetHeader(upstreamHostHeader); host != "" && !strings.EqualFold(host, prov.Host()) {
		writeError(c, apierr.New(apierr.KindProviderMisconfigured,
			fmt.Sprintf("header %s=%q does not match provider host %q", upstreamHostHeader, host, prov.Host())))
		return
	}

	if c.Request.Method == http.MethodGet {
		if ttl, ok := cacheableTTL(prov, c.Request.URL.Path); ok {
			h.serveCacheable(c, prov, ttl)
			return
		}
	}

	raw := extractCredential(c.GetHeader("Authorization"))
	if raw == "" {
		writeError(c, apierr.New(apierr.KindMissingCredential, "missing Authorization credential"))
		return
	}
	fingerprint := secure.Fingerprint(raw)

	if allowed, wait := h.deps.Lifecycle.CheckPresenterLimit(fingerprint); !allowed {
		writeError(c, apierr.New(apierr.KindPresenterRateLimited,
			fmt.Sprintf("credential rate limited; retry in %.1fs", wait.Seconds())))
		return
	}

	if err := validator.ValidateLength(raw); err != nil {
		writeError(c, apierr.New(apierr.KindCredentialLengthInvalid, err.Error()))
		return
	}

	var body []byte
	if c.Request.Body != nil {
		var err error
		body, err = io.ReadAll(c.Request.Body)
		if err != nil {
			writeError(c, apierr.New(apierr.KindInternal, "failed to read request body"))
			return
		}
	}
	if err := validator.ValidateRequest(prov.Validation, body, c.Request.URL.Path, c.Request.URL.Query()); err != nil {
		writeError(c, apierr.New(apierr.KindValidationFailed, err.Error()))
		return
	}

	subnet := lifecycle.Subnet(clientIP(c))

	selected, err := h.selectCredential(c, fingerprint, raw)
	if err != nil {
		writeError(c, apierr.AsError(err))
		return
	}

	if selected.Resident() {
		if err := h.deps.Store.IncrementCallCount(ctx, selected.ID, subnet); err != nil {
			log.WithError(err).WithField("key", selected.Display).Warn("failed to count call")
		}
	}
	c.Set("key_display", selected.Display)

	start := time.Now()
	res, err := h.deps.Forwarder.Forward(ctx, prov, selected.Material, c.Request, body)
	mw.RecordUpstreamLatency(time.Since(start))
	if err != nil {
		kind := apierr.KindUpstreamUnreachable
		if errors.Is(err, forwarder.ErrUpstreamTimeout) {
			kind = apierr.KindUpstreamTimeout
		}
		e := apierr.New(kind, err.Error())
		mw.RecordOutcome(e.Status, string(kind))
		writeError(c, e)
		return
	}

	outcome := h.deps.Lifecycle.HandleResponse(ctx, selected, res.StatusCode)
	log.WithFields(log.Fields{
		"key":     selected.Display,
		"status":  res.StatusCode,
		"action":  outcome.Action,
		"message": outcome.Message,
	}).Debug("lifecycle outcome")
	mw.RecordOutcome(res.StatusCode, string(outcome.Action))

	relay(c, res)
}

// selectCredential implements the pool decision: transient for unknown
// presenters, isolation for blocked ones, load balancing otherwise.
func (h *Handler) selectCredential(c *gin.Context, fingerprint, raw string) (*store.Credential, error) {
	ctx := c.Request.Context()
	rec, err := h.deps.Store.GetCredentialByFingerprint(ctx, fingerprint)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &store.Credential{
			ID:          store.TransientID,
			Fingerprint: fingerprint,
			Material:    raw,
			Display:     secure.Display(raw),
		}, nil
	case err != nil:
		return nil, apierr.New(apierr.KindInternal, "credential lookup failed")
	case rec.Blocked(time.Now()):
		// Isolation mode: the presenter rides their own credential.
		return rec, nil
	}

	creds, err := h.deps.HotCache.Available(ctx)
	if err != nil {
		return nil, apierr.New(apierr.KindInternal, "credential snapshot unavailable")
	}
	selected, err := h.deps.Balancer.Select(creds, h.deps.HotCache.StatFor, fingerprint)
	if err != nil {
		if errors.Is(err, balancer.ErrNoAvailable) {
			return nil, apierr.New(apierr.KindPoolEmpty, "no available credential in pool")
		}
		return nil, apierr.New(apierr.KindInternal, "credential selection failed")
	}
	return selected, nil
}

// extractCredential accepts "Bearer X" or a raw credential value.
func extractCredential(header string) string {
	header = strings.TrimSpace(header)
	if after, found := strings.CutPrefix(header, "Bearer "); found {
		return strings.TrimSpace(after)
	}
	return header
}

// clientIP prefers the leftmost X-Forwarded-For entry, then X-Real-IP, then
// the socket address.
func clientIP(c *gin.Context) string {
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if rip := c.GetHeader("X-Real-IP"); rip != "" {
		return strings.TrimSpace(rip)
	}
	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		return c.Request.RemoteAddr
	}
	return host
}

func writeError(c *gin.Context, e *apierr.Error) {
	c.AbortWithStatusJSON(e.Status, apierr.BodyOf(e))
}

// relay passes an upstream response to the client verbatim: status, headers
// minus hop-by-hop (the forwarder already stripped them), body.
func relay(c *gin.Context, res *forwarder.Result) {
	header := c.Writer.Header()
	for key, values := range res.Header {
		header[key] = values
	}
	c.Status(res.StatusCode)
	if len(res.Body) > 0 {
		_, _ = c.Writer.Write(res.Body)
	}
}
