package server

import (
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"keypool/internal/apierr"
	"keypool/internal/config"
	"keypool/internal/forwarder"
	"keypool/internal/proxycache"
)

// cacheableTTL reports whether a GET path matches a configured cacheable
// pattern and returns its TTL.
func cacheableTTL(prov *config.ProviderConfig, path string) (time.Duration, bool) {
	for _, cp := range prov.CacheablePaths {
		re, err := regexp.Compile(cp.Pattern)
		if err != nil {
			log.WithError(err).WithField("pattern", cp.Pattern).Warn("invalid cacheable path pattern")
			continue
		}
		if re.MatchString(path) {
			ttl := time.Duration(cp.TTLSeconds) * time.Second
			if ttl <= 0 {
				ttl = time.Minute
			}
			return ttl, true
		}
	}
	return 0, false
}

// serveCacheable handles the read-only cached path: the upstream is called
// with the caller's own headers, with no auth rewriting, load balancing or
// lifecycle feedback.
func (h *Handler) serveCacheable(c *gin.Context, prov *config.ProviderConfig, ttl time.Duration) {
	key := proxycache.Key(c.Request.Method, c.Request.URL.RequestURI())

	if entry, ok := h.deps.ResponseCache.Get(key); ok {
		header := c.Writer.Header()
		for k, values := range entry.Header {
			header[k] = values
		}
		header.Set("X-Cache", "HIT")
		c.Status(entry.StatusCode)
		if len(entry.Body) > 0 {
			_, _ = c.Writer.Write(entry.Body)
		}
		return
	}

	res, err := h.deps.Forwarder.PassThrough(c.Request.Context(), prov, c.Request, nil)
	if err != nil {
		if errors.Is(err, forwarder.ErrUpstreamTimeout) {
			writeError(c, apierr.New(apierr.KindUpstreamTimeout, err.Error()).WithStatus(http.StatusGatewayTimeout))
			return
		}
		writeError(c, apierr.New(apierr.KindUpstreamUnreachable, err.Error()))
		return
	}

	if res.StatusCode == http.StatusOK {
		h.deps.ResponseCache.Put(key, res.StatusCode, res.Header, res.Body, ttl)
	}
	relay(c, res)
}
