package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	mw "keypool/internal/middleware"
)

type healthResponse struct {
	Status        string  `json:"status"` // healthy | degraded | initializing
	UptimeSeconds float64 `json:"uptime_seconds"`
	Pool          struct {
		Total     int `json:"total"`
		Available int `json:"available"`
		Blocked   int `json:"blocked"`
	} `json:"pool"`
	Cache struct {
		Cached     bool    `json:"cached"`
		AgeSeconds float64 `json:"age_seconds"`
		KeyCount   int     `json:"key_count"`
		StatsCount int     `json:"stats_count"`
	} `json:"cache"`
}

// Health reports process status, pool counts and cache ages.
func (h *Handler) Health(c *gin.Context) {
	ctx := c.Request.Context()
	var resp healthResponse
	resp.UptimeSeconds = time.Since(h.startedAt).Seconds()

	cacheStatus := h.deps.HotCache.Status()
	resp.Cache.Cached = cacheStatus.Cached
	resp.Cache.AgeSeconds = cacheStatus.AgeSeconds
	resp.Cache.KeyCount = cacheStatus.KeyCount
	resp.Cache.StatsCount = cacheStatus.StatsCount

	total, countErr := h.deps.Store.Count(ctx)
	resp.Pool.Total = total
	resp.Pool.Available = cacheStatus.KeyCount
	if blocked := total - cacheStatus.KeyCount; blocked > 0 {
		resp.Pool.Blocked = blocked
	}

	switch {
	case !cacheStatus.Cached:
		resp.Status = "initializing"
	case countErr != nil || h.deps.Store.Health(ctx) != nil || total == 0:
		resp.Status = "degraded"
	default:
		resp.Status = "healthy"
	}

	mw.SetPoolSize(total)
	mw.SetCacheAge(cacheStatus.Age)

	c.JSON(http.StatusOK, resp)
}
