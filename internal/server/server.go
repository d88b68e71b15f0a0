// Package server wires the HTTP surface: the status page, health endpoint,
// metrics, and the catch-all admission pipeline that fronts the upstream.
package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"keypool/internal/balancer"
	"keypool/internal/config"
	"keypool/internal/forwarder"
	"keypool/internal/hotcache"
	"keypool/internal/lifecycle"
	mw "keypool/internal/middleware"
	"keypool/internal/proxycache"
	"keypool/internal/store"
)

// Dependencies carries the runtime services the handlers need.
type Dependencies struct {
	Store         *store.Store
	HotCache      *hotcache.Cache
	Lifecycle     *lifecycle.Manager
	Balancer      *balancer.Balancer
	Forwarder     *forwarder.Forwarder
	ResponseCache *proxycache.Cache
}

// Handler binds dependencies to the HTTP handlers.
type Handler struct {
	cfg       *config.Manager
	deps      Dependencies
	startedAt time.Time
}

// Build constructs the gin engine with the standard middleware chain.
// Every path except /, /health and /metrics lands on the admission pipeline.
func Build(cfg *config.Manager, deps Dependencies) *gin.Engine {
	h := &Handler{cfg: cfg, deps: deps, startedAt: time.Now()}

	if !cfg.Get().Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(mw.Recovery())
	engine.Use(mw.RequestID())
	engine.Use(mw.RequestLogger())
	engine.Use(mw.CORS())
	if srv := cfg.Get().Server; srv.RateLimitEnabled && srv.RateLimitRPS > 0 {
		engine.Use(mw.RateLimiter(srv.RateLimitRPS, srv.RateLimitBurst))
	}

	engine.GET("/", h.StatusPage)
	engine.GET("/health", h.Health)
	engine.GET("/metrics", mw.MetricsHandler())
	engine.NoRoute(h.Proxy)

	return engine
}
