package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keypool_requests_total",
		Help: "Proxied requests by HTTP status class and pool outcome.",
	}, []string{"status", "outcome"})

	upstreamLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "keypool_upstream_latency_seconds",
		Help:    "Latency of upstream calls.",
		Buckets: prometheus.DefBuckets,
	})

	poolSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "keypool_pool_size",
		Help: "Number of credentials in the pool.",
	})

	cacheAgeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "keypool_hot_cache_age_seconds",
		Help: "Age of the hot cache snapshot.",
	})
)

// RecordOutcome counts a finished proxied request. Outcome is the lifecycle
// action ("success", "blocked", "deleted", "proxied") or an error kind.
func RecordOutcome(status int, outcome string) {
	requestsTotal.WithLabelValues(strconv.Itoa(status), outcome).Inc()
}

// RecordUpstreamLatency observes one upstream call.
func RecordUpstreamLatency(d time.Duration) {
	upstreamLatency.Observe(d.Seconds())
}

// SetPoolSize updates the pool size gauge.
func SetPoolSize(n int) {
	poolSizeGauge.Set(float64(n))
}

// SetCacheAge updates the hot cache age gauge.
func SetCacheAge(age time.Duration) {
	cacheAgeGauge.Set(age.Seconds())
}

// MetricsHandler serves the Prometheus registry.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
