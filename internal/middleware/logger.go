package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"keypool/internal/logging"
)

// RequestLogger logs HTTP requests with latency and outcome fields.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		latency := time.Since(start)
		rid, _ := c.Get("request_id")
		keyVal, _ := c.Get("key_display")
		log.WithFields(log.Fields{
			"status":     c.Writer.Status(),
			"latency_ms": logging.DurationMS(latency),
			"method":     method,
			"path":       path,
			"client_ip":  c.ClientIP(),
			"request_id": rid,
			"key":        keyVal,
		}).Info("http_request")
	}
}
