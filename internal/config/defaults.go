package config

// Defaults applied after parsing; zero values mean "not set".
const (
	DefaultPort                    = 8080
	DefaultHost                    = "0.0.0.0"
	DefaultMaxKeys                 = 200
	DefaultPresenterRateLimitSecs  = 1
	DefaultAuthFailureBlockMinutes = 1440
	DefaultAuthFailureDeleteCount  = 3
	DefaultThrottleBackoffBaseMin  = 1
	DefaultThrottleDeleteCount     = 10
	DefaultRetentionDays           = 30
	DefaultCleanupIntervalMinutes  = 60
	DefaultCacheExpirySeconds      = 60
	DefaultAuthHeader              = "Authorization"
)

func applyDefaults(c *Config) {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Database.MaxKeys == 0 {
		c.Database.MaxKeys = DefaultMaxKeys
	}
	if c.Blocking.PresentedKeyRateLimitSeconds == 0 {
		c.Blocking.PresentedKeyRateLimitSeconds = DefaultPresenterRateLimitSecs
	}
	if c.Blocking.AuthFailureBlockMinutes == 0 {
		c.Blocking.AuthFailureBlockMinutes = DefaultAuthFailureBlockMinutes
	}
	if c.Blocking.AuthFailureDeleteThreshold == 0 {
		c.Blocking.AuthFailureDeleteThreshold = DefaultAuthFailureDeleteCount
	}
	if c.Blocking.ThrottleBackoffBaseMinutes == 0 {
		c.Blocking.ThrottleBackoffBaseMinutes = DefaultThrottleBackoffBaseMin
	}
	if c.Blocking.ThrottleDeleteThreshold == 0 {
		c.Blocking.ThrottleDeleteThreshold = DefaultThrottleDeleteCount
	}
	if c.Stats.RetentionDays == 0 {
		c.Stats.RetentionDays = DefaultRetentionDays
	}
	if c.Stats.CleanupIntervalMinutes == 0 {
		c.Stats.CleanupIntervalMinutes = DefaultCleanupIntervalMinutes
	}
	if c.Stats.CacheExpirySeconds == 0 {
		c.Stats.CacheExpirySeconds = DefaultCacheExpirySeconds
	}
	for i := range c.Providers {
		if c.Providers[i].AuthHeader == "" {
			c.Providers[i].AuthHeader = DefaultAuthHeader
		}
	}
}
