package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ValidationRule is a per-provider content rule applied to inbound requests.
// Type selects what the rule inspects; Key is a dot-path for body-json rules
// or a query parameter name, and is ignored for path rules.
type ValidationRule struct {
	Type    string `yaml:"type" json:"type"` // body-json | path | query
	Key     string `yaml:"key" json:"key"`
	Pattern string `yaml:"pattern" json:"pattern"`
}

// CacheablePath marks a GET path pattern whose responses may be served from
// the read-only response cache.
type CacheablePath struct {
	Pattern    string `yaml:"pattern" json:"pattern"`
	TTLSeconds int    `yaml:"ttl_seconds" json:"ttl_seconds"`
}

// ProviderConfig describes the single upstream this process fronts.
type ProviderConfig struct {
	Name           string           `yaml:"name" json:"name"`
	BaseURL        string           `yaml:"base_url" json:"base_url"`
	AuthHeader     string           `yaml:"auth_header" json:"auth_header"`
	TimeoutMs      int              `yaml:"timeout_ms" json:"timeout_ms"`
	Validation     []ValidationRule `yaml:"validation" json:"validation"`
	CacheablePaths []CacheablePath  `yaml:"cacheable_paths" json:"cacheable_paths"`
}

// Timeout returns the upstream call deadline.
func (p *ProviderConfig) Timeout() time.Duration {
	if p.TimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

// Host returns the hostname portion of the provider base URL.
func (p *ProviderConfig) Host() string {
	u, err := url.Parse(p.BaseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// ServerConfig holds listener and process-level settings.
type ServerConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Provider string `yaml:"provider" json:"provider"`
	Debug    bool   `yaml:"debug" json:"debug"`
	LogFile  string `yaml:"log_file" json:"log_file"`

	// Optional coarse per-client-IP guard in front of the admission pipeline.
	RateLimitEnabled bool `yaml:"rate_limit_enabled" json:"rate_limit_enabled"`
	RateLimitRPS     int  `yaml:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst   int  `yaml:"rate_limit_burst" json:"rate_limit_burst"`
}

// DatabaseConfig locates the on-disk store and caps the pool.
type DatabaseConfig struct {
	Path    string `yaml:"path" json:"path"`
	MaxKeys int    `yaml:"max_keys" json:"max_keys"`
}

// BlockingConfig drives the credential lifecycle state machine.
type BlockingConfig struct {
	PresentedKeyRateLimitSeconds int `yaml:"presented_key_rate_limit_seconds" json:"presented_key_rate_limit_seconds"`
	AuthFailureBlockMinutes      int `yaml:"auth_failure_block_minutes" json:"auth_failure_block_minutes"`
	AuthFailureDeleteThreshold   int `yaml:"auth_failure_delete_threshold" json:"auth_failure_delete_threshold"`
	ThrottleBackoffBaseMinutes   int `yaml:"throttle_backoff_base_minutes" json:"throttle_backoff_base_minutes"`
	ThrottleDeleteThreshold      int `yaml:"throttle_delete_threshold" json:"throttle_delete_threshold"`
}

// StatsConfig drives daily statistics retention and the hot cache refresh.
type StatsConfig struct {
	RetentionDays          int  `yaml:"retention_days" json:"retention_days"`
	CleanupIntervalMinutes int  `yaml:"cleanup_interval_minutes" json:"cleanup_interval_minutes"`
	AutoCleanup            bool `yaml:"auto_cleanup" json:"auto_cleanup"`
	CacheExpirySeconds     int  `yaml:"cache_expiry_seconds" json:"cache_expiry_seconds"`
}

// SSLConfig enables TLS termination.
type SSLConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	CertPath string `yaml:"cert_path" json:"cert_path"`
	KeyPath  string `yaml:"key_path" json:"key_path"`
}

// Config is the full runtime configuration.
type Config struct {
	Server        ServerConfig     `yaml:"server" json:"server"`
	Database      DatabaseConfig   `yaml:"database" json:"database"`
	Blocking      BlockingConfig   `yaml:"blocking" json:"blocking"`
	Stats         StatsConfig      `yaml:"stats" json:"stats"`
	Providers     []ProviderConfig `yaml:"providers" json:"providers"`
	SSL           SSLConfig        `yaml:"ssl" json:"ssl"`
	EncryptionKey string           `yaml:"encryption_key" json:"encryption_key"`
}

// ActiveProvider resolves server.provider against the provider list. With a
// single configured provider and no explicit selection, that provider wins.
func (c *Config) ActiveProvider() *ProviderConfig {
	if len(c.Providers) == 0 {
		return nil
	}
	name := strings.TrimSpace(c.Server.Provider)
	if name == "" {
		if len(c.Providers) == 1 {
			return &c.Providers[0]
		}
		return nil
	}
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i]
		}
	}
	return nil
}

// Validate checks settings that must be right before startup proceeds.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.MaxKeys <= 0 {
		return fmt.Errorf("database.max_keys must be positive")
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	prov := c.ActiveProvider()
	if prov == nil {
		return fmt.Errorf("server.provider %q does not name a configured provider", c.Server.Provider)
	}
	u, err := url.Parse(prov.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("provider %q base_url %q is not an absolute URL", prov.Name, prov.BaseURL)
	}
	if c.SSL.Enabled && (c.SSL.CertPath == "" || c.SSL.KeyPath == "") {
		return fmt.Errorf("ssl.enabled requires cert_path and key_path")
	}
	return nil
}
