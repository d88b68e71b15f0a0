package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Load reads, parses and defaults a configuration file. YAML and JSON are
// accepted; the extension picks the parser, unknown extensions try both.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse JSON config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config file is neither valid YAML nor JSON")
			}
		}
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)
	log.WithField("path", path).Info("configuration loaded")
	return &cfg, nil
}

// Environment override names.
const (
	envHost     = "KEYPOOL_HOST"
	envPort     = "KEYPOOL_PORT"
	envDBPath   = "KEYPOOL_DB_PATH"
	envProvider = "KEYPOOL_PROVIDER"
	envDebug    = "KEYPOOL_DEBUG"
	envLogFile  = "KEYPOOL_LOG_FILE"
)

func applyEnv(c *Config) {
	if v := os.Getenv(envHost); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv(envPort); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		} else {
			log.WithField("value", v).Warn("ignoring non-numeric KEYPOOL_PORT")
		}
	}
	if v := os.Getenv(envDBPath); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(envProvider); v != "" {
		c.Server.Provider = v
	}
	if v := os.Getenv(envDebug); v != "" {
		c.Server.Debug = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv(envLogFile); v != "" {
		c.Server.LogFile = v
	}
}
