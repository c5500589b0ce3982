package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// SignatureCacheConfig controls the two-tier signature cache.
type SignatureCacheConfig struct {
	// RedisAddr enables the disk tier when non-empty.
	RedisAddr     string `json:"redisAddr,omitempty"`
	RedisPassword string `json:"redisPassword,omitempty"`
	RedisDB       int    `json:"redisDb,omitempty"`
}

// SelectionConfig controls account selection behavior.
type SelectionConfig struct {
	Strategy               string `json:"strategy,omitempty"`
	PIDOffset              bool   `json:"pidOffset,omitempty"`
	SoftQuotaThresholdPct  int    `json:"softQuotaThresholdPct,omitempty"`
	SoftQuotaCacheTTLMs    int64  `json:"softQuotaCacheTtlMs,omitempty"`
}

// SanitizerConfig controls cross-model payload sanitization.
type SanitizerConfig struct {
	// PreserveNonSignatureMetadata keeps sibling metadata keys such as
	// groundingMetadata when stripping thought signatures.
	PreserveNonSignatureMetadata bool `json:"preserveNonSignatureMetadata,omitempty"`
}

// Config is the runtime configuration, loaded from a JSON file with env
// overrides applied afterwards.
type Config struct {
	mu sync.RWMutex

	Listen string `json:"listen,omitempty"`
	APIKey string `json:"apiKey,omitempty"`
	Debug  bool   `json:"debug,omitempty"`

	// FallbackCredential is the host's credential, adopted into the pool
	// on first start when its refresh token is unknown.
	FallbackCredential string `json:"fallbackCredential,omitempty"`

	Selection      SelectionConfig      `json:"selection,omitempty"`
	SignatureCache SignatureCacheConfig `json:"signatureCache,omitempty"`
	Sanitizer      SanitizerConfig      `json:"sanitizer,omitempty"`
}

// Defaults returns a config with all defaults applied.
func Defaults() *Config {
	return &Config{
		Listen: "127.0.0.1:8317",
		Selection: SelectionConfig{
			Strategy:              DefaultSelectionStrategy,
			SoftQuotaThresholdPct: SoftQuotaDisabledThreshold,
			SoftQuotaCacheTTLMs:   SoftQuotaCacheTTLMs,
		},
	}
}

// Load reads the config file at path, falling back to defaults when the
// file does not exist. Env overrides win over file values.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		case os.IsNotExist(err):
			log.Debugf("[Config] No config file at %s, using defaults", path)
		default:
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.normalize()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ANTIGRAVITY_BROKER_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("ANTIGRAVITY_BROKER_STRATEGY"); v != "" {
		c.Selection.Strategy = v
	}
	if v := os.Getenv("ANTIGRAVITY_BROKER_DEBUG"); v != "" {
		c.Debug = parseBool(v)
	}
	if v := os.Getenv("ANTIGRAVITY_BROKER_SOFT_QUOTA_PCT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Selection.SoftQuotaThresholdPct = n
		}
	}
}

func (c *Config) normalize() {
	if c.Selection.Strategy == "" {
		c.Selection.Strategy = DefaultSelectionStrategy
	}
	if c.Selection.SoftQuotaThresholdPct <= 0 {
		c.Selection.SoftQuotaThresholdPct = SoftQuotaDisabledThreshold
	}
	if c.Selection.SoftQuotaCacheTTLMs <= 0 {
		c.Selection.SoftQuotaCacheTTLMs = SoftQuotaCacheTTLMs
	}
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8317"
	}
}

// GetStrategy returns the configured selection strategy.
func (c *Config) GetStrategy() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Selection.Strategy
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true":
		return true
	}
	return false
}
