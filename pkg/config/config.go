// Package config loads the service configuration from file and
// environment. Environment variables use the SDAP_ prefix with underscores
// for nesting (SDAP_CACHE_REDIS_ADDR).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/securedocs/sdap/pkg/secrets"
)

// Config is the complete service configuration.
type Config struct {
	Debug bool `mapstructure:"debug"`

	Server struct {
		Addr             string `mapstructure:"addr"`
		ShutdownGraceSec int    `mapstructure:"shutdown_grace_sec"`
	} `mapstructure:"server"`

	Auth struct {
		Issuer   string `mapstructure:"issuer"`
		Audience string `mapstructure:"audience"`
		JWKSURL  string `mapstructure:"jwks_url"`
	} `mapstructure:"auth"`

	OBO struct {
		TokenURL        string `mapstructure:"token_url"`
		ClientID        string `mapstructure:"client_id"`
		ClientSecret    string `mapstructure:"client_secret"`
		SafetyMarginSec int    `mapstructure:"safety_margin_sec"`
		MaxCacheTTLSec  int    `mapstructure:"max_cache_ttl_sec"`
	} `mapstructure:"obo"`

	Cache struct {
		RedisAddr     string `mapstructure:"redis_addr"`
		RedisUsername string `mapstructure:"redis_username"`
		RedisPassword string `mapstructure:"redis_password"`
		RedisDB       int    `mapstructure:"redis_db"`
		KeyPrefix     string `mapstructure:"key_prefix"`
	} `mapstructure:"cache"`

	Access struct {
		DataverseURL   string `mapstructure:"dataverse_url"`
		SnapshotTTLSec int    `mapstructure:"snapshot_ttl_sec"`
	} `mapstructure:"access"`

	Graph struct {
		BaseURL   string   `mapstructure:"base_url"`
		Scopes    []string `mapstructure:"scopes"`
		AppScopes []string `mapstructure:"app_scopes"`
	} `mapstructure:"graph"`

	Resilience struct {
		TimeoutSec              int `mapstructure:"timeout_sec"`
		RetryMaxAttempts        int `mapstructure:"retry_max_attempts"`
		BreakerFailureThreshold int `mapstructure:"breaker_failure_threshold"`
		BreakerOpenDurationSec  int `mapstructure:"breaker_open_duration_sec"`
	} `mapstructure:"resilience"`

	// RateLimits overrides named rate limit policies; policies not listed
	// keep their built-in defaults.
	RateLimits map[string]RateLimitPolicy `mapstructure:"rate_limits"`

	Audit struct {
		// Level is the audit log floor: "info" records every
		// authorization decision, "warn" records denies only.
		Level string `mapstructure:"level"`
	} `mapstructure:"audit"`
}

// RateLimitPolicy is one configured rate limit policy. Strategy selects
// which of the remaining fields apply.
type RateLimitPolicy struct {
	Strategy      string  `mapstructure:"strategy"`
	Limit         int     `mapstructure:"limit"`
	WindowSec     int     `mapstructure:"window_sec"`
	PerSecond     float64 `mapstructure:"per_second"`
	Burst         int     `mapstructure:"burst"`
	MaxConcurrent int     `mapstructure:"max_concurrent"`
}

// setDefaults registers the service defaults.
func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_grace_sec", 15)

	// Empty defaults register the keys so environment-only values are
	// visible to Unmarshal.
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.jwks_url", "")

	v.SetDefault("obo.token_url", "")
	v.SetDefault("obo.client_id", "")
	v.SetDefault("obo.client_secret", "")
	v.SetDefault("obo.safety_margin_sec", 60)
	v.SetDefault("obo.max_cache_ttl_sec", 2700)

	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.redis_username", "")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.key_prefix", "sdap:")

	v.SetDefault("access.dataverse_url", "")
	v.SetDefault("access.snapshot_ttl_sec", 120)

	v.SetDefault("graph.base_url", "")

	v.SetDefault("graph.scopes", []string{"FileStorageContainer.Selected"})
	v.SetDefault("graph.app_scopes", []string{"https://graph.microsoft.com/.default"})

	v.SetDefault("resilience.timeout_sec", 30)
	v.SetDefault("resilience.retry_max_attempts", 3)
	v.SetDefault("resilience.breaker_failure_threshold", 5)
	v.SetDefault("resilience.breaker_open_duration_sec", 30)

	v.SetDefault("audit.level", "info")
}

// Load reads configuration from the optional file path and the
// environment. Secret-carrying fields accept env:// and file:// references.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SDAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	cfg.clamp()

	// Mirror the debug flag into the global viper so the logger sees it.
	viper.Set("debug", cfg.Debug)

	return &cfg, nil
}

// resolveSecrets dereferences secret references in place.
func (c *Config) resolveSecrets() error {
	var err error
	if c.OBO.ClientSecret, err = secrets.Resolve(c.OBO.ClientSecret); err != nil {
		return fmt.Errorf("obo.client_secret: %w", err)
	}
	if c.Cache.RedisPassword, err = secrets.Resolve(c.Cache.RedisPassword); err != nil {
		return fmt.Errorf("cache.redis_password: %w", err)
	}
	return nil
}

// clamp enforces the hard floors and ranges on tunables.
func (c *Config) clamp() {
	if c.OBO.SafetyMarginSec < 60 {
		c.OBO.SafetyMarginSec = 60
	}
	if c.Access.SnapshotTTLSec < 60 {
		c.Access.SnapshotTTLSec = 60
	}
	if c.Access.SnapshotTTLSec > 300 {
		c.Access.SnapshotTTLSec = 300
	}
	if c.Resilience.RetryMaxAttempts < 1 {
		c.Resilience.RetryMaxAttempts = 1
	}
}

// Validate checks the fields without workable defaults.
func (c *Config) Validate() error {
	var missing []string
	if c.Auth.Issuer == "" {
		missing = append(missing, "auth.issuer")
	}
	if c.Auth.Audience == "" {
		missing = append(missing, "auth.audience")
	}
	if c.OBO.TokenURL == "" {
		missing = append(missing, "obo.token_url")
	}
	if c.OBO.ClientID == "" {
		missing = append(missing, "obo.client_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Timeout returns the outbound call deadline.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Resilience.TimeoutSec) * time.Second
}

// SnapshotTTL returns the access snapshot staleness window.
func (c *Config) SnapshotTTL() time.Duration {
	return time.Duration(c.Access.SnapshotTTLSec) * time.Second
}

// OBOSafetyMargin returns the token expiry safety margin.
func (c *Config) OBOSafetyMargin() time.Duration {
	return time.Duration(c.OBO.SafetyMarginSec) * time.Second
}

// OBOMaxCacheTTL returns the delegated token cache cap.
func (c *Config) OBOMaxCacheTTL() time.Duration {
	return time.Duration(c.OBO.MaxCacheTTLSec) * time.Second
}

// ShutdownGrace returns how long in-flight requests get on shutdown.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Server.ShutdownGraceSec) * time.Second
}

// BreakerOpenDuration returns how long an open circuit refuses calls.
func (c *Config) BreakerOpenDuration() time.Duration {
	return time.Duration(c.Resilience.BreakerOpenDurationSec) * time.Second
}
