// Package config loads sidecar configuration from the environment, with an
// optional YAML file underneath for deployments that prefer files.
package config

import (
	"net/url"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/certainly-param/vac/pkg/api"
)

// Config holds everything the sidecar needs at startup. All fields are
// immutable once loaded.
type Config struct {
	ListenAddr            string  `yaml:"listen_addr"`
	AdminAddr             string  `yaml:"admin_addr"`
	UpstreamURL           string  `yaml:"upstream_url"`
	UpstreamAPIKey        string  `yaml:"upstream_api_key"`
	UpstreamTimeoutSecs   int     `yaml:"upstream_timeout_secs"`
	RootPublicKey         string  `yaml:"root_public_key"`
	ControlPlaneURL       string  `yaml:"control_plane_url"`
	AdapterDir            string  `yaml:"adapter_dir"`
	HeartbeatIntervalSecs int     `yaml:"heartbeat_interval_secs"`
	RotationIntervalSecs  int     `yaml:"rotation_interval_secs"`
	RateLimitRPS          float64 `yaml:"rate_limit_rps"`
	MaxBodyBytes          int64   `yaml:"max_body_bytes"`
	LogLevel              string  `yaml:"log_level"`
	TraceEndpoint         string  `yaml:"trace_endpoint"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		ListenAddr:            ":8079",
		UpstreamTimeoutSecs:   30,
		HeartbeatIntervalSecs: 60,
		RotationIntervalSecs:  300,
		MaxBodyBytes:          10 << 20,
		LogLevel:              "INFO",
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// VAC_CONFIG_FILE (if any), then environment variables on top.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("VAC_CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, api.Wrap(api.KindConfigError, "reading config file", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, api.Wrap(api.KindConfigError, "parsing config file", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr(&cfg.ListenAddr, "VAC_LISTEN_ADDR")
	setStr(&cfg.AdminAddr, "VAC_ADMIN_ADDR")
	setStr(&cfg.UpstreamURL, "VAC_UPSTREAM_URL")
	setStr(&cfg.UpstreamAPIKey, "VAC_UPSTREAM_API_KEY")
	setStr(&cfg.RootPublicKey, "VAC_ROOT_PUBLIC_KEY")
	setStr(&cfg.ControlPlaneURL, "VAC_CONTROL_PLANE_URL")
	setStr(&cfg.AdapterDir, "VAC_ADAPTER_DIR")
	setStr(&cfg.LogLevel, "VAC_LOG_LEVEL")
	setStr(&cfg.TraceEndpoint, "VAC_TRACE_ENDPOINT")
	setInt(&cfg.UpstreamTimeoutSecs, "VAC_UPSTREAM_TIMEOUT_SECS")
	setInt(&cfg.HeartbeatIntervalSecs, "VAC_HEARTBEAT_INTERVAL_SECS")
	setInt(&cfg.RotationIntervalSecs, "VAC_ROTATION_INTERVAL_SECS")
	if v := os.Getenv("VAC_RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimitRPS = f
		}
	}
	if v := os.Getenv("VAC_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxBodyBytes = n
		}
	}
}

// Validate rejects the first invalid field with a ConfigError.
func (c *Config) Validate() error {
	if c.UpstreamURL == "" {
		return api.E(api.KindConfigError, "upstream_url is required")
	}
	u, err := url.Parse(c.UpstreamURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return api.Ef(api.KindConfigError, "upstream_url %q must be an absolute URL", c.UpstreamURL)
	}
	if c.UpstreamAPIKey == "" {
		return api.E(api.KindConfigError, "upstream_api_key is required")
	}
	if len(c.RootPublicKey) != 64 {
		return api.E(api.KindConfigError, "root_public_key must be 64 hex characters")
	}
	if c.ControlPlaneURL != "" {
		u, err := url.Parse(c.ControlPlaneURL)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return api.Ef(api.KindConfigError, "control_plane_url %q must be an absolute URL", c.ControlPlaneURL)
		}
	}
	if c.HeartbeatIntervalSecs <= 0 {
		return api.E(api.KindConfigError, "heartbeat_interval_secs must be positive")
	}
	if c.RotationIntervalSecs <= 0 {
		return api.E(api.KindConfigError, "rotation_interval_secs must be positive")
	}
	if c.UpstreamTimeoutSecs <= 0 {
		return api.E(api.KindConfigError, "upstream_timeout_secs must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		return api.E(api.KindConfigError, "max_body_bytes must be positive")
	}
	return nil
}
