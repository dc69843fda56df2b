// Package config handles YAML configuration loading with environment
// variable expansion, plus the direct (non-YAML) environment variables
// spec §6 recognizes for runtime tuning.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/kestrelgw/aistudio-gateway/internal/quota"
	"github.com/kestrelgw/aistudio-gateway/internal/rotation"
)

// LaunchMode selects how the headless browser driver starts up.
type LaunchMode string

const (
	LaunchHeadless           LaunchMode = "headless"
	LaunchDebug              LaunchMode = "debug"
	LaunchVirtualHeadless    LaunchMode = "virtual_headless"
	LaunchDirectDebugNoBrowser LaunchMode = "direct_debug_no_browser"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Database   DatabaseConfig  `yaml:"database"`
	Auth       AuthConfig      `yaml:"auth"`
	RateLimits RateLimitConfig `yaml:"rate_limits"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`

	LaunchMode        LaunchMode `yaml:"-"` // LAUNCH_MODE
	ServerPortInfo    string     `yaml:"-"` // SERVER_PORT_INFO
	StreamPort        int        `yaml:"-"` // STREAM_PORT (0 disables)
	ActiveAuthJSONPath string    `yaml:"-"` // ACTIVE_AUTH_JSON_PATH

	Rotation rotation.Config `yaml:"-"` // AUTO_ROTATE_AUTH_PROFILE and friends
	Quota    quota.Limits    `yaml:"-"` // QUOTA_SOFT_LIMIT / QUOTA_HARD_LIMIT / QUOTA_LIMIT_<MODEL_ID>

	AutoRotationOnStartup bool `yaml:"-"` // AUTO_AUTH_ROTATION_ON_STARTUP

	ResponseCompletionTimeout time.Duration `yaml:"-"` // RESPONSE_COMPLETION_TIMEOUT

	CookieRefreshEnabled           bool          `yaml:"-"` // COOKIE_REFRESH_ENABLED
	CookieRefreshInterval          time.Duration `yaml:"-"` // COOKIE_REFRESH_INTERVAL_SECONDS
	CookieRefreshOnRequestEnabled  bool          `yaml:"-"` // COOKIE_REFRESH_ON_REQUEST_ENABLED
	CookieRefreshRequestInterval   time.Duration `yaml:"-"` // COOKIE_REFRESH_REQUEST_INTERVAL
	CookieRefreshOnShutdown        bool          `yaml:"-"` // COOKIE_REFRESH_ON_SHUTDOWN

	MCPHTTPEndpoint string        `yaml:"-"` // MCP_HTTP_ENDPOINT
	MCPHTTPTimeout  time.Duration `yaml:"-"` // MCP_HTTP_TIMEOUT

	// ProfileConfigDir roots the active/saved/emergency profile
	// directories and the cooldown/usage JSON files (AUTH_PROFILES_DIR).
	ProfileConfigDir string `yaml:"-"`

	HTTPProxy          string `yaml:"-"` // HTTP_PROXY
	HTTPSProxy         string `yaml:"-"` // HTTPS_PROXY
	NoProxy            string `yaml:"-"` // NO_PROXY
	UnifiedProxyConfig string `yaml:"-"` // UNIFIED_PROXY_CONFIG

	APIKeys []string `yaml:"api_keys"` // accepted keys; empty disables auth
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// RateLimitConfig holds default per-key rate limiting settings, applied
// ambiently at the HTTP surface (spec §1 still carries ambient auth/
// rate-limit machinery even though the domain has a single upstream).
type RateLimitConfig struct {
	DefaultRPM int64 `yaml:"default_rpm"` // default requests per minute (0 = unlimited)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds the optional SQLite usage-ledger settings. An
// empty DSN disables the durable ledger entirely.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path, ":memory:", or "" to disable
}

// AuthConfig holds miscellaneous auth settings reserved for future use.
type AuthConfig struct{}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment
// variables, then layers in the direct (non-YAML) environment variables
// spec §6 lists via LoadEnv.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = expandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnviron(cfg, os.Environ())
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		RateLimits: RateLimitConfig{DefaultRPM: 60},
		LaunchMode: LaunchHeadless,
		Rotation:   rotation.DefaultConfig(),
		Quota:      quota.Limits{Soft: quota.DefaultSoftLimit, Hard: quota.DefaultHardLimit, PerModel: map[string]int64{}},
		ResponseCompletionTimeout: 280 * time.Second,
		CookieRefreshInterval:     30 * time.Minute,
		ProfileConfigDir:          "auth_profiles",
	}
}

// applyEnviron layers spec §6's direct environment variables over cfg.
// Unrecognized or malformed values are left at their prior/default value.
func applyEnviron(cfg *Config, environ []string) {
	cfg.Quota = quota.LimitsFromEnviron(environ)

	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "LAUNCH_MODE":
			cfg.LaunchMode = LaunchMode(v)
		case "SERVER_PORT_INFO":
			cfg.ServerPortInfo = v
		case "STREAM_PORT":
			if n, err := strconv.Atoi(v); err == nil {
				cfg.StreamPort = n
			}
		case "ACTIVE_AUTH_JSON_PATH":
			cfg.ActiveAuthJSONPath = v
		case "AUTO_ROTATE_AUTH_PROFILE":
			cfg.Rotation.Enabled = parseBool(v, cfg.Rotation.Enabled)
		case "AUTO_AUTH_ROTATION_ON_STARTUP":
			cfg.AutoRotationOnStartup = parseBool(v, cfg.AutoRotationOnStartup)
		case "RATE_LIMIT_COOLDOWN_SECONDS":
			cfg.Rotation.RateLimitCooldown = parseSeconds(v, cfg.Rotation.RateLimitCooldown)
		case "QUOTA_EXCEEDED_COOLDOWN_SECONDS":
			cfg.Rotation.QuotaExceededCooldown = parseSeconds(v, cfg.Rotation.QuotaExceededCooldown)
		case "RESPONSE_COMPLETION_TIMEOUT":
			cfg.ResponseCompletionTimeout = parseSeconds(v, cfg.ResponseCompletionTimeout)
		case "HIGH_TRAFFIC_QUEUE_THRESHOLD":
			if n, err := strconv.Atoi(v); err == nil {
				cfg.Rotation.HighTrafficThreshold = n
			}
		case "ROTATION_DEPLETION_GUARD_HIGH_TRAFFIC":
			if n, err := strconv.Atoi(v); err == nil {
				cfg.Rotation.DepletionLimitHighTraffic = n
			}
		case "COOKIE_REFRESH_ENABLED":
			cfg.CookieRefreshEnabled = parseBool(v, cfg.CookieRefreshEnabled)
		case "COOKIE_REFRESH_INTERVAL_SECONDS":
			cfg.CookieRefreshInterval = parseSeconds(v, cfg.CookieRefreshInterval)
		case "COOKIE_REFRESH_ON_REQUEST_ENABLED":
			cfg.CookieRefreshOnRequestEnabled = parseBool(v, cfg.CookieRefreshOnRequestEnabled)
		case "COOKIE_REFRESH_REQUEST_INTERVAL":
			cfg.CookieRefreshRequestInterval = parseSeconds(v, cfg.CookieRefreshRequestInterval)
		case "COOKIE_REFRESH_ON_SHUTDOWN":
			cfg.CookieRefreshOnShutdown = parseBool(v, cfg.CookieRefreshOnShutdown)
		case "MCP_HTTP_ENDPOINT":
			cfg.MCPHTTPEndpoint = v
		case "MCP_HTTP_TIMEOUT":
			cfg.MCPHTTPTimeout = parseSeconds(v, cfg.MCPHTTPTimeout)
		case "AUTH_PROFILES_DIR":
			cfg.ProfileConfigDir = v
		case "HTTP_PROXY":
			cfg.HTTPProxy = v
		case "HTTPS_PROXY":
			cfg.HTTPSProxy = v
		case "NO_PROXY":
			cfg.NoProxy = v
		case "UNIFIED_PROXY_CONFIG":
			cfg.UnifiedProxyConfig = v
		case "GATEWAY_DB_DSN":
			cfg.Database.DSN = v
		case "GATEWAY_API_KEYS":
			if v != "" {
				cfg.APIKeys = strings.Split(v, ",")
			}
		}
	}
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func parseSeconds(v string, fallback time.Duration) time.Duration {
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return time.Duration(n * float64(time.Second))
}
