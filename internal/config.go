package internal

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Download policies for GET /resolve without an explicit format
const (
	PolicyStream   = "stream"
	PolicyRedirect = "redirect"
	PolicyAuto     = "auto"
)

// DefaultUpstreamURL is the helper API that signs download links
const DefaultUpstreamURL = "https://terabox.hnn.workers.dev"

// Config holds application configuration. Durations are whole seconds.
type Config struct {
	ListenAddr string `yaml:"listen_addr" env:"TERASTREAM_LISTEN_ADDR"`

	UpstreamURL     string   `yaml:"upstream_base_url" env:"TERASTREAM_UPSTREAM_URL"`
	UpstreamTimeout int      `yaml:"upstream_timeout" env:"TERASTREAM_UPSTREAM_TIMEOUT"`
	UpstreamRetries int      `yaml:"upstream_retries" env:"TERASTREAM_UPSTREAM_RETRIES"`
	ProxyURL        string   `yaml:"proxy_url" env:"TERASTREAM_PROXY"`
	UserAgentList   []string `yaml:"user_agents"`

	CacheTTL           int `yaml:"cache_ttl" env:"TERASTREAM_CACHE_TTL"`
	CacheSweepInterval int `yaml:"cache_sweep_interval" env:"TERASTREAM_CACHE_SWEEP"`
	CacheMaxEntries    int `yaml:"cache_max_entries" env:"TERASTREAM_CACHE_MAX_ENTRIES"`

	DownloadPolicy    string `yaml:"download_policy" env:"TERASTREAM_DOWNLOAD_POLICY"`
	RedirectThreshold string `yaml:"redirect_threshold" env:"TERASTREAM_REDIRECT_THRESHOLD"`

	StreamRateLimit   string `yaml:"stream_rate_limit" env:"TERASTREAM_RATE_LIMIT"`
	StreamIdleTimeout int    `yaml:"stream_idle_timeout" env:"TERASTREAM_IDLE_TIMEOUT"`
	StreamMaxDuration int    `yaml:"stream_max_duration" env:"TERASTREAM_MAX_DURATION"`

	CORSMaxAge int `yaml:"cors_max_age" env:"TERASTREAM_CORS_MAX_AGE"`

	// Logging configuration
	LogLevel string `yaml:"log_level" env:"TERASTREAM_LOG_LEVEL"`
	Debug    bool   `yaml:"debug" env:"TERASTREAM_DEBUG"`
	Quiet    bool   `yaml:"quiet" env:"TERASTREAM_QUIET"`
	LogFile  string `yaml:"log_file" env:"TERASTREAM_LOG_FILE"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      ":8080",
		UpstreamURL:     DefaultUpstreamURL,
		UpstreamTimeout: 10,
		UpstreamRetries: 0,
		UserAgentList: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},

		CacheTTL:           300,
		CacheSweepInterval: 60,
		CacheMaxEntries:    10000,

		DownloadPolicy:    PolicyStream,
		RedirectThreshold: "2G",

		StreamIdleTimeout: 60,
		CORSMaxAge:        86400,

		LogLevel: "info",
	}
}

// LoadConfig layers defaults, an optional YAML file, an optional .env file and
// the process environment, in that order.
func LoadConfig(path, dotenvPath string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}

	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, NewValidationError("env_file", "failed to load .env file").
				WithContext("file", dotenvPath).
				WithContext("error", err.Error())
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile overlays values from a YAML file
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return NewValidationError("config", "failed to read config file").
			WithSuggestion("Check that the file exists and is readable").
			WithContext("file", path).
			WithContext("error", err.Error())
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return NewValidationError("config", "failed to parse config file").
			WithSuggestion("The config file must be valid YAML").
			WithContext("file", path).
			WithContext("error", err.Error())
	}
	return nil
}

// LoadFromEnv overlays TERASTREAM_* environment variables. Unset variables
// leave the current value untouched.
func (c *Config) LoadFromEnv() error {
	if _, err := env.UnmarshalFromEnviron(c); err != nil {
		return NewValidationError("environment", err.Error()).
			WithSuggestion("Check the TERASTREAM_* environment variables")
	}
	return nil
}

// GetEnvWithDefault returns environment variable value or default
func GetEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// UpstreamTimeoutDuration is the per-call deadline for helper API requests
func (c *Config) UpstreamTimeoutDuration() time.Duration {
	return time.Duration(c.UpstreamTimeout) * time.Second
}

// CacheTTLDuration is the lifetime of a resolved link in the cache
func (c *Config) CacheTTLDuration() time.Duration {
	return time.Duration(c.CacheTTL) * time.Second
}

// CacheSweepDuration is the janitor interval of the resolution cache
func (c *Config) CacheSweepDuration() time.Duration {
	return time.Duration(c.CacheSweepInterval) * time.Second
}

// StreamIdleDuration is the stall timeout of a proxied stream, 0 when disabled
func (c *Config) StreamIdleDuration() time.Duration {
	return time.Duration(c.StreamIdleTimeout) * time.Second
}

// StreamMaxDurationValue caps the total length of a proxied stream, 0 when disabled
func (c *Config) StreamMaxDurationValue() time.Duration {
	return time.Duration(c.StreamMaxDuration) * time.Second
}

// RedirectThresholdBytes parses redirect_threshold
func (c *Config) RedirectThresholdBytes() (int64, error) {
	return ParseByteSize(c.RedirectThreshold)
}

// StreamRateLimitBytes parses stream_rate_limit, 0 meaning unlimited
func (c *Config) StreamRateLimitBytes() (int64, error) {
	return ParseByteSize(c.StreamRateLimit)
}

// ParseByteSize parses sizes such as "5M", "512KiB" or "1048576". Empty is 0.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("size %q is too large", s)
	}
	return int64(n), nil
}

// ValidateConfig validates the configuration values
func (c *Config) ValidateConfig() error {
	if c.ListenAddr == "" {
		return NewValidationError("listen_addr", "listen address cannot be empty")
	}

	u, err := url.Parse(c.UpstreamURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return NewValidationErrorWithValue("upstream_base_url", "must be an absolute http(s) URL", c.UpstreamURL)
	}

	if c.UpstreamTimeout < 1 {
		return NewValidationErrorWithValue("upstream_timeout", "must be > 0", c.UpstreamTimeout)
	}

	if c.UpstreamRetries < 0 {
		return NewValidationErrorWithValue("upstream_retries", "must be >= 0", c.UpstreamRetries)
	}

	if c.ProxyURL != "" {
		p, err := url.Parse(c.ProxyURL)
		if err != nil || p.Host == "" {
			return NewValidationErrorWithValue("proxy_url", "invalid proxy URL", c.ProxyURL)
		}
		switch p.Scheme {
		case "http", "https", "socks5":
		default:
			return NewValidationErrorWithValue("proxy_url", "unsupported proxy scheme", p.Scheme).
				WithSuggestion("Use http://, https:// or socks5://")
		}
	}

	if len(c.UserAgentList) == 0 {
		return NewValidationError("user_agents", "user agent list cannot be empty")
	}

	if c.CacheTTL < 1 {
		return NewValidationErrorWithValue("cache_ttl", "must be > 0", c.CacheTTL)
	}
	if c.CacheSweepInterval < 0 {
		return NewValidationErrorWithValue("cache_sweep_interval", "must be >= 0", c.CacheSweepInterval)
	}
	if c.CacheMaxEntries < 0 {
		return NewValidationErrorWithValue("cache_max_entries", "must be >= 0", c.CacheMaxEntries)
	}

	switch c.DownloadPolicy {
	case PolicyStream, PolicyRedirect, PolicyAuto:
	default:
		return NewValidationErrorWithValue("download_policy", "unknown policy", c.DownloadPolicy).
			WithSuggestion("Use stream, redirect or auto")
	}

	if _, err := c.RedirectThresholdBytes(); err != nil {
		return NewValidationErrorWithValue("redirect_threshold", err.Error(), c.RedirectThreshold)
	}
	if _, err := c.StreamRateLimitBytes(); err != nil {
		return NewValidationErrorWithValue("stream_rate_limit", err.Error(), c.StreamRateLimit).
			WithSuggestion("Use values like 500K, 5M or 1G")
	}

	if c.StreamIdleTimeout < 0 {
		return NewValidationErrorWithValue("stream_idle_timeout", "must be >= 0", c.StreamIdleTimeout)
	}
	if c.StreamMaxDuration < 0 {
		return NewValidationErrorWithValue("stream_max_duration", "must be >= 0", c.StreamMaxDuration)
	}
	if c.CORSMaxAge < 0 {
		return NewValidationErrorWithValue("cors_max_age", "must be >= 0", c.CORSMaxAge)
	}

	return nil
}
