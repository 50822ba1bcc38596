// Package config provides YAML configuration loading with validation and
// environment variable substitution for the stream client.
package config

import (
	"fmt"
	"math"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level client configuration.
type Config struct {
	Client  ClientConfig  `yaml:"client" json:"client"`
	Breaker BreakerConfig `yaml:"breaker" json:"breaker"`
	Health  HealthConfig  `yaml:"health" json:"health"`
	Session SessionConfig `yaml:"session" json:"session"`
	TLS     TLSConfig     `yaml:"tls" json:"tls"`
	Status  StatusConfig  `yaml:"status" json:"status"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Feeds   []FeedConfig  `yaml:"feeds" json:"feeds"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ClientConfig holds reconnect, heartbeat and fallback settings shared by
// every feed.
type ClientConfig struct {
	MaxReconnectAttempts      int           `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`           // default: 5
	CampaignMode              bool          `yaml:"campaign_mode" json:"campaign_mode"`                             // default: false
	CampaignReconnectAttempts int           `yaml:"campaign_reconnect_attempts" json:"campaign_reconnect_attempts"` // default: 15
	CampaignMaxDelay          time.Duration `yaml:"campaign_max_delay" json:"campaign_max_delay"`                   // default: 60s
	BaseDelay                 time.Duration `yaml:"base_delay" json:"base_delay"`                                   // default: 2s
	MaxDelay                  time.Duration `yaml:"max_delay" json:"max_delay"`                                     // default: 30s
	Multiplier                float64       `yaml:"multiplier" json:"multiplier"`                                   // default: 2
	JitterRatio               *float64      `yaml:"jitter_ratio" json:"jitter_ratio"`                               // default: 0.2
	HeartbeatTimeout          time.Duration `yaml:"heartbeat_timeout" json:"heartbeat_timeout"`                     // default: 45s
	ConnectTimeout            time.Duration `yaml:"connect_timeout" json:"connect_timeout"`                         // default: 15s
	FallbackInterval          time.Duration `yaml:"fallback_interval" json:"fallback_interval"`                     // default: 30s
	FallbackEnabled           *bool         `yaml:"fallback_enabled" json:"fallback_enabled"`                       // default: true
	FallbackMinGap            time.Duration `yaml:"fallback_min_gap" json:"fallback_min_gap"`                       // default: 5s
	ReconnectGrace            time.Duration `yaml:"reconnect_grace" json:"reconnect_grace"`                         // default: 250ms
}

// IsFallbackEnabled returns whether fallback polling is enabled (defaults to true).
func (c ClientConfig) IsFallbackEnabled() bool {
	if c.FallbackEnabled == nil {
		return true
	}
	return *c.FallbackEnabled
}

// Jitter returns the configured jitter ratio (defaults to 0.2).
func (c ClientConfig) Jitter() float64 {
	if c.JitterRatio == nil {
		return 0.2
	}
	return *c.JitterRatio
}

// EffectiveMaxAttempts returns the attempt ceiling for the current mode.
func (c ClientConfig) EffectiveMaxAttempts() int {
	if c.CampaignMode {
		return c.CampaignReconnectAttempts
	}
	return c.MaxReconnectAttempts
}

// EffectiveMaxDelay returns the delay ceiling for the current mode.
func (c ClientConfig) EffectiveMaxDelay() time.Duration {
	if c.CampaignMode {
		return c.CampaignMaxDelay
	}
	return c.MaxDelay
}

// BreakerConfig holds consecutive-failure circuit breaker settings applied
// to every feed.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"` // default: 5
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"` // default: 2
	Cooldown         time.Duration `yaml:"cooldown" json:"cooldown"`                   // default: 60s
}

// HealthConfig holds health monitor settings.
type HealthConfig struct {
	Tick           time.Duration `yaml:"tick" json:"tick"`                       // default: 5s
	Window         time.Duration `yaml:"window" json:"window"`                   // default: 5m
	HeartbeatFresh time.Duration `yaml:"heartbeat_fresh" json:"heartbeat_fresh"` // default: 45s
	MinMessageRate float64       `yaml:"min_message_rate" json:"min_message_rate"` // messages/sec; default: 0.01
}

// SessionConfig holds the identity presented on every request.
type SessionConfig struct {
	Header    string        `yaml:"header" json:"header"`         // default: "X-Session-ID"
	ID        string        `yaml:"id" json:"id"`                 // generated when empty
	JWTSecret string        `yaml:"jwt_secret" json:"jwt_secret"` // enables bearer tokens
	Issuer    string        `yaml:"issuer" json:"issuer"`
	Audience  string        `yaml:"audience" json:"audience"`
	TokenTTL  time.Duration `yaml:"token_ttl" json:"token_ttl"` // default: 15m
}

// BearerEnabled reports whether requests carry a signed bearer token.
func (s SessionConfig) BearerEnabled() bool {
	return s.JWTSecret != ""
}

// TLSConfig holds client-side TLS settings for the stream and poll requests.
type TLSConfig struct {
	CAFile     string `yaml:"ca_file" json:"ca_file"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	ServerName string `yaml:"server_name" json:"server_name"`
	MinVersion string `yaml:"min_version" json:"min_version"` // "1.2" or "1.3"; default: "1.2"
}

// ClientCertEnabled reports whether a client certificate is configured.
func (t TLSConfig) ClientCertEnabled() bool {
	return t.CertFile != "" || t.KeyFile != ""
}

// StatusConfig holds the local status/metrics HTTP server settings.
type StatusConfig struct {
	Enabled         *bool         `yaml:"enabled" json:"enabled"` // default: true
	Port            int           `yaml:"port" json:"port"`       // default: 9090
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	Admin           AdminConfig   `yaml:"admin" json:"admin"`
}

// IsEnabled returns whether the status server runs (defaults to true).
func (s StatusConfig) IsEnabled() bool {
	if s.Enabled == nil {
		return true
	}
	return *s.Enabled
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

// LoggingConfig holds log level, format and output settings.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`               // "debug", "info", "warn", "error"; default: "info"
	Format     string `yaml:"format" json:"format"`             // "json" or "text"; default: "json"
	Output     string `yaml:"output" json:"output"`             // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`   // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`   // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // max days to retain rotated files; default: 30
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// FeedConfig defines one logical stream subscription.
type FeedConfig struct {
	Name    string `yaml:"name" json:"name"`
	URL     string `yaml:"url" json:"url"`
	PollURL string `yaml:"poll_url" json:"poll_url,omitempty"` // derived from url when empty
}

// ValidLogLevels are the accepted log level strings.
var ValidLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	c := &cfg.Client
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.CampaignReconnectAttempts == 0 {
		c.CampaignReconnectAttempts = 15
	}
	if c.CampaignMaxDelay == 0 {
		c.CampaignMaxDelay = 60 * time.Second
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 45 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.FallbackInterval == 0 {
		c.FallbackInterval = 30 * time.Second
	}
	if c.FallbackMinGap == 0 {
		c.FallbackMinGap = 5 * time.Second
	}
	if c.ReconnectGrace == 0 {
		c.ReconnectGrace = 250 * time.Millisecond
	}

	b := &cfg.Breaker
	if b.FailureThreshold == 0 {
		b.FailureThreshold = 5
	}
	if b.SuccessThreshold == 0 {
		b.SuccessThreshold = 2
	}
	if b.Cooldown == 0 {
		b.Cooldown = 60 * time.Second
	}

	h := &cfg.Health
	if h.Tick == 0 {
		h.Tick = 5 * time.Second
	}
	if h.Window == 0 {
		h.Window = 5 * time.Minute
	}
	if h.HeartbeatFresh == 0 {
		h.HeartbeatFresh = 45 * time.Second
	}
	if h.MinMessageRate == 0 {
		h.MinMessageRate = 0.01
	}

	s := &cfg.Session
	if s.Header == "" {
		s.Header = "X-Session-ID"
	}
	if s.TokenTTL == 0 {
		s.TokenTTL = 15 * time.Minute
	}

	if cfg.TLS.MinVersion == "" {
		cfg.TLS.MinVersion = "1.2"
	}

	st := &cfg.Status
	if st.Port == 0 {
		st.Port = 9090
	}
	if st.ReadTimeout == 0 {
		st.ReadTimeout = 5 * time.Second
	}
	if st.WriteTimeout == 0 {
		st.WriteTimeout = 10 * time.Second
	}
	if st.ShutdownTimeout == 0 {
		st.ShutdownTimeout = 10 * time.Second
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	c := cfg.Client
	if c.MaxReconnectAttempts < 1 {
		return fmt.Errorf("client.max_reconnect_attempts must be positive")
	}
	if c.CampaignReconnectAttempts < 1 {
		return fmt.Errorf("client.campaign_reconnect_attempts must be positive")
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("client.base_delay must be positive")
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("client.max_delay (%v) must not be below client.base_delay (%v)", c.MaxDelay, c.BaseDelay)
	}
	if c.CampaignMaxDelay < c.BaseDelay {
		return fmt.Errorf("client.campaign_max_delay (%v) must not be below client.base_delay (%v)", c.CampaignMaxDelay, c.BaseDelay)
	}
	if math.IsNaN(c.Multiplier) || math.IsInf(c.Multiplier, 0) || c.Multiplier < 1 {
		return fmt.Errorf("client.multiplier must be finite and at least 1, got %v", c.Multiplier)
	}
	if j := c.Jitter(); math.IsNaN(j) || j < 0 || j > 1 {
		return fmt.Errorf("client.jitter_ratio must be between 0 and 1, got %v", j)
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("client.heartbeat_timeout must be positive")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("client.connect_timeout must be positive")
	}
	if c.FallbackInterval <= 0 {
		return fmt.Errorf("client.fallback_interval must be positive")
	}
	if c.FallbackMinGap < 0 {
		return fmt.Errorf("client.fallback_min_gap must be non-negative")
	}
	if c.ReconnectGrace < 0 {
		return fmt.Errorf("client.reconnect_grace must be non-negative")
	}

	b := cfg.Breaker
	if b.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if b.SuccessThreshold < 1 {
		return fmt.Errorf("breaker.success_threshold must be positive")
	}
	if b.Cooldown <= 0 {
		return fmt.Errorf("breaker.cooldown must be positive")
	}

	h := cfg.Health
	if h.Tick <= 0 || h.Window <= 0 || h.HeartbeatFresh <= 0 {
		return fmt.Errorf("health.tick, health.window and health.heartbeat_fresh must be positive")
	}
	if h.MinMessageRate <= 0 {
		return fmt.Errorf("health.min_message_rate must be positive")
	}

	if cfg.Session.BearerEnabled() {
		if cfg.Session.Issuer == "" {
			return fmt.Errorf("session.issuer is required when session.jwt_secret is set")
		}
		if cfg.Session.Audience == "" {
			return fmt.Errorf("session.audience is required when session.jwt_secret is set")
		}
		if cfg.Session.TokenTTL < time.Minute {
			return fmt.Errorf("session.token_ttl must be at least 1m")
		}
	}

	// TLS validation
	if cfg.TLS.ClientCertEnabled() && (cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}
	if cfg.TLS.MinVersion != "1.2" && cfg.TLS.MinVersion != "1.3" {
		return fmt.Errorf("tls.min_version must be \"1.2\" or \"1.3\", got %q", cfg.TLS.MinVersion)
	}

	if cfg.Status.Port < 1 || cfg.Status.Port > 65535 {
		return fmt.Errorf("status.port must be between 1 and 65535, got %d", cfg.Status.Port)
	}
	if cfg.Status.Admin.Enabled {
		if len(cfg.Status.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("status.admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Status.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("status.admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	// Logging validation
	if !ValidLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be json or text, got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}

	if len(cfg.Feeds) == 0 {
		return fmt.Errorf("at least one feed must be configured")
	}

	seen := make(map[string]bool)
	for i, f := range cfg.Feeds {
		if f.Name == "" {
			return fmt.Errorf("feeds[%d].name is required", i)
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate feed name: %s", f.Name)
		}
		seen[f.Name] = true

		if err := validateURL(f.URL); err != nil {
			return fmt.Errorf("feeds[%d].url: %w", i, err)
		}
		if f.PollURL != "" {
			if err := validateURL(f.PollURL); err != nil {
				return fmt.Errorf("feeds[%d].poll_url: %w", i, err)
			}
		}
	}

	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if strings.Contains(cfg.Session.JWTSecret, "${") {
		warnings = append(warnings, "session.jwt_secret contains unresolved environment variable")
	}
	if cfg.Client.CampaignMode && cfg.Client.CampaignReconnectAttempts < cfg.Client.MaxReconnectAttempts {
		warnings = append(warnings, "client.campaign_reconnect_attempts is below client.max_reconnect_attempts; campaign mode retries less")
	}
	if cfg.Client.FallbackMinGap > cfg.Client.FallbackInterval {
		warnings = append(warnings, "client.fallback_min_gap exceeds client.fallback_interval; polls will be rate limited")
	}
	for _, f := range cfg.Feeds {
		if strings.HasPrefix(f.URL, "http://") && cfg.Session.BearerEnabled() {
			warnings = append(warnings, fmt.Sprintf("feed %s sends a bearer token over plain http", f.Name))
		}
	}
	return warnings
}

// Redacted returns a copy safe to expose over the admin API.
func (c *Config) Redacted() Config {
	out := *c
	if out.Session.JWTSecret != "" {
		out.Session.JWTSecret = "[redacted]"
	}
	out.Feeds = append([]FeedConfig(nil), c.Feeds...)
	out.Warnings = nil
	return out
}
