// Package config handles hub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level hub configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Quota     QuotaConfig     `json:"quota,omitempty" yaml:"quota,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	Content   ContentConfig   `json:"content,omitempty" yaml:"content,omitempty"`
	Presence  PresenceConfig  `json:"presence,omitempty" yaml:"presence,omitempty"`
	Health    HealthConfig    `json:"health,omitempty" yaml:"health,omitempty"`
	Session   SessionConfig   `json:"session" yaml:"session"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr             string   `json:"addr" yaml:"addr"` // e.g. ":8080"
	TLSCert          string   `json:"tls_cert,omitempty" yaml:"tls_cert,omitempty"`
	TLSKey           string   `json:"tls_key,omitempty" yaml:"tls_key,omitempty"`
	AllowedOrigins   []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"` // websocket origins; default ["*"]
	MaxBodyBytes     int64    `json:"max_body_bytes,omitempty" yaml:"max_body_bytes,omitempty"`   // default 1MB
	MaxFrameBytes    int64    `json:"max_frame_bytes,omitempty" yaml:"max_frame_bytes,omitempty"` // max websocket frame from a client; default 64KB
	SendQueueSize    int      `json:"send_queue_size,omitempty" yaml:"send_queue_size,omitempty"` // outbound frames buffered per connection; default 256
	LoginPerMinute   int      `json:"login_per_minute,omitempty" yaml:"login_per_minute,omitempty"`
	UpgradePerMinute int      `json:"upgrade_per_minute,omitempty" yaml:"upgrade_per_minute,omitempty"`
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider     string        `json:"provider,omitempty" yaml:"provider,omitempty"`         // "builtin" (default) or "clerk"
	ClerkIssuer  string        `json:"clerk_issuer,omitempty" yaml:"clerk_issuer,omitempty"` // e.g. "https://foo.clerk.accounts.dev"
	JWTSecret    string        `json:"jwt_secret" yaml:"jwt_secret"`
	JWTExpiry    Duration      `json:"jwt_expiry,omitempty" yaml:"jwt_expiry,omitempty"`
	InitialAdmin *InitialAdmin `json:"initial_admin,omitempty" yaml:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver         string   `json:"driver" yaml:"driver"`                                       // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn" yaml:"dsn"`                                             // e.g. "collab.db" or ":memory:"
	Retention      Duration `json:"retention,omitempty" yaml:"retention,omitempty"`             // message retention
	AuditRetention Duration `json:"audit_retention,omitempty" yaml:"audit_retention,omitempty"` // defaults to Retention
}

// QuotaConfig bounds connections per user.
type QuotaConfig struct {
	MaxConnectionsPerUser int      `json:"max_connections_per_user,omitempty" yaml:"max_connections_per_user,omitempty"` // default 5
	MaxAttempts           int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`                         // default 5
	AttemptWindow         Duration `json:"attempt_window,omitempty" yaml:"attempt_window,omitempty"`                     // default 5m
}

// RateLimitConfig defines per-operation ceilings. Keys are operation names
// (send_message, typing, join_room, history, update_presence).
type RateLimitConfig struct {
	Rules           map[string]RuleConfig `json:"rules,omitempty" yaml:"rules,omitempty"`
	CleanupInterval Duration              `json:"cleanup_interval,omitempty" yaml:"cleanup_interval,omitempty"` // default 5m
	MaxIdle         Duration              `json:"max_idle,omitempty" yaml:"max_idle,omitempty"`                 // default 10m
}

// RuleConfig is one operation's ceiling.
type RuleConfig struct {
	Limit  int      `json:"limit" yaml:"limit"`
	Window Duration `json:"window" yaml:"window"`
}

// ContentConfig bounds message size and spam heuristics.
type ContentConfig struct {
	MaxTotalBytes    int      `json:"max_total_bytes,omitempty" yaml:"max_total_bytes,omitempty"`
	MaxContentBytes  int      `json:"max_content_bytes,omitempty" yaml:"max_content_bytes,omitempty"`
	MaxMetadataBytes int      `json:"max_metadata_bytes,omitempty" yaml:"max_metadata_bytes,omitempty"`
	MaxRepeatedRun   int      `json:"max_repeated_run,omitempty" yaml:"max_repeated_run,omitempty"`
	MaxLinks         int      `json:"max_links,omitempty" yaml:"max_links,omitempty"`
	SpamPhrases      []string `json:"spam_phrases,omitempty" yaml:"spam_phrases,omitempty"`
}

// PresenceConfig controls idle detection.
type PresenceConfig struct {
	IdleAfter     Duration `json:"idle_after,omitempty" yaml:"idle_after,omitempty"`         // default 5m
	SweepInterval Duration `json:"sweep_interval,omitempty" yaml:"sweep_interval,omitempty"` // default 30s
}

// HealthConfig controls the connection pool health monitor.
type HealthConfig struct {
	Interval      Duration `json:"interval,omitempty" yaml:"interval,omitempty"`             // default 30s
	Timeout       Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`               // per probe, default 5s
	MaxConcurrent int      `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"` // default 64
}

// SessionConfig defines session behavior.
type SessionConfig struct {
	PersistMessages     bool `json:"persist_messages,omitempty" yaml:"persist_messages,omitempty"`
	HistoryDefaultLimit int  `json:"history_default_limit,omitempty" yaml:"history_default_limit,omitempty"` // default 50
	HistoryMaxLimit     int  `json:"history_max_limit,omitempty" yaml:"history_max_limit,omitempty"`         // default 200
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // "json" or "text"
}

// Duration is a JSON- and YAML-friendly time.Duration. It accepts Go
// duration strings or a number of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	case int:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

// isYAML reports whether path should be parsed as YAML.
func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads and validates a config file. Files ending in .yaml or .yml are
// parsed as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if isYAML(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes cfg to path in the format implied by its extension.
func Save(path string, cfg *Config) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

var knownOperations = map[string]bool{
	"send_message":    true,
	"typing":          true,
	"join_room":       true,
	"history":         true,
	"update_presence": true,
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// JWTSecret is only required for builtin auth provider.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	if c.Auth.Provider == "clerk" && c.Auth.ClerkIssuer == "" {
		return fmt.Errorf("auth.clerk_issuer is required when provider is clerk")
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	for op, rule := range c.RateLimit.Rules {
		if !knownOperations[op] {
			return fmt.Errorf("rate_limit.rules: unknown operation %q", op)
		}
		if rule.Limit <= 0 || rule.Window.Duration <= 0 {
			return fmt.Errorf("rate_limit.rules.%s: limit and window must be positive", op)
		}
	}
	if c.Session.HistoryMaxLimit < 0 || c.Session.HistoryDefaultLimit < 0 {
		return fmt.Errorf("session history limits must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "collab.db"
	}
	if c.Storage.Retention.Duration == 0 {
		c.Storage.Retention.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = c.Storage.Retention.Duration
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Server.MaxFrameBytes == 0 {
		c.Server.MaxFrameBytes = 64 * 1024 // 64KB
	}
	if c.Server.SendQueueSize == 0 {
		c.Server.SendQueueSize = 256
	}
	if c.Server.LoginPerMinute == 0 {
		c.Server.LoginPerMinute = 10
	}
	if c.Server.UpgradePerMinute == 0 {
		c.Server.UpgradePerMinute = 60
	}
	if c.Quota.MaxConnectionsPerUser == 0 {
		c.Quota.MaxConnectionsPerUser = 5
	}
	if c.Quota.MaxAttempts == 0 {
		c.Quota.MaxAttempts = 5
	}
	if c.Quota.AttemptWindow.Duration == 0 {
		c.Quota.AttemptWindow.Duration = 5 * time.Minute
	}
	if c.RateLimit.CleanupInterval.Duration == 0 {
		c.RateLimit.CleanupInterval.Duration = 5 * time.Minute
	}
	if c.RateLimit.MaxIdle.Duration == 0 {
		c.RateLimit.MaxIdle.Duration = 10 * time.Minute
	}
	if c.Presence.IdleAfter.Duration == 0 {
		c.Presence.IdleAfter.Duration = 5 * time.Minute
	}
	if c.Presence.SweepInterval.Duration == 0 {
		c.Presence.SweepInterval.Duration = 30 * time.Second
	}
	if c.Health.Interval.Duration == 0 {
		c.Health.Interval.Duration = 30 * time.Second
	}
	if c.Health.Timeout.Duration == 0 {
		c.Health.Timeout.Duration = 5 * time.Second
	}
	if c.Health.MaxConcurrent == 0 {
		c.Health.MaxConcurrent = 64
	}
	if c.Session.HistoryDefaultLimit == 0 {
		c.Session.HistoryDefaultLimit = 50
	}
	if c.Session.HistoryMaxLimit == 0 {
		c.Session.HistoryMaxLimit = 200
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}
