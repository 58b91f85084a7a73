// Package config provides configuration parsing and validation for pairlink.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config represents the complete client configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Device     DeviceConfig     `yaml:"device"`
	Store      StoreConfig      `yaml:"store"`
	Session    SessionConfig    `yaml:"session"`
	Connection ConnectionConfig `yaml:"connection"`
	RPC        RPCConfig        `yaml:"rpc"`
	Direct     DirectConfig     `yaml:"direct"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// DeviceConfig describes this device to the host during pairing.
type DeviceConfig struct {
	Name string `yaml:"name"`
}

// StoreConfig defines the encrypted credential store.
type StoreConfig struct {
	Path          string        `yaml:"path"`
	Passphrase    string        `yaml:"passphrase"`     // inline, usually ${VAR}
	PassphraseEnv string        `yaml:"passphrase_env"` // variable holding the passphrase
	FlushDelay    time.Duration `yaml:"flush_delay"`    // 0 writes through
}

// ResolvePassphrase returns the inline passphrase or the value of
// PassphraseEnv.
func (s StoreConfig) ResolvePassphrase() string {
	if s.Passphrase != "" {
		return s.Passphrase
	}
	if s.PassphraseEnv != "" {
		return os.Getenv(s.PassphraseEnv)
	}
	return ""
}

// SessionConfig defines the direct-mode session window.
type SessionConfig struct {
	Timeout            time.Duration `yaml:"timeout"`
	RefreshThreshold   time.Duration `yaml:"refresh_threshold"`
	MinRefreshInterval time.Duration `yaml:"min_refresh_interval"`
}

// ConnectionConfig defines socket and reconnection tuning.
type ConnectionConfig struct {
	Keepalive        time.Duration   `yaml:"keepalive"`
	ConnectWait      time.Duration   `yaml:"connect_wait"`
	HandshakeTimeout time.Duration   `yaml:"handshake_timeout"`
	DialTimeout      time.Duration   `yaml:"dial_timeout"`
	ReadLimit        ByteSize        `yaml:"read_limit"`
	Proxy            string          `yaml:"proxy"` // HTTP proxy for relay sockets
	Reconnect        ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig defines reconnection behavior.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
	MaxAttempts  int           `yaml:"max_attempts"` // 0 = infinite
}

// RPCConfig defines request correlation timeouts.
type RPCConfig struct {
	CallTimeout       time.Duration `yaml:"call_timeout"`
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout"`
	StreamMaxDuration time.Duration `yaml:"stream_max_duration"`
	MaxBufferedChunks int           `yaml:"max_buffered_chunks"`
}

// DirectConfig defines direct-mode HTTP settings.
type DirectConfig struct {
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	MaxBodySize      ByteSize      `yaml:"max_body_size"`
	LegacySignatures bool          `yaml:"legacy_signatures"`
}

// MetricsConfig defines the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// ByteSize is a size in bytes written as a number or a human string such
// as "16MiB" or "512 KB".
type ByteSize uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var n uint64
	if err := node.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", s, err)
	}
	*b = ByteSize(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

// String returns the size in IEC units.
func (b ByteSize) String() string {
	return strings.ReplaceAll(humanize.IBytes(uint64(b)), " ", "")
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Device: DeviceConfig{
			Name: "pairlink",
		},
		Store: StoreConfig{
			Path:          "./data/pairlink.store",
			PassphraseEnv: "PAIRLINK_PASSPHRASE",
			FlushDelay:    0,
		},
		Session: SessionConfig{
			Timeout:            15 * time.Minute,
			RefreshThreshold:   5 * time.Minute,
			MinRefreshInterval: 30 * time.Second,
		},
		Connection: ConnectionConfig{
			Keepalive:        30 * time.Second,
			ConnectWait:      5 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			DialTimeout:      10 * time.Second,
			ReadLimit:        16 << 20,
			Reconnect: ReconnectConfig{
				InitialDelay: 1 * time.Second,
				MaxDelay:     30 * time.Second,
				Multiplier:   2.0,
				Jitter:       0,
				MaxAttempts:  5,
			},
		},
		RPC: RPCConfig{
			CallTimeout:       15 * time.Second,
			StreamIdleTimeout: 30 * time.Second,
			StreamMaxDuration: 120 * time.Second,
			MaxBufferedChunks: 1024,
		},
		Direct: DirectConfig{
			RequestTimeout: 15 * time.Second,
			ProbeTimeout:   3 * time.Second,
			MaxBodySize:    16 << 20,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9464",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if c.Store.Path == "" {
		errs = append(errs, "store.path is required")
	}
	if c.Store.FlushDelay < 0 {
		errs = append(errs, "store.flush_delay must not be negative")
	}

	if c.Session.Timeout <= 0 {
		errs = append(errs, "session.timeout must be positive")
	}
	if c.Session.RefreshThreshold < 0 || c.Session.RefreshThreshold >= c.Session.Timeout {
		errs = append(errs, "session.refresh_threshold must be between 0 and session.timeout")
	}

	conn := c.Connection
	for name, d := range map[string]time.Duration{
		"connection.keepalive":         conn.Keepalive,
		"connection.connect_wait":      conn.ConnectWait,
		"connection.handshake_timeout": conn.HandshakeTimeout,
		"connection.dial_timeout":      conn.DialTimeout,
		"rpc.call_timeout":             c.RPC.CallTimeout,
		"rpc.stream_idle_timeout":      c.RPC.StreamIdleTimeout,
		"rpc.stream_max_duration":      c.RPC.StreamMaxDuration,
		"direct.request_timeout":       c.Direct.RequestTimeout,
		"direct.probe_timeout":         c.Direct.ProbeTimeout,
	} {
		if d <= 0 {
			errs = append(errs, name+" must be positive")
		}
	}
	if conn.ReadLimit < 1024 {
		errs = append(errs, "connection.read_limit must be at least 1KiB")
	}
	if conn.Proxy != "" {
		if u, err := url.Parse(conn.Proxy); err != nil || u.Host == "" {
			errs = append(errs, fmt.Sprintf("connection.proxy: invalid URL: %s", conn.Proxy))
		}
	}

	r := conn.Reconnect
	if r.InitialDelay <= 0 {
		errs = append(errs, "connection.reconnect.initial_delay must be positive")
	}
	if r.MaxDelay < r.InitialDelay {
		errs = append(errs, "connection.reconnect.max_delay must be >= initial_delay")
	}
	if r.Multiplier < 1 {
		errs = append(errs, "connection.reconnect.multiplier must be at least 1")
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		errs = append(errs, "connection.reconnect.jitter must be between 0 and 1")
	}
	if r.MaxAttempts < 0 {
		errs = append(errs, "connection.reconnect.max_attempts must not be negative")
	}

	if c.RPC.MaxBufferedChunks < 1 {
		errs = append(errs, "rpc.max_buffered_chunks must be positive")
	}
	if c.Direct.MaxBodySize < 1024 {
		errs = append(errs, "direct.max_body_size must be at least 1KiB")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when enabled")
	}

	if len(errs) > 0 {
		// Map iteration above is unordered.
		slices.Sort(errs)
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	redacted := *c
	if redacted.Store.Passphrase != "" {
		redacted.Store.Passphrase = redactedValue
	}
	if u, err := url.Parse(redacted.Connection.Proxy); err == nil && u.User != nil {
		redacted.Connection.Proxy = u.Redacted()
	}
	return &redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	if c.Store.Passphrase != "" {
		return true
	}
	if u, err := url.Parse(c.Connection.Proxy); err == nil && u.User != nil {
		_, ok := u.User.Password()
		return ok
	}
	return false
}
