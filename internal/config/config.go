// Package config provides configuration parsing and validation for the tunnel relay.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config represents the complete relay configuration.
type Config struct {
	Relay     RelayConfig      `yaml:"relay"`
	Listeners []ListenerConfig `yaml:"listeners"`
	Auth      AuthConfig       `yaml:"auth"`
	Tunnel    TunnelConfig     `yaml:"tunnel"`
	Limits    LimitsConfig     `yaml:"limits"`
	State     StateConfig      `yaml:"state"`
	Health    HealthConfig     `yaml:"health"`
}

// RelayConfig contains process-wide settings.
type RelayConfig struct {
	InstanceID string `yaml:"instance_id"` // "auto" or a fixed name
	LogLevel   string `yaml:"log_level"`   // debug, info, warn, error
	LogFormat  string `yaml:"log_format"`  // text, json
}

// ListenerConfig defines a transport listener.
type ListenerConfig struct {
	Transport      string    `yaml:"transport"`       // ws, tcp, quic
	Address        string    `yaml:"address"`         // listen address
	Path           string    `yaml:"path"`            // base path for ws
	PlainText      bool      `yaml:"plaintext"`       // no TLS (ws, tcp)
	MaxConnections int       `yaml:"max_connections"` // 0 = unlimited
	TLS            TLSConfig `yaml:"tls"`
}

// TLSConfig defines listener TLS settings.
type TLSConfig struct {
	Cert       string `yaml:"cert"`        // Certificate file path
	Key        string `yaml:"key"`         // Private key file path
	SelfSigned bool   `yaml:"self_signed"` // Generate an in-memory certificate
}

// AuthConfig defines peer authentication.
type AuthConfig struct {
	// TokenHash is a bcrypt hash of the shared token. Empty disables auth.
	TokenHash string `yaml:"token_hash"`
}

// TunnelConfig defines routing and forwarding behaviour.
type TunnelConfig struct {
	DialHost                string        `yaml:"dial_host"`
	ConnectTimeout          time.Duration `yaml:"connect_timeout"`
	IdleTimeout             time.Duration `yaml:"idle_timeout"`
	MaxTunnelsPerConnection int           `yaml:"max_tunnels_per_connection"`
	MaxClientsPerTunnel     int           `yaml:"max_clients_per_tunnel"`
	QueueSize               int           `yaml:"queue_size"`
	SendTimeout             time.Duration `yaml:"send_timeout"`
	RateLimit               ByteSize      `yaml:"rate_limit"` // per tunnel, per second; 0 = unlimited
	CloseReplaced           bool          `yaml:"close_replaced"`
}

// LimitsConfig defines resource limits.
type LimitsConfig struct {
	MaxMessageSize   ByteSize      `yaml:"max_message_size"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// StateConfig selects the tunnel state store.
type StateConfig struct {
	Backend string      `yaml:"backend"` // memory, redis
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig defines the redis state backend.
type RedisConfig struct {
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ByteSize is a byte count written in YAML as a human size ("1MiB", "512 KB")
// or a plain integer.
type ByteSize uint64

// UnmarshalYAML parses human sizes.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*b = 0
		return nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", s, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML writes the size in IEC units.
func (b ByteSize) MarshalYAML() (any, error) {
	if b == 0 {
		return "0", nil
	}
	s := strings.ReplaceAll(humanize.IBytes(uint64(b)), " ", "")
	if n, err := humanize.ParseBytes(s); err != nil || n != uint64(b) {
		return uint64(b), nil
	}
	return s, nil
}

// String returns the size in IEC units.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			InstanceID: "auto",
			LogLevel:   "info",
			LogFormat:  "text",
		},
		Listeners: []ListenerConfig{},
		Tunnel: TunnelConfig{
			DialHost:                "127.0.0.1",
			ConnectTimeout:          10 * time.Second,
			IdleTimeout:             5 * time.Minute, // Long-lived client sockets like SSH should stay open
			MaxTunnelsPerConnection: 100,
			MaxClientsPerTunnel:     256,
			QueueSize:               256,
			SendTimeout:             5 * time.Second,
		},
		Limits: LimitsConfig{
			MaxMessageSize:   1 << 20, // 1 MiB
			HandshakeTimeout: 10 * time.Second,
		},
		State: StateConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Address:   "127.0.0.1:6379",
				KeyPrefix: "tunnel-relay",
				TTL:       5 * time.Minute,
			},
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
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

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
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

	if !isValidLogLevel(c.Relay.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Relay.LogLevel))
	}
	if !isValidLogFormat(c.Relay.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Relay.LogFormat))
	}

	if len(c.Listeners) == 0 {
		errs = append(errs, "at least one listener is required")
	}
	seen := make(map[string]int)
	for i, l := range c.Listeners {
		if err := validateListener(l); err != nil {
			errs = append(errs, fmt.Sprintf("listeners[%d]: %v", i, err))
		}
		key := udpOrTCP(l.Transport) + " " + l.Address
		if j, dup := seen[key]; dup {
			errs = append(errs, fmt.Sprintf("listeners[%d]: address %s already used by listeners[%d]", i, l.Address, j))
		}
		seen[key] = i
	}

	if c.Auth.TokenHash != "" && !strings.HasPrefix(c.Auth.TokenHash, "$2") {
		errs = append(errs, "auth.token_hash must be a bcrypt hash (use the hash-token command)")
	}

	if c.Tunnel.DialHost == "" {
		errs = append(errs, "tunnel.dial_host is required")
	}
	if c.Tunnel.ConnectTimeout <= 0 {
		errs = append(errs, "tunnel.connect_timeout must be positive")
	}
	if c.Tunnel.IdleTimeout < 0 {
		errs = append(errs, "tunnel.idle_timeout must not be negative")
	}
	if c.Tunnel.MaxTunnelsPerConnection < 0 {
		errs = append(errs, "tunnel.max_tunnels_per_connection must not be negative")
	}
	if c.Tunnel.MaxClientsPerTunnel < 0 {
		errs = append(errs, "tunnel.max_clients_per_tunnel must not be negative")
	}
	if c.Tunnel.QueueSize < 1 {
		errs = append(errs, "tunnel.queue_size must be positive")
	}
	if c.Tunnel.SendTimeout <= 0 {
		errs = append(errs, "tunnel.send_timeout must be positive")
	}

	if c.Limits.MaxMessageSize < 1024 {
		errs = append(errs, "limits.max_message_size must be at least 1KiB")
	}
	if c.Limits.HandshakeTimeout <= 0 {
		errs = append(errs, "limits.handshake_timeout must be positive")
	}

	switch c.State.Backend {
	case "memory":
	case "redis":
		if c.State.Redis.Address == "" {
			errs = append(errs, "state.redis.address is required for the redis backend")
		}
		if c.State.Redis.TTL < 3*time.Second {
			errs = append(errs, "state.redis.ttl must be at least 3s")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid state.backend: %s (must be memory or redis)", c.State.Backend))
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
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

func isValidTransport(transport string) bool {
	switch transport {
	case "ws", "tcp", "quic":
		return true
	default:
		return false
	}
}

// udpOrTCP names the socket family a transport binds, so a quic and a tcp
// listener may share a port.
func udpOrTCP(transport string) string {
	if transport == "quic" {
		return "udp"
	}
	return "tcp"
}

func validateListener(l ListenerConfig) error {
	if !isValidTransport(l.Transport) {
		return fmt.Errorf("invalid transport: %s (must be ws, tcp, or quic)", l.Transport)
	}
	if l.Address == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(l.Address); err != nil {
		return fmt.Errorf("invalid address %q: %v", l.Address, err)
	}
	if l.Transport == "ws" && l.Path != "" && !strings.HasPrefix(l.Path, "/") {
		return fmt.Errorf("path must start with / for ws transport")
	}
	if l.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative")
	}
	if l.PlainText {
		if l.Transport == "quic" {
			return fmt.Errorf("plaintext is not supported for quic")
		}
		return nil
	}
	if !l.TLS.SelfSigned && (l.TLS.Cert == "" || l.TLS.Key == "") {
		return fmt.Errorf("tls.cert and tls.key are required (or set tls.self_signed or plaintext)")
	}
	return nil
}

// ResolveInstanceID returns the configured instance id, generating one
// from the hostname when it is "auto" or empty.
func (c *Config) ResolveInstanceID() string {
	id := c.Relay.InstanceID
	if id != "" && id != "auto" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relay"
	}
	return host + "-" + uuid.NewString()[:8]
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
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
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Auth.TokenHash != "" {
		redacted.Auth.TokenHash = redactedValue
	}
	if redacted.State.Redis.Password != "" {
		redacted.State.Redis.Password = redactedValue
	}
	for i := range redacted.Listeners {
		if redacted.Listeners[i].TLS.Key != "" {
			redacted.Listeners[i].TLS.Key = redactedValue
		}
	}

	return redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	return c.Auth.TokenHash != "" || c.State.Redis.Password != ""
}
