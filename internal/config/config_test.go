package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalListener = `
listeners:
  - transport: tcp
    address: "127.0.0.1:7000"
    plaintext: true
`

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Relay.InstanceID != "auto" {
		t.Errorf("Relay.InstanceID = %s, want auto", cfg.Relay.InstanceID)
	}
	if cfg.Relay.LogLevel != "info" {
		t.Errorf("Relay.LogLevel = %s, want info", cfg.Relay.LogLevel)
	}
	if cfg.Tunnel.DialHost != "127.0.0.1" {
		t.Errorf("Tunnel.DialHost = %s, want 127.0.0.1", cfg.Tunnel.DialHost)
	}
	if cfg.Tunnel.QueueSize != 256 {
		t.Errorf("Tunnel.QueueSize = %d, want 256", cfg.Tunnel.QueueSize)
	}
	if cfg.Limits.MaxMessageSize != 1<<20 {
		t.Errorf("Limits.MaxMessageSize = %d, want 1MiB", cfg.Limits.MaxMessageSize)
	}
	if cfg.State.Backend != "memory" {
		t.Errorf("State.Backend = %s, want memory", cfg.State.Backend)
	}
	if cfg.Health.Enabled {
		t.Error("Health.Enabled should default to false")
	}

	// Defaults alone lack a listener.
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "at least one listener") {
		t.Errorf("Validate() error = %v, want missing listener", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
relay:
  instance_id: "relay-eu-1"
  log_level: "debug"
  log_format: "json"

listeners:
  - transport: ws
    address: "0.0.0.0:8443"
    path: "/relay"
    max_connections: 50
    tls:
      cert: "./certs/relay.crt"
      key: "./certs/relay.key"
  - transport: quic
    address: "0.0.0.0:8443"
    tls:
      self_signed: true

auth:
  token_hash: "$2a$10$abcdefghijklmnopqrstuuJ1Xc3ckDqQ4R7G1a0mWZbqHqK6u0eGa"

tunnel:
  dial_host: "10.0.0.5"
  connect_timeout: 3s
  idle_timeout: 0s
  max_tunnels_per_connection: 10
  max_clients_per_tunnel: 32
  queue_size: 64
  send_timeout: 1s
  rate_limit: "2 MiB"
  close_replaced: true

limits:
  max_message_size: "256KiB"

state:
  backend: redis
  redis:
    address: "redis:6379"
    password: "secret"
    db: 2
    ttl: 30s

health:
  enabled: true
  address: ":9090"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Relay.InstanceID != "relay-eu-1" {
		t.Errorf("Relay.InstanceID = %s, want relay-eu-1", cfg.Relay.InstanceID)
	}
	if cfg.Relay.LogFormat != "json" {
		t.Errorf("Relay.LogFormat = %s, want json", cfg.Relay.LogFormat)
	}
	if len(cfg.Listeners) != 2 {
		t.Fatalf("len(Listeners) = %d, want 2", len(cfg.Listeners))
	}
	if cfg.Listeners[0].MaxConnections != 50 {
		t.Errorf("Listeners[0].MaxConnections = %d, want 50", cfg.Listeners[0].MaxConnections)
	}
	if !cfg.Listeners[1].TLS.SelfSigned {
		t.Error("Listeners[1].TLS.SelfSigned should be true")
	}
	if cfg.Tunnel.DialHost != "10.0.0.5" {
		t.Errorf("Tunnel.DialHost = %s, want 10.0.0.5", cfg.Tunnel.DialHost)
	}
	if cfg.Tunnel.ConnectTimeout != 3*time.Second {
		t.Errorf("Tunnel.ConnectTimeout = %v, want 3s", cfg.Tunnel.ConnectTimeout)
	}
	if cfg.Tunnel.IdleTimeout != 0 {
		t.Errorf("Tunnel.IdleTimeout = %v, want 0", cfg.Tunnel.IdleTimeout)
	}
	if cfg.Tunnel.RateLimit != 2<<20 {
		t.Errorf("Tunnel.RateLimit = %d, want 2MiB", cfg.Tunnel.RateLimit)
	}
	if !cfg.Tunnel.CloseReplaced {
		t.Error("Tunnel.CloseReplaced should be true")
	}
	if cfg.Limits.MaxMessageSize != 256<<10 {
		t.Errorf("Limits.MaxMessageSize = %d, want 256KiB", cfg.Limits.MaxMessageSize)
	}
	if cfg.State.Redis.DB != 2 {
		t.Errorf("State.Redis.DB = %d, want 2", cfg.State.Redis.DB)
	}
	if cfg.State.Redis.KeyPrefix != "tunnel-relay" {
		t.Errorf("State.Redis.KeyPrefix = %s, want default tunnel-relay", cfg.State.Redis.KeyPrefix)
	}
	if !cfg.Health.Enabled || cfg.Health.Address != ":9090" {
		t.Errorf("Health = %+v, want enabled on :9090", cfg.Health)
	}
}

func TestParse_MinimalConfig(t *testing.T) {
	cfg, err := Parse([]byte(minimalListener))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Relay.LogLevel != "info" {
		t.Errorf("Relay.LogLevel = %s, want info", cfg.Relay.LogLevel)
	}
	if cfg.Tunnel.SendTimeout != 5*time.Second {
		t.Errorf("Tunnel.SendTimeout = %v, want 5s", cfg.Tunnel.SendTimeout)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("listeners: [unclosed"))
	if err == nil {
		t.Error("Parse() should fail for invalid YAML")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantError string
	}{
		{
			name:      "invalid log level",
			yaml:      "relay:\n  log_level: loud\n" + minimalListener,
			wantError: "invalid log_level",
		},
		{
			name:      "invalid log format",
			yaml:      "relay:\n  log_format: xml\n" + minimalListener,
			wantError: "invalid log_format",
		},
		{
			name: "listener invalid transport",
			yaml: `
listeners:
  - transport: udp
    address: "0.0.0.0:7000"
    plaintext: true
`,
			wantError: "invalid transport",
		},
		{
			name: "listener missing address",
			yaml: `
listeners:
  - transport: tcp
    plaintext: true
`,
			wantError: "address is required",
		},
		{
			name: "listener bad address",
			yaml: `
listeners:
  - transport: tcp
    address: "no-port"
    plaintext: true
`,
			wantError: "invalid address",
		},
		{
			name: "ws path",
			yaml: `
listeners:
  - transport: ws
    address: "0.0.0.0:8080"
    path: "relay"
    plaintext: true
`,
			wantError: "path must start with /",
		},
		{
			name: "tls missing",
			yaml: `
listeners:
  - transport: tcp
    address: "0.0.0.0:7000"
`,
			wantError: "tls.cert and tls.key are required",
		},
		{
			name: "quic plaintext",
			yaml: `
listeners:
  - transport: quic
    address: "0.0.0.0:7000"
    plaintext: true
`,
			wantError: "plaintext is not supported for quic",
		},
		{
			name: "duplicate address",
			yaml: `
listeners:
  - transport: tcp
    address: "0.0.0.0:7000"
    plaintext: true
  - transport: ws
    address: "0.0.0.0:7000"
    path: "/"
    plaintext: true
`,
			wantError: "already used by listeners[0]",
		},
		{
			name:      "token hash not bcrypt",
			yaml:      "auth:\n  token_hash: plain\n" + minimalListener,
			wantError: "auth.token_hash must be a bcrypt hash",
		},
		{
			name:      "queue size",
			yaml:      "tunnel:\n  queue_size: 0\n" + minimalListener,
			wantError: "tunnel.queue_size must be positive",
		},
		{
			name:      "bad size",
			yaml:      "limits:\n  max_message_size: lots\n" + minimalListener,
			wantError: "invalid size",
		},
		{
			name:      "message size too small",
			yaml:      "limits:\n  max_message_size: 10\n" + minimalListener,
			wantError: "limits.max_message_size must be at least 1KiB",
		},
		{
			name:      "unknown backend",
			yaml:      "state:\n  backend: etcd\n" + minimalListener,
			wantError: "invalid state.backend",
		},
		{
			name:      "redis ttl",
			yaml:      "state:\n  backend: redis\n  redis:\n    ttl: 1s\n" + minimalListener,
			wantError: "state.redis.ttl must be at least 3s",
		},
		{
			name:      "health address",
			yaml:      "health:\n  enabled: true\n  address: \"\"\n" + minimalListener,
			wantError: "health.address is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Parse() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("error = %v, want containing %q", err, tt.wantError)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Relay.LogLevel = "loud"
	cfg.Tunnel.QueueSize = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should fail")
	}
	for _, want := range []string{"invalid log_level", "at least one listener", "queue_size"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestValidate_QUICAndTCPSharePort(t *testing.T) {
	cfg := Default()
	cfg.Listeners = []ListenerConfig{
		{Transport: "tcp", Address: "0.0.0.0:7000", TLS: TLSConfig{SelfSigned: true}},
		{Transport: "quic", Address: "0.0.0.0:7000", TLS: TLSConfig{SelfSigned: true}},
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestParse_EnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_RELAY_ADDR", "127.0.0.1:9999")
	t.Setenv("TEST_REDIS_PASSWORD", "hunter2")

	yamlConfig := `
listeners:
  - transport: tcp
    address: "${TEST_RELAY_ADDR}"
    plaintext: true
state:
  redis:
    password: $TEST_REDIS_PASSWORD
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Listeners[0].Address != "127.0.0.1:9999" {
		t.Errorf("Listeners[0].Address = %s, want 127.0.0.1:9999", cfg.Listeners[0].Address)
	}
	if cfg.State.Redis.Password != "hunter2" {
		t.Errorf("State.Redis.Password = %s, want hunter2", cfg.State.Redis.Password)
	}
}

func TestParse_EnvVarDefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_DIAL_HOST")

	yamlConfig := `
tunnel:
  dial_host: "${NONEXISTENT_DIAL_HOST:-localhost}"
` + minimalListener

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Tunnel.DialHost != "localhost" {
		t.Errorf("Tunnel.DialHost = %s, want localhost", cfg.Tunnel.DialHost)
	}
}

func TestParse_EnvVarNotFound(t *testing.T) {
	os.Unsetenv("NONEXISTENT_INSTANCE")

	yamlConfig := `
relay:
  instance_id: "${NONEXISTENT_INSTANCE}"
` + minimalListener

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// Unknown variables are left in place
	if cfg.Relay.InstanceID != "${NONEXISTENT_INSTANCE}" {
		t.Errorf("Relay.InstanceID = %s, want ${NONEXISTENT_INSTANCE}", cfg.Relay.InstanceID)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() should fail for nonexistent file")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	configContent := "relay:\n  log_level: debug\n" + minimalListener
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Relay.LogLevel != "debug" {
		t.Errorf("Relay.LogLevel = %s, want debug", cfg.Relay.LogLevel)
	}
}

func TestByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want ByteSize
	}{
		{"1048576", 1 << 20},
		{"1MiB", 1 << 20},
		{"1 MB", 1000 * 1000},
		{"64KiB", 64 << 10},
		{"0", 0},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			cfg, err := Parse([]byte("tunnel:\n  rate_limit: \"" + tt.in + "\"\n" + minimalListener))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if cfg.Tunnel.RateLimit != tt.want {
				t.Errorf("RateLimit = %d, want %d", cfg.Tunnel.RateLimit, tt.want)
			}
		})
	}

	if got := ByteSize(1 << 20).String(); got != "1.0 MiB" {
		t.Errorf("String() = %q, want 1.0 MiB", got)
	}
}

func TestConfig_Redacted(t *testing.T) {
	cfg := Default()
	cfg.Auth.TokenHash = "$2a$10$secret"
	cfg.State.Redis.Password = "hunter2"
	cfg.Listeners = []ListenerConfig{{Transport: "tcp", Address: ":7000", TLS: TLSConfig{Cert: "c.pem", Key: "k.pem"}}}
	cfg.Tunnel.RateLimit = 1 << 20

	if !cfg.HasSensitiveData() {
		t.Error("HasSensitiveData() = false, want true")
	}

	r := cfg.Redacted()
	if r.Auth.TokenHash != redactedValue {
		t.Errorf("TokenHash = %s, want redacted", r.Auth.TokenHash)
	}
	if r.State.Redis.Password != redactedValue {
		t.Errorf("Redis.Password = %s, want redacted", r.State.Redis.Password)
	}
	if r.Listeners[0].TLS.Key != redactedValue {
		t.Errorf("TLS.Key = %s, want redacted", r.Listeners[0].TLS.Key)
	}
	if r.Listeners[0].TLS.Cert != "c.pem" {
		t.Errorf("TLS.Cert = %s, want c.pem", r.Listeners[0].TLS.Cert)
	}
	if r.Tunnel.RateLimit != 1<<20 {
		t.Errorf("RateLimit = %d after round trip, want 1MiB", r.Tunnel.RateLimit)
	}

	// Original untouched
	if cfg.State.Redis.Password != "hunter2" {
		t.Error("Redacted() modified the original config")
	}

	s := cfg.String()
	if strings.Contains(s, "hunter2") {
		t.Error("String() leaked the redis password")
	}
	if !strings.Contains(cfg.StringUnsafe(), "hunter2") {
		t.Error("StringUnsafe() should include the redis password")
	}
}

func TestResolveInstanceID(t *testing.T) {
	cfg := Default()
	cfg.Relay.InstanceID = "fixed"
	if got := cfg.ResolveInstanceID(); got != "fixed" {
		t.Errorf("ResolveInstanceID() = %s, want fixed", got)
	}

	cfg.Relay.InstanceID = "auto"
	a := cfg.ResolveInstanceID()
	b := cfg.ResolveInstanceID()
	if a == "auto" || a == "" {
		t.Errorf("ResolveInstanceID() = %q, want generated id", a)
	}
	if a == b {
		t.Errorf("generated ids should differ, both %q", a)
	}
}
