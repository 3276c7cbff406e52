// Package wizard provides an interactive setup wizard for the tunnel relay.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/tunnel-relay/internal/config"
	"github.com/postalsys/tunnel-relay/internal/transport"
)

// TLS setup choices.
const (
	TLSSelfSigned = "self_signed"
	TLSGenerate   = "generate"
	TLSExisting   = "existing"
	TLSPlainText  = "plaintext"
)

// Answers holds everything the wizard asks. DefaultAnswers is used by
// non-interactive init.
type Answers struct {
	ConfigPath string

	Transport  string
	ListenAddr string
	Path       string

	TLSChoice string
	CertsDir  string
	CertPath  string
	KeyPath   string
	CertName  string
	CertDays  int

	EnableAuth bool
	DialHost   string

	StateBackend string
	RedisAddress string

	HealthEnabled bool
	LogLevel      string
}

// DefaultAnswers returns the answers a user gets by accepting every default.
func DefaultAnswers() Answers {
	return Answers{
		ConfigPath:    "./config.yaml",
		Transport:     "ws",
		ListenAddr:    "0.0.0.0:8443",
		Path:          transport.DefaultWebSocketPath,
		TLSChoice:     TLSSelfSigned,
		CertsDir:      "./certs",
		CertName:      "tunnel-relay",
		CertDays:      365,
		EnableAuth:    true,
		DialHost:      "127.0.0.1",
		StateBackend:  "memory",
		RedisAddress:  "127.0.0.1:6379",
		HealthEnabled: true,
		LogLevel:      "info",
	}
}

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string

	// Token is the generated peer token. Only its hash is written to the
	// config, so this is the one chance to show it.
	Token string

	// CertPath is set when certificates were generated.
	CertPath string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	a := DefaultAnswers()

	if err := w.askBasicSetup(&a); err != nil {
		return nil, err
	}
	if err := w.askNetworkConfig(&a); err != nil {
		return nil, err
	}
	if err := w.askTLSSetup(&a); err != nil {
		return nil, err
	}
	if err := w.askTunnelOptions(&a); err != nil {
		return nil, err
	}
	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	res, err := Generate(a)
	if err != nil {
		return nil, err
	}

	printSummary(res)
	return res, nil
}

// Generate builds and writes a config from answers without prompting.
func Generate(a Answers) (*Result, error) {
	res := &Result{ConfigPath: a.ConfigPath}

	if a.TLSChoice == TLSGenerate {
		certPath, keyPath, err := generateCertificates(a.CertsDir, a.CertName, a.CertDays)
		if err != nil {
			return nil, err
		}
		a.CertPath, a.KeyPath = certPath, keyPath
		res.CertPath = certPath
	}

	var tokenHash string
	if a.EnableAuth {
		res.Token = newToken()
		hash, err := transport.HashToken(res.Token)
		if err != nil {
			return nil, err
		}
		tokenHash = hash
	}

	cfg, err := BuildConfig(a, tokenHash)
	if err != nil {
		return nil, err
	}
	res.Config = cfg

	if err := WriteConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}
	return res, nil
}

// BuildConfig turns answers into a validated config.
func BuildConfig(a Answers, tokenHash string) (*config.Config, error) {
	cfg := config.Default()

	cfg.Relay.LogLevel = a.LogLevel
	cfg.Relay.LogFormat = "text"

	listener := config.ListenerConfig{
		Transport: a.Transport,
		Address:   a.ListenAddr,
	}
	if a.Transport == "ws" {
		listener.Path = a.Path
	}
	switch a.TLSChoice {
	case TLSSelfSigned:
		listener.TLS.SelfSigned = true
	case TLSGenerate, TLSExisting:
		listener.TLS.Cert = a.CertPath
		listener.TLS.Key = a.KeyPath
	case TLSPlainText:
		listener.PlainText = true
	default:
		return nil, fmt.Errorf("unknown TLS choice: %s", a.TLSChoice)
	}
	cfg.Listeners = []config.ListenerConfig{listener}

	cfg.Auth.TokenHash = tokenHash
	cfg.Tunnel.DialHost = a.DialHost

	cfg.State.Backend = a.StateBackend
	if a.StateBackend == "redis" {
		cfg.State.Redis.Address = a.RedisAddress
	}

	cfg.Health.Enabled = a.HealthEnabled

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteConfig writes cfg as YAML with a header comment.
func WriteConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# Tunnel Relay Configuration
# Generated by setup wizard

`
	// The file may hold a token hash or a redis password.
	if err := os.WriteFile(path, []byte(header+string(data)), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func newToken() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

func generateCertificates(certsDir, commonName string, days int) (certPath, keyPath string, err error) {
	if days < 1 {
		days = 365
	}
	if err := os.MkdirAll(certsDir, 0700); err != nil {
		return "", "", fmt.Errorf("failed to create certs directory: %w", err)
	}

	certPEM, keyPEM, err := transport.GenerateSelfSignedCert(commonName, time.Duration(days)*24*time.Hour)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate certificate: %w", err)
	}

	certPath = filepath.Join(certsDir, "server.crt")
	keyPath = filepath.Join(certsDir, "server.key")
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return "", "", fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return "", "", fmt.Errorf("failed to write key: %w", err)
	}
	return certPath, keyPath, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
  _____                       _   ____      _
 |_   _|   _ _ __  _ __   ___| | |  _ \ ___| | __ _ _   _
   | || | | | '_ \| '_ \ / _ \ | | |_) / _ \ |/ _' | | | |
   | || |_| | | | | | | |  __/ | |  _ <  __/ | (_| | |_| |
   |_| \__,_|_| |_|_| |_|\___|_| |_| \_\___|_|\__,_|\__, |
                                                    |___/
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Connection-multiplexing tunnel relay - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Where should the configuration be written?"),

			huh.NewInput().
				Title("Config File Path").
				Placeholder(a.ConfigPath).
				Value(&a.ConfigPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askNetworkConfig(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Network Configuration").
				Description("Configure how peers connect to the relay."),

			huh.NewSelect[string]().
				Title("Transport Protocol").
				Description("WebSocket works through most proxies").
				Options(
					huh.NewOption("WebSocket (TCP, proxy-friendly)", "ws"),
					huh.NewOption("Line-delimited TCP", "tcp"),
					huh.NewOption("QUIC (UDP)", "quic"),
				).
				Value(&a.Transport),

			huh.NewInput().
				Title("Listen Address").
				Description("Address and port to listen on").
				Placeholder(a.ListenAddr).
				Value(&a.ListenAddr).
				Validate(validateAddress),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	if a.Transport != "ws" {
		return nil
	}
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("HTTP Path").
				Description("Peers connect to <path>/<channel>").
				Placeholder(a.Path).
				Value(&a.Path).
				Validate(validatePath),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askTLSSetup(a *Answers) error {
	options := []huh.Option[string]{
		huh.NewOption("Self-signed, generated at startup (testing)", TLSSelfSigned),
		huh.NewOption("Generate certificate files", TLSGenerate),
		huh.NewOption("Use existing certificate files", TLSExisting),
	}
	if a.Transport != "quic" {
		options = append(options, huh.NewOption("No TLS (behind a TLS-terminating proxy)", TLSPlainText))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("TLS Configuration").
				Description("QUIC always uses TLS."),

			huh.NewSelect[string]().
				Title("Certificate Setup").
				Options(options...).
				Value(&a.TLSChoice),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	switch a.TLSChoice {
	case TLSGenerate:
		days := strconv.Itoa(a.CertDays)
		err := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Certificates Directory").
					Placeholder(a.CertsDir).
					Value(&a.CertsDir),

				huh.NewInput().
					Title("Common Name").
					Description("Name for the certificate (e.g., hostname)").
					Placeholder(a.CertName).
					Value(&a.CertName),

				huh.NewInput().
					Title("Validity (days)").
					Placeholder(days).
					Value(&days).
					Validate(validateDays),
			),
		).WithTheme(w.theme).Run()
		if err != nil {
			return err
		}
		a.CertDays, _ = strconv.Atoi(days)
		return nil

	case TLSExisting:
		a.CertPath = filepath.Join(a.CertsDir, "server.crt")
		a.KeyPath = filepath.Join(a.CertsDir, "server.key")
		return huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Certificate File").
					Placeholder(a.CertPath).
					Value(&a.CertPath).
					Validate(validateFileExists),

				huh.NewInput().
					Title("Private Key File").
					Placeholder(a.KeyPath).
					Value(&a.KeyPath).
					Validate(validateFileExists),
			),
		).WithTheme(w.theme).Run()
	}
	return nil
}

func (w *Wizard) askTunnelOptions(a *Answers) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Tunnels").
				Description("Each tunnel forwards to a port on the dial host."),

			huh.NewInput().
				Title("Dial Host").
				Description("Host that forwarded connections are opened to").
				Placeholder(a.DialHost).
				Value(&a.DialHost).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("dial host is required")
					}
					return nil
				}),

			huh.NewConfirm().
				Title("Require a peer token?").
				Description("A random token is generated and only its hash is stored").
				Value(&a.EnableAuth),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure state, monitoring and logging."),

			huh.NewSelect[string]().
				Title("Tunnel State Backend").
				Options(
					huh.NewOption("Memory (single instance)", "memory"),
					huh.NewOption("Redis (shared across instances)", "redis"),
				).
				Value(&a.StateBackend),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /stats, /metrics)").
				Value(&a.HealthEnabled),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	if a.StateBackend != "redis" {
		return nil
	}
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Redis Address").
				Placeholder(a.RedisAddress).
				Value(&a.RedisAddress).
				Validate(validateAddress),
		),
	).WithTheme(w.theme).Run()
}

func printSummary(res *Result) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	warn := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("214"))

	cfg := res.Config

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", res.ConfigPath)
	if len(cfg.Listeners) > 0 {
		l := cfg.Listeners[0]
		fmt.Printf("  Listener:     %s://%s%s\n", l.Transport, l.Address, l.Path)
	}
	if res.CertPath != "" {
		fmt.Printf("  Certificate:  %s\n", res.CertPath)
	}
	fmt.Printf("  Dial host:    %s\n", cfg.Tunnel.DialHost)
	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}

	if res.Token != "" {
		fmt.Println()
		fmt.Println(warn.Render("  Peer token (shown once, store it now):"))
		fmt.Printf("    %s\n", res.Token)
	}

	fmt.Println()
	fmt.Println("  To start the relay:")
	fmt.Printf("    tunnel-relay run -c %s\n", res.ConfigPath)
	fmt.Println()
}

// PrintSummary prints the setup summary for a non-interactive run.
func PrintSummary(res *Result) {
	printSummary(res)
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateAddress(s string) error {
	if s == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("invalid address format (use host:port)")
	}
	return nil
}

func validatePath(s string) error {
	if s == "" || !strings.HasPrefix(s, "/") {
		return fmt.Errorf("path must start with /")
	}
	return nil
}

func validateDays(s string) error {
	d, err := strconv.Atoi(s)
	if err != nil || d < 1 {
		return fmt.Errorf("must be a positive number")
	}
	return nil
}

func validateFileExists(s string) error {
	if _, err := os.Stat(s); os.IsNotExist(err) {
		return fmt.Errorf("file not found: %s", s)
	}
	return nil
}
