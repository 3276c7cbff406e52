// Package main provides the CLI entry point for the tunnel relay.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/tunnel-relay/internal/config"
	"github.com/postalsys/tunnel-relay/internal/logging"
	"github.com/postalsys/tunnel-relay/internal/probe"
	"github.com/postalsys/tunnel-relay/internal/relay"
	"github.com/postalsys/tunnel-relay/internal/transport"
	"github.com/postalsys/tunnel-relay/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tunnel-relay",
		Short: "Tunnel relay - connection-multiplexing TCP forwarder",
		Long: `Tunnel relay accepts peer connections over WebSocket, TCP or QUIC and
demultiplexes the tunnels announced on each connection into forwarded
TCP sessions, sending every client's bytes back over the same connection.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(hashTokenCmd())
	rootCmd.AddCommand(certCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(benchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay",
		Long:  "Start the relay with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Relay.LogLevel, cfg.Relay.LogFormat)

			srv, err := relay.New(cfg, relay.Options{Logger: logger})
			if err != nil {
				return fmt.Errorf("failed to create relay: %w", err)
			}

			if err := srv.Start(); err != nil {
				return fmt.Errorf("failed to start relay: %w", err)
			}

			for _, addr := range srv.Addrs() {
				fmt.Printf("Listening on %s\n", addr)
			}
			if addr := srv.HealthAddr(); addr != nil {
				fmt.Printf("Health server: http://%s/health\n", addr)
			}
			fmt.Printf("Instance: %s\n", srv.InstanceID())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := srv.Stop(ctx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Relay stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func validateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Long:  "Parse and validate the configuration, then print it with secrets redacted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s is valid\n", configPath)
			fmt.Fprint(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func initCmd() *cobra.Command {
	var (
		configPath string
		defaults   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file",
		Long: `Run the interactive setup wizard. With --defaults, write a default
configuration without prompting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !defaults {
				_, err := wizard.New().Run()
				return err
			}

			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("%s already exists", configPath)
			}

			a := wizard.DefaultAnswers()
			a.ConfigPath = configPath
			res, err := wizard.Generate(a)
			if err != nil {
				return err
			}
			wizard.PrintSummary(res)
			return nil
		},
	}

	cmd.Flags().BoolVar(&defaults, "defaults", false, "Write the default configuration without prompting")
	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Output path used with --defaults")

	return cmd
}

func statusCmd() *cobra.Command {
	var (
		address     string
		timeout     time.Duration
		showMetrics bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show relay status",
		Long:  "Query a running relay's health endpoint and display its statistics.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			st, err := fetchStats(ctx, address)
			if err != nil {
				return err
			}

			styled := term.IsTerminal(int(os.Stdout.Fd()))
			fmt.Fprint(cmd.OutOrStdout(), renderStatus(st, styled))

			if showMetrics {
				counters, err := fetchCounters(ctx, address, statusCounters)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), "\n"+renderCounters(counters))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "127.0.0.1:8080", "Health server address")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	cmd.Flags().BoolVarP(&showMetrics, "metrics", "m", false, "Also show protocol counters from /metrics")

	return cmd
}

func hashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token",
		Short: "Hash a peer token for auth.token_hash",
		Long: `Read a token and print its bcrypt hash. On a terminal the token is
read twice without echo; otherwise the first line of stdin is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readToken(os.Stdin, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			hash, err := transport.HashToken(token)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func certCmd() *cobra.Command {
	var (
		commonName string
		certFile   string
		keyFile    string
		validFor   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Generate a self-signed listener certificate",
		Long: `Generate an ECDSA certificate and key for tls.cert and tls.key. Peers
connecting to a relay using it need --ca pointing at the certificate or
must skip verification.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			certPEM, keyPEM, err := transport.GenerateSelfSignedCert(commonName, validFor)
			if err != nil {
				return err
			}
			if err := transport.SaveCertificate(certFile, keyFile, certPEM, keyPEM); err != nil {
				return err
			}
			fingerprint, err := transport.Fingerprint(certPEM)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Certificate: %s\n", certFile)
			fmt.Fprintf(out, "Private key: %s\n", keyFile)
			fmt.Fprintf(out, "Valid until: %s\n", time.Now().Add(validFor).Format(time.RFC3339))
			fmt.Fprintf(out, "Fingerprint: %s\n", fingerprint)
			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "cn", "localhost", "Certificate common name")
	cmd.Flags().StringVar(&certFile, "cert", "relay.crt", "Certificate output path")
	cmd.Flags().StringVar(&keyFile, "key", "relay.key", "Private key output path")
	cmd.Flags().DurationVar(&validFor, "valid-for", transport.DefaultSelfSignedValidity, "Certificate validity")

	return cmd
}

// readToken reads a token without echo from a terminal, or one line from a pipe.
func readToken(in *os.File, prompt io.Writer) (string, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("read token: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(prompt, "Token: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}

	fmt.Fprint(prompt, "Repeat token: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}

	if string(first) != string(second) {
		return "", fmt.Errorf("tokens do not match")
	}
	return string(first), nil
}

func probeCmd() *cobra.Command {
	var opts probe.Options

	cmd := &cobra.Command{
		Use:   "probe <address>",
		Short: "Test connectivity to a relay listener",
		Long: `Dial a relay listener, complete the handshake and report the round-trip
time. With --target-port, also open a throwaway tunnel and check that the
relay can reach that port.

Examples:
  tunnel-relay probe relay.example.com:4433 --transport tcp --token $TOKEN
  tunnel-relay probe relay.example.com:443 --token $TOKEN --target-port 22
  tunnel-relay probe localhost:8080 --plaintext`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Address = args[0]
			if opts.Token == "" {
				opts.Token = os.Getenv("TUNNEL_RELAY_TOKEN")
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Probing %s (%s)...\n", probe.FormatAddress(opts), opts.Transport)

			result := probe.Probe(cmd.Context(), opts)
			if !result.Success {
				fmt.Fprintf(out, "FAILED: %s\n", result.ErrorDetail)
				return fmt.Errorf("probe failed: %w", result.Error)
			}

			fmt.Fprintf(out, "OK: handshake completed in %s\n", result.RTT.Round(time.Microsecond))
			if result.TargetChecked {
				fmt.Fprintf(out, "OK: relay reached port %d\n", opts.TargetPort)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Transport, "transport", "t", "ws", "Transport type (ws, tcp, quic)")
	cmd.Flags().StringVar(&opts.Path, "path", "/relay", "WebSocket base path")
	cmd.Flags().StringVar(&opts.Channel, "channel", probe.DefaultChannel, "Channel to request")
	cmd.Flags().StringVar(&opts.Token, "token", "", "Peer token (default: $TUNNEL_RELAY_TOKEN)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", probe.DefaultTimeout, "Probe timeout")
	cmd.Flags().BoolVar(&opts.StrictVerify, "strict", false, "Verify the server certificate")
	cmd.Flags().StringVar(&opts.CACert, "ca", "", "CA certificate for verification")
	cmd.Flags().BoolVar(&opts.PlainText, "plaintext", false, "Dial without TLS (ws and tcp only)")
	cmd.Flags().IntVar(&opts.TargetPort, "target-port", 0, "Also check that the relay can reach this port")

	return cmd
}
