package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/tunnel-relay/internal/loadtest"
	"github.com/postalsys/tunnel-relay/internal/peer"
	"github.com/postalsys/tunnel-relay/internal/probe"
	"github.com/postalsys/tunnel-relay/internal/transport"
)

func benchCmd() *cobra.Command {
	var (
		opts        probe.Options
		tunnels     int
		concurrency int
		payload     string
		duration    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "bench <address>",
		Short: "Load test a relay",
		Long: `Connect to a relay as a peer, announce tunnels to --target-port and push
echo round trips through them. The target must echo bytes back.

Examples:
  tunnel-relay bench localhost:4433 -t tcp --plaintext --target-port 7 --token $TOKEN
  tunnel-relay bench relay.example.com:443 --target-port 7 --tunnels 8 -n 64 -d 30s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Address = args[0]
			if opts.Token == "" {
				opts.Token = os.Getenv("TUNNEL_RELAY_TOKEN")
			}
			if opts.TargetPort <= 0 {
				return fmt.Errorf("--target-port is required")
			}
			size, err := humanize.ParseBytes(payload)
			if err != nil {
				return fmt.Errorf("invalid --size: %w", err)
			}

			dialOpts := transport.DialOptions{
				Channel: opts.Channel,
				Token:   opts.Token,
				Timeout: opts.Timeout,
			}
			if !opts.PlainText {
				dialOpts.TLSConfig, err = transport.ClientTLSConfig(opts.CACert, !opts.StrictVerify)
				if err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			client, err := peer.Dial(ctx, transport.Type(opts.Transport), probe.FormatAddress(opts), dialOpts, peer.Config{})
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer client.Close()

			streams, err := loadtest.NewPeerStreams(ctx, client, tunnels, opts.TargetPort)
			if err != nil {
				return fmt.Errorf("announce tunnels: %w", err)
			}
			defer streams.Close(ctx)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Running %d workers over %d tunnels for %s (%s per round trip)...\n",
				concurrency, tunnels, duration, humanize.IBytes(size))

			gen := loadtest.NewClientLoadGenerator(concurrency, int(size), duration)
			m, err := gen.Run(ctx, streams.Open)
			if err != nil {
				return err
			}
			printBench(out, m)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Transport, "transport", "t", "ws", "Transport type (ws, tcp, quic)")
	cmd.Flags().StringVar(&opts.Path, "path", "/relay", "WebSocket base path")
	cmd.Flags().StringVar(&opts.Channel, "channel", probe.DefaultChannel, "Channel to join")
	cmd.Flags().StringVar(&opts.Token, "token", "", "Peer token (default: $TUNNEL_RELAY_TOKEN)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", probe.DefaultTimeout, "Dial timeout")
	cmd.Flags().BoolVar(&opts.StrictVerify, "strict", false, "Verify the server certificate")
	cmd.Flags().StringVar(&opts.CACert, "ca", "", "CA certificate for verification")
	cmd.Flags().BoolVar(&opts.PlainText, "plaintext", false, "Dial without TLS (ws and tcp only)")
	cmd.Flags().IntVar(&opts.TargetPort, "target-port", 0, "Echo port on the relay host")
	cmd.Flags().IntVar(&tunnels, "tunnels", 4, "Tunnels to announce")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "n", 16, "Concurrent clients")
	cmd.Flags().StringVar(&payload, "size", "16KiB", "Payload per round trip")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "Test duration")

	return cmd
}

func printBench(w io.Writer, m *loadtest.ClientMetrics) {
	fmt.Fprintf(w, "  Clients:     %s ok, %s failed\n", humanize.Comma(m.SuccessfulClients), humanize.Comma(m.FailedClients))
	fmt.Fprintf(w, "  Rate:        %.1f clients/s\n", m.ClientsPerSecond)
	fmt.Fprintf(w, "  Latency:     avg %.2fms, min %.2fms, max %.2fms\n", m.AvgLatencyMs, m.MinLatencyMs, m.MaxLatencyMs)
	fmt.Fprintf(w, "  Transferred: %s out, %s in\n",
		humanize.IBytes(uint64(m.TotalBytesWritten)), humanize.IBytes(uint64(m.TotalBytesRead)))
	fmt.Fprintf(w, "  Throughput:  %.2f MiB/s\n", m.ThroughputMBps)
}
