package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/common/expfmt"

	"github.com/postalsys/tunnel-relay/internal/health"
)

// statusCounters are the metric families shown by status --metrics.
var statusCounters = []string{
	"tunnel_relay_messages_received_total",
	"tunnel_relay_message_errors_total",
	"tunnel_relay_tunnels_replaced_total",
	"tunnel_relay_client_dial_errors_total",
	"tunnel_relay_message_handle_panics_total",
	"tunnel_relay_connections_rejected_total",
}

func healthGet(ctx context.Context, address, path string) (*http.Response, error) {
	url := address
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	url = strings.TrimSuffix(url, "/") + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query relay: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("query relay: %s", resp.Status)
	}
	return resp, nil
}

func fetchStats(ctx context.Context, address string) (health.Stats, error) {
	var st health.Stats

	resp, err := healthGet(ctx, address, "/stats")
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode stats: %w", err)
	}
	return st, nil
}

// counter is one metric family summed over its series, and per label value.
type counter struct {
	Name    string
	Total   float64
	ByLabel map[string]float64
}

func fetchCounters(ctx context.Context, address string, names []string) ([]counter, error) {
	resp, err := healthGet(ctx, address, "/metrics")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse metrics: %w", err)
	}

	counters := make([]counter, 0, len(names))
	for _, name := range names {
		c := counter{Name: name, ByLabel: make(map[string]float64)}
		if mf, ok := families[name]; ok {
			for _, m := range mf.GetMetric() {
				v := m.GetCounter().GetValue()
				c.Total += v
				for _, lp := range m.GetLabel() {
					c.ByLabel[lp.GetValue()] += v
				}
			}
		}
		counters = append(counters, c)
	}
	return counters, nil
}

func renderCounters(counters []counter) string {
	var b strings.Builder
	for _, c := range counters {
		name := strings.TrimSuffix(strings.TrimPrefix(c.Name, "tunnel_relay_"), "_total")
		fmt.Fprintf(&b, "  %-26s %s\n", name, humanize.Comma(int64(c.Total)))

		labels := make([]string, 0, len(c.ByLabel))
		for l := range c.ByLabel {
			labels = append(labels, l)
		}
		sort.Strings(labels)
		for _, l := range labels {
			fmt.Fprintf(&b, "    %-24s %s\n", l, humanize.Comma(int64(c.ByLabel[l])))
		}
	}
	return b.String()
}

func renderStatus(st health.Stats, styled bool) string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	label := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(14)
	ok := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	bad := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	if !styled {
		title, label, ok, bad = lipgloss.NewStyle(), lipgloss.NewStyle().Width(14), lipgloss.NewStyle(), lipgloss.NewStyle()
	}

	state := bad.Render("stopped")
	uptime := "-"
	if st.Running {
		state = ok.Render("running")
		started := time.Now().Add(-time.Duration(st.UptimeSeconds * float64(time.Second)))
		uptime = strings.TrimSpace(humanize.RelTime(started, time.Now(), "", ""))
	}

	row := func(name, value string) string {
		return "  " + label.Render(name) + value + "\n"
	}

	var b strings.Builder
	b.WriteString(title.Render("Tunnel Relay "+st.InstanceID) + "\n")
	b.WriteString(row("Status", state))
	b.WriteString(row("Uptime", uptime))
	b.WriteString(row("Connections", humanize.Comma(int64(st.Connections))))
	b.WriteString(row("Tunnels", humanize.Comma(int64(st.Tunnels))))
	b.WriteString(row("Clients", humanize.Comma(st.Clients)))
	b.WriteString(row("Bytes in", humanize.IBytes(uint64(max(st.BytesIn, 0)))))
	b.WriteString(row("Bytes out", humanize.IBytes(uint64(max(st.BytesOut, 0)))))
	for _, l := range st.Listeners {
		b.WriteString(row("Listener", l.Transport+"://"+l.Address))
	}
	return b.String()
}
