package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/ghalamif/PortRelay"
	"github.com/ghalamif/PortRelay/internal/adapters/configstore"
	"github.com/ghalamif/PortRelay/internal/adapters/serial"
	"github.com/ghalamif/PortRelay/internal/domain"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "ports":
		err = portsCommand()
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatalf("portrelay %s: %v", cmd, err)
	}
}

func loadConfig(path string) (*portrelay.Config, error) {
	if path == "" {
		return portrelay.DefaultConfig(), nil
	}
	return portrelay.LoadConfig(path)
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to process configuration file (empty for defaults)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	flow, err := portrelay.ConfFromConfig(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return flow.Run(ctx)
}

func validateCommand(args []string) error {
	flags := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := flags.String("config", "./data/config.yaml", "Path to configuration file to validate")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	fmt.Printf("config %s looks good\n", *cfgPath)

	raw, err := os.ReadFile(cfg.ForwardingPath())
	if errors.Is(err, fs.ErrNotExist) {
		fmt.Printf("no forwarding config at %s yet; defaults will be written on first run\n", cfg.ForwardingPath())
		return nil
	}
	if err != nil {
		return err
	}
	fwd, err := configstore.Verify[domain.ForwardingConfig](raw)
	if err != nil {
		return fmt.Errorf("forwarding config %s: %w", cfg.ForwardingPath(), err)
	}
	fwd.ApplyDefaults()
	if err := fwd.Validate(); err != nil {
		return fmt.Errorf("forwarding config %s: %w", cfg.ForwardingPath(), err)
	}
	for _, c := range fwd.DuplicateSources() {
		fmt.Printf("warning: sources %q and %q both claim %s; %q will be disabled\n",
			c.Kept.ID, c.Duplicate.ID, c.PortPath, c.Duplicate.ID)
	}
	fmt.Printf("forwarding config %s: %d sources, %d channels\n",
		cfg.ForwardingPath(), len(fwd.Sources), len(fwd.Channels))
	return nil
}

func portsCommand() error {
	list, err := serial.List()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("no serial ports found")
		return nil
	}
	for _, p := range list {
		fmt.Println(p)
	}
	return nil
}

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(ctx, *url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

type channelStats struct {
	sent, failed, dropped, queue float64
}

func printMetricsSnapshot(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return fmt.Errorf("parse metrics: %w", err)
	}

	channels := map[string]*channelStats{}
	collect := func(name string, set func(*channelStats, float64)) {
		fam, ok := families[name]
		if !ok {
			return
		}
		for _, m := range fam.GetMetric() {
			id := label(m, "channel")
			if id == "" {
				continue
			}
			st := channels[id]
			if st == nil {
				st = &channelStats{}
				channels[id] = st
			}
			set(st, value(m))
		}
	}
	collect("portrelay_channel_sent_total", func(s *channelStats, v float64) { s.sent += v })
	collect("portrelay_channel_failed_total", func(s *channelStats, v float64) { s.failed += v })
	collect("portrelay_channel_dropped_total", func(s *channelStats, v float64) { s.dropped += v })
	collect("portrelay_channel_queue_length", func(s *channelStats, v float64) { s.queue = v })

	var records float64
	if fam, ok := families["portrelay_records_admitted_total"]; ok {
		for _, m := range fam.GetMetric() {
			records += value(m)
		}
	}
	enabled := "?"
	if fam, ok := families["portrelay_forwarder_enabled"]; ok && len(fam.GetMetric()) > 0 {
		enabled = fmt.Sprint(value(fam.GetMetric()[0]) == 1)
	}

	fmt.Printf("[%s] enabled=%s records=%.0f\n", time.Now().Format(time.RFC3339), enabled, records)
	ids := make([]string, 0, len(channels))
	for id := range channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s := channels[id]
		fmt.Printf("  %-36s sent=%.0f failed=%.0f dropped=%.0f queue=%.0f\n", id, s.sent, s.failed, s.dropped, s.queue)
	}
	return nil
}

func label(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func value(m *dto.Metric) float64 {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	}
	return 0
}

func printUsage() {
	fmt.Print(strings.TrimLeft(`
PortRelay CLI

Usage:
  portrelay <command> [flags]

Commands:
  run        Start the forwarder using the provided config
  validate   Load and validate the process config and the saved forwarding config
  stats      Poll the Prometheus metrics endpoint and print per-channel counters
  ports      List serial devices present on this host

Examples:
  portrelay run -config ./data/config.yaml
  portrelay validate -config ./data/config.yaml
  portrelay stats -url http://localhost:9100/metrics -interval 1s
`, "\n"))
}
