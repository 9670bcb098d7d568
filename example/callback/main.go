package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/PortRelay/internal/domain"
	"github.com/ghalamif/PortRelay/pkg/portrelay"
)

const simulatedPort = "SIM1"

func main() {
	cfg := portrelay.DefaultConfig()
	cfg.DataDir = "./data-callback"
	cfg.RecordLog.Dir = cfg.DataDir + "/records"

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	feed := portrelay.NewPortFeed()
	callback := func(_ context.Context, d portrelay.Delivery) error {
		fmt.Printf("%s channel=%s key=%s %s\n",
			time.Now().Format(time.RFC3339Nano), d.ChannelID, d.IdempotencyKey, d.Body)
		return nil
	}

	flow, err := portrelay.ConfFromConfig(cfg, portrelay.WithSources(seed()))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	rt, err := flow.StreamIN(portrelay.StreamInFeed(feed)).
		StreamOUT(portrelay.StreamOutCallback("stdout", callback))
	if err != nil {
		log.Fatalf("runtime: %v", err)
	}
	if err := rt.Start(ctx); err != nil {
		log.Fatalf("start: %v", err)
	}

	go simulate(ctx, feed)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

// simulate writes one temperature line per second, as a sensor on a
// serial line would.
func simulate(ctx context.Context, feed *portrelay.PortFeed) {
	if _, err := feed.Open(simulatedPort); err != nil {
		log.Printf("open %s: %v", simulatedPort, err)
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			line := fmt.Sprintf("T1 temp=%.1f seq=%d\n", 20+float64(i%10)/2, i)
			if err := feed.Write(simulatedPort, []byte(line)); err != nil {
				return
			}
		}
	}
}

func seed() portrelay.ForwardingConfig {
	return portrelay.ForwardingConfig{
		Version: domain.ForwardingConfigVersion,
		Enabled: true,
		Sources: []portrelay.SourceRule{{
			ID:       "sim",
			Enabled:  true,
			PortPath: simulatedPort,
			Framing:  domain.FramingRule{Mode: domain.FramingLine},
			Parse:    domain.ParseRule{Mode: domain.ParseTextRegex, Regex: `^(?P<deviceId>\S+) (?P<payload>.*)$`},
		}},
		Channels: []portrelay.ChannelConfig{{
			ID:              "stdout",
			Name:            "Channel",
			Enabled:         true,
			BatchSize:       5,
			FlushIntervalMs: 3000,
			Transport: domain.TransportConfig{
				Type: domain.TransportHTTP,
				HTTP: &domain.HTTPTransport{URL: "http://localhost/unused"},
			},
		}},
	}
}
