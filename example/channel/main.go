package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/PortRelay"
)

func main() {
	flow, err := portrelay.Conf("../config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	senders, deliveries, closeDeliveries := portrelay.NewChannelSender("fanout", 32)
	defer closeDeliveries()

	go fanoutWorker("ingest", deliveries)

	if err := flow.Run(ctx, portrelay.StreamOutSender(senders)); err != nil && err != context.Canceled {
		log.Fatalf("runtime error: %v", err)
	}
}

func fanoutWorker(name string, deliveries <-chan portrelay.Delivery) {
	for d := range deliveries {
		fmt.Printf("[%s] channel %s: %d bytes at %s\n", name, d.ChannelID, len(d.Body), time.Now().Format(time.RFC3339))
	}
}
