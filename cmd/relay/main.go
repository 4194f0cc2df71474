package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"main/internal/relay"
)

func main() {
	network := flag.String("network", "tcp", "Listener network: tcp|unix")
	ingress := flag.String("ingress", ":5555", "Publisher-facing listen address")
	egress := flag.String("egress", ":5556", "Subscriber-facing listen address")
	queueSize := flag.Int("queue-size", 1024, "Per-subscriber queue size")
	maxFrame := flag.Int("max-frame", 0, "Max frame size in bytes (0=default)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := relay.NewServer(relay.Config{
		Network:      *network,
		IngressAddr:  *ingress,
		EgressAddr:   *egress,
		QueueSize:    *queueSize,
		MaxFrameSize: *maxFrame,
		Stats:        &relay.Stats{},
	})
	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("relay failed: %v", err)
	}

	snap := server.Stats().Snapshot()
	log.Printf("relay stats: published=%d forwarded=%d dropped=%d",
		snap.Published, snap.Forwarded, snap.Dropped)
}
