package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/irontide/sparkbridge"
)

func main() {
	cfg, warnings, err := sparkbridge.LoadConfig("./config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	for _, w := range warnings {
		log.Printf("config warning: %v", w)
	}

	gw, err := sparkbridge.New(cfg)
	if err != nil {
		log.Fatalf("build gateway: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gw.Run(ctx, 10*time.Second); err != nil {
		log.Fatalf("gateway exited: %v", err)
	}
}
