package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/irontide/sparkbridge/pkg/sparkbridge"
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
	case "snapshot":
		err = snapshotCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatalf("sparkbridge %s: %v", cmd, err)
	}
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "Path to gateway configuration file")
	shutdownTimeout := fs.Duration("shutdown-timeout", 10*time.Second, "Grace period for session deaths on exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, warnings, err := sparkbridge.LoadConfig(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "config warning: %v\n", w)
	}

	gw, err := sparkbridge.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return gw.Run(ctx, *shutdownTimeout)
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, warnings, err := sparkbridge.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "warning: %v\n", w)
	}
	if len(warnings) > 0 {
		return fmt.Errorf("%d record(s) rejected", len(warnings))
	}
	fmt.Printf("config %s looks good\n", *cfgPath)
	return nil
}

func snapshotCommand(args []string) error {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9100/snapshot", "Management snapshot endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval; 0 prints once")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *interval <= 0 {
		return printSnapshot(*url)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming snapshots from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printSnapshot(*url); err != nil {
				fmt.Fprintf(os.Stderr, "snapshot error: %v\n", err)
			}
		}
	}
}

func printSnapshot(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	var snap struct {
		Sessions     map[string]string `json:"sessions"`
		Backpressure string            `json:"backpressure"`
		BrokerUp     bool              `json:"broker_up"`
		Queue        struct {
			EntryCount int    `json:"entry_count"`
			TotalBytes int64  `json:"total_bytes"`
			Mode       string `json:"mode"`
		} `json:"queue"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return err
	}

	fmt.Printf("[%s] broker_up=%t backpressure=%s queue=%d entries (%d bytes, %s)\n",
		time.Now().Format(time.RFC3339),
		snap.BrokerUp, snap.Backpressure,
		snap.Queue.EntryCount, snap.Queue.TotalBytes, snap.Queue.Mode)
	for node, status := range snap.Sessions {
		fmt.Printf("  session %-20s %s\n", node, status)
	}
	return nil
}

func printUsage() {
	fmt.Printf(`SparkBridge CLI

Usage:
  sparkbridge <command> [flags]

Commands:
  run        Start the gateway using the provided config
  validate   Load and validate a config file without starting the gateway
  snapshot   Poll the management endpoint and print live session state

Examples:
  sparkbridge run -config ./config.yaml
  sparkbridge validate -config ./config.yaml
  sparkbridge snapshot -url http://localhost:9100/snapshot -interval 1s
`)
}
