// Demonstrates plugging a custom connector into the gateway. The connector
// here reads process values from an in-memory map; a real one would speak
// whatever proprietary protocol the plant floor requires.
package main

import (
	"context"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/irontide/sparkbridge"
)

const configDoc = `
broker:
  broker_url: tcp://localhost:1883
sessions:
  - group_id: plant-a
    node_id: edge-demo
    connector: inmem
tags:
  - name: Line1/Temperature
    address: temperature
    type: float64
    connector: inmem
    sample_interval: 500ms
  - name: Line1/Running
    address: running
    type: bool
    connector: inmem
    sample_interval: 1s
queue:
  dir: ./queue-data
`

func main() {
	cfg, warnings, err := sparkbridge.ParseConfig([]byte(configDoc))
	if err != nil {
		log.Fatalf("parse config: %v", err)
	}
	for _, w := range warnings {
		log.Printf("config warning: %v", w)
	}

	conn := &mapConnector{values: map[string]any{
		"temperature": 21.5,
		"running":     true,
	}}

	gw, err := sparkbridge.New(cfg, sparkbridge.WithConnector(conn))
	if err != nil {
		log.Fatalf("build gateway: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Mutate a value so NDATA messages carry changes.
	go func() {
		t := time.NewTicker(2 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				conn.set("temperature", 20.0+float64(time.Now().Second())/10)
			}
		}
	}()

	if err := gw.Run(ctx, 10*time.Second); err != nil {
		log.Fatalf("gateway exited: %v", err)
	}
}

type mapConnector struct {
	mu     sync.Mutex
	values map[string]any
}

func (c *mapConnector) set(addr string, v any) {
	c.mu.Lock()
	c.values[addr] = v
	c.mu.Unlock()
}

func (c *mapConnector) Name() string { return "inmem" }

func (c *mapConnector) Capabilities() sparkbridge.Capability {
	return sparkbridge.CapRead | sparkbridge.CapWrite
}

func (c *mapConnector) Connect(context.Context) error { return nil }
func (c *mapConnector) Disconnect(context.Context) error { return nil }

func (c *mapConnector) ReadBatch(_ context.Context, tags []*sparkbridge.TagDefinition) ([]*sparkbridge.DataPoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*sparkbridge.DataPoint, len(tags))
	for i, def := range tags {
		raw, ok := c.values[def.SourceAddress]
		if !ok {
			out[i] = sparkbridge.BadDataPoint(def.Name, def.Type, "address not found")
			continue
		}
		v, err := sparkbridge.NewValue(def.Type, raw)
		if err != nil {
			out[i] = sparkbridge.BadDataPoint(def.Name, def.Type, err.Error())
			continue
		}
		out[i] = sparkbridge.NewDataPoint(def.Name, v)
	}
	return out, nil
}

func (c *mapConnector) Write(_ context.Context, def *sparkbridge.TagDefinition, v sparkbridge.Value) error {
	c.set(def.SourceAddress, v.Interface())
	return nil
}

func (c *mapConnector) Subscribe(context.Context, []*sparkbridge.TagDefinition, chan<- *sparkbridge.DataPoint) error {
	return sparkbridge.ErrCapabilityUnsupported
}

func (c *mapConnector) DiscoverTags(context.Context) ([]*sparkbridge.TagDefinition, error) {
	return nil, sparkbridge.ErrCapabilityUnsupported
}
