// Package sim implements a simulated connector for development and soak
// testing. Waveforms are deterministic functions of an internal tick counter
// so runs reproduce exactly; faults are injected on a fixed cadence.
package sim

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/irontide/sparkbridge/internal/domain"
	"github.com/irontide/sparkbridge/internal/ports"
)

// Config describes one simulated controller.
type Config struct {
	Name string `yaml:"name"`

	// FaultEvery injects a bad-quality read for every tag each N-th batch.
	// Zero disables fault injection.
	FaultEvery int `yaml:"fault_every"`

	// FailConnects makes the first N Connect calls fail, exercising the
	// reconnect path.
	FailConnects int `yaml:"fail_connects"`
}

// waveform is parsed from the tag source address:
//
//	sine:<period>    full cycle every <period> ticks, range -1..1
//	ramp:<period>    sawtooth 0..1 over <period> ticks
//	square:<period>  alternates 0/1 every <period>/2 ticks
//	counter          increments by 1 per tick
//	const:<value>    fixed value
type waveform struct {
	kind   string
	period int
	value  float64
}

func parseWaveform(raw string) (waveform, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), ":", 2)
	w := waveform{kind: parts[0]}
	switch w.kind {
	case "counter":
		return w, nil
	case "const":
		if len(parts) != 2 {
			return w, fmt.Errorf("sim address %q: const needs a value", raw)
		}
		v, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return w, fmt.Errorf("sim address %q: %w", raw, err)
		}
		w.value = v
		return w, nil
	case "sine", "ramp", "square":
		if len(parts) != 2 {
			return w, fmt.Errorf("sim address %q: %s needs a period", raw, w.kind)
		}
		p, err := strconv.Atoi(parts[1])
		if err != nil || p <= 0 {
			return w, fmt.Errorf("sim address %q: bad period", raw)
		}
		w.period = p
		return w, nil
	}
	return w, fmt.Errorf("sim address %q: unknown waveform %q", raw, w.kind)
}

func (w waveform) at(tick int) float64 {
	switch w.kind {
	case "sine":
		return math.Sin(2 * math.Pi * float64(tick%w.period) / float64(w.period))
	case "ramp":
		return float64(tick%w.period) / float64(w.period)
	case "square":
		if (tick/(w.period/2+1))%2 == 0 {
			return 0
		}
		return 1
	case "counter":
		return float64(tick)
	case "const":
		return w.value
	}
	return 0
}

// Connector generates points without external I/O.
type Connector struct {
	cfg Config

	mu        sync.Mutex
	connected bool
	connects  int
	tick      int
	written   map[string]domain.Value
}

// New builds a disconnected simulator.
func New(cfg Config) (*Connector, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("sim connector: name is required")
	}
	return &Connector{cfg: cfg, written: make(map[string]domain.Value)}, nil
}

func (c *Connector) Name() string { return c.cfg.Name }

func (c *Connector) Capabilities() ports.Capability {
	return ports.CapRead | ports.CapWrite
}

func (c *Connector) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.connects <= c.cfg.FailConnects {
		return &ports.ConnectionError{Target: c.cfg.Name,
			Err: fmt.Errorf("simulated connect failure %d of %d", c.connects, c.cfg.FailConnects)}
	}
	c.connected = true
	return nil
}

func (c *Connector) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

// ReadBatch advances the tick once per batch so every tag in a batch shares
// the same simulated instant.
func (c *Connector) ReadBatch(ctx context.Context, tags []*domain.TagDefinition) ([]*domain.DataPoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, &ports.ConnectionError{Target: c.cfg.Name, Err: ports.ErrNotConnected}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.tick++
	fault := c.cfg.FaultEvery > 0 && c.tick%c.cfg.FaultEvery == 0

	points := make([]*domain.DataPoint, len(tags))
	for i, tag := range tags {
		if fault {
			points[i] = domain.BadDataPoint(tag.Name, tag.Type, "simulated fault")
			continue
		}
		if v, ok := c.written[tag.Name]; ok {
			points[i] = domain.NewDataPoint(tag.Name, v)
			continue
		}
		w, err := parseWaveform(tag.SourceAddress)
		if err != nil {
			points[i] = domain.BadDataPoint(tag.Name, tag.Type, err.Error())
			continue
		}
		v, err := domain.FromInterface(tag.Type, w.at(c.tick))
		if err != nil {
			points[i] = domain.BadDataPoint(tag.Name, tag.Type, err.Error())
			continue
		}
		points[i] = domain.NewDataPoint(tag.Name, v)
	}
	return points, nil
}

// Write overrides the waveform; subsequent reads return the written value.
func (c *Connector) Write(ctx context.Context, tag *domain.TagDefinition, value domain.Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return &ports.ConnectionError{Target: c.cfg.Name, Err: ports.ErrNotConnected}
	}
	c.written[tag.Name] = value
	return nil
}

func (c *Connector) Subscribe(context.Context, []*domain.TagDefinition, chan<- *domain.DataPoint) error {
	return ports.ErrCapabilityUnsupported
}

func (c *Connector) DiscoverTags(context.Context) ([]*domain.TagDefinition, error) {
	return nil, ports.ErrCapabilityUnsupported
}

var _ ports.Connector = (*Connector)(nil)
