// Package backpressure implements the adaptive sampling controller. It
// watches queue occupancy and publish latency and trades sampling resolution
// for queue headroom, never blocking acquisition and never losing lifecycle
// messages.
package backpressure

import (
	"context"
	"sync"
	"time"

	"github.com/irontide/sparkbridge/internal/ports"
	"github.com/irontide/sparkbridge/internal/registry"
)

// Mode is the controller state.
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeDegraded Mode = "degraded"
)

// Config tunes the control loop. Engagement is asymmetric: it takes fewer
// consecutive observations to slow down than to speed back up, so a flapping
// broker cannot oscillate the sampling rate.
type Config struct {
	// Interval between observations.
	Interval time.Duration `yaml:"interval"`

	// EngageOccupancy is the queue occupancy fraction above which the
	// controller degrades sampling.
	EngageOccupancy float64 `yaml:"engage_occupancy"`

	// ReleaseOccupancy is the fraction below which recovery may begin.
	ReleaseOccupancy float64 `yaml:"release_occupancy"`

	// EngageLatency is the publish latency above which the controller
	// degrades sampling even with queue headroom.
	EngageLatency time.Duration `yaml:"engage_latency"`

	// EngageAfter and ReleaseAfter are the consecutive observation counts
	// required to change state.
	EngageAfter  int `yaml:"engage_after"`
	ReleaseAfter int `yaml:"release_after"`

	// ScaleFactor multiplies effective sampling intervals on each engage
	// step, up to Ceiling.
	ScaleFactor float64       `yaml:"scale_factor"`
	Ceiling     time.Duration `yaml:"ceiling"`

	// RecoverFraction is how far effective intervals step back toward
	// baseline per release observation.
	RecoverFraction float64 `yaml:"recover_fraction"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Interval == 0 {
		c.Interval = time.Second
	}
	if c.EngageOccupancy == 0 {
		c.EngageOccupancy = 0.7
	}
	if c.ReleaseOccupancy == 0 {
		c.ReleaseOccupancy = 0.4
	}
	if c.EngageLatency == 0 {
		c.EngageLatency = 5 * time.Second
	}
	if c.EngageAfter == 0 {
		c.EngageAfter = 3
	}
	if c.ReleaseAfter == 0 {
		c.ReleaseAfter = 10
	}
	if c.ScaleFactor == 0 {
		c.ScaleFactor = 2
	}
	if c.Ceiling == 0 {
		c.Ceiling = 2 * time.Second
	}
	if c.RecoverFraction == 0 {
		c.RecoverFraction = 0.25
	}
}

// Controller runs the observation loop.
type Controller struct {
	cfg   Config
	reg   *registry.Registry
	queue ports.DurableQueue
	obs   ports.Observability

	mu          sync.Mutex
	mode        Mode
	engageRun   int
	releaseRun  int
	lastLatency time.Duration

	wg sync.WaitGroup
}

// New builds a controller in Normal mode.
func New(cfg Config, reg *registry.Registry, queue ports.DurableQueue, obs ports.Observability) *Controller {
	cfg.ApplyDefaults()
	return &Controller{
		cfg:   cfg,
		reg:   reg,
		queue: queue,
		obs:   obs,
		mode:  ModeNormal,
	}
}

// Mode is safe to call from any goroutine.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// ReportLatency feeds the most recent publish round trip into the next
// observation.
func (c *Controller) ReportLatency(d time.Duration) {
	c.mu.Lock()
	c.lastLatency = d
	c.mu.Unlock()
	c.obs.ObserveLatency("sparkbridge_publish_latency_seconds", d.Seconds())
}

// Run observes until ctx cancels.
func (c *Controller) Run(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.observe()
			}
		}
	}()
}

// Wait blocks until the loop exits.
func (c *Controller) Wait() { c.wg.Wait() }

// observe takes one measurement and applies at most one state step.
func (c *Controller) observe() {
	st := c.queue.State()
	occupancy := 0.0
	if st.HighWatermark > 0 {
		occupancy = float64(st.TotalBytes) / float64(st.HighWatermark)
	}
	c.obs.SetGauge("sparkbridge_queue_occupancy", occupancy)
	c.obs.SetGauge("sparkbridge_queue_entries", float64(st.EntryCount))

	c.mu.Lock()
	latency := c.lastLatency
	pressured := occupancy >= c.cfg.EngageOccupancy || latency >= c.cfg.EngageLatency
	relaxed := occupancy < c.cfg.ReleaseOccupancy && latency < c.cfg.EngageLatency

	switch {
	case pressured:
		c.releaseRun = 0
		c.engageRun++
		if c.engageRun >= c.cfg.EngageAfter {
			c.engageRun = 0
			prev := c.mode
			c.mode = ModeDegraded
			c.mu.Unlock()
			c.reg.ScaleSampling(c.cfg.ScaleFactor, c.cfg.Ceiling)
			if prev != ModeDegraded {
				c.obs.LogInfo("backpressure_engaged",
					ports.Field{Key: "occupancy", Value: occupancy},
					ports.Field{Key: "latency", Value: latency.String()})
				c.obs.IncCounter("sparkbridge_backpressure_engagements_total", 1)
			}
			return
		}
	case relaxed && c.mode == ModeDegraded:
		c.engageRun = 0
		c.releaseRun++
		if c.releaseRun >= c.cfg.ReleaseAfter {
			c.releaseRun = 0
			c.mu.Unlock()
			c.reg.StepTowardBaseline(c.cfg.RecoverFraction)
			if c.recovered() {
				c.mu.Lock()
				c.mode = ModeNormal
				c.mu.Unlock()
				c.obs.LogInfo("backpressure_released")
			}
			return
		}
	default:
		c.engageRun = 0
		c.releaseRun = 0
	}
	c.mu.Unlock()
}

// recovered reports whether every tag is back at its baseline interval.
func (c *Controller) recovered() bool {
	for name, effective := range c.reg.SamplingSnapshot() {
		if effective > c.reg.BaselineInterval(name) {
			return false
		}
	}
	return true
}
