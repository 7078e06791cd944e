// Package poller runs the acquisition loop for one connector: connect with
// backoff, poll each tag at its effective interval, apply scaling and
// deadband filtering, and feed surviving points to the session. Connectors
// with native change notification subscribe instead of polling.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/irontide/sparkbridge/internal/domain"
	"github.com/irontide/sparkbridge/internal/ports"
	"github.com/irontide/sparkbridge/internal/registry"
)

// Config tunes one acquisition loop.
type Config struct {
	// ReconnectMin and ReconnectMax bound the exponential backoff after a
	// connector failure.
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// DegradeAfter marks a tag degraded after this many consecutive failed
	// reads. Degraded tags are polled less often until a good read recovers
	// them.
	DegradeAfter int

	// DegradedMultiplier stretches a degraded tag's effective interval, so
	// a dead address does not burn a full polling slot.
	DegradedMultiplier int

	// Tick is the scheduler resolution. Per-tag due times are checked on
	// this cadence, so it bounds how precisely sample intervals are
	// honored.
	Tick time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReconnectMin == 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.DegradeAfter == 0 {
		c.DegradeAfter = 5
	}
	if c.DegradedMultiplier == 0 {
		c.DegradedMultiplier = 10
	}
	if c.Tick == 0 {
		c.Tick = 50 * time.Millisecond
	}
}

// TagStatus is the per-tag health snapshot.
type TagStatus struct {
	Degraded     bool
	FailureCount int
	LastGoodRead time.Time
}

// Poller drives one connector.
type Poller struct {
	cfg  Config
	conn ports.Connector
	reg  *registry.Registry
	out  chan<- *domain.DataPoint
	obs  ports.Observability

	mu         sync.Mutex
	prev       map[string]*domain.DataPoint
	due        map[string]time.Time
	statuses   map[string]*TagStatus
	reconnects uint64

	wg sync.WaitGroup
}

// New builds a poller feeding out.
func New(cfg Config, conn ports.Connector, reg *registry.Registry, out chan<- *domain.DataPoint, obs ports.Observability) *Poller {
	cfg.applyDefaults()
	return &Poller{
		cfg:      cfg,
		conn:     conn,
		reg:      reg,
		out:      out,
		obs:      obs,
		prev:     make(map[string]*domain.DataPoint),
		due:      make(map[string]time.Time),
		statuses: make(map[string]*TagStatus),
	}
}

// Run connects and acquires until ctx cancels. Connector failures restart
// the connect loop; they never propagate.
func (p *Poller) Run(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			if err := p.connectWithBackoff(ctx); err != nil {
				return
			}
			p.acquire(ctx)
			_ = p.conn.Disconnect(context.Background())
			if ctx.Err() != nil {
				return
			}
		}
	}()
}

// Wait blocks until the loop exits.
func (p *Poller) Wait() { p.wg.Wait() }

func (p *Poller) connectWithBackoff(ctx context.Context) error {
	backoff := p.cfg.ReconnectMin
	for {
		err := p.conn.Connect(ctx)
		if err == nil {
			return nil
		}
		p.obs.LogError("connector_connect_failed", err,
			ports.Field{Key: "connector", Value: p.conn.Name()},
			ports.Field{Key: "retry_in", Value: backoff.String()})
		p.obs.IncCounter("sparkbridge_connector_reconnects_total", 1)
		p.mu.Lock()
		p.reconnects++
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.cfg.ReconnectMax {
			backoff = p.cfg.ReconnectMax
		}
	}
}

// acquire runs one connected episode: subscription if the connector supports
// it, polling otherwise. Returns when the connection breaks or ctx cancels.
func (p *Poller) acquire(ctx context.Context) {
	if p.conn.Capabilities().Has(ports.CapSubscribe) {
		if err := p.subscribe(ctx); err == nil {
			<-ctx.Done()
			return
		}
		// Subscription setup failed; fall back to polling this episode.
	}
	p.poll(ctx)
}

func (p *Poller) subscribe(ctx context.Context) error {
	tags := p.reg.TagsFor(p.conn.Name())
	raw := make(chan *domain.DataPoint, 4*len(tags)+16)
	if err := p.conn.Subscribe(ctx, tags, raw); err != nil {
		p.obs.LogError("connector_subscribe_failed", err,
			ports.Field{Key: "connector", Value: p.conn.Name()})
		return err
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case dp := <-raw:
				if dp == nil {
					continue
				}
				def, ok := p.reg.Lookup(dp.TagName)
				if !ok {
					continue
				}
				p.process(ctx, def, dp)
			}
		}
	}()
	return nil
}

func (p *Poller) poll(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !p.pollOnce(ctx, now) {
				return
			}
		}
	}
}

// pollOnce reads every due tag. Returns false when the connection is broken
// and the caller should re-enter the connect loop.
func (p *Poller) pollOnce(ctx context.Context, now time.Time) bool {
	tags := p.dueTags(now)
	if len(tags) == 0 {
		return true
	}

	start := time.Now()
	points, err := p.conn.ReadBatch(ctx, tags)
	if err != nil {
		p.obs.LogError("connector_batch_failed", err,
			ports.Field{Key: "connector", Value: p.conn.Name()})
		return false
	}
	p.obs.ObserveLatency("sparkbridge_read_latency_seconds", time.Since(start).Seconds())

	for i, dp := range points {
		if dp == nil {
			continue
		}
		p.process(ctx, tags[i], dp)
	}
	return true
}

// dueTags returns the tags whose effective interval has elapsed and advances
// their due times. The effective interval is re-read every cycle so
// backpressure adjustments take effect immediately; degraded tags get a
// stretched interval, so dead addresses are still retried occasionally.
func (p *Poller) dueTags(now time.Time) []*domain.TagDefinition {
	p.mu.Lock()
	defer p.mu.Unlock()
	var due []*domain.TagDefinition
	for _, def := range p.reg.TagsFor(p.conn.Name()) {
		next, ok := p.due[def.Name]
		if !ok || !now.Before(next) {
			due = append(due, def)
			interval := p.reg.EffectiveInterval(def.Name)
			if st, ok := p.statuses[def.Name]; ok && st.Degraded {
				interval *= time.Duration(p.cfg.DegradedMultiplier)
			}
			p.due[def.Name] = now.Add(interval)
		}
	}
	return due
}

// process applies scaling, tracks tag health, filters by deadband and
// forwards the surviving point.
func (p *Poller) process(ctx context.Context, def *domain.TagDefinition, dp *domain.DataPoint) {
	dp = scaled(def, dp)
	p.trackHealth(def, dp)

	p.mu.Lock()
	prev := p.prev[def.Name]
	emit := def.ExceedsDeadband(prev, dp)
	if emit {
		p.prev[def.Name] = dp
	}
	p.mu.Unlock()
	if !emit {
		p.obs.IncCounter("sparkbridge_deadband_suppressed_total", 1)
		return
	}

	select {
	case <-ctx.Done():
	case p.out <- dp:
	}
}

// scaled converts numeric points into engineering units. Non-numeric and
// null points pass through untouched.
func scaled(def *domain.TagDefinition, dp *domain.DataPoint) *domain.DataPoint {
	if def.Scale == 0 && def.Offset == 0 {
		return dp
	}
	f, ok := dp.Value.AsFloat()
	if !ok {
		return dp
	}
	v, err := domain.FromInterface(dp.Value.Type, def.ApplyScaling(f))
	if err != nil {
		return dp
	}
	out := *dp
	out.Value = v
	return &out
}

func (p *Poller) trackHealth(def *domain.TagDefinition, dp *domain.DataPoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.statuses[def.Name]
	if !ok {
		st = &TagStatus{}
		p.statuses[def.Name] = st
	}

	if dp.Quality == domain.QualityBad {
		st.FailureCount++
		if !st.Degraded && st.FailureCount >= p.cfg.DegradeAfter {
			st.Degraded = true
			p.obs.LogError("tag_degraded", nil,
				ports.Field{Key: "connector", Value: p.conn.Name()},
				ports.Field{Key: "tag", Value: def.Name},
				ports.Field{Key: "failures", Value: st.FailureCount})
			p.obs.IncCounter("sparkbridge_tags_degraded_total", 1)
		}
		return
	}

	if st.Degraded {
		p.obs.LogInfo("tag_recovered",
			ports.Field{Key: "connector", Value: p.conn.Name()},
			ports.Field{Key: "tag", Value: def.Name})
	}
	st.Degraded = false
	st.FailureCount = 0
	st.LastGoodRead = dp.IngestTimestamp
}

// Reconnects counts failed connect attempts since start.
func (p *Poller) Reconnects() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reconnects
}

// Statuses snapshots per-tag health for the management endpoint.
func (p *Poller) Statuses() map[string]TagStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]TagStatus, len(p.statuses))
	for name, st := range p.statuses {
		out[name] = *st
	}
	return out
}
