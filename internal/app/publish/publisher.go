// Package publish drains the durable queue into the broker transport.
// Entries leave the queue only on acknowledged delivery; a publish timeout
// leaves the entry where it is and it is re-attempted on the next pass,
// never re-enqueued.
package publish

import (
	"context"
	"sync"
	"time"

	"github.com/irontide/sparkbridge/internal/ports"
)

// Rebirther re-enqueues every session's full state when the broker link
// comes back. The call returns once the birth certificates are in the queue,
// so the drain can hold data back until the new birth context is ahead of it.
type Rebirther interface {
	RebirthBarrier(ctx context.Context, reason string) error
}

// LatencySink receives per-publish round trip times.
type LatencySink interface {
	ReportLatency(d time.Duration)
}

// Config tunes the drain loop.
type Config struct {
	// BatchSize is how many entries one pass peeks.
	BatchSize int `yaml:"batch_size"`

	// IdleSleep is the pause when the queue is empty.
	IdleSleep time.Duration `yaml:"idle_sleep"`

	// FailurePause is the pause after a failed publish before the next
	// attempt.
	FailurePause time.Duration `yaml:"failure_pause"`

	// PublishTimeout bounds each delivery attempt.
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 64
	}
	if c.IdleSleep == 0 {
		c.IdleSleep = 20 * time.Millisecond
	}
	if c.FailurePause == 0 {
		c.FailurePause = 500 * time.Millisecond
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = 10 * time.Second
	}
}

// Publisher is the single consumer of the queue.
type Publisher struct {
	cfg       Config
	queue     ports.DurableQueue
	transport ports.Transport
	rebirth   Rebirther
	latency   LatencySink
	obs       ports.Observability

	wg sync.WaitGroup
}

// New builds a publisher. rebirth and latency may be nil.
func New(cfg Config, queue ports.DurableQueue, transport ports.Transport, rebirth Rebirther, latency LatencySink, obs ports.Observability) *Publisher {
	cfg.ApplyDefaults()
	return &Publisher{
		cfg:       cfg,
		queue:     queue,
		transport: transport,
		rebirth:   rebirth,
		latency:   latency,
		obs:       obs,
	}
}

// Run drains until ctx cancels.
func (p *Publisher) Run(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.drain(ctx)
	}()
}

// Wait blocks until the drain loop exits.
func (p *Publisher) Wait() { p.wg.Wait() }

// absorbEvents consumes pending connectivity transitions before the next
// publish pass. A reconnect rebirths every session and returns only once the
// new births are queued, so nothing left over from the outage goes out under
// the stale birth context. Returns the updated connectivity view.
func (p *Publisher) absorbEvents(ctx context.Context, wasConnected bool) bool {
	for {
		select {
		case <-ctx.Done():
			return wasConnected
		case ev := <-p.transport.Events():
			if ev.Connected && !wasConnected {
				p.obs.LogInfo("broker_reconnected")
				p.rebirthAll(ctx)
			}
			wasConnected = ev.Connected
		default:
			return wasConnected
		}
	}
}

func (p *Publisher) rebirthAll(ctx context.Context) {
	if p.rebirth == nil {
		return
	}
	barrierCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()
	if err := p.rebirth.RebirthBarrier(barrierCtx, "reconnect"); err != nil {
		p.obs.LogError("rebirth_enqueue_failed", err)
	}
}

func (p *Publisher) drain(ctx context.Context) {
	wasConnected := p.transport.Connected()
	for {
		if ctx.Err() != nil {
			return
		}
		wasConnected = p.absorbEvents(ctx, wasConnected)
		connected := p.transport.Connected()
		if connected && !wasConnected {
			// The link flips before its event lands in the channel, and a
			// full buffer drops events outright. Either way the rebirth
			// still has to precede the backlog.
			p.obs.LogInfo("broker_reconnected")
			p.rebirthAll(ctx)
		}
		wasConnected = connected
		if !connected {
			p.sleep(ctx, p.cfg.IdleSleep)
			continue
		}

		batch := p.queue.PeekBatch(p.cfg.BatchSize)
		if len(batch) == 0 {
			p.sleep(ctx, p.cfg.IdleSleep)
			continue
		}

		acked := p.publishBatch(ctx, batch)
		if len(acked) > 0 {
			if err := p.queue.Ack(acked); err != nil {
				p.obs.LogError("queue_ack_failed", err)
			}
			p.obs.IncCounter("sparkbridge_published_total", float64(len(acked)))
		}
		if len(acked) < len(batch) {
			// A failure mid-batch; entries after it stay queued in order.
			p.sleep(ctx, p.cfg.FailurePause)
		}
	}
}

// publishBatch delivers entries in order and stops at the first failure so
// per-class FIFO ordering holds end to end.
func (p *Publisher) publishBatch(ctx context.Context, batch []*ports.QueueEntry) []ports.EntryID {
	acked := make([]ports.EntryID, 0, len(batch))
	for _, e := range batch {
		if ctx.Err() != nil {
			break
		}
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
		start := time.Now()
		err := p.transport.Publish(attemptCtx, e)
		cancel()

		elapsed := time.Since(start)
		if p.latency != nil {
			p.latency.ReportLatency(elapsed)
		}
		if err != nil {
			p.obs.LogError("publish_failed", err,
				ports.Field{Key: "topic", Value: e.Topic},
				ports.Field{Key: "entry_id", Value: uint64(e.ID)})
			break
		}
		acked = append(acked, e.ID)
	}
	return acked
}

func (p *Publisher) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
