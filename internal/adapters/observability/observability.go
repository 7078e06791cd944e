// Package observability bridges the ports.Observability interface onto zap
// structured logging and a prometheus registry.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/irontide/sparkbridge/internal/ports"
)

// Obs is the production implementation: zap for logs, a dedicated prometheus
// registry for metrics. Metric instruments are created lazily on first use
// so call sites never pre-register.
type Obs struct {
	log *zap.Logger
	reg *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	histograms map[string]prometheus.Histogram
	drops      *prometheus.CounterVec
}

// New wires a logger and a fresh registry.
func New(log *zap.Logger) *Obs {
	reg := prometheus.NewRegistry()
	drops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sparkbridge_queue_drops_total",
		Help: "Entries lost to watermark eviction or rejection.",
	}, []string{"topic", "reason"})
	reg.MustRegister(drops)

	return &Obs{
		log:        log,
		reg:        reg,
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		histograms: make(map[string]prometheus.Histogram),
		drops:      drops,
	}
}

// Registry exposes the prometheus registry for the metrics HTTP handler.
func (o *Obs) Registry() *prometheus.Registry { return o.reg }

func zapFields(fields []ports.Field) []zap.Field {
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		out[i] = zap.Any(f.Key, f.Value)
	}
	return out
}

func (o *Obs) LogDebug(msg string, fields ...ports.Field) {
	o.log.Debug(msg, zapFields(fields)...)
}

func (o *Obs) LogInfo(msg string, fields ...ports.Field) {
	o.log.Info(msg, zapFields(fields)...)
}

func (o *Obs) LogError(msg string, err error, fields ...ports.Field) {
	o.log.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

func (o *Obs) LogCritical(msg string, err error, fields ...ports.Field) {
	o.log.Fatal(msg, append(zapFields(fields), zap.Error(err))...)
}

func (o *Obs) IncCounter(name string, v float64) {
	o.mu.Lock()
	c, ok := o.counters[name]
	if !ok {
		c = prometheus.NewCounter(prometheus.CounterOpts{Name: name})
		o.reg.MustRegister(c)
		o.counters[name] = c
	}
	o.mu.Unlock()
	c.Add(v)
}

func (o *Obs) SetGauge(name string, v float64) {
	o.mu.Lock()
	g, ok := o.gauges[name]
	if !ok {
		g = prometheus.NewGauge(prometheus.GaugeOpts{Name: name})
		o.reg.MustRegister(g)
		o.gauges[name] = g
	}
	o.mu.Unlock()
	g.Set(v)
}

func (o *Obs) ObserveLatency(name string, seconds float64) {
	o.mu.Lock()
	h, ok := o.histograms[name]
	if !ok {
		h = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    name,
			Buckets: prometheus.DefBuckets,
		})
		o.reg.MustRegister(h)
		o.histograms[name] = h
	}
	o.mu.Unlock()
	h.Observe(seconds)
}

func (o *Obs) RecordDrop(topic string, reason string) {
	o.drops.WithLabelValues(topic, reason).Inc()
	o.log.Warn("entry_dropped", zap.String("topic", topic), zap.String("reason", reason))
}

var _ ports.Observability = (*Obs)(nil)
