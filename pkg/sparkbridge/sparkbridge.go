// Package sparkbridge is the embedding API: it wraps the gateway runtime so
// any Go service can run an edge instance, inject custom connectors, or swap
// the broker transport.
package sparkbridge

import (
	"context"
	"time"

	"github.com/irontide/sparkbridge/internal/app/config"
	"github.com/irontide/sparkbridge/internal/app/runtime"
	"github.com/irontide/sparkbridge/internal/app/session"
	"github.com/irontide/sparkbridge/internal/domain"
	"github.com/irontide/sparkbridge/internal/ports"
	"github.com/irontide/sparkbridge/internal/registry"
)

// Configuration types, re-exported so callers can construct documents
// programmatically instead of loading YAML.
type (
	Config          = config.Config
	ConnectorConfig = config.ConnectorConfig
	SessionConfig   = session.Config
	TagRecord       = registry.TagRecord
	TagDefinition   = domain.TagDefinition
)

// Domain types crossing the embedding boundary.
type (
	DataPoint = domain.DataPoint
	Value     = domain.Value
	DataType  = domain.DataType
	Quality   = domain.Quality
)

// Extension points. Implementations plug in through Option values.
type (
	Connector     = ports.Connector
	Transport     = ports.Transport
	Observability = ports.Observability
	QueueEntry    = ports.QueueEntry
	WillMessage   = ports.WillMessage
	Capability    = ports.Capability
)

// Capability flags a custom connector can advertise.
const (
	CapRead      = ports.CapRead
	CapWrite     = ports.CapWrite
	CapSubscribe = ports.CapSubscribe
	CapDiscover  = ports.CapDiscover
)

// ErrCapabilityUnsupported is the sentinel a connector returns from
// operations it does not implement.
var ErrCapabilityUnsupported = ports.ErrCapabilityUnsupported

// NewValue converts a raw Go value into a typed Value, widening or narrowing
// as the declared type requires.
func NewValue(t DataType, raw any) (Value, error) {
	return domain.FromInterface(t, raw)
}

// NewDataPoint builds a good-quality point stamped now.
func NewDataPoint(tag string, v Value) *DataPoint {
	return domain.NewDataPoint(tag, v)
}

// BadDataPoint builds a bad-quality point carrying a protocol status code.
func BadDataPoint(tag string, t DataType, statusCode string) *DataPoint {
	return domain.BadDataPoint(tag, t, statusCode)
}

// Option customizes gateway construction.
type Option = runtime.Option

// WithConnector registers a custom connector implementation; sessions and
// tags reference it by its Name().
func WithConnector(c Connector) Option { return runtime.WithConnector(c) }

// WithTransport replaces the MQTT transport, e.g. with an in-memory fake.
func WithTransport(t Transport) Option { return runtime.WithTransport(t) }

// WithObservability replaces the zap/prometheus backend.
func WithObservability(obs Observability) Option { return runtime.WithObservability(obs) }

// LoadConfig reads and validates a deployment document. The warnings slice
// carries per-record diagnostics that did not stop the load.
func LoadConfig(path string) (cfg *Config, warnings []error, err error) {
	return config.Load(path)
}

// ParseConfig decodes a document from memory.
func ParseConfig(raw []byte) (cfg *Config, warnings []error, err error) {
	return config.Parse(raw)
}

// Gateway is one running edge instance.
type Gateway struct {
	rt *runtime.Runtime
}

// New builds a gateway without starting it.
func New(cfg *Config, opts ...Option) (*Gateway, error) {
	rt, err := runtime.Build(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &Gateway{rt: rt}, nil
}

// Start births every session and begins acquisition and delivery.
func (g *Gateway) Start(ctx context.Context) error {
	return g.rt.Start(ctx)
}

// Write sends a value to a writable tag. It fails unless the deployment
// config enables writes and the tag is marked writable.
func (g *Gateway) Write(ctx context.Context, tag string, value any) error {
	return g.rt.Write(ctx, tag, value)
}

// ReloadTags replaces the tag set without restarting the gateway. Sessions
// rebirth so subscribers see consistent alias tables.
func (g *Gateway) ReloadTags(records []TagRecord) []error {
	return g.rt.ReloadTags(records)
}

// Snapshot reports the live state of every component.
func (g *Gateway) Snapshot() runtime.Snapshot {
	return g.rt.CurrentSnapshot()
}

// Shutdown stops acquisition, enqueues session deaths and releases the
// queue, bounded by timeout.
func (g *Gateway) Shutdown(timeout time.Duration) {
	g.rt.Shutdown(timeout)
}

// Run starts the gateway and blocks until ctx cancels, then shuts down.
func (g *Gateway) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := g.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	g.Shutdown(shutdownTimeout)
	return nil
}
