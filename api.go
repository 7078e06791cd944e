package sparkbridge

import (
	base "github.com/irontide/sparkbridge/pkg/sparkbridge"
)

// Type aliases so consumers can import github.com/irontide/sparkbridge
// directly.
type (
	Config          = base.Config
	ConnectorConfig = base.ConnectorConfig
	SessionConfig   = base.SessionConfig
	TagRecord       = base.TagRecord
	TagDefinition   = base.TagDefinition
	DataPoint       = base.DataPoint
	Value           = base.Value
	DataType        = base.DataType
	Quality         = base.Quality
	Connector       = base.Connector
	Transport       = base.Transport
	Observability   = base.Observability
	QueueEntry      = base.QueueEntry
	WillMessage     = base.WillMessage
	Capability      = base.Capability
	Gateway         = base.Gateway
	Option          = base.Option
)

// Capability flags for custom connectors.
const (
	CapRead      = base.CapRead
	CapWrite     = base.CapWrite
	CapSubscribe = base.CapSubscribe
	CapDiscover  = base.CapDiscover
)

// ErrCapabilityUnsupported is the sentinel for unimplemented connector
// operations.
var ErrCapabilityUnsupported = base.ErrCapabilityUnsupported

// Value and data point constructors for connector implementations.
func NewValue(t DataType, raw any) (Value, error) { return base.NewValue(t, raw) }

func NewDataPoint(tag string, v Value) *DataPoint { return base.NewDataPoint(tag, v) }

func BadDataPoint(tag string, t DataType, statusCode string) *DataPoint {
	return base.BadDataPoint(tag, t, statusCode)
}

// Config helpers.
func LoadConfig(path string) (*Config, []error, error) {
	return base.LoadConfig(path)
}

func ParseConfig(raw []byte) (*Config, []error, error) {
	return base.ParseConfig(raw)
}

// Gateway construction.
func New(cfg *Config, opts ...Option) (*Gateway, error) {
	return base.New(cfg, opts...)
}

func WithConnector(c Connector) Option { return base.WithConnector(c) }

func WithTransport(t Transport) Option { return base.WithTransport(t) }

func WithObservability(obs Observability) Option { return base.WithObservability(obs) }
