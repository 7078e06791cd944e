// Package modbus implements the register-table connector variant over
// Modbus TCP. Contiguous register reads are batched into single requests;
// multi-register values honor the device's byte and word ordering.
package modbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	mb "github.com/goburrow/modbus"

	"github.com/irontide/sparkbridge/internal/domain"
	"github.com/irontide/sparkbridge/internal/ports"
)

// Config describes one Modbus TCP endpoint.
type Config struct {
	Name     string        `yaml:"name"`
	Endpoint string        `yaml:"endpoint"`
	UnitID   byte          `yaml:"unit_id"`
	Timeout  time.Duration `yaml:"timeout"`

	// ByteOrder applies to every multi-register tag on this endpoint.
	ByteOrder ByteOrder `yaml:"byte_order"`

	// MaxBatchRegisters caps a single read request. The protocol limit is
	// 125 registers.
	MaxBatchRegisters uint16 `yaml:"max_batch_registers"`

	// MaxGapRegisters is the largest hole between two tags that still
	// merges them into one read.
	MaxGapRegisters uint16 `yaml:"max_gap_registers"`
}

// Validate rejects unusable endpoint configuration.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("modbus connector: name is required")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("modbus connector %q: endpoint is required", c.Name)
	}
	if !c.ByteOrder.valid() {
		return fmt.Errorf("modbus connector %q: unknown byte order %q", c.Name, c.ByteOrder)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.ByteOrder == "" {
		c.ByteOrder = OrderBig
	}
	if c.MaxBatchRegisters == 0 || c.MaxBatchRegisters > 125 {
		c.MaxBatchRegisters = 125
	}
	if c.MaxGapRegisters == 0 {
		c.MaxGapRegisters = 8
	}
}

// Connector is the ports.Connector implementation for register-table
// controllers.
type Connector struct {
	cfg Config
	obs ports.Observability

	mu        sync.Mutex
	handler   *mb.TCPClientHandler
	client    mb.Client
	connected bool
}

// New builds a disconnected connector.
func New(cfg Config, obs ports.Observability) (*Connector, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Connector{cfg: cfg, obs: obs}, nil
}

func (c *Connector) Name() string { return c.cfg.Name }

func (c *Connector) Capabilities() ports.Capability {
	return ports.CapRead | ports.CapWrite
}

func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	h := mb.NewTCPClientHandler(c.cfg.Endpoint)
	h.Timeout = c.cfg.Timeout
	h.SlaveId = c.cfg.UnitID
	if err := h.Connect(); err != nil {
		return &ports.ConnectionError{Target: c.cfg.Endpoint, Err: err}
	}

	c.handler = h
	c.client = mb.NewClient(h)
	c.connected = true
	c.obs.LogInfo("modbus_connected",
		ports.Field{Key: "connector", Value: c.cfg.Name},
		ports.Field{Key: "endpoint", Value: c.cfg.Endpoint})
	return nil
}

func (c *Connector) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	err := c.handler.Close()
	c.handler = nil
	c.client = nil
	return err
}

// span is one merged read request covering several tags.
type span struct {
	table table
	start uint16
	count uint16
	tags  []spanTag
}

type spanTag struct {
	index  int // position in the caller's tag slice
	def    *domain.TagDefinition
	offset uint16
	count  uint16
}

// planSpans groups tags into merged reads per table. Tags with unparsable
// addresses are reported through bad so the batch never fails whole.
func planSpans(tags []*domain.TagDefinition, maxBatch, maxGap uint16) (spans []span, bad map[int]error) {
	bad = make(map[int]error)
	byTable := make(map[table][]spanTag)
	for i, def := range tags {
		addr, err := parseAddress(def.SourceAddress)
		if err != nil {
			bad[i] = err
			continue
		}
		count := uint16(1)
		if addr.table == tableHolding || addr.table == tableInput {
			count, err = registerCount(def.Type)
			if err != nil {
				bad[i] = err
				continue
			}
		}
		byTable[addr.table] = append(byTable[addr.table], spanTag{
			index: i, def: def, offset: addr.offset, count: count,
		})
	}

	for tbl, ts := range byTable {
		sort.Slice(ts, func(a, b int) bool { return ts[a].offset < ts[b].offset })
		var cur *span
		for _, st := range ts {
			end := st.offset + st.count
			if cur != nil &&
				st.offset <= cur.start+cur.count+maxGap &&
				end-cur.start <= maxBatch {
				if end > cur.start+cur.count {
					cur.count = end - cur.start
				}
				cur.tags = append(cur.tags, st)
				continue
			}
			if cur != nil {
				spans = append(spans, *cur)
			}
			cur = &span{table: tbl, start: st.offset, count: st.count, tags: []spanTag{st}}
		}
		if cur != nil {
			spans = append(spans, *cur)
		}
	}
	return spans, bad
}

// ReadBatch polls the tags in as few requests as the address layout allows.
func (c *Connector) ReadBatch(ctx context.Context, tags []*domain.TagDefinition) ([]*domain.DataPoint, error) {
	c.mu.Lock()
	client := c.client
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return nil, &ports.ConnectionError{Target: c.cfg.Endpoint, Err: ports.ErrNotConnected}
	}

	points := make([]*domain.DataPoint, len(tags))
	spans, bad := planSpans(tags, c.cfg.MaxBatchRegisters, c.cfg.MaxGapRegisters)
	for i, err := range bad {
		points[i] = domain.BadDataPoint(tags[i].Name, tags[i].Type, err.Error())
	}

	for _, sp := range spans {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := c.readSpan(client, sp)
		if err != nil {
			for _, st := range sp.tags {
				points[st.index] = domain.BadDataPoint(st.def.Name, st.def.Type, err.Error())
			}
			c.obs.LogError("modbus_read_failed", err,
				ports.Field{Key: "connector", Value: c.cfg.Name},
				ports.Field{Key: "table", Value: string(sp.table)},
				ports.Field{Key: "start", Value: sp.start})
			continue
		}
		c.decodeSpan(sp, raw, points)
	}
	return points, nil
}

func (c *Connector) readSpan(client mb.Client, sp span) ([]byte, error) {
	switch sp.table {
	case tableHolding:
		return client.ReadHoldingRegisters(sp.start, sp.count)
	case tableInput:
		return client.ReadInputRegisters(sp.start, sp.count)
	case tableCoil:
		return client.ReadCoils(sp.start, sp.count)
	case tableDiscrete:
		return client.ReadDiscreteInputs(sp.start, sp.count)
	}
	return nil, fmt.Errorf("unknown table %q", sp.table)
}

func (c *Connector) decodeSpan(sp span, raw []byte, points []*domain.DataPoint) {
	for _, st := range sp.tags {
		var (
			v   domain.Value
			err error
		)
		switch sp.table {
		case tableHolding, tableInput:
			lo := int(st.offset-sp.start) * 2
			hi := lo + int(st.count)*2
			if hi > len(raw) {
				err = fmt.Errorf("short read: %d bytes for span of %d registers", len(raw), sp.count)
			} else {
				v, err = decodeRegisters(raw[lo:hi], st.def.Type, c.cfg.ByteOrder)
			}
		case tableCoil, tableDiscrete:
			bit := int(st.offset - sp.start)
			if bit/8 >= len(raw) {
				err = fmt.Errorf("short read: bit %d outside %d bytes", bit, len(raw))
			} else {
				v = domain.BoolValue(raw[bit/8]&(1<<(bit%8)) != 0)
			}
		}
		if err != nil {
			points[st.index] = domain.BadDataPoint(st.def.Name, st.def.Type,
				(&ports.ProtocolError{Tag: st.def.Name, Err: err}).Error())
			continue
		}
		points[st.index] = domain.NewDataPoint(st.def.Name, v)
	}
}

// Write sends one value. Coils accept booleans only; register tables encode
// the value with the endpoint's byte order.
func (c *Connector) Write(ctx context.Context, tag *domain.TagDefinition, value domain.Value) error {
	c.mu.Lock()
	client := c.client
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return &ports.ConnectionError{Target: c.cfg.Endpoint, Err: ports.ErrNotConnected}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	addr, err := parseAddress(tag.SourceAddress)
	if err != nil {
		return &ports.ProtocolError{Tag: tag.Name, Err: err}
	}

	switch addr.table {
	case tableCoil:
		var on uint16
		if value.Type != domain.TypeBool {
			return &ports.ProtocolError{Tag: tag.Name, Err: fmt.Errorf("coil write requires bool, got %q", value.Type)}
		}
		if value.Bool() {
			on = 0xFF00
		}
		_, err = client.WriteSingleCoil(addr.offset, on)
	case tableHolding:
		var b []byte
		b, err = encodeRegisters(value, c.cfg.ByteOrder)
		if err != nil {
			return &ports.ProtocolError{Tag: tag.Name, Err: err}
		}
		if len(b) == 2 {
			_, err = client.WriteSingleRegister(addr.offset, uint16(b[0])<<8|uint16(b[1]))
		} else {
			_, err = client.WriteMultipleRegisters(addr.offset, uint16(len(b)/2), b)
		}
	default:
		return &ports.ProtocolError{Tag: tag.Name,
			Err: fmt.Errorf("table %q is read-only", addr.table)}
	}
	if err != nil {
		return &ports.ProtocolError{Tag: tag.Name, Err: err}
	}
	return nil
}

func (c *Connector) Subscribe(context.Context, []*domain.TagDefinition, chan<- *domain.DataPoint) error {
	return ports.ErrCapabilityUnsupported
}

func (c *Connector) DiscoverTags(context.Context) ([]*domain.TagDefinition, error) {
	return nil, ports.ErrCapabilityUnsupported
}

var _ ports.Connector = (*Connector)(nil)
