// Package s7 implements the connection-oriented connector variant for
// Siemens controllers. Reads are merged per data block; all values are
// big-endian in controller memory.
package s7

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/robinson/gos7"

	"github.com/irontide/sparkbridge/internal/domain"
	"github.com/irontide/sparkbridge/internal/ports"
)

// Config describes one controller endpoint. Rack and slot select the CPU on
// the backplane.
type Config struct {
	Name     string        `yaml:"name"`
	Endpoint string        `yaml:"endpoint"`
	Rack     int           `yaml:"rack"`
	Slot     int           `yaml:"slot"`
	Timeout  time.Duration `yaml:"timeout"`

	// MaxGapBytes is the largest hole between two tags that still merges
	// them into one read.
	MaxGapBytes int `yaml:"max_gap_bytes"`

	// MaxReadBytes caps a single read request.
	MaxReadBytes int `yaml:"max_read_bytes"`
}

// Validate rejects unusable endpoint configuration.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("s7 connector: name is required")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("s7 connector %q: endpoint is required", c.Name)
	}
	if c.Rack < 0 || c.Slot < 0 {
		return fmt.Errorf("s7 connector %q: rack and slot must be non-negative", c.Name)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxGapBytes == 0 {
		c.MaxGapBytes = 16
	}
	if c.MaxReadBytes == 0 {
		c.MaxReadBytes = 200
	}
}

// Connector is the ports.Connector implementation for S7 controllers.
type Connector struct {
	cfg Config
	obs ports.Observability

	mu        sync.Mutex
	handler   *gos7.TCPClientHandler
	client    gos7.Client
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

	h := gos7.NewTCPClientHandler(c.cfg.Endpoint, c.cfg.Rack, c.cfg.Slot)
	h.Timeout = c.cfg.Timeout
	if err := h.Connect(); err != nil {
		return &ports.ConnectionError{Target: c.cfg.Endpoint, Err: err}
	}

	c.handler = h
	c.client = gos7.NewClient(h)
	c.connected = true
	c.obs.LogInfo("s7_connected",
		ports.Field{Key: "connector", Value: c.cfg.Name},
		ports.Field{Key: "endpoint", Value: c.cfg.Endpoint},
		ports.Field{Key: "rack", Value: c.cfg.Rack},
		ports.Field{Key: "slot", Value: c.cfg.Slot})
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

// spanKey groups tags that one request can cover.
type spanKey struct {
	area area
	db   int
}

type span struct {
	key   spanKey
	start int
	size  int
	tags  []spanTag
}

type spanTag struct {
	index  int
	def    *domain.TagDefinition
	addr   address
	offset int
	size   int
}

func planSpans(tags []*domain.TagDefinition, maxGap, maxRead int) (spans []span, bad map[int]error) {
	bad = make(map[int]error)
	byKey := make(map[spanKey][]spanTag)
	for i, def := range tags {
		addr, err := parseAddress(def.SourceAddress)
		if err != nil {
			bad[i] = err
			continue
		}
		size, err := byteSize(def.Type, addr)
		if err != nil {
			bad[i] = err
			continue
		}
		key := spanKey{area: addr.area, db: addr.db}
		byKey[key] = append(byKey[key], spanTag{
			index: i, def: def, addr: addr, offset: addr.offset, size: size,
		})
	}

	for key, ts := range byKey {
		sort.Slice(ts, func(a, b int) bool { return ts[a].offset < ts[b].offset })
		var cur *span
		for _, st := range ts {
			end := st.offset + st.size
			if cur != nil &&
				st.offset <= cur.start+cur.size+maxGap &&
				end-cur.start <= maxRead {
				if end > cur.start+cur.size {
					cur.size = end - cur.start
				}
				cur.tags = append(cur.tags, st)
				continue
			}
			if cur != nil {
				spans = append(spans, *cur)
			}
			cur = &span{key: key, start: st.offset, size: st.size, tags: []spanTag{st}}
		}
		if cur != nil {
			spans = append(spans, *cur)
		}
	}
	return spans, bad
}

// ReadBatch polls the tags, merging neighbors within a data block into one
// request.
func (c *Connector) ReadBatch(ctx context.Context, tags []*domain.TagDefinition) ([]*domain.DataPoint, error) {
	c.mu.Lock()
	client := c.client
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return nil, &ports.ConnectionError{Target: c.cfg.Endpoint, Err: ports.ErrNotConnected}
	}

	points := make([]*domain.DataPoint, len(tags))
	spans, bad := planSpans(tags, c.cfg.MaxGapBytes, c.cfg.MaxReadBytes)
	for i, err := range bad {
		points[i] = domain.BadDataPoint(tags[i].Name, tags[i].Type, err.Error())
	}

	for _, sp := range spans {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		buf := make([]byte, sp.size)
		if err := c.readSpan(client, sp, buf); err != nil {
			for _, st := range sp.tags {
				points[st.index] = domain.BadDataPoint(st.def.Name, st.def.Type, err.Error())
			}
			c.obs.LogError("s7_read_failed", err,
				ports.Field{Key: "connector", Value: c.cfg.Name},
				ports.Field{Key: "db", Value: sp.key.db},
				ports.Field{Key: "start", Value: sp.start})
			continue
		}
		decodeSpan(sp, buf, points)
	}
	return points, nil
}

func (c *Connector) readSpan(client gos7.Client, sp span, buf []byte) error {
	switch sp.key.area {
	case areaDB:
		return client.AGReadDB(sp.key.db, sp.start, sp.size, buf)
	case areaMerker:
		return client.AGReadMB(sp.start, sp.size, buf)
	case areaInput:
		return client.AGReadEB(sp.start, sp.size, buf)
	case areaOutput:
		return client.AGReadAB(sp.start, sp.size, buf)
	}
	return fmt.Errorf("unknown area %d", sp.key.area)
}

func decodeSpan(sp span, buf []byte, points []*domain.DataPoint) {
	for _, st := range sp.tags {
		lo := st.offset - sp.start
		if lo+st.size > len(buf) {
			points[st.index] = domain.BadDataPoint(st.def.Name, st.def.Type,
				fmt.Sprintf("short read: %d bytes for span of %d", len(buf), sp.size))
			continue
		}
		v, err := decodeBytes(buf[lo:lo+st.size], st.def.Type, st.addr.bit)
		if err != nil {
			points[st.index] = domain.BadDataPoint(st.def.Name, st.def.Type,
				(&ports.ProtocolError{Tag: st.def.Name, Err: err}).Error())
			continue
		}
		points[st.index] = domain.NewDataPoint(st.def.Name, v)
	}
}

func decodeBytes(b []byte, t domain.DataType, bit int) (domain.Value, error) {
	if bit >= 0 {
		return domain.BoolValue(b[0]&(1<<bit) != 0), nil
	}
	switch t {
	case domain.TypeBool:
		return domain.BoolValue(b[0] != 0), nil
	case domain.TypeInt16:
		return domain.Int16Value(int16(binary.BigEndian.Uint16(b))), nil
	case domain.TypeUint16:
		return domain.Uint16Value(binary.BigEndian.Uint16(b)), nil
	case domain.TypeInt32:
		return domain.Int32Value(int32(binary.BigEndian.Uint32(b))), nil
	case domain.TypeUint32:
		return domain.Uint32Value(binary.BigEndian.Uint32(b)), nil
	case domain.TypeFloat32:
		return domain.Float32Value(math.Float32frombits(binary.BigEndian.Uint32(b))), nil
	case domain.TypeInt64:
		return domain.Int64Value(int64(binary.BigEndian.Uint64(b))), nil
	case domain.TypeUint64:
		return domain.Uint64Value(binary.BigEndian.Uint64(b)), nil
	case domain.TypeFloat64:
		return domain.Float64Value(math.Float64frombits(binary.BigEndian.Uint64(b))), nil
	}
	return domain.Value{}, fmt.Errorf("type %q not decodable", t)
}

func encodeBytes(v domain.Value) ([]byte, error) {
	switch v.Type {
	case domain.TypeBool:
		if v.Bool() {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case domain.TypeInt16, domain.TypeUint16, domain.TypeInt32, domain.TypeUint32,
		domain.TypeInt64, domain.TypeUint64:
		var u uint64
		if i, ok := v.AsInt(); ok {
			u = uint64(i)
		} else if uu, ok := v.AsUint(); ok {
			u = uu
		} else {
			return nil, fmt.Errorf("null value has no memory encoding")
		}
		switch v.Type {
		case domain.TypeInt16, domain.TypeUint16:
			b := make([]byte, 2)
			binary.BigEndian.PutUint16(b, uint16(u))
			return b, nil
		case domain.TypeInt32, domain.TypeUint32:
			b := make([]byte, 4)
			binary.BigEndian.PutUint32(b, uint32(u))
			return b, nil
		default:
			b := make([]byte, 8)
			binary.BigEndian.PutUint64(b, u)
			return b, nil
		}
	case domain.TypeFloat32:
		f, ok := v.AsFloat()
		if !ok {
			return nil, fmt.Errorf("null value has no memory encoding")
		}
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, math.Float32bits(float32(f)))
		return b, nil
	case domain.TypeFloat64:
		f, ok := v.AsFloat()
		if !ok {
			return nil, fmt.Errorf("null value has no memory encoding")
		}
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, math.Float64bits(f))
		return b, nil
	}
	return nil, fmt.Errorf("type %q not encodable", v.Type)
}

// Write sends one value. Bit writes read-modify-write the containing byte.
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
	if addr.area != areaDB && addr.area != areaMerker && addr.area != areaOutput {
		return &ports.ProtocolError{Tag: tag.Name,
			Err: fmt.Errorf("area is read-only")}
	}

	var buf []byte
	if addr.bit >= 0 {
		if value.Type != domain.TypeBool {
			return &ports.ProtocolError{Tag: tag.Name,
				Err: fmt.Errorf("bit address requires bool, got %q", value.Type)}
		}
		buf = make([]byte, 1)
		if err := c.readSpan(client, span{key: spanKey{area: addr.area, db: addr.db}, start: addr.offset, size: 1}, buf); err != nil {
			return &ports.ProtocolError{Tag: tag.Name, Err: err}
		}
		if value.Bool() {
			buf[0] |= 1 << addr.bit
		} else {
			buf[0] &^= 1 << addr.bit
		}
	} else {
		buf, err = encodeBytes(value)
		if err != nil {
			return &ports.ProtocolError{Tag: tag.Name, Err: err}
		}
	}

	switch addr.area {
	case areaDB:
		err = client.AGWriteDB(addr.db, addr.offset, len(buf), buf)
	case areaMerker:
		err = client.AGWriteMB(addr.offset, len(buf), buf)
	case areaOutput:
		err = client.AGWriteAB(addr.offset, len(buf), buf)
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
