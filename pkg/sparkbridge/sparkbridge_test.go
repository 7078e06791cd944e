package sparkbridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irontide/sparkbridge/internal/adapters/observability"
	"github.com/irontide/sparkbridge/internal/app/session"
	"github.com/irontide/sparkbridge/internal/domain"
	"github.com/irontide/sparkbridge/internal/ports"
)

// memTransport fakes an always-connected broker.
type memTransport struct {
	mu        sync.Mutex
	published []*ports.QueueEntry
	events    chan ports.ConnEvent
}

func newMemTransport() *memTransport {
	return &memTransport{events: make(chan ports.ConnEvent, 16)}
}

func (t *memTransport) SetWill(ports.WillMessage) {}
func (t *memTransport) Connect(context.Context) error { return nil }
func (t *memTransport) SubscribeCommands(string, ports.CommandHandler) error { return nil }
func (t *memTransport) Events() <-chan ports.ConnEvent { return t.events }
func (t *memTransport) Connected() bool { return true }
func (t *memTransport) Close(context.Context) error { return nil }

func (t *memTransport) Publish(_ context.Context, e *ports.QueueEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.published = append(t.published, e)
	return nil
}

func (t *memTransport) topics() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.published))
	for i, e := range t.published {
		out[i] = e.Topic
	}
	return out
}

func testDoc(t *testing.T) []byte {
	t.Helper()
	return []byte(fmt.Sprintf(`
broker:
  broker_url: tcp://unused:1883
connectors:
  - sim:
      name: line-sim
sessions:
  - group_id: plant-a
    node_id: edge-1
    connector: line-sim
tags:
  - name: temp
    address: "sine:20"
    type: float64
    connector: line-sim
queue:
  dir: %s
metrics:
  addr: 127.0.0.1:0
`, t.TempDir()))
}

func TestGatewayEndToEnd(t *testing.T) {
	cfg, warnings, err := ParseConfig(testDoc(t))
	require.NoError(t, err)
	require.Empty(t, warnings)

	tr := newMemTransport()
	g, err := New(cfg, WithTransport(tr), WithObservability(observability.Nop{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Start(ctx))

	// A birth must precede any data on the wire.
	require.Eventually(t, func() bool {
		topics := tr.topics()
		return len(topics) > 1 && strings.Contains(topics[0], "NBIRTH")
	}, 5*time.Second, 10*time.Millisecond)

	for _, topic := range tr.topics()[1:] {
		assert.Contains(t, topic, "NDATA")
	}

	snap := g.Snapshot()
	assert.Equal(t, session.StatusOnline, snap.Sessions["edge-1"])
	assert.True(t, snap.BrokerUp)
	require.Contains(t, snap.Reconnects, "edge-1", "snapshot surfaces per-connector reconnect counts")

	// Writes are disabled unless the deployment opts in.
	assert.Error(t, g.Write(ctx, "temp", 1.0))

	g.Shutdown(2 * time.Second)
	assert.Equal(t, session.StatusOffline, g.Snapshot().Sessions["edge-1"])
}

func TestCustomConnectorInjection(t *testing.T) {
	doc := []byte(fmt.Sprintf(`
broker:
  broker_url: tcp://unused:1883
sessions:
  - group_id: plant-a
    node_id: edge-1
    connector: custom
tags:
  - name: temp
    address: "anything"
    type: float64
    connector: custom
    writable: true
queue:
  dir: %s
metrics:
  addr: 127.0.0.1:0
writes:
  enabled: true
`, t.TempDir()))

	cfg, warnings, err := ParseConfig(doc)
	require.NoError(t, err)
	// The connector is injected below, so the reference warning is expected.
	require.Len(t, warnings, 2)

	conn := &staticConnector{name: "custom"}
	tr := newMemTransport()
	g, err := New(cfg, WithConnector(conn), WithTransport(tr), WithObservability(observability.Nop{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Start(ctx))

	require.Eventually(t, func() bool {
		return len(tr.topics()) > 1
	}, 5*time.Second, 10*time.Millisecond)

	// Writes route through the injected connector when enabled.
	require.NoError(t, g.Write(ctx, "temp", 42.0))
	assert.Equal(t, 42.0, conn.lastWrite())
	assert.Error(t, g.Write(ctx, "no-such-tag", 1.0))

	g.Shutdown(2 * time.Second)
}

// staticConnector always reads 1.0 and remembers the last written value.
type staticConnector struct {
	name string

	mu      sync.Mutex
	written any
}

func (c *staticConnector) lastWrite() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written
}

func (c *staticConnector) Name() string { return c.name }
func (c *staticConnector) Capabilities() ports.Capability { return ports.CapRead | ports.CapWrite }
func (c *staticConnector) Connect(context.Context) error { return nil }
func (c *staticConnector) Disconnect(context.Context) error { return nil }

func (c *staticConnector) ReadBatch(_ context.Context, tags []*TagDefinition) ([]*DataPoint, error) {
	out := make([]*DataPoint, len(tags))
	for i, def := range tags {
		v, err := domain.FromInterface(def.Type, 1.0)
		if err != nil {
			return nil, err
		}
		out[i] = domain.NewDataPoint(def.Name, v)
	}
	return out, nil
}

func (c *staticConnector) Write(_ context.Context, _ *TagDefinition, v Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = v.Interface()
	return nil
}

func (c *staticConnector) Subscribe(context.Context, []*TagDefinition, chan<- *DataPoint) error {
	return ports.ErrCapabilityUnsupported
}

func (c *staticConnector) DiscoverTags(context.Context) ([]*TagDefinition, error) {
	return nil, ports.ErrCapabilityUnsupported
}
