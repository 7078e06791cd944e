package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/irontide/sparkbridge/internal/adapters/observability"
	"github.com/irontide/sparkbridge/internal/domain"
	"github.com/irontide/sparkbridge/internal/ports"
	"github.com/irontide/sparkbridge/internal/registry"
)

// memQueue records enqueued entries in order.
type memQueue struct {
	mu        sync.Mutex
	entries   []*ports.QueueEntry
	nextID    ports.EntryID
	protected map[string]bool
}

func newMemQueue() *memQueue {
	return &memQueue{protected: make(map[string]bool)}
}

func (q *memQueue) Enqueue(e *ports.QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	e.ID = q.nextID
	q.entries = append(q.entries, e)
	return nil
}

func (q *memQueue) PeekBatch(int) []*ports.QueueEntry { return nil }
func (q *memQueue) Ack([]ports.EntryID) error { return nil }
func (q *memQueue) State() ports.QueueState { return ports.QueueState{} }
func (q *memQueue) Close() error { return nil }

func (q *memQueue) SetLifecycleProtected(id string, p bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.protected[id] = p
}

func (q *memQueue) all() []*ports.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*ports.QueueEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

func testRegistry(t *testing.T, names ...string) *registry.Registry {
	t.Helper()
	records := make([]registry.TagRecord, len(names))
	for i, n := range names {
		records[i] = registry.TagRecord{
			TagDefinition: domain.TagDefinition{
				Name:          n,
				SourceAddress: "addr/" + n,
				Type:          domain.TypeFloat64,
			},
			Connector: "plc1",
		}
	}
	reg, errs := registry.New(records, 0, observability.Nop{})
	require.Empty(t, errs)
	return reg
}

func testSession(t *testing.T, reg *registry.Registry, q ports.DurableQueue) *NodeSession {
	t.Helper()
	return New(Config{
		Namespace: "spBv1.0",
		GroupID:   "plant-a",
		NodeID:    "edge-1",
		Connector: "plc1",
		QoS:       1,
	}, reg, q, observability.Nop{})
}

func point(name string, v float64) *domain.DataPoint {
	return domain.NewDataPoint(name, domain.Float64Value(v))
}

func TestBirthCarriesFullStateWithDeterministicAliases(t *testing.T) {
	q := newMemQueue()
	s := testSession(t, testRegistry(t, "temp", "pressure", "flow"), q)
	s.birth("test")

	entries := q.all()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "spBv1.0/plant-a/NBIRTH/edge-1", e.Topic)
	assert.True(t, e.Retained)
	assert.Equal(t, ports.KindLifecycle, e.Kind)
	assert.True(t, q.protected["edge-1"])

	p, err := DecodeBirth(e.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), p.Seq, "birth resets the sequence counter")
	assert.Equal(t, uint64(1), p.BdSeq)
	require.Len(t, p.Metrics, 3)
	for i, m := range p.Metrics {
		assert.Equal(t, uint64(i+1), m.Alias, "aliases assigned in registration order from 1")
	}
	assert.Equal(t, "temp", p.Metrics[0].Name)
	assert.Equal(t, "flow", p.Metrics[2].Name)
}

func TestSequenceMonotonicAndWrapping(t *testing.T) {
	q := newMemQueue()
	s := testSession(t, testRegistry(t, "temp"), q)
	s.birth("test")

	for i := 0; i < 300; i++ {
		s.encodeAndEnqueue([]*domain.DataPoint{point("temp", float64(i))})
	}

	entries := q.all()
	require.Len(t, entries, 301)
	for i, e := range entries[1:] {
		p, _, err := DecodeData(e.Payload, map[uint64]domain.DataType{1: domain.TypeFloat64})
		require.NoError(t, err)
		assert.Equal(t, uint8((i+1)%256), p.Seq)
	}
}

func TestRebirthResetsSequenceAndRegeneratesAliases(t *testing.T) {
	reg := testRegistry(t, "temp", "pressure")
	q := newMemQueue()
	s := testSession(t, reg, q)
	s.birth("test")
	s.encodeAndEnqueue([]*domain.DataPoint{point("temp", 1)})

	// A reload that reorders tags changes the alias assignment; the rebirth
	// republishes the mapping so subscribers never decode with stale aliases.
	_ = reg.Reload([]registry.TagRecord{
		{TagDefinition: domain.TagDefinition{Name: "pressure", SourceAddress: "a", Type: domain.TypeFloat64}, Connector: "plc1"},
		{TagDefinition: domain.TagDefinition{Name: "temp", SourceAddress: "b", Type: domain.TypeFloat64}, Connector: "plc1"},
	})
	s.birth("reload")

	entries := q.all()
	require.Len(t, entries, 3)
	p, err := DecodeBirth(entries[2].Payload)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), p.Seq)
	assert.Equal(t, uint64(2), p.BdSeq, "each birth increments bdSeq")
	assert.Equal(t, "pressure", p.Metrics[0].Name)
	assert.Equal(t, uint64(1), p.Metrics[0].Alias)
	assert.Equal(t, "temp", p.Metrics[1].Name)
	assert.Equal(t, uint64(2), p.Metrics[1].Alias)
}

func TestUnknownTagTriggersIncrementalRebirth(t *testing.T) {
	reg := testRegistry(t, "temp")
	q := newMemQueue()
	s := testSession(t, reg, q)
	s.birth("test")

	// Discovery adds a tag after the birth; its first point must not publish
	// under an unannounced alias.
	_ = reg.Reload([]registry.TagRecord{
		{TagDefinition: domain.TagDefinition{Name: "temp", SourceAddress: "a", Type: domain.TypeFloat64}, Connector: "plc1"},
		{TagDefinition: domain.TagDefinition{Name: "vibration", SourceAddress: "b", Type: domain.TypeFloat64}, Connector: "plc1"},
	})
	s.encodeAndEnqueue([]*domain.DataPoint{point("vibration", 0.7)})

	entries := q.all()
	require.Len(t, entries, 3, "rebirth then the data message")
	rebirth, err := DecodeBirth(entries[1].Payload)
	require.NoError(t, err)
	require.Len(t, rebirth.Metrics, 2)

	p, values, err := DecodeData(entries[2].Payload, rebirth.AliasTypes())
	require.NoError(t, err)
	require.Len(t, values, 1)
	f, ok := values[0].AsFloat()
	require.True(t, ok)
	assert.InDelta(t, 0.7, f, 1e-9)
	assert.Equal(t, uint8(1), p.Seq, "data follows the rebirth's seq 0")
}

func TestOutOfOrderPointFlaggedNotDropped(t *testing.T) {
	q := newMemQueue()
	s := testSession(t, testRegistry(t, "temp"), q)
	s.birth("test")

	now := time.Now().UTC()
	fresh := point("temp", 1)
	fresh.IngestTimestamp = now
	stale := point("temp", 2)
	stale.IngestTimestamp = now.Add(-time.Second)

	s.encodeAndEnqueue([]*domain.DataPoint{fresh})
	s.encodeAndEnqueue([]*domain.DataPoint{stale})

	entries := q.all()
	require.Len(t, entries, 3)
	p, _, err := DecodeData(entries[2].Payload, map[uint64]domain.DataType{1: domain.TypeFloat64})
	require.NoError(t, err)
	require.Len(t, p.Metrics, 1)
	assert.True(t, p.Metrics[0].OutOfOrder)
}

func TestBadQualityPublishesExplicitNull(t *testing.T) {
	q := newMemQueue()
	s := testSession(t, testRegistry(t, "temp"), q)
	s.birth("test")

	bad := domain.BadDataPoint("temp", domain.TypeFloat64, "0x80340000")
	s.encodeAndEnqueue([]*domain.DataPoint{bad})

	entries := q.all()
	require.Len(t, entries, 2)
	p, values, err := DecodeData(entries[1].Payload, map[uint64]domain.DataType{1: domain.TypeFloat64})
	require.NoError(t, err)
	assert.Equal(t, domain.QualityBad, p.Metrics[0].Quality)
	assert.Equal(t, "0x80340000", p.Metrics[0].Code)
	assert.True(t, values[0].Null, "bad quality carries an explicit null, never a fabricated zero")
}

func TestBatchCoalescesBufferedPoints(t *testing.T) {
	q := newMemQueue()
	s := testSession(t, testRegistry(t, "temp", "pressure"), q)
	s.birth("test")

	s.in <- point("pressure", 2)
	s.in <- point("temp", 3)
	s.handleBatch(point("temp", 1))

	entries := q.all()
	require.Len(t, entries, 2, "buffered points coalesce into one message")
	p, _, err := DecodeData(entries[1].Payload, map[uint64]domain.DataType{
		1: domain.TypeFloat64, 2: domain.TypeFloat64,
	})
	require.NoError(t, err)
	assert.Len(t, p.Metrics, 3)
}

func TestRunLifecycleEndsWithDeath(t *testing.T) {
	q := newMemQueue()
	s := testSession(t, testRegistry(t, "temp"), q)

	ctx, cancel := context.WithCancel(context.Background())
	s.Run(ctx)

	require.Eventually(t, func() bool {
		return s.Status() == StatusOnline
	}, time.Second, 5*time.Millisecond)

	s.In() <- point("temp", 42)
	cancel()
	s.Wait()

	entries := q.all()
	require.GreaterOrEqual(t, len(entries), 3)
	last := entries[len(entries)-1]
	assert.Equal(t, "spBv1.0/plant-a/NDEATH/edge-1", last.Topic)
	assert.Equal(t, ports.KindLifecycle, last.Kind)

	d, err := DecodeDeath(last.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), d.Seq)
	assert.Equal(t, uint64(1), d.BdSeq, "death closes the birth it belongs to")
	assert.False(t, q.protected["edge-1"], "protection lifts when the session dies")
	assert.Equal(t, StatusOffline, s.Status())
}

func TestDeathWillClosesTheUpcomingBirth(t *testing.T) {
	q := newMemQueue()
	s := testSession(t, testRegistry(t, "temp"), q)

	// The will is registered with the broker before the session births, so
	// its bdSeq must match the birth that follows, not the one before it.
	will := s.DeathWill()
	require.True(t, will.Retained)
	d, err := DecodeDeath(will.Payload)
	require.NoError(t, err)

	s.birth("startup")
	b, err := DecodeBirth(q.all()[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, b.BdSeq, d.BdSeq)
}

func TestRebirthBarrierWaitsForBirthEnqueue(t *testing.T) {
	q := newMemQueue()
	s := testSession(t, testRegistry(t, "temp"), q)

	ctx, cancel := context.WithCancel(context.Background())
	s.Run(ctx)
	require.Eventually(t, func() bool {
		return s.Status() == StatusOnline
	}, time.Second, 5*time.Millisecond)

	before := len(q.all())
	barrierCtx, barrierCancel := context.WithTimeout(ctx, time.Second)
	defer barrierCancel()
	require.NoError(t, s.RebirthBarrier(barrierCtx, "reconnect"))

	entries := q.all()
	require.Greater(t, len(entries), before, "the barrier returns only once the birth is queued")
	assert.Equal(t, "spBv1.0/plant-a/NBIRTH/edge-1", entries[len(entries)-1].Topic)

	cancel()
	s.Wait()
}

func TestQoSDefaultsOnUnmarshalButExplicitZeroSurvives(t *testing.T) {
	var omitted Config
	require.NoError(t, yaml.Unmarshal([]byte("node_id: n1"), &omitted))
	assert.Equal(t, byte(1), omitted.QoS, "omitted qos defaults to 1")

	var explicit Config
	require.NoError(t, yaml.Unmarshal([]byte("node_id: n1\nqos: 0"), &explicit))
	assert.Equal(t, byte(0), explicit.QoS)
}

func TestDeviceSessionUsesDeviceTopics(t *testing.T) {
	q := newMemQueue()
	s := New(Config{
		Namespace: "spBv1.0",
		GroupID:   "plant-a",
		NodeID:    "edge-1",
		DeviceID:  "press-7",
		Connector: "plc1",
	}, testRegistry(t, "temp"), q, observability.Nop{})
	s.birth("test")
	s.encodeAndEnqueue([]*domain.DataPoint{point("temp", 1)})

	entries := q.all()
	require.Len(t, entries, 2)
	assert.Equal(t, "spBv1.0/plant-a/DBIRTH/edge-1/press-7", entries[0].Topic)
	assert.Equal(t, "spBv1.0/plant-a/DDATA/edge-1/press-7", entries[1].Topic)
}

func TestEngineRoutesRebirthCommand(t *testing.T) {
	q := newMemQueue()
	reg := testRegistry(t, "temp")
	eng, err := NewEngine([]Config{
		{Namespace: "spBv1.0", GroupID: "g", NodeID: "edge-1", Connector: "plc1"},
		{Namespace: "spBv1.0", GroupID: "g", NodeID: "edge-2", Connector: "plc1"},
	}, reg, q, observability.Nop{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	require.Eventually(t, func() bool {
		for _, st := range eng.Statuses() {
			if st != StatusOnline {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	before := len(q.all())
	eng.HandleCommand("edge-1", []byte(fmt.Sprintf(
		`{"metrics":[{"name":%q,"value":true}]}`, rebirthMetricName)))

	require.Eventually(t, func() bool {
		return len(q.all()) == before+1
	}, time.Second, 5*time.Millisecond)
	rebirth := q.all()[before]
	assert.Equal(t, "spBv1.0/g/NBIRTH/edge-1", rebirth.Topic)

	cancel()
	eng.Shutdown(time.Second)
	assert.Equal(t, StatusOffline, eng.Statuses()["edge-1"])
}

func TestEngineRejectsDuplicateNodeIDs(t *testing.T) {
	_, err := NewEngine([]Config{
		{NodeID: "edge-1", Connector: "plc1"},
		{NodeID: "edge-1", Connector: "plc1"},
	}, testRegistry(t, "temp"), newMemQueue(), observability.Nop{})
	require.Error(t, err)
	var cfgErr *ports.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}
