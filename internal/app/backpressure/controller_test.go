package backpressure

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irontide/sparkbridge/internal/adapters/observability"
	"github.com/irontide/sparkbridge/internal/domain"
	"github.com/irontide/sparkbridge/internal/ports"
	"github.com/irontide/sparkbridge/internal/registry"
)

// stateQueue fakes queue occupancy.
type stateQueue struct {
	total int64
	hw    int64
}

func (q *stateQueue) Enqueue(*ports.QueueEntry) error { return nil }
func (q *stateQueue) PeekBatch(int) []*ports.QueueEntry { return nil }
func (q *stateQueue) Ack([]ports.EntryID) error { return nil }
func (q *stateQueue) SetLifecycleProtected(string, bool) {}
func (q *stateQueue) Close() error { return nil }
func (q *stateQueue) State() ports.QueueState {
	return ports.QueueState{TotalBytes: q.total, HighWatermark: q.hw}
}

func testController(q ports.DurableQueue) (*Controller, *registry.Registry) {
	reg, _ := registry.New([]registry.TagRecord{{
		TagDefinition: domain.TagDefinition{
			Name:          "temp",
			SourceAddress: "a",
			Type:          domain.TypeFloat64,
		},
		Connector: "plc1",
	}}, 250*time.Millisecond, observability.Nop{})

	c := New(Config{
		EngageAfter:     3,
		ReleaseAfter:    2,
		ScaleFactor:     2,
		Ceiling:         2 * time.Second,
		RecoverFraction: 0.5,
	}, reg, q, observability.Nop{})
	return c, reg
}

func TestEngagesOnlyAfterConsecutivePressure(t *testing.T) {
	q := &stateQueue{total: 90, hw: 100}
	c, reg := testController(q)

	c.observe()
	c.observe()
	assert.Equal(t, ModeNormal, c.Mode(), "two observations are not enough")
	assert.Equal(t, 250*time.Millisecond, reg.EffectiveInterval("temp"))

	c.observe()
	assert.Equal(t, ModeDegraded, c.Mode())
	assert.Equal(t, 500*time.Millisecond, reg.EffectiveInterval("temp"))
}

func TestFlappingPressureNeverEngages(t *testing.T) {
	q := &stateQueue{total: 90, hw: 100}
	c, reg := testController(q)

	for i := 0; i < 10; i++ {
		q.total = 90
		c.observe()
		q.total = 10
		c.observe()
	}
	assert.Equal(t, ModeNormal, c.Mode())
	assert.Equal(t, 250*time.Millisecond, reg.EffectiveInterval("temp"))
}

func TestScalingCapsAtCeiling(t *testing.T) {
	q := &stateQueue{total: 100, hw: 100}
	c, reg := testController(q)

	for i := 0; i < 30; i++ {
		c.observe()
	}
	assert.Equal(t, 2*time.Second, reg.EffectiveInterval("temp"))
}

func TestReleaseStepsBackAndRecovers(t *testing.T) {
	q := &stateQueue{total: 100, hw: 100}
	c, reg := testController(q)

	for i := 0; i < 3; i++ {
		c.observe()
	}
	require.Equal(t, ModeDegraded, c.Mode())
	require.Equal(t, 500*time.Millisecond, reg.EffectiveInterval("temp"))

	// Recovery is gradual: each release step moves a fraction back toward
	// baseline rather than snapping, so sampling cannot oscillate.
	q.total = 10
	c.observe()
	c.observe()
	assert.Equal(t, ModeDegraded, c.Mode())
	assert.Less(t, reg.EffectiveInterval("temp"), 500*time.Millisecond)

	for i := 0; i < 100; i++ {
		c.observe()
	}
	assert.Equal(t, ModeNormal, c.Mode())
	assert.Equal(t, 250*time.Millisecond, reg.EffectiveInterval("temp"))
}

func TestHighLatencyEngagesDespiteQueueHeadroom(t *testing.T) {
	q := &stateQueue{total: 0, hw: 100}
	c, reg := testController(q)

	c.ReportLatency(10 * time.Second)
	for i := 0; i < 3; i++ {
		c.observe()
	}
	assert.Equal(t, ModeDegraded, c.Mode())
	assert.Greater(t, reg.EffectiveInterval("temp"), 250*time.Millisecond)
}
