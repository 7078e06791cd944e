package poller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irontide/sparkbridge/internal/adapters/observability"
	"github.com/irontide/sparkbridge/internal/adapters/sim"
	"github.com/irontide/sparkbridge/internal/domain"
	"github.com/irontide/sparkbridge/internal/registry"
)

func testRegistry(t *testing.T, records ...registry.TagRecord) *registry.Registry {
	t.Helper()
	reg, errs := registry.New(records, 10*time.Millisecond, observability.Nop{})
	require.Empty(t, errs)
	return reg
}

func record(name, addr string, mutate func(*registry.TagRecord)) registry.TagRecord {
	rec := registry.TagRecord{
		TagDefinition: domain.TagDefinition{
			Name:          name,
			SourceAddress: addr,
			Type:          domain.TypeFloat64,
		},
		Connector: "sim1",
	}
	if mutate != nil {
		mutate(&rec)
	}
	return rec
}

func newPoller(t *testing.T, reg *registry.Registry, connCfg sim.Config, out chan *domain.DataPoint) *Poller {
	t.Helper()
	connCfg.Name = "sim1"
	conn, err := sim.New(connCfg)
	require.NoError(t, err)
	return New(Config{
		ReconnectMin: time.Millisecond,
		ReconnectMax: 5 * time.Millisecond,
		DegradeAfter: 3,
		Tick:         2 * time.Millisecond,
	}, conn, reg, out, observability.Nop{})
}

func collect(out <-chan *domain.DataPoint, d time.Duration) []*domain.DataPoint {
	deadline := time.After(d)
	var points []*domain.DataPoint
	for {
		select {
		case dp := <-out:
			points = append(points, dp)
		case <-deadline:
			return points
		}
	}
}

func TestPollsAndForwardsPoints(t *testing.T) {
	reg := testRegistry(t, record("count", "counter", nil))
	out := make(chan *domain.DataPoint, 256)
	p := newPoller(t, reg, sim.Config{}, out)

	ctx, cancel := context.WithCancel(context.Background())
	p.Run(ctx)
	points := collect(out, 100*time.Millisecond)
	cancel()
	p.Wait()

	require.NotEmpty(t, points)
	for _, dp := range points {
		assert.Equal(t, "count", dp.TagName)
		assert.Equal(t, domain.QualityGood, dp.Quality)
	}
	// Counter values are strictly increasing, so none were reordered.
	for i := 1; i < len(points); i++ {
		a, _ := points[i-1].Value.AsFloat()
		b, _ := points[i].Value.AsFloat()
		assert.Greater(t, b, a)
	}
}

func TestScalingAppliedBeforeForwarding(t *testing.T) {
	reg := testRegistry(t, record("scaled", "const:10", func(r *registry.TagRecord) {
		r.Scale = 2
		r.Offset = 5
	}))
	out := make(chan *domain.DataPoint, 64)
	p := newPoller(t, reg, sim.Config{}, out)

	ctx, cancel := context.WithCancel(context.Background())
	p.Run(ctx)
	points := collect(out, 50*time.Millisecond)
	cancel()
	p.Wait()

	require.NotEmpty(t, points)
	f, ok := points[0].Value.AsFloat()
	require.True(t, ok)
	assert.Equal(t, 25.0, f)
}

func TestDeadbandSuppressesUnchangedValues(t *testing.T) {
	reg := testRegistry(t, record("steady", "const:10", func(r *registry.TagRecord) {
		r.Deadband = 0.5
		r.DeadbandMode = domain.DeadbandAbsolute
	}))
	out := make(chan *domain.DataPoint, 64)
	p := newPoller(t, reg, sim.Config{}, out)

	ctx, cancel := context.WithCancel(context.Background())
	p.Run(ctx)
	points := collect(out, 80*time.Millisecond)
	cancel()
	p.Wait()

	// The first observation always passes; repeats inside the deadband do
	// not.
	assert.Len(t, points, 1)
}

func TestQualityTransitionBypassesDeadband(t *testing.T) {
	reg := testRegistry(t, record("faulty", "const:10", func(r *registry.TagRecord) {
		r.Deadband = 0.5
		r.DeadbandMode = domain.DeadbandAbsolute
	}))
	out := make(chan *domain.DataPoint, 256)
	p := newPoller(t, reg, sim.Config{FaultEvery: 4}, out)

	ctx, cancel := context.WithCancel(context.Background())
	p.Run(ctx)
	points := collect(out, 100*time.Millisecond)
	cancel()
	p.Wait()

	var sawBad, sawRecovery bool
	for i, dp := range points {
		if dp.Quality == domain.QualityBad {
			sawBad = true
			assert.True(t, dp.Value.Null, "bad point carries explicit null")
		}
		if i > 0 && points[i-1].Quality == domain.QualityBad && dp.Quality == domain.QualityGood {
			sawRecovery = true
		}
	}
	assert.True(t, sawBad, "fault injection must surface as bad points")
	assert.True(t, sawRecovery, "recovery after a fault must surface despite the deadband")
}

func TestTagDegradesAfterConsecutiveFailures(t *testing.T) {
	// Every read faults, so the tag crosses the degrade threshold.
	reg := testRegistry(t, record("dead", "const:1", nil))
	out := make(chan *domain.DataPoint, 256)
	p := newPoller(t, reg, sim.Config{FaultEvery: 1}, out)

	ctx, cancel := context.WithCancel(context.Background())
	p.Run(ctx)

	require.Eventually(t, func() bool {
		st, ok := p.Statuses()["dead"]
		return ok && st.Degraded
	}, time.Second, 5*time.Millisecond)
	cancel()
	p.Wait()

	st := p.Statuses()["dead"]
	assert.GreaterOrEqual(t, st.FailureCount, 3)
}

func TestDegradedTagPollsAtReducedRate(t *testing.T) {
	// Every read faults, so the tag crosses the degrade threshold and should
	// then only be read at a fraction of its baseline rate.
	reg := testRegistry(t, record("dead", "const:1", nil))
	out := make(chan *domain.DataPoint, 1024)
	p := newPoller(t, reg, sim.Config{FaultEvery: 1}, out)

	ctx, cancel := context.WithCancel(context.Background())
	p.Run(ctx)
	require.Eventually(t, func() bool {
		st, ok := p.Statuses()["dead"]
		return ok && st.Degraded
	}, time.Second, 5*time.Millisecond)

	before := p.Statuses()["dead"].FailureCount
	time.Sleep(300 * time.Millisecond)
	cancel()
	p.Wait()

	// The 10ms baseline would fit ~30 reads into the window; the degraded
	// rate must stay well under that, but never reach zero or the tag could
	// never recover.
	reads := p.Statuses()["dead"].FailureCount - before
	assert.Less(t, reads, 15, "degraded tag still polled at full rate")
	assert.Greater(t, reads, 0, "degraded tag must still be read so it can recover")
}

func TestReconnectsAfterFailedConnects(t *testing.T) {
	reg := testRegistry(t, record("count", "counter", nil))
	out := make(chan *domain.DataPoint, 64)
	p := newPoller(t, reg, sim.Config{FailConnects: 3}, out)

	ctx, cancel := context.WithCancel(context.Background())
	p.Run(ctx)
	points := collect(out, 200*time.Millisecond)
	cancel()
	p.Wait()

	assert.NotEmpty(t, points, "poller must recover once connects succeed")
	assert.Equal(t, uint64(3), p.Reconnects(), "every failed connect is counted")
}
