package sim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irontide/sparkbridge/internal/domain"
	"github.com/irontide/sparkbridge/internal/ports"
)

func tags(addrs ...string) []*domain.TagDefinition {
	out := make([]*domain.TagDefinition, len(addrs))
	for i, a := range addrs {
		out[i] = &domain.TagDefinition{
			Name:          a,
			SourceAddress: a,
			Type:          domain.TypeFloat64,
		}
	}
	return out
}

func TestWaveformsAreDeterministic(t *testing.T) {
	run := func() [][]float64 {
		c, err := New(Config{Name: "sim"})
		require.NoError(t, err)
		require.NoError(t, c.Connect(context.Background()))

		var rows [][]float64
		for i := 0; i < 10; i++ {
			points, err := c.ReadBatch(context.Background(), tags("sine:8", "ramp:4", "counter", "const:7.5"))
			require.NoError(t, err)
			row := make([]float64, len(points))
			for j, p := range points {
				f, ok := p.Value.AsFloat()
				require.True(t, ok)
				row[j] = f
			}
			rows = append(rows, row)
		}
		return rows
	}

	assert.Equal(t, run(), run(), "identical runs produce identical series")
}

func TestFaultInjectionOnCadence(t *testing.T) {
	c, err := New(Config{Name: "sim", FaultEvery: 3})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	for i := 1; i <= 6; i++ {
		points, err := c.ReadBatch(context.Background(), tags("counter"))
		require.NoError(t, err)
		if i%3 == 0 {
			assert.Equal(t, domain.QualityBad, points[0].Quality, "batch %d", i)
			assert.True(t, points[0].Value.Null)
		} else {
			assert.Equal(t, domain.QualityGood, points[0].Quality, "batch %d", i)
		}
	}
}

func TestFailConnectsExercisesRetry(t *testing.T) {
	c, err := New(Config{Name: "sim", FailConnects: 2})
	require.NoError(t, err)

	var connErr *ports.ConnectionError
	assert.ErrorAs(t, c.Connect(context.Background()), &connErr)
	assert.Error(t, c.Connect(context.Background()))
	assert.NoError(t, c.Connect(context.Background()))
}

func TestWriteOverridesWaveform(t *testing.T) {
	c, err := New(Config{Name: "sim"})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	def := tags("counter")[0]
	require.NoError(t, c.Write(context.Background(), def, domain.Float64Value(99)))

	points, err := c.ReadBatch(context.Background(), []*domain.TagDefinition{def})
	require.NoError(t, err)
	f, ok := points[0].Value.AsFloat()
	require.True(t, ok)
	assert.Equal(t, 99.0, f)
}

func TestBadWaveformDegradesOnlyThatTag(t *testing.T) {
	c, err := New(Config{Name: "sim"})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	points, err := c.ReadBatch(context.Background(), tags("counter", "wobble:3"))
	require.NoError(t, err)
	assert.Equal(t, domain.QualityGood, points[0].Quality)
	assert.Equal(t, domain.QualityBad, points[1].Quality)
}
