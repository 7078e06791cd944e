package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irontide/sparkbridge/internal/domain"
)

func TestParseAddress(t *testing.T) {
	cases := []struct {
		raw  string
		want address
		ok   bool
	}{
		{"hr:100", address{tableHolding, 100}, true},
		{"IR:30", address{tableInput, 30}, true},
		{"coil:5", address{tableCoil, 5}, true},
		{"di:2", address{tableDiscrete, 2}, true},
		{"hr:", address{}, false},
		{"100", address{}, false},
		{"xx:1", address{}, false},
		{"hr:70000", address{}, false},
	}
	for _, tc := range cases {
		got, err := parseAddress(tc.raw)
		if !tc.ok {
			assert.Error(t, err, tc.raw)
			continue
		}
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}

func TestDecodeFloat32ByteOrders(t *testing.T) {
	// 3.14159 as IEEE 754 is 0x40490FDB.
	abcd := []byte{0x40, 0x49, 0x0F, 0xDB}
	cdab := []byte{0x0F, 0xDB, 0x40, 0x49}
	dcba := []byte{0xDB, 0x0F, 0x49, 0x40}
	badc := []byte{0x49, 0x40, 0xDB, 0x0F}

	for name, tc := range map[string]struct {
		raw   []byte
		order ByteOrder
	}{
		"big":         {abcd, OrderBig},
		"big-swap":    {cdab, OrderBigSwap},
		"little":      {dcba, OrderLittle},
		"little-swap": {badc, OrderLittleSwap},
	} {
		v, err := decodeRegisters(tc.raw, domain.TypeFloat32, tc.order)
		require.NoError(t, err, name)
		f, ok := v.AsFloat()
		require.True(t, ok, name)
		assert.InDelta(t, 3.14159, f, 1e-5, name)
	}
}

func TestDecodeIntegerTypes(t *testing.T) {
	v, err := decodeRegisters([]byte{0xFF, 0xFE}, domain.TypeInt16, OrderBig)
	require.NoError(t, err)
	i, ok := v.AsInt()
	require.True(t, ok)
	assert.Equal(t, int64(-2), i)

	v, err = decodeRegisters([]byte{0x00, 0x01, 0x00, 0x00}, domain.TypeUint32, OrderBig)
	require.NoError(t, err)
	u, ok := v.AsUint()
	require.True(t, ok)
	assert.Equal(t, uint64(65536), u)

	_, err = decodeRegisters([]byte{0x00}, domain.TypeInt16, OrderBig)
	assert.Error(t, err, "short buffer rejected")
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, order := range []ByteOrder{OrderBig, OrderBigSwap, OrderLittle, OrderLittleSwap} {
		want := domain.Float64Value(-273.15)
		b, err := encodeRegisters(want, order)
		require.NoError(t, err)
		got, err := decodeRegisters(b, domain.TypeFloat64, order)
		require.NoError(t, err)
		assert.True(t, want.Equal(got), string(order))
	}
}

func tag(name, addr string, typ domain.DataType) *domain.TagDefinition {
	return &domain.TagDefinition{Name: name, SourceAddress: addr, Type: typ}
}

func TestPlanSpansMergesContiguousRegisters(t *testing.T) {
	tags := []*domain.TagDefinition{
		tag("a", "hr:100", domain.TypeUint16),
		tag("b", "hr:101", domain.TypeFloat32),
		tag("c", "hr:103", domain.TypeUint16),
	}
	spans, bad := planSpans(tags, 125, 8)
	assert.Empty(t, bad)
	require.Len(t, spans, 1)
	assert.Equal(t, uint16(100), spans[0].start)
	assert.Equal(t, uint16(4), spans[0].count)
	assert.Len(t, spans[0].tags, 3)
}

func TestPlanSpansSplitsOnLargeGap(t *testing.T) {
	tags := []*domain.TagDefinition{
		tag("a", "hr:0", domain.TypeUint16),
		tag("b", "hr:500", domain.TypeUint16),
	}
	spans, bad := planSpans(tags, 125, 8)
	assert.Empty(t, bad)
	assert.Len(t, spans, 2)
}

func TestPlanSpansRespectsBatchLimit(t *testing.T) {
	tags := []*domain.TagDefinition{
		tag("a", "hr:0", domain.TypeUint16),
		tag("b", "hr:120", domain.TypeFloat64),
	}
	spans, bad := planSpans(tags, 100, 125)
	assert.Empty(t, bad)
	assert.Len(t, spans, 2, "merged span would exceed the request limit")
}

func TestPlanSpansSeparatesTables(t *testing.T) {
	tags := []*domain.TagDefinition{
		tag("a", "hr:0", domain.TypeUint16),
		tag("b", "ir:0", domain.TypeUint16),
		tag("c", "coil:0", domain.TypeBool),
	}
	spans, bad := planSpans(tags, 125, 8)
	assert.Empty(t, bad)
	assert.Len(t, spans, 3)
}

func TestPlanSpansReportsBadAddressesPerTag(t *testing.T) {
	tags := []*domain.TagDefinition{
		tag("good", "hr:1", domain.TypeUint16),
		tag("bad", "nope", domain.TypeUint16),
	}
	spans, bad := planSpans(tags, 125, 8)
	require.Len(t, spans, 1)
	require.Len(t, bad, 1)
	assert.Contains(t, bad, 1)
}

func TestDecodeSpanSlicesPerTag(t *testing.T) {
	c := &Connector{cfg: Config{ByteOrder: OrderBig}}
	tags := []*domain.TagDefinition{
		tag("u", "hr:10", domain.TypeUint16),
		tag("f", "hr:11", domain.TypeFloat32),
	}
	spans, bad := planSpans(tags, 125, 8)
	require.Empty(t, bad)
	require.Len(t, spans, 1)

	raw := []byte{
		0x00, 0x2A, // hr:10 = 42
		0x40, 0x49, 0x0F, 0xDB, // hr:11..12 = 3.14159
	}
	points := make([]*domain.DataPoint, len(tags))
	c.decodeSpan(spans[0], raw, points)

	u, ok := points[0].Value.AsUint()
	require.True(t, ok)
	assert.Equal(t, uint64(42), u)
	assert.Equal(t, domain.QualityGood, points[0].Quality)

	f, ok := points[1].Value.AsFloat()
	require.True(t, ok)
	assert.InDelta(t, 3.14159, f, 1e-5)
}

func TestDecodeSpanCoilBits(t *testing.T) {
	c := &Connector{cfg: Config{ByteOrder: OrderBig}}
	tags := []*domain.TagDefinition{
		tag("c0", "coil:8", domain.TypeBool),
		tag("c3", "coil:11", domain.TypeBool),
	}
	spans, bad := planSpans(tags, 125, 8)
	require.Empty(t, bad)
	require.Len(t, spans, 1)

	// Bits are packed LSB-first from the span start.
	points := make([]*domain.DataPoint, len(tags))
	c.decodeSpan(spans[0], []byte{0b00001001}, points)
	assert.True(t, points[0].Value.Bool())
	assert.True(t, points[1].Value.Bool())
}
