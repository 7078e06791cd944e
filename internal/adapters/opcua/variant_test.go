package opcua

import (
	"testing"

	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irontide/sparkbridge/internal/domain"
)

func variant(t *testing.T, raw any) *ua.Variant {
	t.Helper()
	v, err := ua.NewVariant(raw)
	require.NoError(t, err)
	return v
}

func TestVariantToValueWidensNumerics(t *testing.T) {
	v, err := variantToValue(domain.TypeFloat64, variant(t, float32(1.5)))
	require.NoError(t, err)
	f, ok := v.AsFloat()
	require.True(t, ok)
	assert.Equal(t, 1.5, f)

	v, err = variantToValue(domain.TypeInt32, variant(t, int16(-7)))
	require.NoError(t, err)
	i, ok := v.AsInt()
	require.True(t, ok)
	assert.Equal(t, int64(-7), i)
}

func TestVariantToValueRejectsMismatch(t *testing.T) {
	_, err := variantToValue(domain.TypeBool, variant(t, int32(1)))
	assert.Error(t, err)

	_, err = variantToValue(domain.TypeFloat64, variant(t, "not a number"))
	assert.Error(t, err)
}

func TestNilVariantIsNull(t *testing.T) {
	v, err := variantToValue(domain.TypeFloat64, nil)
	require.NoError(t, err)
	assert.True(t, v.Null)
}

func TestValueToVariantUsesDeclaredWidth(t *testing.T) {
	vv, err := valueToVariant(domain.Int16Value(-3))
	require.NoError(t, err)
	assert.Equal(t, int16(-3), vv.Value())

	vv, err = valueToVariant(domain.Float32Value(2.5))
	require.NoError(t, err)
	assert.Equal(t, float32(2.5), vv.Value())

	_, err = valueToVariant(domain.NullValue(domain.TypeFloat64))
	assert.Error(t, err)
}
