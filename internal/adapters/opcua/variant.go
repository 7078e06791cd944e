package opcua

import (
	"fmt"

	"github.com/gopcua/opcua/ua"

	"github.com/irontide/sparkbridge/internal/domain"
)

// variantToValue narrows a wire variant into the tag's declared type. A type
// mismatch is a protocol error, not a silent coercion, except for numeric
// widening which is always safe.
func variantToValue(t domain.DataType, v *ua.Variant) (domain.Value, error) {
	if v == nil || v.Value() == nil {
		return domain.NullValue(t), nil
	}
	raw := v.Value()

	switch t {
	case domain.TypeBool:
		if b, ok := raw.(bool); ok {
			return domain.BoolValue(b), nil
		}
	case domain.TypeString:
		if s, ok := raw.(string); ok {
			return domain.StringValue(s), nil
		}
	default:
		if f, ok := numeric(raw); ok {
			return domain.FromInterface(t, f)
		}
	}
	return domain.Value{}, fmt.Errorf("variant type %T does not match tag type %q", raw, t)
}

func numeric(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case int8:
		return float64(n), true
	case uint8:
		return float64(n), true
	case int16:
		return float64(n), true
	case uint16:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// valueToVariant builds the wire variant for a write, using the narrowest Go
// type matching the tag type so the server sees the declared width.
func valueToVariant(v domain.Value) (*ua.Variant, error) {
	if v.Null {
		return nil, fmt.Errorf("cannot write a null value")
	}
	var raw any
	switch v.Type {
	case domain.TypeBool:
		raw = v.Bool()
	case domain.TypeString:
		raw = v.String()
	case domain.TypeInt16:
		i, _ := v.AsInt()
		raw = int16(i)
	case domain.TypeInt32:
		i, _ := v.AsInt()
		raw = int32(i)
	case domain.TypeInt64:
		i, _ := v.AsInt()
		raw = i
	case domain.TypeUint16:
		u, _ := v.AsUint()
		raw = uint16(u)
	case domain.TypeUint32:
		u, _ := v.AsUint()
		raw = uint32(u)
	case domain.TypeUint64:
		u, _ := v.AsUint()
		raw = u
	case domain.TypeFloat32:
		f, _ := v.AsFloat()
		raw = float32(f)
	case domain.TypeFloat64:
		f, _ := v.AsFloat()
		raw = f
	default:
		return nil, fmt.Errorf("type %q has no variant representation", v.Type)
	}
	return ua.NewVariant(raw)
}
