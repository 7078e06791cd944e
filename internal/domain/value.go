package domain

import (
	"encoding/json"
	"fmt"
)

// Value is a tagged union over the supported data types. The zero Value is an
// explicit null: bad-quality reads keep their null marker end to end and are
// never replaced with a fabricated zero.
type Value struct {
	Type DataType
	Null bool

	b bool
	i int64
	u uint64
	f float64
	s string
}

func BoolValue(v bool) Value { return Value{Type: TypeBool, b: v} }

func Int16Value(v int16) Value { return Value{Type: TypeInt16, i: int64(v)} }

func Int32Value(v int32) Value { return Value{Type: TypeInt32, i: int64(v)} }

func Int64Value(v int64) Value { return Value{Type: TypeInt64, i: v} }

func Uint16Value(v uint16) Value { return Value{Type: TypeUint16, u: uint64(v)} }

func Uint32Value(v uint32) Value { return Value{Type: TypeUint32, u: uint64(v)} }

func Uint64Value(v uint64) Value { return Value{Type: TypeUint64, u: v} }

func Float32Value(v float32) Value { return Value{Type: TypeFloat32, f: float64(v)} }

func Float64Value(v float64) Value { return Value{Type: TypeFloat64, f: v} }

func StringValue(v string) Value { return Value{Type: TypeString, s: v} }

// NullValue marks an observation with no usable value, typed when the tag
// type is known.
func NullValue(t DataType) Value { return Value{Type: t, Null: true} }

// Bool returns the boolean payload.
func (v Value) Bool() bool { return v.b }

// String returns the string payload.
func (v Value) String() string { return v.s }

// AsFloat widens any numeric payload to float64. It returns false for nulls,
// strings and booleans.
func (v Value) AsFloat() (float64, bool) {
	if v.Null {
		return 0, false
	}
	switch v.Type {
	case TypeInt16, TypeInt32, TypeInt64:
		return float64(v.i), true
	case TypeUint16, TypeUint32, TypeUint64:
		return float64(v.u), true
	case TypeFloat32, TypeFloat64:
		return v.f, true
	}
	return 0, false
}

// AsInt returns the signed integer payload.
func (v Value) AsInt() (int64, bool) {
	if v.Null {
		return 0, false
	}
	switch v.Type {
	case TypeInt16, TypeInt32, TypeInt64:
		return v.i, true
	}
	return 0, false
}

// AsUint returns the unsigned integer payload.
func (v Value) AsUint() (uint64, bool) {
	if v.Null {
		return 0, false
	}
	switch v.Type {
	case TypeUint16, TypeUint32, TypeUint64:
		return v.u, true
	}
	return 0, false
}

// Equal compares type, nullness and payload.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type || v.Null != o.Null {
		return false
	}
	if v.Null {
		return true
	}
	return v.b == o.b && v.i == o.i && v.u == o.u && v.f == o.f && v.s == o.s
}

// Interface exposes the payload as a plain Go value for encoding.
func (v Value) Interface() any {
	if v.Null {
		return nil
	}
	switch v.Type {
	case TypeBool:
		return v.b
	case TypeInt16, TypeInt32, TypeInt64:
		return v.i
	case TypeUint16, TypeUint32, TypeUint64:
		return v.u
	case TypeFloat32, TypeFloat64:
		return v.f
	case TypeString:
		return v.s
	}
	return nil
}

// MarshalJSON emits the bare scalar, or JSON null for null values.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// FromInterface rebuilds a Value of the given type from a decoded JSON scalar.
func FromInterface(t DataType, raw any) (Value, error) {
	if raw == nil {
		return NullValue(t), nil
	}
	switch t {
	case TypeBool:
		b, ok := raw.(bool)
		if !ok {
			return Value{}, fmt.Errorf("value: expected bool, got %T", raw)
		}
		return BoolValue(b), nil
	case TypeString:
		s, ok := raw.(string)
		if !ok {
			return Value{}, fmt.Errorf("value: expected string, got %T", raw)
		}
		return StringValue(s), nil
	}
	f, ok := numericAsFloat(raw)
	if !ok {
		return Value{}, fmt.Errorf("value: expected number, got %T", raw)
	}
	switch t {
	case TypeInt16:
		return Int16Value(int16(f)), nil
	case TypeInt32:
		return Int32Value(int32(f)), nil
	case TypeInt64:
		return Int64Value(int64(f)), nil
	case TypeUint16:
		return Uint16Value(uint16(f)), nil
	case TypeUint32:
		return Uint32Value(uint32(f)), nil
	case TypeUint64:
		return Uint64Value(uint64(f)), nil
	case TypeFloat32:
		return Float32Value(float32(f)), nil
	case TypeFloat64:
		return Float64Value(f), nil
	}
	return Value{}, fmt.Errorf("value: unsupported type %q", t)
}

func numericAsFloat(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
