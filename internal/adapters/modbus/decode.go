package modbus

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/irontide/sparkbridge/internal/domain"
)

// ByteOrder names how multi-register values are laid out on the wire.
// Registers themselves arrive big-endian per the protocol; devices disagree
// only about byte and word ordering across registers.
type ByteOrder string

const (
	// OrderBig is the standard ABCD layout.
	OrderBig ByteOrder = "big"
	// OrderBigSwap swaps 16-bit words: CDAB.
	OrderBigSwap ByteOrder = "big-swap"
	// OrderLittle reverses all bytes: DCBA.
	OrderLittle ByteOrder = "little"
	// OrderLittleSwap reverses bytes within each word: BADC.
	OrderLittleSwap ByteOrder = "little-swap"
)

func (o ByteOrder) valid() bool {
	switch o {
	case OrderBig, OrderBigSwap, OrderLittle, OrderLittleSwap, "":
		return true
	}
	return false
}

// normalize rewrites raw register bytes into plain big-endian ABCD order.
func (o ByteOrder) normalize(raw []byte) []byte {
	out := make([]byte, len(raw))
	copy(out, raw)
	switch o {
	case OrderBigSwap:
		for i := 0; i+3 < len(out); i += 4 {
			out[i], out[i+1], out[i+2], out[i+3] = out[i+2], out[i+3], out[i], out[i+1]
		}
	case OrderLittle:
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	case OrderLittleSwap:
		for i := 0; i+1 < len(out); i += 2 {
			out[i], out[i+1] = out[i+1], out[i]
		}
	}
	return out
}

// decodeRegisters turns raw register bytes into a typed value.
func decodeRegisters(raw []byte, t domain.DataType, order ByteOrder) (domain.Value, error) {
	count, err := registerCount(t)
	if err != nil {
		return domain.Value{}, err
	}
	if len(raw) != int(count)*2 {
		return domain.Value{}, fmt.Errorf("got %d bytes, want %d for %q", len(raw), count*2, t)
	}
	b := order.normalize(raw)

	switch t {
	case domain.TypeBool:
		return domain.BoolValue(binary.BigEndian.Uint16(b) != 0), nil
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
	return domain.Value{}, fmt.Errorf("type %q not decodable from registers", t)
}

// encodeRegisters is the inverse, used for writes.
func encodeRegisters(v domain.Value, order ByteOrder) ([]byte, error) {
	count, err := registerCount(v.Type)
	if err != nil {
		return nil, err
	}
	b := make([]byte, count*2)

	switch v.Type {
	case domain.TypeBool:
		if v.Bool() {
			binary.BigEndian.PutUint16(b, 1)
		}
	case domain.TypeInt16, domain.TypeUint16, domain.TypeInt32, domain.TypeUint32,
		domain.TypeInt64, domain.TypeUint64:
		var u uint64
		if i, ok := v.AsInt(); ok {
			u = uint64(i)
		} else if uu, ok := v.AsUint(); ok {
			u = uu
		} else {
			return nil, fmt.Errorf("null value has no register encoding")
		}
		switch count {
		case 1:
			binary.BigEndian.PutUint16(b, uint16(u))
		case 2:
			binary.BigEndian.PutUint32(b, uint32(u))
		case 4:
			binary.BigEndian.PutUint64(b, u)
		}
	case domain.TypeFloat32:
		f, ok := v.AsFloat()
		if !ok {
			return nil, fmt.Errorf("null value has no register encoding")
		}
		binary.BigEndian.PutUint32(b, math.Float32bits(float32(f)))
	case domain.TypeFloat64:
		f, ok := v.AsFloat()
		if !ok {
			return nil, fmt.Errorf("null value has no register encoding")
		}
		binary.BigEndian.PutUint64(b, math.Float64bits(f))
	default:
		return nil, fmt.Errorf("type %q not encodable to registers", v.Type)
	}
	return order.normalize(b), nil
}
