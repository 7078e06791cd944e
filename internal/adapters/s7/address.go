package s7

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/irontide/sparkbridge/internal/domain"
)

// area is the controller memory region a tag lives in.
type area int

const (
	areaDB area = iota
	areaMerker
	areaInput
	areaOutput
)

// address is a parsed source address. Supported forms:
//
//	db<N>:<offset>        data block, byte offset
//	db<N>:<offset>.<bit>  data block, single bit (bool tags only)
//	m:<offset>            flag memory
//	i:<offset>            process inputs
//	q:<offset>            process outputs
type address struct {
	area   area
	db     int
	offset int
	bit    int // -1 for whole-byte addressing
}

func parseAddress(raw string) (address, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return address{}, fmt.Errorf("s7 address %q: want area:offset", raw)
	}

	a := address{bit: -1}
	switch {
	case strings.HasPrefix(parts[0], "db"):
		n, err := strconv.Atoi(parts[0][2:])
		if err != nil || n < 0 {
			return address{}, fmt.Errorf("s7 address %q: bad data block number", raw)
		}
		a.area = areaDB
		a.db = n
	case parts[0] == "m":
		a.area = areaMerker
	case parts[0] == "i":
		a.area = areaInput
	case parts[0] == "q":
		a.area = areaOutput
	default:
		return address{}, fmt.Errorf("s7 address %q: unknown area %q", raw, parts[0])
	}

	off := parts[1]
	if i := strings.IndexByte(off, '.'); i >= 0 {
		bit, err := strconv.Atoi(off[i+1:])
		if err != nil || bit < 0 || bit > 7 {
			return address{}, fmt.Errorf("s7 address %q: bit must be 0..7", raw)
		}
		a.bit = bit
		off = off[:i]
	}
	n, err := strconv.Atoi(off)
	if err != nil || n < 0 {
		return address{}, fmt.Errorf("s7 address %q: bad offset", raw)
	}
	a.offset = n
	return a, nil
}

// byteSize is the footprint of a tag in controller memory. Bit addresses
// occupy their containing byte.
func byteSize(t domain.DataType, a address) (int, error) {
	if a.bit >= 0 {
		if t != domain.TypeBool {
			return 0, fmt.Errorf("bit address requires bool, got %q", t)
		}
		return 1, nil
	}
	switch t {
	case domain.TypeBool:
		return 1, nil
	case domain.TypeInt16, domain.TypeUint16:
		return 2, nil
	case domain.TypeInt32, domain.TypeUint32, domain.TypeFloat32:
		return 4, nil
	case domain.TypeInt64, domain.TypeUint64, domain.TypeFloat64:
		return 8, nil
	case domain.TypeString:
		return 0, fmt.Errorf("string tags are not readable from raw memory")
	}
	return 0, fmt.Errorf("type %q has no memory representation", t)
}
