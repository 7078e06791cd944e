package modbus

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/irontide/sparkbridge/internal/domain"
)

// table identifies one of the four register tables.
type table string

const (
	tableHolding  table = "hr"
	tableInput    table = "ir"
	tableCoil     table = "coil"
	tableDiscrete table = "di"
)

// address is a parsed source address of the form `table:offset`, e.g.
// `hr:100`, `ir:30`, `coil:5`, `di:2`.
type address struct {
	table  table
	offset uint16
}

func parseAddress(raw string) (address, error) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return address{}, fmt.Errorf("modbus address %q: want table:offset", raw)
	}
	tbl := table(strings.ToLower(strings.TrimSpace(parts[0])))
	switch tbl {
	case tableHolding, tableInput, tableCoil, tableDiscrete:
	default:
		return address{}, fmt.Errorf("modbus address %q: unknown table %q", raw, parts[0])
	}
	n, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 16)
	if err != nil {
		return address{}, fmt.Errorf("modbus address %q: %w", raw, err)
	}
	return address{table: tbl, offset: uint16(n)}, nil
}

// registerCount is how many 16-bit registers a value of the given type
// occupies. Bit tables always occupy one point.
func registerCount(t domain.DataType) (uint16, error) {
	switch t {
	case domain.TypeBool, domain.TypeInt16, domain.TypeUint16:
		return 1, nil
	case domain.TypeInt32, domain.TypeUint32, domain.TypeFloat32:
		return 2, nil
	case domain.TypeInt64, domain.TypeUint64, domain.TypeFloat64:
		return 4, nil
	}
	return 0, fmt.Errorf("type %q has no register representation", t)
}
