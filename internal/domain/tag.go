package domain

import (
	"fmt"
	"time"
)

// DataType enumerates the point types SparkBridge can carry on the wire.
type DataType string

const (
	TypeBool    DataType = "bool"
	TypeInt16   DataType = "int16"
	TypeInt32   DataType = "int32"
	TypeInt64   DataType = "int64"
	TypeUint16  DataType = "uint16"
	TypeUint32  DataType = "uint32"
	TypeUint64  DataType = "uint64"
	TypeFloat32 DataType = "float32"
	TypeFloat64 DataType = "float64"
	TypeString  DataType = "string"
)

// Valid reports whether t is one of the supported wire types.
func (t DataType) Valid() bool {
	switch t {
	case TypeBool, TypeInt16, TypeInt32, TypeInt64,
		TypeUint16, TypeUint32, TypeUint64,
		TypeFloat32, TypeFloat64, TypeString:
		return true
	}
	return false
}

// DeadbandMode selects how TagDefinition.Deadband is interpreted.
type DeadbandMode string

const (
	DeadbandNone     DeadbandMode = ""
	DeadbandAbsolute DeadbandMode = "absolute"
	DeadbandPercent  DeadbandMode = "percent"
)

// TagDefinition describes one monitored point. Definitions are immutable once
// loaded; the registry owns them and connectors hold references only.
type TagDefinition struct {
	Name           string        `yaml:"name"`
	SourceAddress  string        `yaml:"address"`
	Type           DataType      `yaml:"type"`
	Scale          float64       `yaml:"scale"`
	Offset         float64       `yaml:"offset"`
	Deadband       float64       `yaml:"deadband"`
	DeadbandMode   DeadbandMode  `yaml:"deadband_mode"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	Writable       bool          `yaml:"writable"`
}

// Validate rejects definitions that cannot be polled or encoded.
func (t *TagDefinition) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("tag name is required")
	}
	if t.SourceAddress == "" {
		return fmt.Errorf("tag %q: address is required", t.Name)
	}
	if !t.Type.Valid() {
		return fmt.Errorf("tag %q: unknown type %q", t.Name, t.Type)
	}
	switch t.DeadbandMode {
	case DeadbandNone, DeadbandAbsolute, DeadbandPercent:
	default:
		return fmt.Errorf("tag %q: unknown deadband mode %q", t.Name, t.DeadbandMode)
	}
	if t.Deadband < 0 {
		return fmt.Errorf("tag %q: deadband must be >= 0", t.Name)
	}
	if t.SampleInterval < 0 {
		return fmt.Errorf("tag %q: sample_interval must be >= 0", t.Name)
	}
	return nil
}

// ApplyScaling converts a raw numeric reading into engineering units.
func (t *TagDefinition) ApplyScaling(raw float64) float64 {
	scale := t.Scale
	if scale == 0 {
		scale = 1
	}
	return raw*scale + t.Offset
}

// ExceedsDeadband reports whether next differs from prev by more than the
// configured threshold. Non-numeric values and quality transitions always
// pass; the caller handles first observations (prev == nil).
func (t *TagDefinition) ExceedsDeadband(prev, next *DataPoint) bool {
	if prev == nil || t.DeadbandMode == DeadbandNone || t.Deadband == 0 {
		return true
	}
	if prev.Quality != next.Quality {
		return true
	}
	pf, pok := prev.Value.AsFloat()
	nf, nok := next.Value.AsFloat()
	if !pok || !nok {
		// Strings, booleans and nulls deadband on any change.
		return !prev.Value.Equal(next.Value)
	}
	delta := nf - pf
	if delta < 0 {
		delta = -delta
	}
	switch t.DeadbandMode {
	case DeadbandPercent:
		ref := pf
		if ref < 0 {
			ref = -ref
		}
		if ref == 0 {
			return delta != 0
		}
		return delta/ref*100 > t.Deadband
	default:
		return delta > t.Deadband
	}
}
