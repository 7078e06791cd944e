package domain

import "time"

// Quality classifies how much a data point can be trusted, independent of its
// value.
type Quality string

const (
	QualityGood      Quality = "good"
	QualityUncertain Quality = "uncertain"
	QualityBad       Quality = "bad"
)

// DataPoint is one observed value. Connectors create points on poll or
// subscription callback; the session engine consumes them immediately. Points
// are never mutated after creation.
type DataPoint struct {
	TagName string
	Value   Value
	Quality Quality

	// StatusCode carries the controller's native status verbatim, e.g. an
	// OPC UA status code or a Modbus exception string.
	StatusCode string

	// SourceTimestamp is the controller-provided time, when the protocol
	// exposes one.
	SourceTimestamp *time.Time

	// IngestTimestamp is assigned at capture and always present.
	IngestTimestamp time.Time
}

// NewDataPoint stamps a good-quality observation at capture time.
func NewDataPoint(tag string, v Value) *DataPoint {
	return &DataPoint{
		TagName:         tag,
		Value:           v,
		Quality:         QualityGood,
		IngestTimestamp: time.Now().UTC(),
	}
}

// BadDataPoint records a failed read with an explicit null value.
func BadDataPoint(tag string, t DataType, statusCode string) *DataPoint {
	return &DataPoint{
		TagName:         tag,
		Value:           NullValue(t),
		Quality:         QualityBad,
		StatusCode:      statusCode,
		IngestTimestamp: time.Now().UTC(),
	}
}

// EffectiveTimestamp prefers the controller's clock over capture time.
func (p *DataPoint) EffectiveTimestamp() time.Time {
	if p.SourceTimestamp != nil && !p.SourceTimestamp.IsZero() {
		return *p.SourceTimestamp
	}
	return p.IngestTimestamp
}
