package ports

// Observability emits structured logs and metrics about throughput, queue
// occupancy, and failure conditions. Implementations must be safe for
// concurrent use from every pipeline task.
type Observability interface {
	LogDebug(msg string, fields ...Field)
	LogInfo(msg string, fields ...Field)
	LogError(msg string, err error, fields ...Field)
	LogCritical(msg string, err error, fields ...Field)

	IncCounter(name string, v float64)
	ObserveLatency(name string, seconds float64)
	SetGauge(name string, v float64)

	// RecordDrop accounts for an entry lost to watermark eviction or
	// rejection.
	RecordDrop(topic string, reason string)
}

// Field is a structured log field.
type Field struct {
	Key   string
	Value any
}
