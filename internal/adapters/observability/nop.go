package observability

import "github.com/irontide/sparkbridge/internal/ports"

// Nop discards everything. Tests and the validate subcommand use it.
type Nop struct{}

func (Nop) LogDebug(string, ...ports.Field) {}
func (Nop) LogInfo(string, ...ports.Field) {}
func (Nop) LogError(string, error, ...ports.Field) {}
func (Nop) LogCritical(string, error, ...ports.Field) {}
func (Nop) IncCounter(string, float64) {}
func (Nop) ObserveLatency(string, float64) {}
func (Nop) SetGauge(string, float64) {}
func (Nop) RecordDrop(string, string) {}

var _ ports.Observability = Nop{}
