package ports

import (
	"context"

	"github.com/irontide/sparkbridge/internal/domain"
)

// Capability flags what optional operations a connector variant supports.
type Capability uint8

const (
	CapRead Capability = 1 << iota
	CapWrite
	CapSubscribe
	CapDiscover
)

// Has reports whether all bits in want are present.
func (c Capability) Has(want Capability) bool { return c&want == want }

// Connector talks to a single physical or simulated controller and yields
// typed data points. One implementation exists per controller family; the
// runtime selects one through a factory keyed by configuration, never by
// runtime type inspection.
//
// Read and write errors on an individual tag are reported per tag: a partial
// batch failure yields bad-quality points for the failing tags and never
// fails the whole batch. All blocking calls honor ctx deadlines and return a
// TimeoutError on expiry.
type Connector interface {
	// Name identifies the connector instance in logs and metrics.
	Name() string

	// Capabilities reports the supported optional operations.
	Capabilities() Capability

	// Connect establishes the controller session.
	Connect(ctx context.Context) error

	// Disconnect tears the session down, cancelling only this connector's
	// in-flight reads.
	Disconnect(ctx context.Context) error

	// ReadBatch polls the given tags once. The result has one point per tag
	// in input order; failed tags come back as bad-quality points.
	ReadBatch(ctx context.Context, tags []*domain.TagDefinition) ([]*domain.DataPoint, error)

	// Write sends a value to a writable tag. Gated by the deployment-level
	// write-authorization flag before it reaches the connector.
	Write(ctx context.Context, tag *domain.TagDefinition, value domain.Value) error

	// Subscribe registers native change notification for protocols that
	// support it. The connector writes points into out from its callback
	// goroutine; out is bounded and owned by the caller.
	Subscribe(ctx context.Context, tags []*domain.TagDefinition, out chan<- *domain.DataPoint) error

	// DiscoverTags browses the controller namespace where the protocol
	// exposes one.
	DiscoverTags(ctx context.Context) ([]*domain.TagDefinition, error)
}
