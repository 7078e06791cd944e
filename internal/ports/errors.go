package ports

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy. Connection and publish failures are retried with backoff,
// protocol failures degrade the offending tag, queue-full surfaces through
// the drop counter, and config failures reject individual records at load
// time. None of these terminate the process.

// ConnectionError indicates a controller or broker is unreachable.
type ConnectionError struct {
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError indicates a malformed or unexpected response from a
// controller for a specific tag.
type ProtocolError struct {
	Tag string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on tag %q: %v", e.Tag, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TimeoutError marks an external I/O call that exceeded its deadline. It
// feeds the same retry machinery as a hard failure.
type TimeoutError struct {
	Op       string
	Deadline time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Deadline)
}

// PublishError indicates the broker rejected or timed out a message. The
// entry stays in the queue and is re-attempted, never re-enqueued.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s failed: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// ErrQueueFull is returned by Enqueue when the queue is in Rejecting mode and
// the entry cannot be admitted even after eviction.
var ErrQueueFull = errors.New("sparkbridge: queue full")

// ErrNotConnected is returned by transport operations before Connect.
var ErrNotConnected = errors.New("sparkbridge: transport not connected")

// ErrWriteNotAuthorized is returned when a controller write is attempted but
// the deployment has not enabled writes.
var ErrWriteNotAuthorized = errors.New("sparkbridge: writes not authorized for this deployment")

// ErrCapabilityUnsupported is returned when a connector variant does not
// implement the requested optional operation.
var ErrCapabilityUnsupported = errors.New("sparkbridge: capability not supported by connector")

// ConfigError reports one rejected record in a configuration document. Valid
// sibling records still load.
type ConfigError struct {
	Section string
	Index   int
	Err     error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s[%d]: %v", e.Section, e.Index, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
