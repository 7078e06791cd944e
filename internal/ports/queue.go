package ports

import "time"

// EntryID uniquely identifies a durable queue entry. IDs are assigned in
// enqueue order and survive restarts.
type EntryID uint64

// EntryKind separates lifecycle certificates from data messages. Each kind
// drains through its own ordered sub-queue; within a kind FIFO order is
// strict.
type EntryKind uint8

const (
	KindData EntryKind = iota
	KindLifecycle
)

// QueueEntry is one durable unit of outbound work. The session engine creates
// entries after encoding; the queue owns them exclusively until the publisher
// confirms delivery, at which point they are deleted.
type QueueEntry struct {
	ID          EntryID   `json:"id"`
	Topic       string    `json:"topic"`
	Payload     []byte    `json:"payload"`
	QoS         byte      `json:"qos"`
	Retained    bool      `json:"retained"`
	Kind        EntryKind `json:"kind"`
	SessionID   string    `json:"session_id"`
	EnqueueTime time.Time `json:"enqueue_time"`
}

// SizeBytes is the accounting size used against the high watermark.
func (e *QueueEntry) SizeBytes() int64 {
	return int64(len(e.Payload) + len(e.Topic))
}

// QueueMode reflects how the queue is currently admitting entries.
type QueueMode string

const (
	ModeNormal         QueueMode = "normal"
	ModeDrainingOldest QueueMode = "draining-oldest"
	ModeRejecting      QueueMode = "rejecting"
)

// QueueState is a point-in-time snapshot of queue occupancy. The invariant
// TotalBytes <= HighWatermark is enforced by eviction or rejection, never by
// unbounded growth.
type QueueState struct {
	EntryCount    int       `json:"entry_count"`
	TotalBytes    int64     `json:"total_bytes"`
	HighWatermark int64     `json:"high_watermark"`
	Mode          QueueMode `json:"mode"`
	Dropped       uint64    `json:"dropped"`
}

// DurableQueue is the store-and-forward buffer between the session engine and
// the publisher, and the only component that persists state across restarts.
// Enqueue returns only after the entry is acknowledged by the storage layer.
type DurableQueue interface {
	// Enqueue admits one entry, evicting oldest unacknowledged data entries
	// if the watermark would be exceeded. Returns ErrQueueFull when the
	// entry cannot be admitted at all.
	Enqueue(e *QueueEntry) error

	// PeekBatch returns up to max entries in drain order without removing
	// them. Lifecycle entries drain before data entries; within a kind the
	// order is strict FIFO.
	PeekBatch(max int) []*QueueEntry

	// Ack removes delivered entries. Unacknowledged entries are re-peeked on
	// the next drain cycle, not re-enqueued.
	Ack(ids []EntryID) error

	// SetLifecycleProtected exempts a session's lifecycle entries from
	// eviction while that session is online.
	SetLifecycleProtected(sessionID string, protected bool)

	// State reports current occupancy.
	State() QueueState

	// Close flushes and releases the backing store.
	Close() error
}
