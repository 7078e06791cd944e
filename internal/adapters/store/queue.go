// Package store implements the durable store-and-forward queue: a bounded
// FIFO of encoded outbound messages backed by an append-only record log.
// Entries survive process restart; acknowledged entries are tombstoned and
// reclaimed by compaction.
package store

import (
	"container/list"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/irontide/sparkbridge/internal/ports"
)

// Config sizes the queue. The watermark and thresholds are static
// configuration, not derived from system memory.
type Config struct {
	Dir string `yaml:"dir"`

	// HighWatermark bounds total payload bytes held. Exceeding it evicts
	// the oldest unacknowledged data entries first.
	HighWatermark int64 `yaml:"high_watermark"`

	// NoFsync skips the sync to stable storage before Enqueue returns.
	// Entries then survive a process crash but not a host crash; leave it
	// unset outside tests.
	NoFsync bool `yaml:"no_fsync"`

	// CompactMinBytes defers log rewrites until the file carries at least
	// this much dead weight.
	CompactMinBytes int64 `yaml:"compact_min_bytes"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Dir == "" {
		c.Dir = "./data/queue"
	}
	if c.HighWatermark == 0 {
		c.HighWatermark = 500 << 20
	}
	if c.CompactMinBytes == 0 {
		c.CompactMinBytes = 8 << 20
	}
}

// drainThreshold is the occupancy fraction below which the queue returns to
// Normal after evicting; keeping it under 1.0 gives the mode hysteresis.
const drainThreshold = 0.8

// Queue is the ports.DurableQueue implementation. A single mutex guards both
// the in-memory index and the log so enqueue and ack/evict can never
// interleave inconsistently.
type Queue struct {
	mu  sync.Mutex
	log *recordLog
	cfg Config
	obs ports.Observability

	nextID ports.EntryID

	// FIFO sub-queues per entry kind; elements are *ports.QueueEntry.
	lifecycle *list.List
	data      *list.List
	byID      map[ports.EntryID]*list.Element

	totalBytes int64
	deadBytes  int64
	dropped    uint64
	mode       ports.QueueMode

	protected map[string]bool
}

// Open loads or creates the queue at cfg.Dir and replays surviving entries.
func Open(cfg Config, obs ports.Observability) (*Queue, error) {
	cfg.ApplyDefaults()
	log, err := openRecordLog(cfg.Dir, !cfg.NoFsync)
	if err != nil {
		return nil, fmt.Errorf("open queue log: %w", err)
	}

	q := &Queue{
		log:       log,
		cfg:       cfg,
		obs:       obs,
		lifecycle: list.New(),
		data:      list.New(),
		byID:      make(map[ports.EntryID]*list.Element),
		mode:      ports.ModeNormal,
		protected: make(map[string]bool),
	}
	if err := q.recover(); err != nil {
		log.close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) recover() error {
	deleted := make(map[ports.EntryID]bool)
	entries := make(map[ports.EntryID]*ports.QueueEntry)
	var order []ports.EntryID

	err := q.log.replay(func(rec walRecord) error {
		switch rec.op {
		case opAdd:
			var e ports.QueueEntry
			if err := json.Unmarshal(rec.body, &e); err != nil {
				return fmt.Errorf("decode entry %d: %w", rec.id, err)
			}
			entries[rec.id] = &e
			order = append(order, rec.id)
		case opDelete:
			deleted[rec.id] = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range order {
		if deleted[id] {
			q.deadBytes += entries[id].SizeBytes()
			continue
		}
		e := entries[id]
		q.insertLocked(e)
		if id >= q.nextID {
			q.nextID = id
		}
	}
	if q.log.lastID >= q.nextID {
		q.nextID = q.log.lastID
	}
	return nil
}

func (q *Queue) insertLocked(e *ports.QueueEntry) {
	var el *list.Element
	if e.Kind == ports.KindLifecycle {
		el = q.lifecycle.PushBack(e)
	} else {
		el = q.data.PushBack(e)
	}
	q.byID[e.ID] = el
	q.totalBytes += e.SizeBytes()
}

// Enqueue admits one entry durably. The entry is written and flushed to the
// log before the in-memory index changes, so a crash between enqueue and
// publish loses nothing once Enqueue has returned.
func (q *Queue) Enqueue(e *ports.QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	size := e.SizeBytes()
	if size > q.cfg.HighWatermark {
		q.dropped++
		q.mode = ports.ModeRejecting
		if q.obs != nil {
			q.obs.RecordDrop(e.Topic, "oversize")
		}
		return fmt.Errorf("entry of %d bytes exceeds watermark: %w", size, ports.ErrQueueFull)
	}

	if !q.evictForLocked(size) {
		q.dropped++
		q.mode = ports.ModeRejecting
		if q.obs != nil {
			q.obs.RecordDrop(e.Topic, "rejected")
		}
		return ports.ErrQueueFull
	}

	q.nextID++
	e.ID = q.nextID

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	if err := q.log.append(walRecord{id: e.ID, op: opAdd, body: body}); err != nil {
		return fmt.Errorf("persist entry: %w", err)
	}

	q.insertLocked(e)
	q.updateModeLocked()
	return nil
}

// evictForLocked frees room for an incoming entry of the given size, oldest
// data entries first. Lifecycle entries are evicted only when their session
// is not protected, and only after all data entries are gone. Returns false
// when the entry still cannot fit.
func (q *Queue) evictForLocked(size int64) bool {
	for q.totalBytes+size > q.cfg.HighWatermark {
		if !q.evictOneLocked() {
			return false
		}
	}
	return true
}

// evictOneLocked drops the oldest evictable entry across both sub-queues.
// Protected lifecycle certificates are skipped; between the two FIFO heads
// the smaller ID is the older entry.
func (q *Queue) evictOneLocked() bool {
	dataEl := q.data.Front()
	var lifeEl *list.Element
	for el := q.lifecycle.Front(); el != nil; el = el.Next() {
		if !q.protected[el.Value.(*ports.QueueEntry).SessionID] {
			lifeEl = el
			break
		}
	}

	switch {
	case dataEl == nil && lifeEl == nil:
		return false
	case lifeEl == nil:
		q.dropLocked(dataEl, "evicted")
	case dataEl == nil:
		q.dropLocked(lifeEl, "evicted")
	default:
		if lifeEl.Value.(*ports.QueueEntry).ID < dataEl.Value.(*ports.QueueEntry).ID {
			q.dropLocked(lifeEl, "evicted")
		} else {
			q.dropLocked(dataEl, "evicted")
		}
	}
	return true
}

func (q *Queue) dropLocked(el *list.Element, reason string) {
	e := el.Value.(*ports.QueueEntry)
	q.removeLocked(el)
	q.dropped++
	q.mode = ports.ModeDrainingOldest
	if q.obs != nil {
		q.obs.RecordDrop(e.Topic, reason)
	}
	// Tombstone failures are non-fatal here: the entry is already gone from
	// the index, and recovery re-evicts against the watermark anyway.
	if err := q.log.append(walRecord{id: e.ID, op: opDelete}); err != nil && q.obs != nil {
		q.obs.LogError("queue_tombstone_failed", err)
	}
}

func (q *Queue) removeLocked(el *list.Element) {
	e := el.Value.(*ports.QueueEntry)
	if e.Kind == ports.KindLifecycle {
		q.lifecycle.Remove(el)
	} else {
		q.data.Remove(el)
	}
	delete(q.byID, e.ID)
	q.totalBytes -= e.SizeBytes()
	q.deadBytes += e.SizeBytes()
}

func (q *Queue) updateModeLocked() {
	switch q.mode {
	case ports.ModeRejecting, ports.ModeDrainingOldest:
		if float64(q.totalBytes) < drainThreshold*float64(q.cfg.HighWatermark) {
			q.mode = ports.ModeNormal
		}
	default:
		q.mode = ports.ModeNormal
	}
}

// PeekBatch returns up to max entries in drain order without removing them:
// lifecycle certificates first, then data, each in strict FIFO order.
func (q *Queue) PeekBatch(maxN int) []*ports.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if maxN <= 0 {
		return nil
	}
	out := make([]*ports.QueueEntry, 0, maxN)
	for el := q.lifecycle.Front(); el != nil && len(out) < maxN; el = el.Next() {
		out = append(out, el.Value.(*ports.QueueEntry))
	}
	for el := q.data.Front(); el != nil && len(out) < maxN; el = el.Next() {
		out = append(out, el.Value.(*ports.QueueEntry))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Ack removes delivered entries and compacts the log once enough dead weight
// accumulates.
func (q *Queue) Ack(ids []ports.EntryID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range ids {
		el, ok := q.byID[id]
		if !ok {
			continue
		}
		q.removeLocked(el)
		if err := q.log.append(walRecord{id: id, op: opDelete}); err != nil {
			return fmt.Errorf("persist ack %d: %w", id, err)
		}
	}
	q.updateModeLocked()
	return q.maybeCompactLocked()
}

func (q *Queue) maybeCompactLocked() error {
	if q.deadBytes < q.cfg.CompactMinBytes {
		return nil
	}
	live := make([]walRecord, 0, len(q.byID))
	collect := func(l *list.List) error {
		for el := l.Front(); el != nil; el = el.Next() {
			e := el.Value.(*ports.QueueEntry)
			body, err := json.Marshal(e)
			if err != nil {
				return err
			}
			live = append(live, walRecord{id: e.ID, op: opAdd, body: body})
		}
		return nil
	}
	if err := collect(q.lifecycle); err != nil {
		return err
	}
	if err := collect(q.data); err != nil {
		return err
	}
	if err := q.log.rewrite(live); err != nil {
		return fmt.Errorf("compact queue log: %w", err)
	}
	q.deadBytes = 0
	if q.obs != nil {
		q.obs.LogInfo("queue_compacted", ports.Field{Key: "live_entries", Value: len(live)})
	}
	return nil
}

// SetLifecycleProtected exempts a session's birth/death entries from
// eviction while that session is online.
func (q *Queue) SetLifecycleProtected(sessionID string, protected bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if protected {
		q.protected[sessionID] = true
	} else {
		delete(q.protected, sessionID)
	}
}

// State reports current occupancy.
func (q *Queue) State() ports.QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return ports.QueueState{
		EntryCount:    len(q.byID),
		TotalBytes:    q.totalBytes,
		HighWatermark: q.cfg.HighWatermark,
		Mode:          q.mode,
		Dropped:       q.dropped,
	}
}

// Close flushes and releases the log.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.log.close()
}

var _ ports.DurableQueue = (*Queue)(nil)
