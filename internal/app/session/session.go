// Package session implements the pub/sub protocol lifecycle engine: one
// actor per logical node owning its sequence counter and alias table
// exclusively. All external access goes through channels, never shared
// pointers.
package session

import (
	"context"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/irontide/sparkbridge/internal/domain"
	"github.com/irontide/sparkbridge/internal/ports"
	"github.com/irontide/sparkbridge/internal/registry"
)

// Status is the lifecycle state of a NodeSession.
type Status string

const (
	StatusOffline  Status = "offline"
	StatusBirthing Status = "birthing"
	StatusOnline   Status = "online"
	StatusDying    Status = "dying"
)

// Config identifies one logical publishing identity.
type Config struct {
	Namespace string `yaml:"namespace"`
	GroupID   string `yaml:"group_id"`
	NodeID    string `yaml:"node_id"`
	DeviceID  string `yaml:"device_id"`

	// Connector names the connector whose registry tags this session
	// publishes.
	Connector string `yaml:"connector"`

	QoS byte `yaml:"qos"`

	// Buffer bounds the inbound data point channel.
	Buffer int `yaml:"buffer"`
}

// UnmarshalYAML defaults QoS to 1 while leaving an explicit `qos: 0`
// untouched.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type plain Config
	out := plain{QoS: 1}
	if err := value.Decode(&out); err != nil {
		return err
	}
	*c = Config(out)
	return nil
}

func (c *Config) birthKind() MessageKind {
	if c.DeviceID != "" {
		return KindDeviceBirth
	}
	return KindNodeBirth
}

func (c *Config) dataKind() MessageKind {
	if c.DeviceID != "" {
		return KindDeviceData
	}
	return KindNodeData
}

func (c *Config) deathKind() MessageKind {
	if c.DeviceID != "" {
		return KindDeviceDeath
	}
	return KindNodeDeath
}

// NodeSession turns data points into wire-ready queue entries. The actor
// goroutine is the only writer of seq, bdSeq, the alias table and the last
// value cache; the mutex covers only the status field read by snapshots.
type NodeSession struct {
	cfg   Config
	reg   *registry.Registry
	queue ports.DurableQueue
	obs   ports.Observability

	in      chan *domain.DataPoint
	rebirth chan rebirthRequest

	mu     sync.Mutex
	status Status

	// Actor-owned state.
	seq        uint8
	bdSeq      uint64
	aliases    map[string]uint64
	aliasOrder []string
	nextAlias  uint64
	lastPoint  map[string]*domain.DataPoint
	lastIngest map[string]time.Time

	wg sync.WaitGroup
}

// New builds an Offline session; Run starts the actor.
func New(cfg Config, reg *registry.Registry, queue ports.DurableQueue, obs ports.Observability) *NodeSession {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	return &NodeSession{
		cfg:        cfg,
		reg:        reg,
		queue:      queue,
		obs:        obs,
		in:         make(chan *domain.DataPoint, cfg.Buffer),
		rebirth:    make(chan rebirthRequest, 4),
		status:     StatusOffline,
		aliases:    make(map[string]uint64),
		nextAlias:  bdSeqAlias + 1,
		lastPoint:  make(map[string]*domain.DataPoint),
		lastIngest: make(map[string]time.Time),
	}
}

// NodeID identifies this session.
func (s *NodeSession) NodeID() string { return s.cfg.NodeID }

// In is the bounded channel the poller feeds.
func (s *NodeSession) In() chan<- *domain.DataPoint { return s.in }

// Status is safe to call from any goroutine.
func (s *NodeSession) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *NodeSession) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// rebirthRequest asks the actor for a full birth; done, when set, is closed
// once the birth certificate is in the queue.
type rebirthRequest struct {
	reason string
	done   chan struct{}
}

// RequestRebirth asks the actor to republish a full birth. Used for broker
// rebirth commands and tag reloads; non-blocking, duplicate requests
// coalesce.
func (s *NodeSession) RequestRebirth(reason string) {
	select {
	case s.rebirth <- rebirthRequest{reason: reason}:
	default:
	}
}

// RebirthBarrier requests a rebirth and blocks until the actor has enqueued
// the new birth certificate. The publisher uses it after a broker reconnect
// so no queued data goes out under the stale birth context.
func (s *NodeSession) RebirthBarrier(ctx context.Context, reason string) error {
	done := make(chan struct{})
	select {
	case s.rebirth <- rebirthRequest{reason: reason, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeathWill produces the last-will message the transport must register
// before connecting. Birth increments bdSeq before publishing, so the will
// carries currentBdSeq+1 to close the birth that follows it.
func (s *NodeSession) DeathWill() ports.WillMessage {
	payload, _ := encodeDeath(&DeathPayload{
		Timestamp: time.Now().UnixMilli(),
		Seq:       0,
		BdSeq:     s.currentBdSeq() + 1,
	})
	return ports.WillMessage{
		Topic:    Topic(s.cfg.Namespace, s.cfg.GroupID, s.cfg.deathKind(), s.cfg.NodeID, s.cfg.DeviceID),
		Payload:  payload,
		QoS:      s.cfg.QoS,
		Retained: true,
	}
}

func (s *NodeSession) currentBdSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bdSeq
}

// Run starts the actor: birth, consume until ctx cancels, then die. The
// shutdown path flushes pending encodes before the death certificate so the
// death is the session's last enqueued message.
func (s *NodeSession) Run(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.birth("startup")
		for {
			select {
			case <-ctx.Done():
				s.drainPending()
				s.die()
				return
			case req := <-s.rebirth:
				s.birth(req.reason)
				if req.done != nil {
					close(req.done)
				}
			case dp := <-s.in:
				s.handleBatch(dp)
			}
		}
	}()
}

// Wait blocks until the actor has sent its death certificate.
func (s *NodeSession) Wait() { s.wg.Wait() }

// nextSeq returns the sequence for the next outbound message: monotonic,
// wrapping at 256, reset to 0 by birth.
func (s *NodeSession) nextSeq() uint8 {
	v := s.seq
	s.seq++ // wraps naturally
	return v
}

// birth regenerates the alias table in registration order, resets the
// sequence counter and enqueues a full-state birth certificate.
func (s *NodeSession) birth(reason string) {
	s.setStatus(StatusBirthing)

	s.mu.Lock()
	s.bdSeq++
	bd := s.bdSeq
	s.mu.Unlock()

	s.seq = 0
	s.aliases = make(map[string]uint64)
	s.aliasOrder = nil
	s.nextAlias = bdSeqAlias + 1
	for _, def := range s.reg.TagsFor(s.cfg.Connector) {
		s.registerAlias(def.Name)
	}

	now := time.Now().UnixMilli()
	metrics := make([]BirthMetric, 0, len(s.aliasOrder))
	for _, name := range s.aliasOrder {
		def, ok := s.reg.Lookup(name)
		if !ok {
			continue
		}
		m := BirthMetric{
			Name:      name,
			Alias:     s.aliases[name],
			Type:      def.Type,
			Quality:   domain.QualityUncertain,
			Timestamp: now,
		}
		if last, ok := s.lastPoint[name]; ok {
			m.Value = last.Value.Interface()
			m.Quality = last.Quality
			m.Code = last.StatusCode
			m.Timestamp = last.EffectiveTimestamp().UnixMilli()
		}
		metrics = append(metrics, m)
	}

	payload, err := encodeBirth(&BirthPayload{
		Timestamp: now,
		Seq:       s.nextSeq(),
		BdSeq:     bd,
		Metrics:   metrics,
	})
	if err != nil {
		s.obs.LogError("birth_encode_failed", err, ports.Field{Key: "node", Value: s.cfg.NodeID})
		s.setStatus(StatusOffline)
		return
	}

	entry := &ports.QueueEntry{
		Topic:       Topic(s.cfg.Namespace, s.cfg.GroupID, s.cfg.birthKind(), s.cfg.NodeID, s.cfg.DeviceID),
		Payload:     payload,
		QoS:         s.cfg.QoS,
		Retained:    true,
		Kind:        ports.KindLifecycle,
		SessionID:   s.cfg.NodeID,
		EnqueueTime: time.Now().UTC(),
	}
	if err := s.queue.Enqueue(entry); err != nil {
		s.obs.LogError("birth_enqueue_failed", err, ports.Field{Key: "node", Value: s.cfg.NodeID})
		s.setStatus(StatusOffline)
		return
	}

	s.queue.SetLifecycleProtected(s.cfg.NodeID, true)
	s.setStatus(StatusOnline)
	s.obs.LogInfo("session_birth",
		ports.Field{Key: "node", Value: s.cfg.NodeID},
		ports.Field{Key: "reason", Value: reason},
		ports.Field{Key: "metrics", Value: len(metrics)},
		ports.Field{Key: "bdSeq", Value: bd})
	s.obs.IncCounter("sparkbridge_births_total", 1)
}

func (s *NodeSession) registerAlias(name string) {
	if _, ok := s.aliases[name]; ok {
		return
	}
	s.aliases[name] = s.nextAlias
	s.aliasOrder = append(s.aliasOrder, name)
	s.nextAlias++
}

// handleBatch coalesces every point already buffered in the channel into one
// data message.
func (s *NodeSession) handleBatch(first *domain.DataPoint) {
	points := []*domain.DataPoint{first}
	for len(points) < 64 {
		select {
		case dp := <-s.in:
			points = append(points, dp)
		default:
			goto drained
		}
	}
drained:
	s.encodeAndEnqueue(points)
}

func (s *NodeSession) drainPending() {
	var points []*domain.DataPoint
	for {
		select {
		case dp := <-s.in:
			points = append(points, dp)
		default:
			if len(points) > 0 {
				s.encodeAndEnqueue(points)
			}
			return
		}
	}
}

func (s *NodeSession) encodeAndEnqueue(points []*domain.DataPoint) {
	if s.Status() != StatusOnline {
		return
	}

	// A point for a tag missing from the alias table (discovery after
	// birth) forces an incremental rebirth carrying the expanded metric
	// set; the point itself is not lost.
	for _, dp := range points {
		if _, ok := s.aliases[dp.TagName]; !ok {
			s.registerAlias(dp.TagName)
			s.lastPoint[dp.TagName] = dp
			s.birth("new-tag:" + dp.TagName)
			break
		}
	}

	metrics := make([]DataMetric, 0, len(points))
	for _, dp := range points {
		alias, ok := s.aliases[dp.TagName]
		if !ok {
			continue
		}
		m := DataMetric{
			Alias:     alias,
			Value:     dp.Value.Interface(),
			Quality:   dp.Quality,
			Code:      dp.StatusCode,
			Timestamp: dp.EffectiveTimestamp().UnixMilli(),
		}
		if last, ok := s.lastIngest[dp.TagName]; ok && dp.IngestTimestamp.Before(last) {
			m.OutOfOrder = true
			s.obs.IncCounter("sparkbridge_ooo_points_total", 1)
		} else {
			s.lastIngest[dp.TagName] = dp.IngestTimestamp
		}
		s.lastPoint[dp.TagName] = dp
		metrics = append(metrics, m)
	}
	if len(metrics) == 0 {
		return
	}

	payload, err := encodeData(&DataPayload{
		Timestamp: time.Now().UnixMilli(),
		Seq:       s.nextSeq(),
		Metrics:   metrics,
	})
	if err != nil {
		s.obs.LogError("data_encode_failed", err, ports.Field{Key: "node", Value: s.cfg.NodeID})
		return
	}

	entry := &ports.QueueEntry{
		Topic:       Topic(s.cfg.Namespace, s.cfg.GroupID, s.cfg.dataKind(), s.cfg.NodeID, s.cfg.DeviceID),
		Payload:     payload,
		QoS:         s.cfg.QoS,
		Kind:        ports.KindData,
		SessionID:   s.cfg.NodeID,
		EnqueueTime: time.Now().UTC(),
	}
	if err := s.queue.Enqueue(entry); err != nil {
		s.obs.LogError("data_enqueue_failed", err, ports.Field{Key: "node", Value: s.cfg.NodeID})
		return
	}
	s.obs.IncCounter("sparkbridge_points_encoded_total", float64(len(metrics)))
}

// die sends the death certificate and marks the session offline. The death
// uses seq 0 and the bdSeq of the birth it closes.
func (s *NodeSession) die() {
	if s.Status() != StatusOnline {
		s.setStatus(StatusOffline)
		return
	}
	s.setStatus(StatusDying)
	s.queue.SetLifecycleProtected(s.cfg.NodeID, false)

	payload, err := encodeDeath(&DeathPayload{
		Timestamp: time.Now().UnixMilli(),
		Seq:       0,
		BdSeq:     s.currentBdSeq(),
	})
	if err == nil {
		err = s.queue.Enqueue(&ports.QueueEntry{
			Topic:       Topic(s.cfg.Namespace, s.cfg.GroupID, s.cfg.deathKind(), s.cfg.NodeID, s.cfg.DeviceID),
			Payload:     payload,
			QoS:         s.cfg.QoS,
			Retained:    true,
			Kind:        ports.KindLifecycle,
			SessionID:   s.cfg.NodeID,
			EnqueueTime: time.Now().UTC(),
		})
	}
	if err != nil {
		s.obs.LogError("death_enqueue_failed", err, ports.Field{Key: "node", Value: s.cfg.NodeID})
	} else {
		s.obs.IncCounter("sparkbridge_deaths_total", 1)
	}
	s.setStatus(StatusOffline)
}
