package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/irontide/sparkbridge/internal/ports"
	"github.com/irontide/sparkbridge/internal/registry"
)

// rebirthMetricName is the writable control metric remote operators set to
// request a full state republish.
const rebirthMetricName = "Node Control/Rebirth"

// Engine owns every NodeSession and routes broker-side lifecycle triggers
// (reconnects, rebirth commands) to the right actor.
type Engine struct {
	sessions map[string]*NodeSession
	order    []string
	obs      ports.Observability
	cancel   context.CancelFunc
}

// NewEngine builds one session per config. Duplicate node IDs are a
// configuration error.
func NewEngine(cfgs []Config, reg *registry.Registry, queue ports.DurableQueue, obs ports.Observability) (*Engine, error) {
	e := &Engine{
		sessions: make(map[string]*NodeSession, len(cfgs)),
		obs:      obs,
	}
	for i, cfg := range cfgs {
		if cfg.NodeID == "" {
			return nil, &ports.ConfigError{Section: "sessions", Index: i, Err: fmt.Errorf("node_id is required")}
		}
		if _, dup := e.sessions[cfg.NodeID]; dup {
			return nil, &ports.ConfigError{Section: "sessions", Index: i,
				Err: fmt.Errorf("duplicate node_id %q", cfg.NodeID)}
		}
		e.sessions[cfg.NodeID] = New(cfg, reg, queue, obs)
		e.order = append(e.order, cfg.NodeID)
	}
	return e, nil
}

// Session returns the actor for a node ID.
func (e *Engine) Session(nodeID string) (*NodeSession, bool) {
	s, ok := e.sessions[nodeID]
	return s, ok
}

// Wills collects the last-will registrations the transport needs before its
// first connect attempt.
func (e *Engine) Wills() []ports.WillMessage {
	out := make([]ports.WillMessage, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.sessions[id].DeathWill())
	}
	return out
}

// Start launches every session actor.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	for _, id := range e.order {
		e.sessions[id].Run(ctx)
	}
}

// ForceRebirthAll republishes every session's full state, fire and forget.
// Tag reloads use it; the request coalesces with any rebirth already pending.
func (e *Engine) ForceRebirthAll(reason string) {
	for _, id := range e.order {
		e.sessions[id].RequestRebirth(reason)
	}
}

// RebirthBarrier rebirths every session and returns once each new birth
// certificate is in the queue. The publisher calls it after a transport
// reconnect, before it resumes draining, so subscribers never see data under
// a stale birth context.
func (e *Engine) RebirthBarrier(ctx context.Context, reason string) error {
	for _, id := range e.order {
		if err := e.sessions[id].RebirthBarrier(ctx, reason); err != nil {
			return fmt.Errorf("rebirth %s: %w", id, err)
		}
	}
	return nil
}

// HandleCommand processes an inbound node command. Only the rebirth control
// metric is honored; anything else is logged and ignored.
func (e *Engine) HandleCommand(nodeID string, payload []byte) {
	s, ok := e.sessions[nodeID]
	if !ok {
		e.obs.LogDebug("command_unknown_node", ports.Field{Key: "node", Value: nodeID})
		return
	}

	var cmd struct {
		Metrics []struct {
			Name  string `json:"name"`
			Value any    `json:"value"`
		} `json:"metrics"`
	}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		e.obs.LogError("command_decode_failed", err, ports.Field{Key: "node", Value: nodeID})
		return
	}
	for _, m := range cmd.Metrics {
		if m.Name == rebirthMetricName {
			if v, ok := m.Value.(bool); ok && v {
				s.RequestRebirth("command")
				e.obs.IncCounter("sparkbridge_rebirth_commands_total", 1)
			}
			return
		}
	}
	e.obs.LogDebug("command_ignored", ports.Field{Key: "node", Value: nodeID})
}

// Statuses snapshots every session state for the management endpoint.
func (e *Engine) Statuses() map[string]Status {
	out := make(map[string]Status, len(e.sessions))
	for id, s := range e.sessions {
		out[id] = s.Status()
	}
	return out
}

// Shutdown cancels every actor and waits, bounded by the timeout, for their
// death certificates to be enqueued.
func (e *Engine) Shutdown(timeout time.Duration) {
	if e.cancel == nil {
		return
	}
	e.cancel()

	done := make(chan struct{})
	go func() {
		for _, id := range e.order {
			e.sessions[id].Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		e.obs.LogError("session_shutdown_timeout", nil)
	}
}
