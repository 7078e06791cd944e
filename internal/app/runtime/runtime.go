// Package runtime assembles the gateway from configuration: connectors,
// registry, session engine, durable queue, backpressure controller, broker
// transport and publisher, plus the management HTTP endpoint.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/irontide/sparkbridge/internal/adapters/modbus"
	"github.com/irontide/sparkbridge/internal/adapters/mqtt"
	"github.com/irontide/sparkbridge/internal/adapters/observability"
	"github.com/irontide/sparkbridge/internal/adapters/opcua"
	"github.com/irontide/sparkbridge/internal/adapters/s7"
	"github.com/irontide/sparkbridge/internal/adapters/sim"
	"github.com/irontide/sparkbridge/internal/adapters/store"
	"github.com/irontide/sparkbridge/internal/app/backpressure"
	"github.com/irontide/sparkbridge/internal/app/config"
	"github.com/irontide/sparkbridge/internal/app/poller"
	"github.com/irontide/sparkbridge/internal/app/publish"
	"github.com/irontide/sparkbridge/internal/app/session"
	"github.com/irontide/sparkbridge/internal/domain"
	"github.com/irontide/sparkbridge/internal/ports"
	"github.com/irontide/sparkbridge/internal/registry"
)

// Runtime owns every running component and their shutdown order.
type Runtime struct {
	cfg *config.Config
	obs ports.Observability
	log *zap.Logger

	reg        *registry.Registry
	queue      *store.Queue
	connectors map[string]ports.Connector
	engine     *session.Engine
	pollers    map[string]*poller.Poller
	bp         *backpressure.Controller
	transport  ports.Transport
	publisher  *publish.Publisher
	httpSrv    *http.Server
	promReg    *prometheus.Registry

	cancel context.CancelFunc
}

// Option customizes the dependencies Build wires, so the gateway can embed
// custom connector implementations or run against a fake transport.
type Option func(*overrides)

type overrides struct {
	connectors []ports.Connector
	transport  ports.Transport
	obs        ports.Observability
}

// WithConnector registers an extra connector implementation. A connector
// with the same name as a configured one replaces it.
func WithConnector(c ports.Connector) Option {
	return func(o *overrides) { o.connectors = append(o.connectors, c) }
}

// WithTransport replaces the broker transport.
func WithTransport(t ports.Transport) Option {
	return func(o *overrides) { o.transport = t }
}

// WithObservability replaces the logging and metrics backend.
func WithObservability(obs ports.Observability) Option {
	return func(o *overrides) { o.obs = obs }
}

// NewLogger builds the process logger from config.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = cfg.Encoding
	return zc.Build()
}

func buildConnector(cc config.ConnectorConfig, obs ports.Observability) (ports.Connector, error) {
	switch {
	case cc.OPCUA != nil:
		return opcua.New(*cc.OPCUA, obs)
	case cc.Modbus != nil:
		return modbus.New(*cc.Modbus, obs)
	case cc.S7 != nil:
		return s7.New(*cc.S7, obs)
	case cc.Sim != nil:
		return sim.New(*cc.Sim)
	}
	return nil, fmt.Errorf("connector %q: no variant configured", cc.Name())
}

// Build wires every component without starting anything.
func Build(cfg *config.Config, opts ...Option) (*Runtime, error) {
	var ov overrides
	for _, opt := range opts {
		if opt != nil {
			opt(&ov)
		}
	}

	log, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	var (
		obs     ports.Observability
		promReg *prometheus.Registry
	)
	if ov.obs != nil {
		obs = ov.obs
	} else {
		o := observability.New(log)
		obs = o
		promReg = o.Registry()
	}

	reg, errs := registry.New(cfg.Tags, cfg.Poller.BaselineInterval, obs)
	for _, e := range errs {
		obs.LogError("tag_rejected", e)
	}

	queue, err := store.Open(cfg.Queue, obs)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}

	connectors := make(map[string]ports.Connector, len(cfg.Connectors))
	for i := range cfg.Connectors {
		conn, err := buildConnector(cfg.Connectors[i], obs)
		if err != nil {
			_ = queue.Close()
			return nil, err
		}
		connectors[conn.Name()] = conn
	}
	for _, conn := range ov.connectors {
		connectors[conn.Name()] = conn
	}

	engine, err := session.NewEngine(cfg.Sessions, reg, queue, obs)
	if err != nil {
		_ = queue.Close()
		return nil, err
	}

	var transport ports.Transport
	if ov.transport != nil {
		transport = ov.transport
	} else {
		transport, err = mqtt.New(cfg.Broker, obs)
		if err != nil {
			_ = queue.Close()
			return nil, err
		}
	}

	pollers := make(map[string]*poller.Poller, len(cfg.Sessions))
	for _, sc := range cfg.Sessions {
		conn, ok := connectors[sc.Connector]
		if !ok {
			obs.LogError("session_without_connector", nil,
				ports.Field{Key: "node", Value: sc.NodeID},
				ports.Field{Key: "connector", Value: sc.Connector})
			continue
		}
		sess, _ := engine.Session(sc.NodeID)
		pollers[sc.NodeID] = poller.New(poller.Config{
			ReconnectMin:       cfg.Poller.ReconnectMin,
			ReconnectMax:       cfg.Poller.ReconnectMax,
			DegradeAfter:       cfg.Poller.DegradeAfter,
			DegradedMultiplier: cfg.Poller.DegradedMultiplier,
		}, conn, reg, sess.In(), obs)
	}

	bp := backpressure.New(cfg.Backpressure, reg, queue, obs)
	pub := publish.New(publish.Config{PublishTimeout: cfg.Broker.PublishTimeout},
		queue, transport, engine, bp, obs)

	return &Runtime{
		cfg:        cfg,
		obs:        obs,
		log:        log,
		promReg:    promReg,
		reg:        reg,
		queue:      queue,
		connectors: connectors,
		engine:     engine,
		pollers:    pollers,
		bp:         bp,
		transport:  transport,
		publisher:  pub,
	}, nil
}

// Start brings the gateway up. Sessions birth immediately into the durable
// queue; delivery begins whenever the broker becomes reachable.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	// The transport supports a single last will, so it carries the first
	// session's death certificate. Remaining sessions rely on the explicit
	// deaths enqueued at shutdown.
	if wills := r.engine.Wills(); len(wills) > 0 {
		r.transport.SetWill(wills[0])
	}

	r.engine.Start(ctx)
	r.bp.Run(ctx)
	r.publisher.Run(ctx)
	for _, p := range r.pollers {
		p.Run(ctx)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := r.transport.Connect(connectCtx)
	cancel()
	if err != nil {
		// Not fatal: acquisition continues into the queue and paho keeps
		// retrying in the background.
		r.obs.LogError("broker_connect_failed", err)
	}

	seen := make(map[string]bool)
	for _, sc := range r.cfg.Sessions {
		filter := session.CommandFilter(sc.Namespace, sc.GroupID)
		if seen[filter] {
			continue
		}
		seen[filter] = true
		if err := r.transport.SubscribeCommands(filter, r.engine.HandleCommand); err != nil {
			r.obs.LogError("command_subscribe_failed", err,
				ports.Field{Key: "filter", Value: filter})
		}
	}

	r.startHTTP()
	r.obs.LogInfo("gateway_started",
		ports.Field{Key: "sessions", Value: len(r.cfg.Sessions)},
		ports.Field{Key: "connectors", Value: len(r.connectors)},
		ports.Field{Key: "tags", Value: r.reg.Len()})
	return nil
}

// ReloadTags swaps the tag set atomically and forces a rebirth so every
// session's alias table matches the new definitions. Per-record problems come
// back as diagnostics; valid records still load.
func (r *Runtime) ReloadTags(records []registry.TagRecord) []error {
	errs := r.reg.Reload(records)
	r.engine.ForceRebirthAll("tag reload")
	r.obs.LogInfo("tags_reloaded",
		ports.Field{Key: "tags", Value: r.reg.Len()},
		ports.Field{Key: "rejected", Value: len(errs)})
	return errs
}

// Write pushes a value down to a writable tag through its owning connector.
// The deployment-level writes flag gates the whole path before anything
// reaches a controller.
func (r *Runtime) Write(ctx context.Context, tagName string, raw any) error {
	if !r.cfg.Writes.Enabled {
		return fmt.Errorf("write %q: %w", tagName, ports.ErrWriteNotAuthorized)
	}
	def, ok := r.reg.Lookup(tagName)
	if !ok {
		return fmt.Errorf("write %q: unknown tag", tagName)
	}
	if !def.Writable {
		return fmt.Errorf("write %q: tag is not writable", tagName)
	}
	connName, _ := r.reg.ConnectorOf(tagName)
	conn, ok := r.connectors[connName]
	if !ok {
		return fmt.Errorf("write %q: connector %q not available", tagName, connName)
	}
	if !conn.Capabilities().Has(ports.CapWrite) {
		return fmt.Errorf("write %q: %w", tagName, ports.ErrCapabilityUnsupported)
	}
	v, err := domain.FromInterface(def.Type, raw)
	if err != nil {
		return fmt.Errorf("write %q: %w", tagName, err)
	}
	return conn.Write(ctx, def, v)
}

// Snapshot is the management endpoint document.
type Snapshot struct {
	Sessions     map[string]session.Status       `json:"sessions"`
	Queue        ports.QueueState                `json:"queue"`
	Backpressure backpressure.Mode               `json:"backpressure"`
	Sampling     map[string]string               `json:"sampling"`
	Tags         map[string]map[string]tagHealth `json:"tags"`
	Reconnects   map[string]uint64               `json:"connector_reconnects"`
	BrokerUp     bool                            `json:"broker_up"`
}

type tagHealth struct {
	Degraded     bool      `json:"degraded"`
	FailureCount int       `json:"failure_count"`
	LastGoodRead time.Time `json:"last_good_read,omitempty"`
}

// CurrentSnapshot collects state from every component.
func (r *Runtime) CurrentSnapshot() Snapshot {
	sampling := make(map[string]string)
	for name, d := range r.reg.SamplingSnapshot() {
		sampling[name] = d.String()
	}
	tags := make(map[string]map[string]tagHealth, len(r.pollers))
	reconnects := make(map[string]uint64, len(r.pollers))
	for node, p := range r.pollers {
		m := make(map[string]tagHealth)
		for name, st := range p.Statuses() {
			m[name] = tagHealth{
				Degraded:     st.Degraded,
				FailureCount: st.FailureCount,
				LastGoodRead: st.LastGoodRead,
			}
		}
		tags[node] = m
		reconnects[node] = p.Reconnects()
	}
	return Snapshot{
		Sessions:     r.engine.Statuses(),
		Queue:        r.queue.State(),
		Backpressure: r.bp.Mode(),
		Sampling:     sampling,
		Tags:         tags,
		Reconnects:   reconnects,
		BrokerUp:     r.transport.Connected(),
	}
}

func (r *Runtime) startHTTP() {
	mux := http.NewServeMux()
	if r.promReg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(r.promReg, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/snapshot", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(r.CurrentSnapshot())
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.httpSrv = &http.Server{Addr: r.cfg.Metrics.Addr, Handler: mux}
	go func() {
		if err := r.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.obs.LogError("http_server_failed", err)
		}
	}()
}

// Shutdown tears components down in dependency order. Acquisition stops
// first, sessions enqueue their death certificates durably, and anything
// still undelivered replays from the queue on the next start.
func (r *Runtime) Shutdown(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	if r.cancel != nil {
		r.cancel()
	}

	for _, p := range r.pollers {
		p.Wait()
	}
	r.engine.Shutdown(time.Until(deadline) / 2)
	r.publisher.Wait()
	r.bp.Wait()

	closeCtx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	for _, conn := range r.connectors {
		_ = conn.Disconnect(closeCtx)
	}
	_ = r.transport.Close(closeCtx)
	if r.httpSrv != nil {
		_ = r.httpSrv.Shutdown(closeCtx)
	}
	if err := r.queue.Close(); err != nil {
		r.obs.LogError("queue_close_failed", err)
	}
	r.obs.LogInfo("gateway_stopped")
	_ = r.log.Sync()
}
