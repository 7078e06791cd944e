// Package mqtt implements the broker transport on Eclipse Paho. The client
// reconnects on its own with bounded backoff; connectivity transitions are
// surfaced on an event channel so the publisher can trigger rebirths after an
// outage.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/irontide/sparkbridge/internal/app/session"
	"github.com/irontide/sparkbridge/internal/ports"
)

// Config describes the broker endpoint.
type Config struct {
	BrokerURL string        `yaml:"broker_url"`
	ClientID  string        `yaml:"client_id"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	KeepAlive time.Duration `yaml:"keep_alive"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// ReconnectMax bounds the client's exponential reconnect backoff.
	ReconnectMax time.Duration `yaml:"reconnect_max"`

	// PublishTimeout bounds the wait for a QoS acknowledgement when the
	// caller's ctx has no earlier deadline.
	PublishTimeout time.Duration `yaml:"publish_timeout"`

	TLSInsecureSkipVerify bool `yaml:"tls_insecure_skip_verify"`
}

// Validate rejects unusable broker configuration.
func (c *Config) Validate() error {
	if c.BrokerURL == "" {
		return fmt.Errorf("mqtt transport: broker_url is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "sparkbridge-" + uuid.NewString()[:8]
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = 10 * time.Second
	}
}

// Transport is the ports.Transport implementation.
type Transport struct {
	cfg Config
	obs ports.Observability

	mu     sync.Mutex
	client pahomqtt.Client
	will   *ports.WillMessage
	subs   []commandSub

	events chan ports.ConnEvent
}

// commandSub records one command subscription so it can be replayed after
// every connect. Sessions are clean, so the broker holds nothing to resume.
type commandSub struct {
	filter  string
	handler pahomqtt.MessageHandler
}

// New builds an unconnected transport.
func New(cfg Config, obs ports.Observability) (*Transport, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Transport{
		cfg:    cfg,
		obs:    obs,
		events: make(chan ports.ConnEvent, 16),
	}, nil
}

// SetWill registers the death certificate before the first connect attempt.
func (t *Transport) SetWill(will ports.WillMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.will = &will
}

func (t *Transport) emit(ev ports.ConnEvent) {
	ev.At = time.Now().UTC()
	select {
	case t.events <- ev:
	default:
		// The drain loop only needs the latest transition; dropping under a
		// full buffer is safe because Connected() is authoritative.
	}
}

func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	opts := pahomqtt.NewClientOptions().
		AddBroker(t.cfg.BrokerURL).
		SetClientID(t.cfg.ClientID).
		SetUsername(t.cfg.Username).
		SetPassword(t.cfg.Password).
		SetKeepAlive(t.cfg.KeepAlive).
		SetConnectTimeout(t.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(t.cfg.ReconnectMax).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Second).
		SetCleanSession(true).
		SetOrderMatters(true)

	if t.cfg.TLSInsecureSkipVerify {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}
	if t.will != nil {
		opts.SetBinaryWill(t.will.Topic, t.will.Payload, t.will.QoS, t.will.Retained)
	}

	opts.SetOnConnectHandler(func(client pahomqtt.Client) {
		t.obs.LogInfo("mqtt_connected", ports.Field{Key: "broker", Value: t.cfg.BrokerURL})
		t.resubscribe(client)
		t.emit(ports.ConnEvent{Connected: true})
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		t.obs.LogError("mqtt_connection_lost", err, ports.Field{Key: "broker", Value: t.cfg.BrokerURL})
		t.emit(ports.ConnEvent{Connected: false, Err: err})
	})

	client := pahomqtt.NewClient(opts)
	t.client = client
	t.mu.Unlock()

	token := client.Connect()
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}
	if err := token.Error(); err != nil {
		return &ports.ConnectionError{Target: t.cfg.BrokerURL, Err: err}
	}
	return nil
}

func (t *Transport) currentClient() (pahomqtt.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, ports.ErrNotConnected
	}
	return t.client, nil
}

// Publish delivers one entry and waits for the broker acknowledgement. On
// timeout the entry stays unacknowledged in the queue and is retried from
// there, never re-sent blindly.
func (t *Transport) Publish(ctx context.Context, e *ports.QueueEntry) error {
	client, err := t.currentClient()
	if err != nil {
		return &ports.PublishError{Topic: e.Topic, Err: err}
	}
	if !client.IsConnectionOpen() {
		return &ports.PublishError{Topic: e.Topic, Err: ports.ErrNotConnected}
	}

	timeout := t.cfg.PublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	token := client.Publish(e.Topic, e.QoS, e.Retained, e.Payload)
	if !token.WaitTimeout(timeout) {
		return &ports.PublishError{Topic: e.Topic,
			Err: &ports.TimeoutError{Op: "publish", Deadline: timeout}}
	}
	if err := token.Error(); err != nil {
		return &ports.PublishError{Topic: e.Topic, Err: err}
	}
	return nil
}

// SubscribeCommands routes inbound node commands to the handler. The
// subscription is recorded and replayed from the OnConnect handler on every
// connect, so it survives broker reconnects despite the clean session. Called
// before the first connect it only records.
func (t *Transport) SubscribeCommands(filter string, h ports.CommandHandler) error {
	handler := func(_ pahomqtt.Client, msg pahomqtt.Message) {
		nodeID := session.NodeFromCommandTopic(msg.Topic())
		if nodeID == "" {
			t.obs.LogDebug("mqtt_command_unroutable", ports.Field{Key: "topic", Value: msg.Topic()})
			return
		}
		h(nodeID, msg.Payload())
	}

	t.mu.Lock()
	t.subs = append(t.subs, commandSub{filter: filter, handler: handler})
	client := t.client
	t.mu.Unlock()

	if client == nil || !client.IsConnectionOpen() {
		return nil
	}
	token := client.Subscribe(filter, 1, handler)
	if !token.WaitTimeout(t.cfg.ConnectTimeout) {
		return &ports.TimeoutError{Op: "subscribe", Deadline: t.cfg.ConnectTimeout}
	}
	return token.Error()
}

// resubscribe replays every recorded command subscription on a fresh
// connection.
func (t *Transport) resubscribe(client pahomqtt.Client) {
	t.mu.Lock()
	subs := make([]commandSub, len(t.subs))
	copy(subs, t.subs)
	t.mu.Unlock()

	for _, s := range subs {
		token := client.Subscribe(s.filter, 1, s.handler)
		if !token.WaitTimeout(t.cfg.ConnectTimeout) || token.Error() != nil {
			t.obs.LogError("mqtt_resubscribe_failed", token.Error(),
				ports.Field{Key: "filter", Value: s.filter})
		}
	}
}

func (t *Transport) Events() <-chan ports.ConnEvent { return t.events }

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client != nil && t.client.IsConnectionOpen()
}

// Close disconnects with a short drain window for in-flight messages.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()
	if client == nil {
		return nil
	}

	quiesce := uint(250)
	if deadline, ok := ctx.Deadline(); ok {
		if ms := time.Until(deadline).Milliseconds(); ms > 0 && uint(ms) < quiesce {
			quiesce = uint(ms)
		}
	}
	client.Disconnect(quiesce)
	return nil
}

var _ ports.Transport = (*Transport)(nil)
