// Package opcua implements the session-based connector variant. It supports
// batch reads, writes, native change subscriptions grouped by sampling
// interval, and address-space browsing for tag discovery.
package opcua

import (
	"context"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"

	"github.com/irontide/sparkbridge/internal/domain"
	"github.com/irontide/sparkbridge/internal/ports"
)

// Config captures the runtime details required to open a session. The
// identity token follows from what is set: a client certificate selects
// certificate auth, credentials select username auth, neither is anonymous.
type Config struct {
	Name            string        `yaml:"name"`
	Endpoint        string        `yaml:"endpoint"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	CertFile        string        `yaml:"cert_file"`
	KeyFile         string        `yaml:"key_file"`
	SecurityMode    string        `yaml:"security_mode"`
	SecurityPolicy  string        `yaml:"security_policy"`
	ApplicationName string        `yaml:"application_name"`
	PublishInterval time.Duration `yaml:"publish_interval"`

	// DiscoveryRoot is the node the browse starts from; defaults to the
	// Objects folder.
	DiscoveryRoot string `yaml:"discovery_root"`

	// DiscoveryDepth bounds the recursive browse.
	DiscoveryDepth int `yaml:"discovery_depth"`
}

func (c *Config) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "SparkBridge Edge"
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = 250 * time.Millisecond
	}
	if c.DiscoveryRoot == "" {
		c.DiscoveryRoot = "i=85" // ObjectsFolder
	}
	if c.DiscoveryDepth <= 0 {
		c.DiscoveryDepth = 4
	}
}

func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("opcua connector: name is required")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("opcua connector %q: endpoint is required", c.Name)
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("opcua connector %q: cert_file and key_file must be set together", c.Name)
	}
	return nil
}

// authType picks the user identity token from the configured fields.
func (c *Config) authType() ua.UserTokenType {
	switch {
	case c.CertFile != "":
		return ua.UserTokenTypeCertificate
	case c.Username != "":
		return ua.UserTokenTypeUserName
	default:
		return ua.UserTokenTypeAnonymous
	}
}

// Connector is the ports.Connector implementation for session-based
// controllers.
type Connector struct {
	cfg Config
	obs ports.Observability

	mu        sync.Mutex
	client    *opcua.Client
	subs      []*opcua.Subscription
	subCancel context.CancelFunc
	wg        sync.WaitGroup
	connected bool
}

// New builds a disconnected connector.
func New(cfg Config, obs ports.Observability) (*Connector, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Connector{cfg: cfg, obs: obs}, nil
}

func (c *Connector) Name() string { return c.cfg.Name }

func (c *Connector) Capabilities() ports.Capability {
	return ports.CapRead | ports.CapWrite | ports.CapSubscribe | ports.CapDiscover
}

func (c *Connector) buildClientOptions() ([]opcua.Option, error) {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(c.cfg.SecurityMode)),
		opcua.SecurityPolicy(c.cfg.SecurityPolicy),
		opcua.ApplicationName(c.cfg.ApplicationName),
		opcua.AutoReconnect(true),
	}
	if c.cfg.CertFile != "" {
		opts = append(opts,
			opcua.CertificateFile(c.cfg.CertFile),
			opcua.PrivateKeyFile(c.cfg.KeyFile))
	}
	switch c.cfg.authType() {
	case ua.UserTokenTypeCertificate:
		cert, err := loadCertificate(c.cfg.CertFile)
		if err != nil {
			return nil, fmt.Errorf("opcua connector %q: %w", c.cfg.Name, err)
		}
		opts = append(opts, opcua.AuthCertificate(cert))
	case ua.UserTokenTypeUserName:
		opts = append(opts, opcua.AuthUsername(c.cfg.Username, c.cfg.Password))
	default:
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts, nil
}

// loadCertificate returns a certificate's DER bytes, accepting PEM and raw
// DER files.
func loadCertificate(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if block, _ := pem.Decode(raw); block != nil {
		return block.Bytes, nil
	}
	return raw, nil
}

func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	opts, err := c.buildClientOptions()
	if err != nil {
		return err
	}
	client, err := opcua.NewClient(c.cfg.Endpoint, opts...)
	if err != nil {
		return &ports.ConnectionError{Target: c.cfg.Endpoint, Err: err}
	}
	if err := client.Connect(ctx); err != nil {
		return &ports.ConnectionError{Target: c.cfg.Endpoint, Err: err}
	}

	c.client = client
	c.connected = true
	c.obs.LogInfo("opcua_connected",
		ports.Field{Key: "connector", Value: c.cfg.Name},
		ports.Field{Key: "endpoint", Value: c.cfg.Endpoint},
		ports.Field{Key: "security_mode", Value: c.cfg.SecurityMode})
	return nil
}

func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	subs := c.subs
	cancel := c.subCancel
	c.client = nil
	c.subs = nil
	c.subCancel = nil
	c.connected = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	for _, sub := range subs {
		if e := sub.Cancel(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}
	if client != nil {
		if e := client.Close(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}
	c.wg.Wait()
	return err
}

func (c *Connector) currentClient() (*opcua.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.client == nil {
		return nil, &ports.ConnectionError{Target: c.cfg.Endpoint, Err: ports.ErrNotConnected}
	}
	return c.client, nil
}

// ReadBatch reads every tag's value attribute in one request. Per-node
// status failures degrade only the affected tag.
func (c *Connector) ReadBatch(ctx context.Context, tags []*domain.TagDefinition) ([]*domain.DataPoint, error) {
	client, err := c.currentClient()
	if err != nil {
		return nil, err
	}

	points := make([]*domain.DataPoint, len(tags))
	nodes := make([]*ua.ReadValueID, 0, len(tags))
	nodeIdx := make([]int, 0, len(tags))
	for i, tag := range tags {
		nid, err := ua.ParseNodeID(tag.SourceAddress)
		if err != nil {
			points[i] = domain.BadDataPoint(tag.Name, tag.Type,
				fmt.Sprintf("bad node id %q: %v", tag.SourceAddress, err))
			continue
		}
		nodes = append(nodes, &ua.ReadValueID{NodeID: nid, AttributeID: ua.AttributeIDValue})
		nodeIdx = append(nodeIdx, i)
	}
	if len(nodes) == 0 {
		return points, nil
	}

	resp, err := client.Read(ctx, &ua.ReadRequest{
		NodesToRead:        nodes,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	})
	if err != nil {
		return nil, &ports.ConnectionError{Target: c.cfg.Endpoint, Err: err}
	}

	for j, dv := range resp.Results {
		i := nodeIdx[j]
		tag := tags[i]
		points[i] = c.pointFromDataValue(tag, dv)
	}
	return points, nil
}

func (c *Connector) pointFromDataValue(tag *domain.TagDefinition, dv *ua.DataValue) *domain.DataPoint {
	if dv == nil {
		return domain.BadDataPoint(tag.Name, tag.Type, "empty result")
	}
	if dv.Status != ua.StatusOK {
		return domain.BadDataPoint(tag.Name, tag.Type, dv.Status.Error())
	}
	v, err := variantToValue(tag.Type, dv.Value)
	if err != nil {
		return domain.BadDataPoint(tag.Name, tag.Type,
			(&ports.ProtocolError{Tag: tag.Name, Err: err}).Error())
	}
	p := domain.NewDataPoint(tag.Name, v)
	ts := dv.SourceTimestamp
	if ts.IsZero() {
		ts = dv.ServerTimestamp
	}
	if !ts.IsZero() {
		p.SourceTimestamp = &ts
	}
	return p
}

// Write sets the value attribute of one node.
func (c *Connector) Write(ctx context.Context, tag *domain.TagDefinition, value domain.Value) error {
	client, err := c.currentClient()
	if err != nil {
		return err
	}
	nid, err := ua.ParseNodeID(tag.SourceAddress)
	if err != nil {
		return &ports.ProtocolError{Tag: tag.Name, Err: err}
	}
	variant, err := valueToVariant(value)
	if err != nil {
		return &ports.ProtocolError{Tag: tag.Name, Err: err}
	}

	resp, err := client.Write(ctx, &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      nid,
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        variant,
			},
		}},
	})
	if err != nil {
		return &ports.ConnectionError{Target: c.cfg.Endpoint, Err: err}
	}
	if len(resp.Results) > 0 && resp.Results[0] != ua.StatusOK {
		return &ports.ProtocolError{Tag: tag.Name, Err: resp.Results[0]}
	}
	return nil
}

// Subscribe creates one server subscription per distinct sampling interval
// and monitors each tag under the subscription matching its interval.
func (c *Connector) Subscribe(ctx context.Context, tags []*domain.TagDefinition, out chan<- *domain.DataPoint) error {
	client, err := c.currentClient()
	if err != nil {
		return err
	}

	byInterval := make(map[time.Duration][]*domain.TagDefinition)
	for _, tag := range tags {
		iv := tag.SampleInterval
		if iv <= 0 {
			iv = c.cfg.PublishInterval
		}
		byInterval[iv] = append(byInterval[iv], tag)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	var subs []*opcua.Subscription
	cleanup := func() {
		cancel()
		for _, s := range subs {
			_ = s.Cancel(ctx)
		}
	}

	for interval, group := range byInterval {
		notifyCh := make(chan *opcua.PublishNotificationData, len(group)*4)
		sub, err := client.Subscribe(ctx, &opcua.SubscriptionParameters{
			Interval: interval,
		}, notifyCh)
		if err != nil {
			cleanup()
			return &ports.ConnectionError{Target: c.cfg.Endpoint, Err: err}
		}
		subs = append(subs, sub)

		handleMap := make(map[uint32]*domain.TagDefinition, len(group))
		for i, tag := range group {
			nid, err := ua.ParseNodeID(tag.SourceAddress)
			if err != nil {
				cleanup()
				return &ports.ProtocolError{Tag: tag.Name, Err: err}
			}
			handle := uint32(i + 1)
			req := opcua.NewMonitoredItemCreateRequestWithDefaults(nid, ua.AttributeIDValue, handle)
			req.RequestedParameters.SamplingInterval = float64(interval / time.Millisecond)
			res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
			if err != nil {
				cleanup()
				return &ports.ProtocolError{Tag: tag.Name, Err: err}
			}
			if len(res.Results) == 0 || res.Results[0].StatusCode != ua.StatusOK {
				cleanup()
				return &ports.ProtocolError{Tag: tag.Name,
					Err: fmt.Errorf("monitor rejected: %v", res.Results)}
			}
			handleMap[handle] = tag
		}

		c.wg.Add(1)
		go c.consume(subCtx, notifyCh, handleMap, out)
	}

	c.mu.Lock()
	c.subs = append(c.subs, subs...)
	c.subCancel = cancel
	c.mu.Unlock()
	return nil
}

func (c *Connector) consume(ctx context.Context, ch <-chan *opcua.PublishNotificationData, handleMap map[uint32]*domain.TagDefinition, out chan<- *domain.DataPoint) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case notif := <-ch:
			if notif == nil {
				continue
			}
			if notif.Error != nil {
				c.obs.LogError("opcua_notification_error", notif.Error,
					ports.Field{Key: "connector", Value: c.cfg.Name})
				continue
			}
			data, ok := notif.Value.(*ua.DataChangeNotification)
			if !ok {
				continue
			}
			for _, item := range data.MonitoredItems {
				tag, ok := handleMap[item.ClientHandle]
				if !ok {
					continue
				}
				p := c.pointFromDataValue(tag, item.Value)
				select {
				case <-ctx.Done():
					return
				case out <- p:
				}
			}
		}
	}
}

// DiscoverTags browses the address space from the configured root and
// returns a definition per variable node found.
func (c *Connector) DiscoverTags(ctx context.Context) ([]*domain.TagDefinition, error) {
	client, err := c.currentClient()
	if err != nil {
		return nil, err
	}
	root, err := ua.ParseNodeID(c.cfg.DiscoveryRoot)
	if err != nil {
		return nil, fmt.Errorf("discovery root: %w", err)
	}

	var out []*domain.TagDefinition
	err = c.browse(ctx, client.Node(root), 0, &out)
	return out, err
}

func (c *Connector) browse(ctx context.Context, node *opcua.Node, depth int, out *[]*domain.TagDefinition) error {
	if depth > c.cfg.DiscoveryDepth {
		return nil
	}
	children, err := node.Children(ctx, id.HierarchicalReferences, ua.NodeClassObject|ua.NodeClassVariable)
	if err != nil {
		return fmt.Errorf("browse %s: %w", node.ID, err)
	}
	for _, child := range children {
		attrs, err := child.Attributes(ctx, ua.AttributeIDNodeClass, ua.AttributeIDBrowseName, ua.AttributeIDDataType)
		if err != nil || len(attrs) < 3 {
			continue
		}
		if attrs[0].Status != ua.StatusOK {
			continue
		}
		class := ua.NodeClass(attrs[0].Value.Int())
		if class == ua.NodeClassVariable {
			name := ""
			if attrs[1].Status == ua.StatusOK {
				if qn, ok := attrs[1].Value.Value().(*ua.QualifiedName); ok {
					name = qn.Name
				}
			}
			t := dataTypeFromAttr(attrs[2])
			if name != "" && t != "" {
				*out = append(*out, &domain.TagDefinition{
					Name:          name,
					SourceAddress: child.ID.String(),
					Type:          t,
				})
			}
			continue
		}
		if err := c.browse(ctx, child, depth+1, out); err != nil {
			return err
		}
	}
	return nil
}

func dataTypeFromAttr(dv *ua.DataValue) domain.DataType {
	if dv == nil || dv.Status != ua.StatusOK {
		return ""
	}
	nid, ok := dv.Value.Value().(*ua.NodeID)
	if !ok {
		return ""
	}
	switch nid.IntID() {
	case id.Boolean:
		return domain.TypeBool
	case id.Int16, id.SByte:
		return domain.TypeInt16
	case id.Int32:
		return domain.TypeInt32
	case id.Int64:
		return domain.TypeInt64
	case id.UInt16, id.Byte:
		return domain.TypeUint16
	case id.UInt32:
		return domain.TypeUint32
	case id.UInt64:
		return domain.TypeUint64
	case id.Float:
		return domain.TypeFloat32
	case id.Double:
		return domain.TypeFloat64
	case id.String:
		return domain.TypeString
	}
	return ""
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

var _ ports.Connector = (*Connector)(nil)
