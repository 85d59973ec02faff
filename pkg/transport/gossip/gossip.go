// Package gossip carries framed NodeMessages as memberlist user messages.
// Cluster membership is maintained by memberlist; election peers are still
// addressed by node ID.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	wire "github.com/danl5/loadelect/pkg/codec"
	"github.com/danl5/loadelect/pkg/model"
	obsmetrics "github.com/danl5/loadelect/pkg/observability/metrics"
)

type Config struct {
	// NodeID names this node in the memberlist cluster
	NodeID string `json:"node_id" mapstructure:"node_id"`
	// Advertise is the address peers use to reach this node, defaults to the bind address
	Advertise string `json:"advertise" mapstructure:"advertise"`
	// ProbeInterval and ProbeTimeout tune failure detection, zero keeps the LAN defaults
	ProbeInterval time.Duration `json:"probe_interval" mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `json:"probe_timeout" mapstructure:"probe_timeout"`
	// Variant must match the metrics variant of the election config
	Variant model.MetricsVariant `json:"variant" mapstructure:"variant"`
}

func (c *Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("gossip node id is required")
	}
	if c.ProbeInterval < 0 || c.ProbeTimeout < 0 {
		return errors.New("probe settings must not be negative")
	}
	if c.Variant != "" {
		return c.Variant.Validate()
	}
	return nil
}

// Transport implements model.Transport on top of memberlist.
type Transport struct {
	logger *slog.Logger

	mu    sync.RWMutex
	ml    *memberlist.Memberlist
	codec *wire.Codec
	peers map[string]string
}

func NewTransport(logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		return nil, fmt.Errorf("new gossip transport, logger is nil")
	}
	return &Transport{
		logger: logger.With("component", "gossip transport"),
		peers:  map[string]string{},
	}, nil
}

func (t *Transport) Start(listenAddress string, handler model.MessageHandler, transportConfig model.TransportConfig) error {
	cfg, ok := transportConfig.(*Config)
	if !ok {
		return errors.New("not a valid gossip config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	c, err := wire.New(cfg.Variant)
	if err != nil {
		return err
	}

	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.Name = cfg.NodeID
	host, port, err := splitHostPort(listenAddress)
	if err != nil {
		return err
	}
	mlCfg.BindAddr = host
	mlCfg.BindPort = port
	if cfg.Advertise != "" {
		ahost, aport, err := splitHostPort(cfg.Advertise)
		if err != nil {
			return err
		}
		mlCfg.AdvertiseAddr = ahost
		mlCfg.AdvertisePort = aport
	}
	if cfg.ProbeInterval > 0 {
		mlCfg.ProbeInterval = cfg.ProbeInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlCfg.ProbeTimeout = cfg.ProbeTimeout
	}
	mlCfg.Logger = slog.NewLogLogger(t.logger.Handler(), slog.LevelDebug)
	mlCfg.Delegate = &delegate{codec: c, handler: handler, logger: t.logger}
	mlCfg.Events = &eventDelegate{logger: t.logger}

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return fmt.Errorf("create memberlist: %w", err)
	}

	t.mu.Lock()
	t.ml = ml
	t.codec = c
	t.mu.Unlock()

	t.logger.Info("gossip transport started", "name", cfg.NodeID, "address", t.Addr())
	return nil
}

// Addr returns the advertised address of this node.
func (t *Transport) Addr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.ml == nil {
		return ""
	}
	return t.ml.LocalNode().Address()
}

// InitConnections records peers and joins their gossip cluster. Peers that
// are not up yet are not an error, they join later from their side.
func (t *Transport) InitConnections(nodes []*model.Node, _ model.TransportConfig) error {
	t.mu.Lock()
	ml := t.ml
	seeds := make([]string, 0, len(nodes))
	for _, node := range nodes {
		t.peers[node.ID] = node.Address
		seeds = append(seeds, node.Address)
	}
	t.mu.Unlock()

	if ml == nil {
		return errors.New("gossip transport not started")
	}
	if len(seeds) == 0 {
		return nil
	}
	n, err := ml.Join(seeds)
	if err != nil {
		t.logger.Warn("failed to join gossip peers", "joined", n, "error", err.Error())
	}
	return nil
}

// Send delivers msg over memberlist's reliable stream channel.
func (t *Transport) Send(ctx context.Context, nodeID string, msg *model.NodeMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.RLock()
	ml, c := t.ml, t.codec
	address, ok := t.peers[nodeID]
	t.mu.RUnlock()
	if ml == nil {
		return model.ErrTransportClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUnknownPeer, nodeID)
	}

	data, err := c.Encode(msg)
	if err != nil {
		return err
	}
	target, err := t.target(ml, nodeID, address)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- ml.SendReliable(target, data) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("send %s to %s: %w", msg.Type, nodeID, ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send %s to %s: %w", msg.Type, nodeID, err)
		}
		return nil
	}
}

// target prefers the live member entry and falls back to the configured address.
func (t *Transport) target(ml *memberlist.Memberlist, nodeID, address string) (*memberlist.Node, error) {
	for _, m := range ml.Members() {
		if m.Name == nodeID {
			return m, nil
		}
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", address, err)
	}
	return &memberlist.Node{Name: nodeID, Addr: tcpAddr.IP, Port: uint16(tcpAddr.Port)}, nil
}

// Members returns the names of alive gossip members, this node included.
func (t *Transport) Members() []string {
	t.mu.RLock()
	ml := t.ml
	t.mu.RUnlock()
	if ml == nil {
		return nil
	}
	var names []string
	for _, m := range ml.Members() {
		names = append(names, m.Name)
	}
	return names
}

func (t *Transport) Close() error {
	t.mu.Lock()
	ml := t.ml
	t.ml = nil
	t.mu.Unlock()
	if ml == nil {
		return nil
	}
	// best-effort leave before shutting down
	_ = ml.Leave(time.Second)
	return ml.Shutdown()
}

type delegate struct {
	codec   *wire.Codec
	handler model.MessageHandler
	logger  *slog.Logger
}

func (d *delegate) NotifyMsg(buf []byte) {
	// memberlist reuses buf after return
	frame := append([]byte(nil), buf...)
	msg, err := d.codec.Decode(frame)
	if err != nil {
		d.logger.Debug("drop undecodable frame", "error", err.Error())
		return
	}
	d.handler(msg)
}

func (d *delegate) NodeMeta(int) []byte                    { return nil }
func (d *delegate) GetBroadcasts(int, int) [][]byte        { return nil }
func (d *delegate) LocalState(bool) []byte                 { return nil }
func (d *delegate) MergeRemoteState(buf []byte, join bool) {}

type eventDelegate struct {
	logger *slog.Logger
}

func (e *eventDelegate) NotifyJoin(n *memberlist.Node) {
	obsmetrics.GossipMembers.Inc()
	e.logger.Info("gossip member joined", "member", n.Name, "address", n.Address())
}

func (e *eventDelegate) NotifyLeave(n *memberlist.Node) {
	obsmetrics.GossipMembers.Dec()
	e.logger.Info("gossip member left", "member", n.Name, "address", n.Address())
}

func (e *eventDelegate) NotifyUpdate(n *memberlist.Node) {
	e.logger.Debug("gossip member updated", "member", n.Name)
}

func splitHostPort(address string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, fmt.Errorf("invalid address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port: %q", portStr)
	}
	return host, port, nil
}
