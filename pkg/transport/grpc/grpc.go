// Package grpc carries framed NodeMessages over gRPC with a hand-written
// service descriptor and a pass-through codec.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	wire "github.com/danl5/loadelect/pkg/codec"
	"github.com/danl5/loadelect/pkg/model"
	"github.com/danl5/loadelect/pkg/observability/tracing"
	"github.com/danl5/loadelect/pkg/transport/tlsconf"
)

const (
	serviceName    = "loadelect.v1.Election"
	deliverMethod  = "/" + serviceName + "/Deliver"
	defaultIdleTTL = time.Minute
)

type Config struct {
	tlsconf.Config `mapstructure:",squash"`

	// ConnectTimeout bounds the initial connection attempt to a peer
	ConnectTimeout time.Duration `json:"connect_timeout" mapstructure:"connect_timeout"`
	// IdleTTL closes client connections unused for this long
	IdleTTL time.Duration `json:"idle_ttl" mapstructure:"idle_ttl"`
	// Variant must match the metrics variant of the election config
	Variant model.MetricsVariant `json:"variant" mapstructure:"variant"`
}

func (c *Config) Validate() error {
	if c.ConnectTimeout < 0 || c.IdleTTL < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.Variant != "" {
		if err := c.Variant.Validate(); err != nil {
			return err
		}
	}
	return c.Config.Validate()
}

// electionServer defines the methods we expose.
type electionServer interface {
	Deliver(ctx context.Context, in *frame) (*ack, error)
}

type electionImpl struct {
	codec   *wire.Codec
	handler model.MessageHandler
	logger  *slog.Logger
}

func (e *electionImpl) Deliver(ctx context.Context, in *frame) (*ack, error) {
	_, end := tracing.StartSpan(ctx, "grpc.deliver")
	defer end()
	msg, err := e.codec.Decode(in.Data)
	if err != nil {
		e.logger.Debug("drop undecodable frame", "error", err.Error())
		return &ack{}, nil
	}
	e.handler(msg)
	return &ack{}, nil
}

// service descriptor and handlers, hand-written, no codegen required
var _Election_serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*electionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: _Election_Deliver_Handler},
	},
	Streams: []grpc.StreamDesc{},
}

func _Election_Deliver_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(frame)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(electionServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(electionServer).Deliver(ctx, req.(*frame))
	}
	return interceptor(ctx, in, info, handler)
}

// Transport implements model.Transport over gRPC.
type Transport struct {
	logger *slog.Logger

	mu    sync.RWMutex
	srv   *grpc.Server
	lis   net.Listener
	codec *wire.Codec
	peers map[string]string
	cm    *ConnManager
}

func NewTransport(logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		return nil, fmt.Errorf("new grpc transport, logger is nil")
	}
	return &Transport{
		logger: logger.With("component", "grpc transport"),
		peers:  map[string]string{},
	}, nil
}

func (t *Transport) Start(listenAddress string, handler model.MessageHandler, transportConfig model.TransportConfig) error {
	cfg, ok := transportConfig.(*Config)
	if !ok {
		return errors.New("not a valid grpc server config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	c, err := wire.New(cfg.Variant)
	if err != nil {
		return err
	}
	tlsCfg, err := cfg.ServerTLS()
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", listenAddress)
	if err != nil {
		return err
	}
	opts := []grpc.ServerOption{
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 10 * time.Second, PermitWithoutStream: true}),
	}
	if tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	srv := grpc.NewServer(opts...)
	srv.RegisterService(&_Election_serviceDesc, &electionImpl{codec: c, handler: handler, logger: t.logger})

	t.mu.Lock()
	t.srv = srv
	t.lis = lis
	t.mu.Unlock()

	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.logger.Error("grpc server stopped", "error", err.Error())
		}
	}()
	t.logger.Info("grpc server started", "listenAddress", lis.Addr().String())
	return nil
}

// Addr returns the listening address, useful when started on port 0.
func (t *Transport) Addr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.lis == nil {
		return ""
	}
	return t.lis.Addr().String()
}

// InitConnections records peer addresses. Connections are dialed on first send.
func (t *Transport) InitConnections(nodes []*model.Node, transportConfig model.TransportConfig) error {
	cfg, ok := transportConfig.(*Config)
	if !ok {
		return errors.New("not a valid grpc client config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	c, err := wire.New(cfg.Variant)
	if err != nil {
		return err
	}
	tlsCfg, err := cfg.ClientTLS()
	if err != nil {
		return err
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 5 * time.Second
	}
	idleTTL := cfg.IdleTTL
	if idleTTL == 0 {
		idleTTL = defaultIdleTTL
	}
	dialer := func(_ context.Context, target string) (*grpc.ClientConn, error) {
		opts := []grpc.DialOption{
			grpc.WithDefaultCallOptions(grpc.ForceCodec(frameCodec{}), grpc.CallContentSubtype(codecName)),
			grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: connectTimeout}),
			grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
		}
		if tlsCfg != nil {
			opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)))
		} else {
			opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		}
		return grpc.NewClient(target, opts...)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.codec = c
	if t.cm == nil {
		t.cm = NewConnManager(idleTTL, dialer)
	}
	for _, node := range nodes {
		t.peers[node.ID] = node.Address
	}
	return nil
}

func (t *Transport) Send(ctx context.Context, nodeID string, msg *model.NodeMessage) error {
	t.mu.RLock()
	address, ok := t.peers[nodeID]
	c, cm := t.codec, t.cm
	t.mu.RUnlock()
	if cm == nil {
		return model.ErrTransportClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUnknownPeer, nodeID)
	}

	data, err := c.Encode(msg)
	if err != nil {
		return err
	}

	ctx, end := tracing.StartSpan(ctx, "grpc.send")
	defer end()
	cc, release, err := cm.Get(ctx, address)
	if err != nil {
		return err
	}
	defer release()
	if err := cc.Invoke(ctx, deliverMethod, &frame{Data: data}, &ack{}); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Type, nodeID, err)
	}
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	srv, cm := t.srv, t.cm
	t.srv, t.cm, t.lis = nil, nil, nil
	t.mu.Unlock()

	if cm != nil {
		cm.Close()
	}
	if srv != nil {
		srv.GracefulStop()
	}
	return nil
}
