// Package rpc carries framed NodeMessages over net/rpc with a msgpack codec.
package rpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/silenceper/pool"
	"github.com/ugorji/go/codec"

	wire "github.com/danl5/loadelect/pkg/codec"
	"github.com/danl5/loadelect/pkg/model"
)

const (
	// initial capacity of the pool
	poolInitCap = 0
	// maximum number of idle connections in the pool
	poolMaxIdle = 5
	// maximum time a connection can be idle before being closed
	poolMaxIdleTime = 15
	// maximum number of connections in the pool
	poolMaxCap = 20

	defaultConnectTimeout = 5 * time.Second

	deliverMethod = "RPCHandler.Deliver"
	pingMethod    = "RPCHandler.Ping"
)

func NewRPC(logger *slog.Logger) (*RPC, error) {
	if logger == nil {
		return nil, fmt.Errorf("new rpc, logger is nil")
	}

	rpc := &RPC{
		Server: Server{
			logger: logger.With("component", "rpc server"),
		},
		Client: Client{
			logger: logger.With("component", "rpc client"),
		},
	}

	return rpc, nil
}

// RPCHandler is the net/rpc receiver registered by the server.
type RPCHandler struct {
	codec   *wire.Codec
	handler model.MessageHandler
	logger  *slog.Logger
}

// Deliver decodes one frame and hands it to the message handler.
// Frames that fail to decode are dropped without an error to the sender.
func (h *RPCHandler) Deliver(frame []byte, reply *string) error {
	msg, err := h.codec.Decode(frame)
	if err != nil {
		h.logger.Debug("drop undecodable frame", "error", err.Error())
		*reply = "dropped"
		return nil
	}
	h.handler(msg)
	*reply = "ok"
	return nil
}

func (h *RPCHandler) Ping(_ struct{}, reply *string) error {
	*reply = "pong"
	return nil
}

type RPC struct {
	Server
	Client
}

// Close stops the listener and drains every client pool.
func (r *RPC) Close() error {
	return errors.Join(r.Server.close(), r.Client.close())
}

type Server struct {
	rpcHandler *RPCHandler
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// Start initiates the server to begin listening on the specified address.
func (s *Server) Start(listenAddress string, handler model.MessageHandler, serverConfig model.TransportConfig) error {
	cfg, ok := serverConfig.(*Config)
	if !ok {
		return errors.New("not a valid rpc server config")
	}

	err := cfg.Validate()
	if err != nil {
		return err
	}

	c, err := wire.New(cfg.Variant)
	if err != nil {
		return err
	}
	s.rpcHandler = &RPCHandler{
		codec:   c,
		handler: handler,
		logger:  s.logger,
	}

	err = s.startServer(listenAddress, s.rpcHandler, cfg)
	if err != nil {
		s.logger.Error("failed to start rpc server", "error", err.Error())
		return err
	}

	s.logger.Info("rpc server started", "listenAddress", listenAddress)
	return nil
}

// Addr returns the listening address, useful when started on port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) startServer(listenAddress string, handler *RPCHandler, cfg *Config) error {
	tlsConfig, err := cfg.ServerTLS()
	if err != nil {
		return err
	}

	rpcServer := rpc.NewServer()
	err = rpcServer.Register(handler)
	if err != nil {
		return err
	}

	var l net.Listener
	if tlsConfig != nil {
		l, err = tls.Listen("tcp", listenAddress, tlsConfig)
	} else {
		l, err = net.Listen("tcp", listenAddress)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Error("failed to accept rpc connection", "error", err.Error())
				continue
			}

			rpcCodec := codec.MsgpackSpecRpc.ServerCodec(conn, wire.Handle())
			go rpcServer.ServeCodec(rpcCodec)
		}
	}()
	return nil
}

func (s *Server) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.listener = nil
	return err
}

type Client struct {
	// node id to client
	// string -> pool.Pool
	clients sync.Map
	codec   *wire.Codec

	logger *slog.Logger
}

// InitConnections prepares a lazy connection pool per node. Peers do not
// have to be reachable yet.
func (c *Client) InitConnections(nodes []*model.Node, transportConfig model.TransportConfig) error {
	cfg, ok := transportConfig.(*Config)
	if !ok {
		return errors.New("not a valid rpc client config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	wc, err := wire.New(cfg.Variant)
	if err != nil {
		return err
	}
	c.codec = wc

	for _, node := range nodes {
		p, err := c.createClient(*node, cfg)
		if err != nil {
			c.logger.Error("error connecting to node", "node", node.ID)
			return err
		}
		c.clients.Store(node.ID, p)
	}
	return nil
}

// Send encodes msg and delivers it to the node, bounded by ctx.
func (c *Client) Send(ctx context.Context, nodeID string, msg *model.NodeMessage) error {
	if c.codec == nil {
		return model.ErrTransportClosed
	}
	frame, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}

	rpcClient, err := c.getClient(nodeID)
	if err != nil {
		return err
	}

	var reply string
	call := rpcClient.Go(deliverMethod, frame, &reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		// the connection may still carry the reply, do not reuse it
		c.discardClient(nodeID, rpcClient)
		return fmt.Errorf("send %s to %s: %w", msg.Type, nodeID, ctx.Err())
	case <-call.Done:
	}
	if call.Error != nil {
		c.discardClient(nodeID, rpcClient)
		return fmt.Errorf("failed to call rpc handler: %s", call.Error.Error())
	}

	// put back to pool if no error
	if err := c.putClient(nodeID, rpcClient); err != nil {
		c.logger.Error("failed to put rpc client back to pool", "error", err.Error())
	}

	c.logger.Debug("send rpc message", "type", msg.Type, "to", nodeID, "reply", reply)
	return nil
}

func (c *Client) createClient(node model.Node, cfg *Config) (pool.Pool, error) {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = defaultConnectTimeout
	}

	poolConfig := &pool.Config{
		InitialCap:  poolInitCap,
		MaxIdle:     poolMaxIdle,
		MaxCap:      poolMaxCap,
		IdleTimeout: poolMaxIdleTime * time.Second,
		Factory: func() (interface{}, error) {
			tlsConfig, err := cfg.ClientTLS()
			if err != nil {
				return nil, err
			}
			var conn net.Conn
			dialer := &net.Dialer{
				Timeout: connectTimeout,
			}
			if tlsConfig != nil {
				conn, err = tls.DialWithDialer(dialer, "tcp", node.Address, tlsConfig)
			} else {
				conn, err = dialer.Dial("tcp", node.Address)
			}
			if err != nil {
				return nil, err
			}

			rpcCodec := codec.MsgpackSpecRpc.ClientCodec(conn, wire.Handle())
			return rpc.NewClientWithCodec(rpcCodec), nil
		},
		Close: func(v interface{}) error { return v.(*rpc.Client).Close() },
		Ping: func(v interface{}) error {
			var reply string
			return v.(*rpc.Client).Call(pingMethod, struct{}{}, &reply)
		},
	}
	p, err := pool.NewChannelPool(poolConfig)
	if err != nil {
		return nil, err
	}

	return p, nil
}

func (c *Client) getPool(nodeID string) (pool.Pool, error) {
	clientPoolInf, ok := c.clients.Load(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownPeer, nodeID)
	}
	return clientPoolInf.(pool.Pool), nil
}

func (c *Client) getClient(nodeID string) (*rpc.Client, error) {
	clientPool, err := c.getPool(nodeID)
	if err != nil {
		return nil, err
	}
	conn, err := clientPool.Get()
	if err != nil {
		return nil, fmt.Errorf("can not get client from pool for node %s: %s", nodeID, err.Error())
	}

	return conn.(*rpc.Client), nil
}

func (c *Client) putClient(nodeID string, client *rpc.Client) error {
	clientPool, err := c.getPool(nodeID)
	if err != nil {
		return err
	}
	err = clientPool.Put(client)
	if err != nil {
		return fmt.Errorf("failed to put client back to pool for node %s: %s", nodeID, err.Error())
	}

	return nil
}

func (c *Client) discardClient(nodeID string, client *rpc.Client) {
	clientPool, err := c.getPool(nodeID)
	if err != nil {
		_ = client.Close()
		return
	}
	if err := clientPool.Close(client); err != nil {
		c.logger.Debug("failed to close rpc client", "node", nodeID, "error", err.Error())
	}
}

func (c *Client) close() error {
	c.clients.Range(func(key, value any) bool {
		value.(pool.Pool).Release()
		c.clients.Delete(key)
		return true
	})
	return nil
}
