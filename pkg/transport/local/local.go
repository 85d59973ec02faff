// Package local is an in-process transport. Messages still go through the
// wire codec so nodes behave as they would over a network.
package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/danl5/loadelect/pkg/codec"
	"github.com/danl5/loadelect/pkg/model"
)

// Network connects local transports by address.
type Network struct {
	codec *codec.Codec

	mu        sync.RWMutex
	handlers  map[string]model.MessageHandler
	isolated  map[string]struct{}
	delivered int
}

func NewNetwork(variant model.MetricsVariant) (*Network, error) {
	c, err := codec.New(variant)
	if err != nil {
		return nil, err
	}
	return &Network{
		codec:    c,
		handlers: map[string]model.MessageHandler{},
		isolated: map[string]struct{}{},
	}, nil
}

// Transport returns a transport for the node with the given ID.
func (n *Network) Transport(nodeID string) *Transport {
	return &Transport{network: n, nodeID: nodeID, peers: map[string]string{}}
}

// Isolate drops every message sent to or from the node.
func (n *Network) Isolate(nodeID string) {
	n.mu.Lock()
	n.isolated[nodeID] = struct{}{}
	n.mu.Unlock()
}

// Heal removes all isolation.
func (n *Network) Heal() {
	n.mu.Lock()
	n.isolated = map[string]struct{}{}
	n.mu.Unlock()
}

// Delivered returns the number of messages handed to a handler.
func (n *Network) Delivered() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.delivered
}

func (n *Network) deliver(from, to, address string, frame []byte) error {
	n.mu.Lock()
	_, fromIsolated := n.isolated[from]
	_, toIsolated := n.isolated[to]
	handler, ok := n.handlers[address]
	if ok && !fromIsolated && !toIsolated {
		n.delivered++
	}
	n.mu.Unlock()

	if fromIsolated || toIsolated {
		return fmt.Errorf("send to %s: network partitioned", to)
	}
	if !ok {
		return fmt.Errorf("send to %s: connection refused", address)
	}

	msg, err := n.codec.Decode(frame)
	if err != nil {
		// receivers drop frames they cannot read
		return nil
	}
	handler(msg)
	return nil
}

// Transport is one node's view of a Network.
type Transport struct {
	network *Network
	nodeID  string

	mu      sync.RWMutex
	address string
	peers   map[string]string
	closed  bool
}

func (t *Transport) Start(listenAddress string, handler model.MessageHandler, _ model.TransportConfig) error {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()
	if _, ok := t.network.handlers[listenAddress]; ok {
		return fmt.Errorf("address %s already in use", listenAddress)
	}
	t.network.handlers[listenAddress] = handler

	t.mu.Lock()
	t.address = listenAddress
	t.mu.Unlock()
	return nil
}

func (t *Transport) InitConnections(nodes []*model.Node, _ model.TransportConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, node := range nodes {
		t.peers[node.ID] = node.Address
	}
	return nil
}

func (t *Transport) Send(ctx context.Context, nodeID string, msg *model.NodeMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.RLock()
	address, ok := t.peers[nodeID]
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return model.ErrTransportClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUnknownPeer, nodeID)
	}

	frame, err := t.network.codec.Encode(msg)
	if err != nil {
		return err
	}
	return t.network.deliver(t.nodeID, nodeID, address, frame)
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	address := t.address
	t.mu.Unlock()

	t.network.mu.Lock()
	delete(t.network.handlers, address)
	t.network.mu.Unlock()
	return nil
}
