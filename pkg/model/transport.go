package model

import "context"

// MessageHandler receives every decoded inbound message. It must not block.
type MessageHandler func(msg *NodeMessage)

// Transport interface definition that a provider needs to implement.
type Transport interface {
	Server
	Client

	// Close releases listeners and connections
	Close() error
}

// TransportConfig is an interface representing the contract for a configuration object
// that can be validated.
type TransportConfig interface {
	Validate() error
}

// Server interface defines the fundamental behaviors of a server.
type Server interface {
	// Start initiates the server to begin listening on the specified address.
	// Inbound frames that fail to decode are dropped.
	Start(listenAddress string, handler MessageHandler, config TransportConfig) error
}

// Client interface defines the fundamental behaviors of a client.
type Client interface {
	// InitConnections initializes a set of connections to the given nodes.
	// It returns an error if any connection fails.
	InitConnections(nodes []*Node, config TransportConfig) error

	// Send delivers a message to a peer. Delivery is fire-and-forget beyond
	// the reliability of the underlying transport.
	Send(ctx context.Context, nodeID string, msg *NodeMessage) error
}
