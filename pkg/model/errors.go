package model

import "errors"

var (
	// ErrUnknownPeer is returned when sending to a node without a connection
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrBadMessage is returned for messages whose payload does not match their type
	ErrBadMessage = errors.New("bad message")
	// ErrTransportClosed is returned when using a transport after Close
	ErrTransportClosed = errors.New("transport closed")
	// ErrNoCandidates is returned when an election has nobody to choose from
	ErrNoCandidates = errors.New("no candidates")
	// ErrInboxFull is returned when the node inbox cannot accept a message
	ErrInboxFull = errors.New("inbox full")
)
