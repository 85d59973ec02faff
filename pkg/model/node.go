package model

import (
	"errors"
)

// NodeState represents the state of an election node.
type NodeState string

const (
	// NodeStateFollower follower state
	NodeStateFollower NodeState = "follower"
	// NodeStateLeader leader state
	NodeStateLeader NodeState = "leader"
	// NodeStateDefactoLeader is the transient state of a node running an election
	NodeStateDefactoLeader NodeState = "defacto_leader"
)

func (n NodeState) String() string {
	return string(n)
}

// Node represents a node instance
type Node struct {
	ID      string
	Address string
	Tags    map[string]string
}

func (n *Node) Validate() error {
	if n.ID == "" {
		return errors.New("node ID is required")
	}
	if n.Address == "" {
		return errors.New("node address is required")
	}
	return nil
}

// ElectNode represents a node instance with elect meta
type ElectNode struct {
	Node
}

// TransitionType distinguishes entering a state from leaving it.
type TransitionType int

const (
	TransitionTypeEnter TransitionType = iota
	TransitionTypeLeave
)

func (t TransitionType) String() string {
	switch t {
	case TransitionTypeEnter:
		return "enter"
	case TransitionTypeLeave:
		return "leave"
	}
	return "unknown"
}

// StateTransition describes a single enter or leave of a node state.
type StateTransition struct {
	// Type is enter or leave
	Type TransitionType
	// State is the state being entered or left
	State NodeState
	// SrcState is the other side of the transition
	SrcState NodeState
}
