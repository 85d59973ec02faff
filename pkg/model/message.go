package model

import (
	"fmt"

	"github.com/danl5/loadelect/pkg/common"
)

// MessageType tags the payload carried by a NodeMessage.
type MessageType string

const (
	// MessageHeartbeat is sent by the leader to all peers
	MessageHeartbeat MessageType = "heartbeat"
	// MessageNegativeVote is sent by a follower to the leader
	MessageNegativeVote MessageType = "negative_vote"
	// MessageElectionResult is sent by the electing node to all peers
	MessageElectionResult MessageType = "election_result"
	// MessageUpdateMetrics injects metrics into a node
	MessageUpdateMetrics MessageType = "update_metrics"
)

func (m MessageType) String() string {
	return string(m)
}

// Heartbeat carries the leader's metrics and its view of the candidates
type Heartbeat struct {
	LeaderID   string        `json:"leader_id"`
	Metrics    SystemMetrics `json:"metrics"`
	Candidates []Candidate   `json:"candidates"`
}

// NegativeVote is a follower's no-confidence signal against the leader
type NegativeVote struct {
	VoterID string            `json:"voter_id"`
	Reason  common.VoteReason `json:"reason"`
	Metrics SystemMetrics     `json:"metrics"`
}

// ElectionResult announces the new leader
type ElectionResult struct {
	NewLeaderID string `json:"new_leader_id"`
}

// UpdateMetrics replaces the metrics reported by the receiving node
type UpdateMetrics struct {
	Metrics SystemMetrics `json:"metrics"`
}

// NodeMessage is the election wire protocol. Exactly one payload matching
// Type is set.
type NodeMessage struct {
	Type           MessageType     `json:"type"`
	Heartbeat      *Heartbeat      `json:"heartbeat,omitempty"`
	NegativeVote   *NegativeVote   `json:"negative_vote,omitempty"`
	ElectionResult *ElectionResult `json:"election_result,omitempty"`
	UpdateMetrics  *UpdateMetrics  `json:"update_metrics,omitempty"`
}

func NewHeartbeat(leaderID string, metrics SystemMetrics, candidates []Candidate) *NodeMessage {
	return &NodeMessage{
		Type: MessageHeartbeat,
		Heartbeat: &Heartbeat{
			LeaderID:   leaderID,
			Metrics:    metrics,
			Candidates: CloneCandidates(candidates),
		},
	}
}

func NewNegativeVote(voterID string, reason common.VoteReason, metrics SystemMetrics) *NodeMessage {
	return &NodeMessage{
		Type:         MessageNegativeVote,
		NegativeVote: &NegativeVote{VoterID: voterID, Reason: reason, Metrics: metrics},
	}
}

func NewElectionResult(newLeaderID string) *NodeMessage {
	return &NodeMessage{
		Type:           MessageElectionResult,
		ElectionResult: &ElectionResult{NewLeaderID: newLeaderID},
	}
}

func NewUpdateMetrics(metrics SystemMetrics) *NodeMessage {
	return &NodeMessage{
		Type:          MessageUpdateMetrics,
		UpdateMetrics: &UpdateMetrics{Metrics: metrics},
	}
}

// Validate checks that exactly the payload named by Type is present.
func (m *NodeMessage) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrBadMessage)
	}
	set := 0
	for _, present := range []bool{
		m.Heartbeat != nil, m.NegativeVote != nil, m.ElectionResult != nil, m.UpdateMetrics != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %d payloads set", ErrBadMessage, set)
	}

	var ok bool
	switch m.Type {
	case MessageHeartbeat:
		ok = m.Heartbeat != nil && m.Heartbeat.LeaderID != ""
	case MessageNegativeVote:
		ok = m.NegativeVote != nil && m.NegativeVote.VoterID != ""
	case MessageElectionResult:
		ok = m.ElectionResult != nil && m.ElectionResult.NewLeaderID != ""
	case MessageUpdateMetrics:
		ok = m.UpdateMetrics != nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrBadMessage, string(m.Type))
	}
	if !ok {
		return fmt.Errorf("%w: payload does not match type %s", ErrBadMessage, m.Type)
	}
	return nil
}
