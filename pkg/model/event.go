package model

// NodeEvent represents the related events in the entire lifecycle of the node,
// used to drive the node Finite State Machine (FSM)
type NodeEvent string

const (
	// EventHeartbeatTimeout represents a follower not hearing from the leader in time
	EventHeartbeatTimeout NodeEvent = "heartbeat_timeout"
	// EventElected represents a follower named leader by an election result
	EventElected NodeEvent = "elected"
	// EventNoConfidence represents a leader reaching the negative vote threshold
	EventNoConfidence NodeEvent = "no_confidence"
	// EventWonElection represents the electing node choosing itself
	EventWonElection NodeEvent = "won_election"
	// EventLostElection represents the electing node choosing another candidate
	EventLostElection NodeEvent = "lost_election"
)

func (n NodeEvent) String() string {
	return string(n)
}
