package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "loadelect",
		Name:      "is_leader",
		Help:      "1 if this node is the leader, else 0",
	})

	State = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "loadelect",
		Name:      "state",
		Help:      "1 for the state this node is in, 0 for the others",
	}, []string{"state"})

	LeaderChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loadelect",
		Name:      "leader_changes_total",
		Help:      "Total number of observed leader changes",
	})

	Elections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loadelect",
		Name:      "elections_total",
		Help:      "Elections run by this node, by outcome",
	}, []string{"result"})

	NegativeVotesCast = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loadelect",
		Name:      "negative_votes_cast_total",
		Help:      "Negative votes sent by this node, by reason",
	}, []string{"reason"})

	NegativeVoters = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "loadelect",
		Name:      "negative_voters",
		Help:      "Distinct nodes currently voting against this leader",
	})

	SendFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loadelect",
		Name:      "send_failures_total",
		Help:      "Failed peer sends, by message type",
	}, []string{"kind"})

	DroppedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loadelect",
		Name:      "dropped_messages_total",
		Help:      "Inbound messages dropped before reaching the node, by cause",
	}, []string{"cause"})

	CandidateScore = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "loadelect",
		Name:      "candidate_score",
		Help:      "Score of each candidate in the last election run by this node",
	}, []string{"candidate"})

	GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loadelect",
		Name:      "grpc_conn_dials_total",
		Help:      "Total gRPC client connections dialed",
	})

	GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loadelect",
		Name:      "grpc_conn_evictions_total",
		Help:      "Idle gRPC client connections closed",
	})

	GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "loadelect",
		Name:      "grpc_conn_active",
		Help:      "Cached gRPC client connections",
	})

	GossipMembers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "loadelect",
		Name:      "gossip_members",
		Help:      "Alive members seen by the gossip transport",
	})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(IsLeader)
		prometheus.MustRegister(State)
		prometheus.MustRegister(LeaderChanges)
		prometheus.MustRegister(Elections)
		prometheus.MustRegister(NegativeVotesCast)
		prometheus.MustRegister(NegativeVoters)
		prometheus.MustRegister(SendFailures)
		prometheus.MustRegister(DroppedMessages)
		prometheus.MustRegister(CandidateScore)
		prometheus.MustRegister(GRPCConnDials, GRPCConnEvictions, GRPCConnActive)
		prometheus.MustRegister(GossipMembers)
	})
}
