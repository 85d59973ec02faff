// Package scoring ranks candidates by spare capacity and decides when a
// follower should vote against its leader.
package scoring

import (
	"math/rand"

	"github.com/danl5/loadelect/pkg/common"
	"github.com/danl5/loadelect/pkg/model"
)

const (
	// jitter keeps the final score within +-2% of the base score
	jitterBase   = 0.98
	jitterSpread = 0.04

	// negative vote thresholds
	cpuVoteRatio       = 0.7
	memoryVoteRatio    = 0.7
	bandwidthVoteRatio = 1.5
	latencyVoteRatio   = 0.5
)

// Weights of the sub-scores. Each set sums to 1.
type Weights struct {
	CPU         float64
	Memory      float64
	Network     float64
	Latency     float64
	Connections float64
}

var (
	BasicWeights    = Weights{CPU: 0.6, Memory: 0.4}
	ExtendedWeights = Weights{CPU: 0.3, Memory: 0.2, Network: 0.2, Latency: 0.2, Connections: 0.1}
)

// WeightsFor returns the weights used by a metrics variant.
func WeightsFor(v model.MetricsVariant) Weights {
	if v == model.MetricsBasic {
		return BasicWeights
	}
	return ExtendedWeights
}

// RandomSource yields uniformly distributed values in [0,1).
type RandomSource interface {
	Float64() float64
}

type globalSource struct{}

func (globalSource) Float64() float64 { return rand.Float64() }

// GlobalSource draws from math/rand's shared generator.
var GlobalSource RandomSource = globalSource{}

// FixedSource always returns the same value. FixedSource(0.5) makes the
// jitter factor exactly 1.
type FixedSource float64

func (f FixedSource) Float64() float64 { return float64(f) }

// NoJitter disables score randomization.
const NoJitter = FixedSource(0.5)

// Scorer computes candidate scores for one metrics variant.
type Scorer struct {
	variant model.MetricsVariant
	weights Weights
	random  RandomSource
}

// NewScorer creates a Scorer. A nil random source uses GlobalSource.
func NewScorer(variant model.MetricsVariant, random RandomSource) *Scorer {
	if random == nil {
		random = GlobalSource
	}
	return &Scorer{
		variant: variant,
		weights: WeightsFor(variant),
		random:  random,
	}
}

// BaseScore is the weighted composite of the sub-scores, before jitter.
// Higher means more spare capacity.
func (s *Scorer) BaseScore(m model.SystemMetrics) float64 {
	w := s.weights
	score := w.CPU*(1-m.CPULoad/100) + w.Memory*(1-m.MemoryUsage/100)
	if s.variant == model.MetricsBasic {
		return score
	}

	networkScore := m.NetworkBandwidth / 1000
	// zero latency yields +Inf, kept as is
	latencyScore := 1 / m.RequestLatency
	connectionsScore := 1 - float64(m.ConnectionCount)/1000

	return score +
		w.Network*networkScore +
		w.Latency*latencyScore +
		w.Connections*connectionsScore
}

// Score applies a fresh jitter draw to the base score on every call, so two
// calls for the same metrics are not comparable.
func (s *Scorer) Score(m model.SystemMetrics) float64 {
	return s.BaseScore(m) * (jitterBase + s.random.Float64()*jitterSpread)
}

// Elect scores every candidate in place and returns the ID of the highest
// score. The first maximum in slice order wins ties.
func (s *Scorer) Elect(candidates []model.Candidate) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}

	best := 0
	for i := range candidates {
		candidates[i].Score = s.Score(candidates[i].Metrics)
		if candidates[i].Score > candidates[best].Score {
			best = i
		}
	}
	return candidates[best].ID, true
}

// ShouldCastNegativeVote compares the follower's own metrics with the leader's
// and returns the first reason that holds, in a fixed order.
func ShouldCastNegativeVote(variant model.MetricsVariant, self, leader model.SystemMetrics) (common.VoteReason, bool) {
	switch {
	case self.CPULoad < leader.CPULoad*cpuVoteRatio:
		return common.VoteHighCPULoad, true
	case self.MemoryUsage < leader.MemoryUsage*memoryVoteRatio:
		return common.VoteHighMemoryUsage, true
	}
	if variant == model.MetricsBasic {
		return "", false
	}

	switch {
	case self.NetworkBandwidth > leader.NetworkBandwidth*bandwidthVoteRatio:
		return common.VoteNetworkCongestion, true
	case self.RequestLatency < leader.RequestLatency*latencyVoteRatio:
		return common.VoteHighLatency, true
	}
	return "", false
}
