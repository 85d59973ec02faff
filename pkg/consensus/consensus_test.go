package consensus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danl5/loadelect/pkg/common"
	"github.com/danl5/loadelect/pkg/config"
	"github.com/danl5/loadelect/pkg/model"
	"github.com/danl5/loadelect/pkg/sysmetrics"
)

var (
	idle       = model.SystemMetrics{CPULoad: 30, MemoryUsage: 40}
	overloaded = model.SystemMetrics{CPULoad: 90, MemoryUsage: 85}
)

func TestNewConsensus_Validation(t *testing.T) {
	node := model.ElectNode{Node: model.Node{ID: "1", Address: "a"}}
	src := sysmetrics.Static(idle)
	trans := &transportMock{}

	tests := []struct {
		name string
		fn   func() (*Consensus, error)
	}{
		{"no_id", func() (*Consensus, error) {
			return NewConsensus(model.ElectNode{Node: model.Node{Address: "a"}}, trans, nil, src, nil, discardLogger())
		}},
		{"no_logger", func() (*Consensus, error) {
			return NewConsensus(node, trans, nil, src, nil, nil)
		}},
		{"no_transport", func() (*Consensus, error) {
			return NewConsensus(node, nil, nil, src, nil, discardLogger())
		}},
		{"no_source", func() (*Consensus, error) {
			return NewConsensus(node, trans, nil, nil, nil, discardLogger())
		}},
		{"bad_config", func() (*Consensus, error) {
			return NewConsensus(node, trans, nil, src, &config.Config{VoteThreshold: -1}, discardLogger())
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.fn()
			assert.Error(t, err)
		})
	}
}

func TestConsensus_StartsAsFollower(t *testing.T) {
	n := newTestNode(t, idle)
	assert.Equal(t, model.NodeStateFollower, n.CurrentState())
	assert.False(t, n.IsLeader())
}

func TestConsensus_FollowerHeartbeatTimeout(t *testing.T) {
	n := newTestNode(t, idle)
	n.lastHeartbeat = n.clock.now().Add(-6 * time.Second)

	ev, done := n.followerStep(context.Background())
	require.True(t, done)
	assert.Equal(t, model.EventHeartbeatTimeout, ev)
}

func TestConsensus_FollowerHeartbeatResetsTimeout(t *testing.T) {
	n := newTestNode(t, overloaded)
	ctx := context.Background()

	n.clock.advance(4 * time.Second)
	n.Deliver(model.NewHeartbeat("2", idle, nil))
	_, done := n.followerStep(ctx)
	require.False(t, done)
	assert.Equal(t, n.clock.now(), n.lastHeartbeat)

	n.clock.advance(4 * time.Second)
	_, done = n.followerStep(ctx)
	assert.False(t, done, "4s since the last heartbeat is within the timeout")

	n.clock.advance(2 * time.Second)
	ev, done := n.followerStep(ctx)
	require.True(t, done)
	assert.Equal(t, model.EventHeartbeatTimeout, ev)
}

func TestConsensus_FollowerCastsNegativeVote(t *testing.T) {
	n := newTestNode(t, idle)

	n.Deliver(model.NewHeartbeat("2", overloaded, nil))
	_, done := n.followerStep(context.Background())
	require.False(t, done)

	votes := n.transport.sentOfType(model.MessageNegativeVote)
	require.Len(t, votes, 1)
	assert.Equal(t, "2", votes[0].to)
	assert.Equal(t, &model.NegativeVote{
		VoterID: "1",
		Reason:  common.VoteHighCPULoad,
		Metrics: idle,
	}, votes[0].msg.NegativeVote)

	leader, ok := n.Leader()
	require.True(t, ok)
	assert.Equal(t, "2", leader)
}

func TestConsensus_FollowerVotesOnEveryHeartbeat(t *testing.T) {
	n := newTestNode(t, idle)

	n.Deliver(model.NewHeartbeat("2", overloaded, nil))
	n.Deliver(model.NewHeartbeat("2", overloaded, nil))
	n.followerStep(context.Background())

	assert.Len(t, n.transport.sentOfType(model.MessageNegativeVote), 2)
}

func TestConsensus_FollowerNoVoteForHealthyLeader(t *testing.T) {
	n := newTestNode(t, overloaded)

	n.Deliver(model.NewHeartbeat("2", idle, nil))
	n.followerStep(context.Background())

	assert.Empty(t, n.transport.sentOfType(model.MessageNegativeVote))
}

func TestConsensus_FollowerAdoptsLeaderCandidates(t *testing.T) {
	n := newTestNode(t, overloaded)
	candidates := []model.Candidate{{ID: "3", Metrics: idle}}

	n.Deliver(model.NewHeartbeat("2", idle, candidates))
	n.followerStep(context.Background())

	assert.Equal(t, candidates, n.candidates)
	assert.Equal(t, candidates, n.Status().Candidates)
}

func TestConsensus_FollowerElectionResult(t *testing.T) {
	t.Run("other_node", func(t *testing.T) {
		n := newTestNode(t, idle)
		n.Deliver(model.NewElectionResult("3"))

		_, done := n.followerStep(context.Background())
		require.False(t, done)
		leader, _ := n.Leader()
		assert.Equal(t, "3", leader)
	})
	t.Run("self", func(t *testing.T) {
		n := newTestNode(t, idle)
		n.Deliver(model.NewElectionResult("1"))

		ev, done := n.followerStep(context.Background())
		require.True(t, done)
		assert.Equal(t, model.EventElected, ev)
	})
}

func TestConsensus_FollowerIgnoresOtherMessages(t *testing.T) {
	n := newTestNode(t, idle)
	n.Deliver(model.NewNegativeVote("2", common.VoteHighCPULoad, idle))
	n.Deliver(model.NewUpdateMetrics(overloaded))

	_, done := n.followerStep(context.Background())
	assert.False(t, done)
	assert.Empty(t, n.negativeVotes)
	assert.False(t, n.Status().MetricsInjected)
}

func TestConsensus_LeaderBroadcastsHeartbeat(t *testing.T) {
	n := newTestNode(t, idle)
	n.setState(model.NodeStateLeader)
	n.candidates = []model.Candidate{{ID: "2", Metrics: overloaded}}

	_, done := n.leaderStep(context.Background())
	require.False(t, done)

	hbs := n.transport.sentOfType(model.MessageHeartbeat)
	require.Len(t, hbs, 2)
	targets := []string{hbs[0].to, hbs[1].to}
	assert.ElementsMatch(t, []string{"2", "3"}, targets)
	for _, hb := range hbs {
		assert.Equal(t, "1", hb.msg.Heartbeat.LeaderID)
		assert.Equal(t, idle, hb.msg.Heartbeat.Metrics)
		assert.Equal(t, n.candidates, hb.msg.Heartbeat.Candidates)
	}
}

func TestConsensus_LeaderVoteThreshold(t *testing.T) {
	tests := []struct {
		name     string
		votes    []*model.NodeMessage
		stepDown bool
	}{
		{
			name: "two_distinct_voters",
			votes: []*model.NodeMessage{
				model.NewNegativeVote("2", common.VoteHighCPULoad, idle),
				model.NewNegativeVote("3", common.VoteHighMemoryUsage, idle),
			},
			stepDown: true,
		},
		{
			name: "same_voter_twice",
			votes: []*model.NodeMessage{
				model.NewNegativeVote("2", common.VoteHighCPULoad, idle),
				model.NewNegativeVote("2", common.VoteHighMemoryUsage, overloaded),
			},
			stepDown: false,
		},
		{
			name: "single_vote",
			votes: []*model.NodeMessage{
				model.NewNegativeVote("3", common.VoteHighCPULoad, idle),
			},
			stepDown: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newTestNode(t, overloaded)
			n.setState(model.NodeStateLeader)
			for _, v := range tt.votes {
				n.Deliver(v)
			}

			ev, done := n.leaderStep(context.Background())
			assert.Equal(t, tt.stepDown, done)
			if tt.stepDown {
				assert.Equal(t, model.EventNoConfidence, ev)
			}
		})
	}
}

func TestConsensus_LeaderKeepsLatestVotePerVoter(t *testing.T) {
	n := newTestNode(t, overloaded)
	n.setState(model.NodeStateLeader)
	n.Deliver(model.NewNegativeVote("2", common.VoteHighCPULoad, idle))
	n.Deliver(model.NewNegativeVote("2", common.VoteHighMemoryUsage, overloaded))

	n.leaderStep(context.Background())

	require.Len(t, n.negativeVotes, 1)
	assert.Equal(t, common.VoteHighMemoryUsage, n.negativeVotes["2"].Reason)
	require.Len(t, n.candidates, 1)
	assert.Equal(t, model.Candidate{ID: "2", Metrics: overloaded}, n.candidates[0])
	assert.Equal(t, []string{"2"}, n.Status().NegativeVoters)
}

func TestConsensus_LeaderStepsDownBeforeNextBroadcast(t *testing.T) {
	n := newTestNode(t, overloaded)
	n.setState(model.NodeStateLeader)
	ctx := context.Background()

	_, done := n.leaderStep(ctx)
	require.False(t, done)
	n.transport.reset()

	n.Deliver(model.NewNegativeVote("2", common.VoteHighCPULoad, idle))
	n.Deliver(model.NewNegativeVote("3", common.VoteHighCPULoad, idle))
	ev, done := n.leaderStep(ctx)
	require.True(t, done)
	assert.Equal(t, model.EventNoConfidence, ev)

	// one heartbeat per peer for this cycle, none after the threshold
	assert.Len(t, n.transport.sentOfType(model.MessageHeartbeat), 2)
}

func TestConsensus_LeaderUpdateMetrics(t *testing.T) {
	n := newTestNode(t, idle)
	n.setState(model.NodeStateLeader)
	ctx := context.Background()

	n.Deliver(model.NewUpdateMetrics(overloaded))
	n.leaderStep(ctx)
	assert.Equal(t, overloaded, n.metrics)
	assert.True(t, n.Status().MetricsInjected)

	n.transport.reset()
	n.leaderStep(ctx)
	hbs := n.transport.sentOfType(model.MessageHeartbeat)
	require.NotEmpty(t, hbs)
	assert.Equal(t, overloaded, hbs[0].msg.Heartbeat.Metrics)

	n.ClearInjection()
	n.transport.reset()
	n.leaderStep(ctx)
	hbs = n.transport.sentOfType(model.MessageHeartbeat)
	require.NotEmpty(t, hbs)
	assert.Equal(t, idle, hbs[0].msg.Heartbeat.Metrics)
}

func TestConsensus_InjectOnFollowerSurvivesPromotion(t *testing.T) {
	n := newTestNode(t, idle)
	ctx := context.Background()

	n.Inject(overloaded)
	_, done := n.followerStep(ctx)
	require.False(t, done)
	assert.True(t, n.Status().MetricsInjected)

	// the follower judges the leader with its injected metrics, no vote against a lighter leader
	n.Deliver(model.NewHeartbeat("2", model.SystemMetrics{CPULoad: 50, MemoryUsage: 50}, nil))
	_, done = n.followerStep(ctx)
	require.False(t, done)
	assert.Equal(t, overloaded, n.metrics)
	assert.Empty(t, n.transport.sentOfType(model.MessageNegativeVote))

	n.setState(model.NodeStateLeader)
	n.transport.reset()
	n.leaderStep(ctx)
	hbs := n.transport.sentOfType(model.MessageHeartbeat)
	require.NotEmpty(t, hbs)
	assert.Equal(t, overloaded, hbs[0].msg.Heartbeat.Metrics)
	assert.True(t, n.Status().MetricsInjected)
}

func TestConsensus_InjectOnDefactoLeaderScoresInjectedMetrics(t *testing.T) {
	n := newTestNode(t, idle)
	n.setState(model.NodeStateDefactoLeader)
	n.candidates = []model.Candidate{{ID: "2", Metrics: idle}}

	n.Inject(overloaded)
	round, ev := n.runElection(context.Background())
	assert.Equal(t, model.EventLostElection, ev)
	assert.Equal(t, "2", round.Winner)
}

func TestConsensus_ElectionIncludesSelf(t *testing.T) {
	n := newTestNode(t, idle)
	n.setState(model.NodeStateDefactoLeader)

	round, ev := n.runElection(context.Background())

	require.Len(t, round.Candidates, 1)
	assert.Equal(t, "1", round.Candidates[0].ID)
	assert.Equal(t, idle, round.Candidates[0].Metrics)
	assert.Equal(t, "1", round.Winner)
	assert.Equal(t, model.EventWonElection, ev)
}

func TestConsensus_ElectionPicksLeastLoaded(t *testing.T) {
	n := newTestNode(t, model.SystemMetrics{CPULoad: 50, MemoryUsage: 37.5})
	n.setState(model.NodeStateDefactoLeader)
	n.candidates = []model.Candidate{
		{ID: "2", Metrics: model.SystemMetrics{CPULoad: 40, MemoryUsage: 35}},
		{ID: "3", Metrics: model.SystemMetrics{CPULoad: 60, MemoryUsage: 60}},
		// stale self entry is replaced by a fresh measurement
		{ID: "1", Metrics: model.SystemMetrics{CPULoad: 1, MemoryUsage: 1}},
	}
	n.negativeVotes["2"] = model.NegativeVote{VoterID: "2"}

	round, ev := n.runElection(context.Background())

	assert.Equal(t, "2", round.Winner)
	assert.Equal(t, model.EventLostElection, ev)
	require.Len(t, round.Candidates, 3)
	assert.Equal(t, model.SystemMetrics{CPULoad: 50, MemoryUsage: 37.5}, round.Candidates[2].Metrics)
	assert.InDelta(t, 0.55, round.Candidates[2].Score, 1e-9)
	assert.InDelta(t, 0.62, round.Candidates[0].Score, 1e-9)
	assert.InDelta(t, 0.40, round.Candidates[1].Score, 1e-9)

	results := n.transport.sentOfType(model.MessageElectionResult)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, "2", r.msg.ElectionResult.NewLeaderID)
	}

	assert.Empty(t, n.candidates)
	assert.Empty(t, n.negativeVotes)
	leader, _ := n.Leader()
	assert.Equal(t, "2", leader)
	require.NotNil(t, n.Status().LastElection)
	assert.Equal(t, "2", n.Status().LastElection.Winner)
}

func TestConsensus_BroadcastSurvivesFailingPeer(t *testing.T) {
	n := newTestNode(t, idle)
	n.transport.fail = map[string]error{"2": errors.New("connection refused")}

	failed := n.broadcast(context.Background(), model.NewElectionResult("1"))

	assert.Equal(t, 1, failed)
	sent := n.transport.sentOfType(model.MessageElectionResult)
	require.Len(t, sent, 1)
	assert.Equal(t, "3", sent[0].to)
}

func TestConsensus_DeliverDrops(t *testing.T) {
	n := newTestNode(t, idle)

	n.Deliver(&model.NodeMessage{Type: model.MessageHeartbeat})
	_, ok := n.tryReceive()
	assert.False(t, ok, "invalid message must be dropped")

	for i := 0; i < config.DefaultInboxSize+10; i++ {
		n.Deliver(model.NewElectionResult("2"))
	}
	assert.Len(t, n.inbox, config.DefaultInboxSize)
}

func TestConsensus_StateTransitions(t *testing.T) {
	n := newTestNode(t, idle)
	ctx := context.Background()

	n.sendEvent(ctx, model.EventHeartbeatTimeout)
	assert.Equal(t, model.NodeStateDefactoLeader, n.CurrentState())
	n.sendEvent(ctx, model.EventWonElection)
	assert.Equal(t, model.NodeStateLeader, n.CurrentState())
	assert.True(t, n.IsLeader())
	n.sendEvent(ctx, model.EventNoConfidence)
	n.sendEvent(ctx, model.EventLostElection)
	assert.Equal(t, model.NodeStateFollower, n.CurrentState())
	n.sendEvent(ctx, model.EventElected)
	assert.Equal(t, model.NodeStateLeader, n.CurrentState())

	var got []model.StateTransition
	for len(n.nodeStateChan) > 0 {
		got = append(got, <-n.nodeStateChan)
	}
	require.Len(t, got, 10)
	assert.Equal(t, model.StateTransition{
		Type:     model.TransitionTypeLeave,
		State:    model.NodeStateFollower,
		SrcState: model.NodeStateDefactoLeader,
	}, got[0])
	assert.Equal(t, model.StateTransition{
		Type:     model.TransitionTypeEnter,
		State:    model.NodeStateDefactoLeader,
		SrcState: model.NodeStateFollower,
	}, got[1])
}

func TestConsensus_IllegalEventPanics(t *testing.T) {
	n := newTestNode(t, idle)
	assert.Panics(t, func() { n.sendEvent(context.Background(), model.EventNoConfidence) })
}

func TestConsensus_LostElectionRestartsTimeout(t *testing.T) {
	n := newTestNode(t, idle)
	ctx := context.Background()
	n.lastHeartbeat = n.clock.now().Add(-time.Minute)

	n.sendEvent(ctx, model.EventHeartbeatTimeout)
	n.sendEvent(ctx, model.EventLostElection)

	_, done := n.followerStep(ctx)
	assert.False(t, done)
}

func TestConsensus_Visualize(t *testing.T) {
	n := newTestNode(t, idle)
	out := n.Visualize()
	assert.Contains(t, out, model.NodeStateDefactoLeader.String())
	assert.Contains(t, out, model.EventNoConfidence.String())
}

func TestConsensus_RunFailsWithoutMetrics(t *testing.T) {
	failing := sysmetrics.SourceFunc(func(context.Context) (model.SystemMetrics, error) {
		return model.SystemMetrics{}, errors.New("no procfs")
	})
	c, err := NewConsensus(model.ElectNode{Node: model.Node{ID: "1", Address: "a"}},
		&transportMock{}, nil, failing, nil, discardLogger())
	require.NoError(t, err)

	_, err = c.Run(context.Background())
	assert.Error(t, err)
	assert.NoError(t, c.Stop())
}
