package consensus

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/danl5/loadelect/pkg/model"
	obsmetrics "github.com/danl5/loadelect/pkg/observability/metrics"
)

var allStates = []model.NodeState{
	model.NodeStateFollower,
	model.NodeStateLeader,
	model.NodeStateDefactoLeader,
}

// initializeFsm initializes the state machine of an elect node
func (c *Consensus) initializeFsm() {
	c.fsm = fsm.NewFSM(
		model.NodeStateFollower.String(),
		fsm.Events{
			{
				Name: model.EventHeartbeatTimeout.String(),
				Src:  []string{model.NodeStateFollower.String()},
				Dst:  model.NodeStateDefactoLeader.String(),
			},
			{
				Name: model.EventElected.String(),
				Src:  []string{model.NodeStateFollower.String()},
				Dst:  model.NodeStateLeader.String(),
			},
			{
				Name: model.EventNoConfidence.String(),
				Src:  []string{model.NodeStateLeader.String()},
				Dst:  model.NodeStateDefactoLeader.String(),
			},
			{
				Name: model.EventWonElection.String(),
				Src:  []string{model.NodeStateDefactoLeader.String()},
				Dst:  model.NodeStateLeader.String(),
			},
			{
				Name: model.EventLostElection.String(),
				Src:  []string{model.NodeStateDefactoLeader.String()},
				Dst:  model.NodeStateFollower.String(),
			},
		},
		fsm.Callbacks{
			"enter_" + model.NodeStateLeader.String():        c.enterLeader,
			"leave_" + model.NodeStateLeader.String():        c.leaveState,
			"enter_" + model.NodeStateFollower.String():      c.enterFollower,
			"leave_" + model.NodeStateFollower.String():      c.leaveState,
			"enter_" + model.NodeStateDefactoLeader.String(): c.enterDefactoLeader,
			"leave_" + model.NodeStateDefactoLeader.String(): c.leaveState,
		},
	)
}

// enterInitialState announces the follower state the fsm starts in; the fsm
// does not run enter callbacks for its initial state.
func (c *Consensus) enterInitialState() {
	c.logger.Info("become follower")
	c.lastHeartbeat = c.now()
	c.observeState(model.NodeStateFollower)
	c.publish()
	c.sendNodeStateTransition(model.NodeStateFollower, "", model.TransitionTypeEnter)
}

func (c *Consensus) enterFollower(_ context.Context, ev *fsm.Event) {
	c.logger.Info("become follower", "from", ev.Src, "leader", c.currentLeaderID)
	// give the new leader a full timeout to show up
	c.lastHeartbeat = c.now()
	c.observeState(model.NodeStateFollower)
	c.sendNodeStateTransition(model.NodeState(ev.Dst), model.NodeState(ev.Src), model.TransitionTypeEnter)
}

func (c *Consensus) enterLeader(_ context.Context, ev *fsm.Event) {
	c.logger.Info("become leader", "from", ev.Src)
	c.negativeVotes = map[string]model.NegativeVote{}
	c.setLeader(c.node.ID)
	c.observeState(model.NodeStateLeader)
	c.sendNodeStateTransition(model.NodeState(ev.Dst), model.NodeState(ev.Src), model.TransitionTypeEnter)
}

func (c *Consensus) enterDefactoLeader(_ context.Context, ev *fsm.Event) {
	c.logger.Info("become defacto leader, start election", "from", ev.Src, "reason", ev.Event)
	c.observeState(model.NodeStateDefactoLeader)
	c.sendNodeStateTransition(model.NodeState(ev.Dst), model.NodeState(ev.Src), model.TransitionTypeEnter)
}

func (c *Consensus) leaveState(_ context.Context, ev *fsm.Event) {
	c.logger.Debug("leave state", "state", ev.Src, "to", ev.Dst)
	c.sendNodeStateTransition(model.NodeState(ev.Src), model.NodeState(ev.Dst), model.TransitionTypeLeave)
}

func (c *Consensus) sendEvent(ctx context.Context, ev model.NodeEvent) {
	// check if the event is legal
	if !c.fsm.Can(ev.String()) {
		c.logger.Error("wrong event", "current state", c.fsm.Current(), "event", ev.String())
		// faulty state migration is unacceptable
		panic("unrecoverable error: wrong state transition")
	}

	err := c.fsm.Event(ctx, ev.String())
	if err != nil {
		c.logger.Error("error state transition", "current state", c.fsm.Current(), "event", ev.String(), "error", err.Error())
		// faulty state migration is unacceptable
		panic("unrecoverable error: wrong state transition")
	}
	c.publish()
	c.logger.Debug("node event", "event", ev.String(), "state", c.fsm.Current())
}

func (c *Consensus) sendNodeStateTransition(state, srcState model.NodeState, transType model.TransitionType) {
	select {
	case c.nodeStateChan <- model.StateTransition{
		State:    state,
		SrcState: srcState,
		Type:     transType,
	}:
	default:
		c.logger.Warn("state transition dropped, consumer too slow", "state", state, "type", transType.String())
	}
}

func (c *Consensus) observeState(state model.NodeState) {
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		obsmetrics.State.WithLabelValues(s.String()).Set(v)
	}
	if state == model.NodeStateLeader {
		obsmetrics.IsLeader.Set(1)
	} else {
		obsmetrics.IsLeader.Set(0)
	}
}
