package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/danl5/loadelect/pkg/config"
	"github.com/danl5/loadelect/pkg/model"
	obsmetrics "github.com/danl5/loadelect/pkg/observability/metrics"
	"github.com/danl5/loadelect/pkg/observability/tracing"
	"github.com/danl5/loadelect/pkg/scoring"
	"github.com/danl5/loadelect/pkg/sysmetrics"
)

// Option customizes a Consensus
type Option func(c *Consensus)

// WithRandomSource sets the randomness used for score jitter
func WithRandomSource(r scoring.RandomSource) Option {
	return func(c *Consensus) { c.scorer = scoring.NewScorer(c.cfg.MetricsVariant, r) }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Consensus) { c.now = now }
}

func NewConsensus(
	node model.ElectNode,
	trans model.Transport,
	transConfig model.TransportConfig,
	source sysmetrics.Source,
	cfg *config.Config,
	logger *slog.Logger,
	opts ...Option) (*Consensus, error) {
	if err := node.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("new consensus, logger is nil")
	}
	if trans == nil {
		return nil, fmt.Errorf("new consensus, transport is nil")
	}
	if source == nil {
		return nil, fmt.Errorf("new consensus, metrics source is nil")
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	withDefaults := cfg.WithDefaults()
	if err := withDefaults.Validate(); err != nil {
		return nil, fmt.Errorf("new consensus, invalid config: %w", err)
	}

	c := &Consensus{
		cfg:             &withDefaults,
		logger:          logger.With("component", "consensus", "node", node.ID),
		node:            node,
		transport:       trans,
		transportConfig: transConfig,
		source:          sysmetrics.NewInjectable(source),
		now:             time.Now,
		inbox:           make(chan *model.NodeMessage, withDefaults.InboxSize),
		nodeStateChan:   make(chan model.StateTransition, 64),
		shutdownChan:    make(chan struct{}),
		doneChan:        make(chan struct{}),
		negativeVotes:   map[string]model.NegativeVote{},
	}
	c.scorer = scoring.NewScorer(c.cfg.MetricsVariant, nil)
	for _, opt := range opts {
		opt(c)
	}
	c.lastHeartbeat = c.now()

	// initialize the node FSM
	c.initializeFsm()
	return c, nil
}

// Consensus is a single election node. Everything below the loop-owned
// marker is read and written only by the goroutine started in Run.
type Consensus struct {
	// cfg is the configuration for the consensus
	cfg *config.Config
	// logger
	logger *slog.Logger

	// node is the elect node of the model
	node model.ElectNode
	// fsm is the finite state machine of the elect node
	fsm *fsm.FSM
	// transport is the transport layer
	transport model.Transport
	// transportConfig is the transport configuration
	transportConfig model.TransportConfig
	// source measures this node, injected metrics take precedence
	source *sysmetrics.Injectable
	// scorer ranks candidates during an election
	scorer *scoring.Scorer
	// now is the clock used for heartbeat timeouts
	now func() time.Time

	// inbox holds delivered messages until the loop drains them
	inbox chan *model.NodeMessage
	// nodeStateChan is used to transmit node state
	nodeStateChan chan model.StateTransition
	// shutdownChan is closed by Stop
	shutdownChan chan struct{}
	// doneChan is closed when the loop exits
	doneChan chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	statusMu sync.RWMutex
	status   Status

	// loop-owned
	metrics         model.SystemMetrics
	candidates      []model.Candidate
	negativeVotes   map[string]model.NegativeVote
	currentLeaderID string
	lastHeartbeat   time.Time
	lastElection    *ElectionRound
}

// ElectionRound is the outcome of one election pass run by this node.
type ElectionRound struct {
	// At is when the election ran
	At time.Time `json:"at"`
	// Winner is the elected node
	Winner string `json:"winner"`
	// Candidates carries the scores computed in this pass
	Candidates []model.Candidate `json:"candidates"`
}

// Status is a read-only snapshot of the node, safe to read from any goroutine.
type Status struct {
	ID              string              `json:"id"`
	State           model.NodeState     `json:"state"`
	LeaderID        string              `json:"leader_id,omitempty"`
	Metrics         model.SystemMetrics `json:"metrics"`
	MetricsInjected bool                `json:"metrics_injected"`
	Candidates      []model.Candidate   `json:"candidates,omitempty"`
	NegativeVoters  []string            `json:"negative_voters,omitempty"`
	LastHeartbeat   time.Time           `json:"last_heartbeat"`
	LastElection    *ElectionRound      `json:"last_election,omitempty"`
}

// Run starts the transport and the node loop.
// Returns a channel of state transitions and an error
func (c *Consensus) Run(ctx context.Context) (<-chan model.StateTransition, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("consensus already running")
	}

	// a node that cannot measure itself must not join
	if _, err := c.measure(ctx); err != nil {
		c.running.Store(false)
		c.logger.Error("failed to measure metrics", "error", err.Error())
		return nil, err
	}

	err := c.initializeTransport()
	if err != nil {
		c.running.Store(false)
		return nil, err
	}

	c.enterInitialState()
	go c.loop(ctx)

	c.logger.Info("consensus started", "variant", c.cfg.MetricsVariant, "peers", len(c.cfg.Peers))
	return c.nodeStateChan, nil
}

// Stop ends the node loop and closes the transport.
func (c *Consensus) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.shutdownChan)
		if c.running.Load() {
			<-c.doneChan
		}
		err = c.transport.Close()
	})
	return err
}

// Deliver hands an inbound message to the node. It never blocks; a message
// that does not fit in the inbox is dropped.
func (c *Consensus) Deliver(msg *model.NodeMessage) {
	if err := msg.Validate(); err != nil {
		c.logger.Debug("drop invalid message", "error", err.Error())
		obsmetrics.DroppedMessages.WithLabelValues("invalid").Inc()
		return
	}
	select {
	case c.inbox <- msg:
	default:
		c.logger.Warn("drop message, inbox is full", "type", msg.Type)
		obsmetrics.DroppedMessages.WithLabelValues("inbox_full").Inc()
	}
}

// Inject pins the metrics this node reports until ClearInjection, in any
// state. The next measurement picks them up.
func (c *Consensus) Inject(m model.SystemMetrics) {
	c.source.Override(m)
	c.logger.Info("metrics injected", "cpu", m.CPULoad, "memory", m.MemoryUsage)
}

// ClearInjection returns the node to measured metrics.
func (c *Consensus) ClearInjection() {
	c.source.Clear()
	c.logger.Info("metrics injection cleared")
}

// CurrentState returns the current election node state.
func (c *Consensus) CurrentState() model.NodeState {
	return model.NodeState(c.fsm.Current())
}

// IsLeader determines whether the current node is the leader node.
func (c *Consensus) IsLeader() bool {
	return c.fsm.Is(model.NodeStateLeader.String())
}

// Leader returns the ID of the leader as last known by this node.
func (c *Consensus) Leader() (string, bool) {
	s := c.Status()
	return s.LeaderID, s.LeaderID != ""
}

// Status returns the latest published snapshot.
func (c *Consensus) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	s := c.status
	s.State = c.CurrentState()
	return s
}

// Config returns the effective configuration, defaults applied.
func (c *Consensus) Config() config.Config {
	return *c.cfg
}

// Visualize returns a visualization of the current consensus state machine in Graphviz format.
func (c *Consensus) Visualize() string {
	return fsm.Visualize(c.fsm)
}

func (c *Consensus) initializeTransport() error {
	// start the transport server
	err := c.transport.Start(c.node.Address, c.Deliver, c.transportConfig)
	if err != nil {
		c.logger.Error("failed to start transport server", "error", err.Error())
		return err
	}

	var peers []*model.Node
	for _, peer := range c.cfg.Peers {
		if c.isSelf(peer.ID, peer.Address) {
			// skip self
			continue
		}
		peers = append(peers, &model.Node{
			ID:      peer.ID,
			Address: peer.Address,
			Tags:    peer.Tags,
		})
	}

	// init transport clients
	err = c.transport.InitConnections(peers, c.transportConfig)
	if err != nil {
		c.logger.Error("failed to init clients", "error", err.Error())
		return err
	}

	c.logger.Info("success to init transport")
	return nil
}

func (c *Consensus) loop(ctx context.Context) {
	defer close(c.doneChan)
	defer close(c.nodeStateChan)

	for {
		var (
			ev model.NodeEvent
			ok bool
		)
		switch c.CurrentState() {
		case model.NodeStateFollower:
			ev, ok = c.runFollower(ctx)
		case model.NodeStateLeader:
			ev, ok = c.runLeader(ctx)
		case model.NodeStateDefactoLeader:
			_, ev = c.runElection(ctx)
			ok = true
		}
		if !ok {
			c.logger.Info("consensus stopped", "state", c.CurrentState())
			return
		}
		c.sendEvent(ctx, ev)
	}
}

func (c *Consensus) runFollower(ctx context.Context) (model.NodeEvent, bool) {
	for {
		if ev, done := c.followerStep(ctx); done {
			return ev, true
		}
		if !c.sleep(ctx, c.cfg.FollowerPollInterval) {
			return "", false
		}
	}
}

// followerStep checks the heartbeat timeout and drains the inbox once.
func (c *Consensus) followerStep(ctx context.Context) (model.NodeEvent, bool) {
	defer c.publish()

	if elapsed := c.now().Sub(c.lastHeartbeat); elapsed > c.cfg.HeartbeatTimeout {
		c.logger.Info("heartbeat timeout, leader presumed dead",
			"leader", c.currentLeaderID, "elapsed", elapsed.String())
		return model.EventHeartbeatTimeout, true
	}

	for {
		msg, ok := c.tryReceive()
		if !ok {
			return "", false
		}
		switch msg.Type {
		case model.MessageHeartbeat:
			c.handleHeartbeat(ctx, msg.Heartbeat)
		case model.MessageElectionResult:
			newLeader := msg.ElectionResult.NewLeaderID
			if newLeader == c.node.ID {
				c.logger.Info("elected as leader by election result")
				return model.EventElected, true
			}
			c.logger.Info("receive election result", "leader", newLeader)
			c.lastHeartbeat = c.now()
			c.setLeader(newLeader)
		default:
			c.logger.Debug("follower ignores message", "type", msg.Type)
		}
	}
}

func (c *Consensus) handleHeartbeat(ctx context.Context, hb *model.Heartbeat) {
	c.logger.Debug("receive heartbeat", "from", hb.LeaderID)
	c.lastHeartbeat = c.now()
	c.setLeader(hb.LeaderID)
	c.candidates = model.CloneCandidates(hb.Candidates)

	self, err := c.measure(ctx)
	if err != nil {
		c.logger.Warn("failed to measure metrics, skip vote", "error", err.Error())
		return
	}

	reason, ok := scoring.ShouldCastNegativeVote(c.cfg.MetricsVariant, self, hb.Metrics)
	if !ok {
		return
	}
	c.logger.Info("cast negative vote", "leader", hb.LeaderID, "reason", reason,
		"self_cpu", self.CPULoad, "leader_cpu", hb.Metrics.CPULoad,
		"self_memory", self.MemoryUsage, "leader_memory", hb.Metrics.MemoryUsage)
	obsmetrics.NegativeVotesCast.WithLabelValues(reason.String()).Inc()

	err = c.send(ctx, hb.LeaderID, model.NewNegativeVote(c.node.ID, reason, self))
	if err != nil {
		c.logger.Error("failed to send negative vote", "leader", hb.LeaderID, "error", err.Error())
	}
}

func (c *Consensus) runLeader(ctx context.Context) (model.NodeEvent, bool) {
	for {
		if ev, done := c.leaderStep(ctx); done {
			return ev, true
		}
		if !c.sleep(ctx, c.cfg.HeartbeatInterval) {
			return "", false
		}
	}
}

// leaderStep broadcasts one heartbeat and drains the inbox once.
func (c *Consensus) leaderStep(ctx context.Context) (model.NodeEvent, bool) {
	defer c.publish()

	if _, err := c.measure(ctx); err != nil {
		c.logger.Warn("failed to refresh metrics, reuse last snapshot", "error", err.Error())
	}
	c.broadcast(ctx, model.NewHeartbeat(c.node.ID, c.metrics, c.candidates))

	for {
		msg, ok := c.tryReceive()
		if !ok {
			return "", false
		}
		switch msg.Type {
		case model.MessageNegativeVote:
			if c.recordNegativeVote(msg.NegativeVote) {
				c.logger.Info("negative vote threshold reached, step down",
					"voters", len(c.negativeVotes), "threshold", c.cfg.VoteThreshold)
				return model.EventNoConfidence, true
			}
		case model.MessageUpdateMetrics:
			c.applyInjection(msg.UpdateMetrics.Metrics)
		default:
			c.logger.Debug("leader ignores message", "type", msg.Type)
		}
	}
}

// recordNegativeVote keeps the latest vote per voter and reports whether the
// number of distinct voters reached the threshold.
func (c *Consensus) recordNegativeVote(vote *model.NegativeVote) bool {
	c.negativeVotes[vote.VoterID] = *vote
	c.candidates = model.UpsertCandidate(c.candidates, model.Candidate{
		ID:      vote.VoterID,
		Metrics: vote.Metrics,
	})
	obsmetrics.NegativeVoters.Set(float64(len(c.negativeVotes)))

	c.logger.Info("receive negative vote", "voter", vote.VoterID, "reason", vote.Reason,
		"voters", len(c.negativeVotes))
	return len(c.negativeVotes) >= c.cfg.VoteThreshold
}

func (c *Consensus) applyInjection(m model.SystemMetrics) {
	c.source.Override(m)
	c.metrics = m.ForVariant(c.cfg.MetricsVariant)
	c.logger.Info("metrics injected", "cpu", m.CPULoad, "memory", m.MemoryUsage)
}

// runElection scores every candidate, including this node, announces the
// winner and resets the round state. It runs once per DefactoLeader entry.
func (c *Consensus) runElection(ctx context.Context) (ElectionRound, model.NodeEvent) {
	ctx, end := tracing.StartSpan(ctx, "election")
	defer c.publish()

	self, err := c.measure(ctx)
	if err != nil {
		c.logger.Warn("failed to measure metrics, use last snapshot", "error", err.Error())
		self = c.metrics
	}
	c.candidates = model.UpsertCandidate(c.candidates, model.Candidate{ID: c.node.ID, Metrics: self})

	// never empty, self was just inserted
	winner, _ := c.scorer.Elect(c.candidates)
	round := ElectionRound{
		At:         c.now(),
		Winner:     winner,
		Candidates: model.CloneCandidates(c.candidates),
	}
	obsmetrics.CandidateScore.Reset()
	for _, cand := range round.Candidates {
		obsmetrics.CandidateScore.WithLabelValues(cand.ID).Set(cand.Score)
		c.logger.Debug("candidate score", "candidate", cand.ID, "score", cand.Score)
	}
	c.logger.Info("election result", "winner", winner, "candidates", len(round.Candidates))

	c.broadcast(ctx, model.NewElectionResult(winner))

	c.candidates = nil
	c.negativeVotes = map[string]model.NegativeVote{}
	c.lastElection = &round
	c.setLeader(winner)
	obsmetrics.NegativeVoters.Set(0)

	ev := model.EventLostElection
	if winner == c.node.ID {
		ev = model.EventWonElection
	}
	obsmetrics.Elections.WithLabelValues(ev.String()).Inc()
	end(attribute.String("winner", winner), attribute.Int("candidates", len(round.Candidates)))
	return round, ev
}

// measure refreshes this node's metrics from the source.
func (c *Consensus) measure(ctx context.Context) (model.SystemMetrics, error) {
	m, err := c.source.Measure(ctx)
	if err != nil {
		return c.metrics, err
	}
	c.metrics = m.ForVariant(c.cfg.MetricsVariant)
	return c.metrics, nil
}

func (c *Consensus) tryReceive() (*model.NodeMessage, bool) {
	select {
	case msg := <-c.inbox:
		return msg, true
	default:
		return nil, false
	}
}

func (c *Consensus) sleep(ctx context.Context, d time.Duration) bool {
	tm := time.NewTimer(d)
	defer tm.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.shutdownChan:
		return false
	case <-tm.C:
		return true
	}
}

func (c *Consensus) setLeader(id string) {
	if c.currentLeaderID == id {
		return
	}
	c.logger.Info("leader changed", "from", c.currentLeaderID, "to", id)
	c.currentLeaderID = id
	obsmetrics.LeaderChanges.Inc()
}

func (c *Consensus) send(ctx context.Context, peerID string, msg *model.NodeMessage) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()

	err := c.transport.Send(ctx, peerID, msg)
	if err != nil {
		obsmetrics.SendFailures.WithLabelValues(msg.Type.String()).Inc()
		return err
	}
	return nil
}

// broadcast sends msg to every peer concurrently. A failing peer is logged and
// does not affect delivery to the others. It returns the number of failures.
func (c *Consensus) broadcast(ctx context.Context, msg *model.NodeMessage) int {
	var failed atomic.Int32
	g := errgroup.Group{}
	for _, peer := range c.cfg.Peers {
		if c.isSelf(peer.ID, peer.Address) {
			// skip self
			continue
		}

		peerID := peer.ID
		g.Go(func() error {
			err := c.send(ctx, peerID, msg)
			if err != nil {
				failed.Add(1)
				c.logger.Warn("failed to send message", "type", msg.Type, "peer", peerID, "error", err.Error())
				return nil
			}
			c.logger.Debug("send message to peer", "type", msg.Type, "peer", peerID)
			return nil
		})
	}
	_ = g.Wait()
	return int(failed.Load())
}

func (c *Consensus) isSelf(nodeID, nodeAddress string) bool {
	return c.node.ID == nodeID || c.node.Address == nodeAddress
}

// publish copies loop-owned fields into the status snapshot
func (c *Consensus) publish() {
	voters := make([]string, 0, len(c.negativeVotes))
	for id := range c.negativeVotes {
		voters = append(voters, id)
	}
	sort.Strings(voters)

	c.statusMu.Lock()
	c.status = Status{
		ID:              c.node.ID,
		LeaderID:        c.currentLeaderID,
		Metrics:         c.metrics,
		MetricsInjected: c.source.Injected(),
		Candidates:      model.CloneCandidates(c.candidates),
		NegativeVoters:  voters,
		LastHeartbeat:   c.lastHeartbeat,
		LastElection:    c.lastElection,
	}
	c.statusMu.Unlock()
}
