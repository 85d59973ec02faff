package loadelect

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/danl5/loadelect/pkg/config"
	"github.com/danl5/loadelect/pkg/consensus"
	"github.com/danl5/loadelect/pkg/model"
	"github.com/danl5/loadelect/pkg/sysmetrics"
)

const (
	// callback timeout, in seconds
	defaultCallBackTimeout = 5
)

// NewElect creates a new Elect instance.
// A nil source measures the host with gopsutil.
func NewElect(
	trans model.Transport,
	transConfig model.TransportConfig,
	source sysmetrics.Source,
	cfg *ElectConfig,
	logger *slog.Logger,
	opts ...consensus.Option) (*Elect, error) {
	if cfg == nil {
		return nil, fmt.Errorf("new elect, config is nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("new elect, logger is nil")
	}

	var peers []config.NodeConfig
	for _, n := range cfg.Peers {
		peers = append(peers, config.NodeConfig{
			ID:      n.ID,
			Address: n.Address,
			Tags:    n.Tags,
		})
	}

	consensusCfg := &config.Config{
		HeartbeatInterval:    time.Duration(cfg.HeartbeatInterval) * time.Millisecond,
		FollowerPollInterval: time.Duration(cfg.FollowerPollInterval) * time.Millisecond,
		HeartbeatTimeout:     time.Duration(cfg.HeartbeatTimeout) * time.Millisecond,
		SendTimeout:          time.Duration(cfg.SendTimeout) * time.Millisecond,
		ConnectTimeout:       time.Duration(cfg.ConnectTimeout) * time.Millisecond,
		InboxSize:            cfg.InboxSize,
		VoteThreshold:        cfg.VoteThreshold,
		MetricsVariant:       cfg.MetricsVariant,
		Peers:                peers,
	}

	if source == nil {
		system, err := sysmetrics.NewSystem(sysmetrics.WithVariant(consensusCfg.WithDefaults().MetricsVariant))
		if err != nil {
			return nil, err
		}
		source = system
	}

	// new consensus instance
	c, err := consensus.NewConsensus(
		model.ElectNode{
			Node: model.Node{
				Address: cfg.Node.Address,
				ID:      cfg.Node.ID,
				Tags:    cfg.Node.Tags,
			},
		},
		trans,
		transConfig,
		source,
		consensusCfg,
		logger,
		opts...)
	if err != nil {
		return nil, err
	}

	callBackTimeout := cfg.CallBackTimeout
	if callBackTimeout <= 0 {
		callBackTimeout = defaultCallBackTimeout
	}
	callBacks := cfg.CallBacks
	if callBacks == nil {
		callBacks = &StateCallBacks{}
	}
	return &Elect{
		cfg:             cfg,
		logger:          logger,
		callBackTimeout: callBackTimeout,
		consensus:       c,
		callBacks:       callBacks,
		errChan:         make(chan error, 10),
		doneChan:        make(chan struct{}),
	}, nil
}

// Elect contains information about an election
type Elect struct {
	// callBacks stores the callbacks to be triggered when the state changes
	callBacks *StateCallBacks
	// callBackTimeout is the timeout for the callbacks, in seconds
	callBackTimeout int
	// consensus is the election node
	consensus *consensus.Consensus
	// errChan is a channel for callback errors
	errChan chan error
	// doneChan is closed once every state transition was handled
	doneChan chan struct{}
	started  atomic.Bool

	// cfg is the configuration for the election
	cfg *ElectConfig
	// logger is used for logging
	logger *slog.Logger
}

// Run starts the transport and the election node.
func (e *Elect) Run(ctx context.Context) error {
	stateChan, err := e.consensus.Run(ctx)
	if err != nil {
		e.logger.Error("elect, failed to run elect", "error", err.Error())
		return err
	}
	// handle state transitions in a separate goroutine
	e.started.Store(true)
	go e.handleStateTransition(stateChan)

	e.logger.Info("elect, elect started")
	return nil
}

// Stop stops the node and waits for pending callbacks.
func (e *Elect) Stop() error {
	err := e.consensus.Stop()
	if e.started.Load() {
		<-e.doneChan
	}
	return err
}

// Errors returns a receive-only channel of callback errors
func (e *Elect) Errors() <-chan error {
	return e.errChan
}

// CurrentState return current node state
func (e *Elect) CurrentState() string {
	return e.consensus.CurrentState().String()
}

// Leader returns the leader as last known by this node
func (e *Elect) Leader() (string, bool) {
	return e.consensus.Leader()
}

// IsLeader reports whether this node is the leader
func (e *Elect) IsLeader() bool {
	return e.consensus.IsLeader()
}

// Status returns a snapshot of the node
func (e *Elect) Status() consensus.Status {
	return e.consensus.Status()
}

// Config returns the effective election configuration.
func (e *Elect) Config() config.Config {
	return e.consensus.Config()
}

// Inject pins the metrics this node reports until ClearInjection.
func (e *Elect) Inject(m model.SystemMetrics) {
	e.consensus.Inject(m)
}

// ClearInjection returns to measured metrics.
func (e *Elect) ClearInjection() {
	e.consensus.ClearInjection()
}

// Deliver hands a message to the node as if it came from the transport.
func (e *Elect) Deliver(msg *model.NodeMessage) {
	e.consensus.Deliver(msg)
}

// Visualize returns the node state machine in Graphviz format.
func (e *Elect) Visualize() string {
	return e.consensus.Visualize()
}

func (e *Elect) sendError(err error) {
	select {
	case e.errChan <- err:
	default:
	}
}

func (e *Elect) handleStateTransition(stateChan <-chan model.StateTransition) {
	defer close(e.doneChan)
	for st := range stateChan {
		e.logger.Debug("elect, elect state transition", "type", st.Type.String(), "state", st.State, "src", st.SrcState)
		var err error
		switch st.Type {
		case model.TransitionTypeLeave:
			switch st.State {
			case model.NodeStateLeader:
				err = e.execStateHandler(e.callBacks.LeaveLeader, st)
			case model.NodeStateFollower:
				err = e.execStateHandler(e.callBacks.LeaveFollower, st)
			case model.NodeStateDefactoLeader:
				err = e.execStateHandler(e.callBacks.LeaveDefactoLeader, st)
			}
		case model.TransitionTypeEnter:
			switch st.State {
			case model.NodeStateLeader:
				err = e.execStateHandler(e.callBacks.EnterLeader, st)
			case model.NodeStateFollower:
				err = e.execStateHandler(e.callBacks.EnterFollower, st)
			case model.NodeStateDefactoLeader:
				err = e.execStateHandler(e.callBacks.EnterDefactoLeader, st)
			}
		}
		if err != nil {
			e.sendError(err)
		}
	}
	e.logger.Info("elect, state transition chan is closed")
}

func (e *Elect) execStateHandler(sh StateHandler, st model.StateTransition) error {
	if sh == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(e.callBackTimeout)*time.Second)
	defer cancel()

	err := sh(ctx, st)
	if err != nil {
		return err
	}

	e.logger.Debug("callback end", "state", st.State, "type", st.Type.String())
	return nil
}

// ElectConfig is a struct that represents the configuration for an election.
// Zero values take the defaults of pkg/config.
type ElectConfig struct {
	// Interval between leader heartbeats, in milliseconds
	HeartbeatInterval uint
	// Interval between two follower inbox polls, in milliseconds
	FollowerPollInterval uint
	// Leader silence before a follower starts an election, in milliseconds
	HeartbeatTimeout uint
	// Timeout for a single peer send, in milliseconds
	SendTimeout uint
	// Timeout for connecting to peers, in milliseconds
	ConnectTimeout uint
	// Capacity of the node inbox, in messages
	InboxSize int
	// Distinct negative voters that make a leader step down
	VoteThreshold int
	// MetricsVariant is basic or extended, every node must agree
	MetricsVariant model.MetricsVariant
	// List of peers in the network
	Peers []Node
	// Node information
	Node Node
	// State callbacks
	CallBacks *StateCallBacks
	// Timeout for callbacks, in seconds
	CallBackTimeout int
}

// Node is a struct that represents an elect node
type Node struct {
	// ID of the node
	ID string
	// Address of the node
	Address string
	// Tags associated with the node
	Tags map[string]string
}

type StateHandler func(ctx context.Context, st model.StateTransition) error

// StateCallBacks is a struct to hold state callbacks
type StateCallBacks struct {
	// EnterLeader is a callback function to be called when entering the leader state
	EnterLeader StateHandler
	// LeaveLeader is a callback function to be called when leaving the leader state
	LeaveLeader StateHandler
	// EnterFollower is a callback function to be called when entering the follower state
	EnterFollower StateHandler
	// LeaveFollower is a callback function to be called when leaving the follower state
	LeaveFollower StateHandler
	// EnterDefactoLeader is called when this node starts running an election
	EnterDefactoLeader StateHandler
	// LeaveDefactoLeader is called once the election result is known
	LeaveDefactoLeader StateHandler
}
