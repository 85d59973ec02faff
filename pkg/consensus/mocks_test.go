package consensus

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danl5/loadelect/pkg/config"
	"github.com/danl5/loadelect/pkg/model"
	"github.com/danl5/loadelect/pkg/scoring"
	"github.com/danl5/loadelect/pkg/sysmetrics"
)

type sentMessage struct {
	to  string
	msg *model.NodeMessage
}

type transportMock struct {
	mutex   sync.Mutex
	sent    []sentMessage
	fail    map[string]error
	handler model.MessageHandler
	peers   []*model.Node
	closed  bool
}

func (m *transportMock) Start(_ string, handler model.MessageHandler, _ model.TransportConfig) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.handler = handler
	return nil
}

func (m *transportMock) InitConnections(nodes []*model.Node, _ model.TransportConfig) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.peers = nodes
	return nil
}

func (m *transportMock) Send(_ context.Context, nodeID string, msg *model.NodeMessage) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.fail[nodeID]; err != nil {
		return err
	}
	m.sent = append(m.sent, sentMessage{to: nodeID, msg: msg})
	return nil
}

func (m *transportMock) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.closed = true
	return nil
}

func (m *transportMock) sentOfType(t model.MessageType) []sentMessage {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	var out []sentMessage
	for _, s := range m.sent {
		if s.msg.Type == t {
			out = append(out, s)
		}
	}
	return out
}

func (m *transportMock) reset() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sent = nil
}

type fakeClock struct {
	mutex sync.Mutex
	t     time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) now() time.Time {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.t = f.t.Add(d)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testNode struct {
	*Consensus
	transport *transportMock
	clock     *fakeClock
}

// newTestNode builds a basic-variant node "1" with peers "2" and "3" and no score jitter
func newTestNode(t *testing.T, metrics model.SystemMetrics) *testNode {
	t.Helper()
	trans := &transportMock{}
	clock := newFakeClock()
	cfg := &config.Config{
		MetricsVariant: model.MetricsBasic,
		Peers: []config.NodeConfig{
			{ID: "1", Address: "node-1"},
			{ID: "2", Address: "node-2"},
			{ID: "3", Address: "node-3"},
		},
	}
	c, err := NewConsensus(
		model.ElectNode{Node: model.Node{ID: "1", Address: "node-1"}},
		trans,
		nil,
		sysmetrics.Static(metrics),
		cfg,
		discardLogger(),
		WithClock(clock.now),
		WithRandomSource(scoring.NoJitter),
	)
	require.NoError(t, err)
	return &testNode{Consensus: c, transport: trans, clock: clock}
}

// setState forces the fsm into a state without running callbacks
func (n *testNode) setState(s model.NodeState) {
	n.fsm.SetState(s.String())
}
