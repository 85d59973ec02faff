package loadelect

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danl5/loadelect/pkg/model"
	"github.com/danl5/loadelect/pkg/sysmetrics"
	"github.com/danl5/loadelect/pkg/transport/local"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) handler(name string, err error) StateHandler {
	return func(ctx context.Context, st model.StateTransition) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, name)
		return err
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewElect_Validation(t *testing.T) {
	network, err := local.NewNetwork(model.MetricsExtended)
	require.NoError(t, err)

	_, err = NewElect(network.Transport("1"), nil, nil, nil, discardLogger())
	assert.Error(t, err)

	_, err = NewElect(network.Transport("1"), nil, nil, &ElectConfig{Node: Node{ID: "1", Address: "a"}}, nil)
	assert.Error(t, err)

	_, err = NewElect(network.Transport("1"), nil, nil, &ElectConfig{Node: Node{ID: "1"}}, discardLogger())
	assert.Error(t, err)
}

func TestElect_SingleNodeBecomesLeader(t *testing.T) {
	network, err := local.NewNetwork(model.MetricsBasic)
	require.NoError(t, err)

	rec := &recorder{}
	callbackErr := errors.New("enter leader failed")
	e, err := NewElect(
		network.Transport("1"),
		nil,
		sysmetrics.Static(model.SystemMetrics{CPULoad: 10, MemoryUsage: 20}),
		&ElectConfig{
			HeartbeatInterval:    20,
			FollowerPollInterval: 10,
			HeartbeatTimeout:     100,
			MetricsVariant:       model.MetricsBasic,
			Node:                 Node{ID: "1", Address: "mem-1"},
			Peers:                []Node{{ID: "1", Address: "mem-1"}},
			CallBacks: &StateCallBacks{
				EnterLeader:        rec.handler("enter_leader", callbackErr),
				LeaveLeader:        rec.handler("leave_leader", nil),
				EnterFollower:      rec.handler("enter_follower", nil),
				LeaveFollower:      rec.handler("leave_follower", nil),
				EnterDefactoLeader: rec.handler("enter_defacto_leader", nil),
				LeaveDefactoLeader: rec.handler("leave_defacto_leader", nil),
			},
		},
		discardLogger())
	require.NoError(t, err)
	assert.Equal(t, model.NodeStateFollower.String(), e.CurrentState())

	require.NoError(t, e.Run(context.Background()))
	require.Eventually(t, e.IsLeader, 2*time.Second, 10*time.Millisecond)

	select {
	case err := <-e.Errors():
		assert.ErrorIs(t, err, callbackErr)
	case <-time.After(2 * time.Second):
		t.Fatal("callback error not reported")
	}

	assert.Equal(t, []string{
		"enter_follower",
		"leave_follower",
		"enter_defacto_leader",
		"leave_defacto_leader",
		"enter_leader",
	}, rec.snapshot())

	leader, ok := e.Leader()
	assert.True(t, ok)
	assert.Equal(t, "1", leader)
	assert.Equal(t, "1", e.Status().ID)
	assert.Contains(t, e.Visualize(), "digraph")

	require.NoError(t, e.Stop())
}

func TestElect_InjectIsReported(t *testing.T) {
	network, err := local.NewNetwork(model.MetricsBasic)
	require.NoError(t, err)

	e, err := NewElect(
		network.Transport("1"),
		nil,
		sysmetrics.Static(model.SystemMetrics{CPULoad: 10, MemoryUsage: 20}),
		&ElectConfig{
			HeartbeatInterval:    20,
			FollowerPollInterval: 10,
			HeartbeatTimeout:     50,
			MetricsVariant:       model.MetricsBasic,
			Node:                 Node{ID: "1", Address: "mem-1"},
		},
		discardLogger())
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background()))
	defer e.Stop()

	require.Eventually(t, e.IsLeader, 2*time.Second, 10*time.Millisecond)
	e.Inject(model.SystemMetrics{CPULoad: 80, MemoryUsage: 70})
	require.Eventually(t, func() bool {
		s := e.Status()
		return s.MetricsInjected && s.Metrics.CPULoad == 80
	}, 2*time.Second, 10*time.Millisecond)

	e.ClearInjection()
	require.Eventually(t, func() bool {
		s := e.Status()
		return !s.MetricsInjected && s.Metrics.CPULoad == 10
	}, 2*time.Second, 10*time.Millisecond)
}
