package local

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danl5/loadelect/pkg/model"
)

type inbox struct {
	mutex sync.Mutex
	msgs  []*model.NodeMessage
}

func (i *inbox) handle(msg *model.NodeMessage) {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	i.msgs = append(i.msgs, msg)
}

func (i *inbox) len() int {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	return len(i.msgs)
}

func setup(t *testing.T) (*Network, *Transport, *inbox) {
	t.Helper()
	network, err := NewNetwork(model.MetricsExtended)
	require.NoError(t, err)

	a := network.Transport("a")
	require.NoError(t, a.Start("addr-a", func(*model.NodeMessage) {}, nil))
	require.NoError(t, a.InitConnections([]*model.Node{{ID: "b", Address: "addr-b"}}, nil))

	received := &inbox{}
	b := network.Transport("b")
	require.NoError(t, b.Start("addr-b", received.handle, nil))
	return network, a, received
}

func TestTransport_Send(t *testing.T) {
	network, a, received := setup(t)
	msg := model.NewHeartbeat("a", model.SystemMetrics{CPULoad: 12.5}, []model.Candidate{{ID: "b"}})

	require.NoError(t, a.Send(context.Background(), "b", msg))
	require.Equal(t, 1, received.len())
	assert.Equal(t, msg, received.msgs[0])
	assert.NotSame(t, msg, received.msgs[0])
	assert.Equal(t, 1, network.Delivered())
}

func TestTransport_Errors(t *testing.T) {
	network, a, received := setup(t)
	ctx := context.Background()
	msg := model.NewElectionResult("a")

	err := a.Send(ctx, "c", msg)
	assert.ErrorIs(t, err, model.ErrUnknownPeer)

	network.Isolate("b")
	assert.Error(t, a.Send(ctx, "b", msg))
	network.Heal()
	assert.NoError(t, a.Send(ctx, "b", msg))
	assert.Equal(t, 1, received.len())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, a.Send(cancelled, "b", msg), context.Canceled)

	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Send(ctx, "b", msg), model.ErrTransportClosed)
}

func TestTransport_AddressInUse(t *testing.T) {
	network, _, _ := setup(t)
	assert.Error(t, network.Transport("c").Start("addr-b", func(*model.NodeMessage) {}, nil))
}
