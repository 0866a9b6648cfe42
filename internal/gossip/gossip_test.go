package gossip

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mraysmit/p2pjava-sub003/internal/breaker"
	"github.com/mraysmit/p2pjava-sub003/internal/obsmetrics"
	"github.com/mraysmit/p2pjava-sub003/internal/peer"
	"github.com/mraysmit/p2pjava-sub003/internal/registry"
	"github.com/mraysmit/p2pjava-sub003/internal/transport"
)

func counterValue(t *testing.T, c *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.WithLabelValues(labels...).Write(m))
	return m.GetCounter().GetValue()
}

func newTestEngine() *Engine {
	reg := registry.New(registry.Config{})
	peers := peer.NewTable()
	breakers := breaker.NewManager(breaker.Config{})
	return New(Config{NodeID: "local", MaxHops: 4, MessageMaxAge: time.Minute}, reg, peers, breakers)
}

func TestHandleInbound_AppliesNewEntryAndRelaysWithDecrementedHops(t *testing.T) {
	e := newTestEngine()
	entry := registry.ServiceInstance{ServiceType: "t", ServiceID: "s1", OriginNodeID: "origin", Version: 1, OriginTime: time.Now()}
	msg := transport.Message{
		MessageID:     "m1",
		Kind:          transport.KindRegister,
		HopsRemaining: 3,
		CreatedAt:     time.Now(),
		Payload:       []registry.ServiceInstance{entry},
	}

	resp, err := e.HandleInbound(context.Background(), nil, msg)
	require.NoError(t, err)
	assert.Nil(t, resp)

	got, ok := e.reg.Get("s1")
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.Version)

	groups := e.queue.drain()
	assert.Len(t, groups[2], 1)
}

func TestHandleInbound_DropsAlreadySeenMessage(t *testing.T) {
	e := newTestEngine()
	entry := registry.ServiceInstance{ServiceType: "t", ServiceID: "s1", OriginNodeID: "origin", Version: 1, OriginTime: time.Now()}
	msg := transport.Message{MessageID: "dup", Kind: transport.KindRegister, HopsRemaining: 3, CreatedAt: time.Now(), Payload: []registry.ServiceInstance{entry}}

	_, err := e.HandleInbound(context.Background(), nil, msg)
	require.NoError(t, err)
	e.queue.drain()

	_, err = e.HandleInbound(context.Background(), nil, msg)
	require.NoError(t, err)

	groups := e.queue.drain()
	assert.Empty(t, groups)
}

func TestHandleInbound_DropsExpiredMessage(t *testing.T) {
	e := newTestEngine()
	entry := registry.ServiceInstance{ServiceType: "t", ServiceID: "s1", OriginNodeID: "origin", Version: 1, OriginTime: time.Now()}
	msg := transport.Message{
		MessageID:     "old",
		Kind:          transport.KindRegister,
		HopsRemaining: 3,
		CreatedAt:     time.Now().Add(-time.Hour),
		Payload:       []registry.ServiceInstance{entry},
	}

	_, err := e.HandleInbound(context.Background(), nil, msg)
	require.NoError(t, err)

	_, ok := e.reg.Get("s1")
	assert.False(t, ok)
}

func TestHandleInbound_RelaysAtLastHop(t *testing.T) {
	e := newTestEngine()
	entry := registry.ServiceInstance{ServiceType: "t", ServiceID: "s1", OriginNodeID: "origin", Version: 1, OriginTime: time.Now()}
	msg := transport.Message{MessageID: "m2", Kind: transport.KindRegister, HopsRemaining: 1, CreatedAt: time.Now(), Payload: []registry.ServiceInstance{entry}}

	_, err := e.HandleInbound(context.Background(), nil, msg)
	require.NoError(t, err)

	groups := e.queue.drain()
	require.Len(t, groups[0], 1)
	assert.Equal(t, "s1", groups[0][0].ServiceID)
}

func TestHandleInbound_DoesNotRelayAtZeroHops(t *testing.T) {
	e := newTestEngine()
	entry := registry.ServiceInstance{ServiceType: "t", ServiceID: "s1", OriginNodeID: "origin", Version: 1, OriginTime: time.Now()}
	msg := transport.Message{MessageID: "m2b", Kind: transport.KindRegister, HopsRemaining: 0, CreatedAt: time.Now(), Payload: []registry.ServiceInstance{entry}}

	_, err := e.HandleInbound(context.Background(), nil, msg)
	require.NoError(t, err)

	groups := e.queue.drain()
	assert.Empty(t, groups)
}

func TestHandleInbound_RecordsDroppedMessageMetricAndFiresOnChange(t *testing.T) {
	metrics := obsmetrics.New(prometheus.NewRegistry())
	reg := registry.New(registry.Config{})
	peers := peer.NewTable()
	breakers := breaker.NewManager(breaker.Config{})

	var changed []registry.ServiceInstance
	e := New(Config{NodeID: "local", MaxHops: 4, MessageMaxAge: time.Minute, Metrics: metrics, OnChange: func(i registry.ServiceInstance) {
		changed = append(changed, i)
	}}, reg, peers, breakers)

	entry := registry.ServiceInstance{ServiceType: "t", ServiceID: "s1", OriginNodeID: "origin", Version: 1, OriginTime: time.Now()}
	msg := transport.Message{MessageID: "m4", Kind: transport.KindRegister, HopsRemaining: 3, CreatedAt: time.Now(), Payload: []registry.ServiceInstance{entry}}

	_, err := e.HandleInbound(context.Background(), nil, msg)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, "s1", changed[0].ServiceID)

	expired := transport.Message{MessageID: "m5", Kind: transport.KindRegister, HopsRemaining: 3, CreatedAt: time.Now().Add(-time.Hour), Payload: []registry.ServiceInstance{entry}}
	_, err = e.HandleInbound(context.Background(), nil, expired)
	require.NoError(t, err)
	assert.Equal(t, float64(1), counterValue(t, metrics.GossipMessagesDropped, "expired"))

	_, err = e.HandleInbound(context.Background(), nil, msg)
	require.NoError(t, err)
	assert.Equal(t, float64(1), counterValue(t, metrics.GossipMessagesDropped, "duplicate"))
}

func TestHandleInbound_UnchangedEntryIsNotRelayed(t *testing.T) {
	e := newTestEngine()
	entry := registry.ServiceInstance{ServiceType: "t", ServiceID: "s1", OriginNodeID: "origin", Version: 1, OriginTime: time.Now()}
	ok := e.reg.ApplyRemote(entry)
	require.True(t, ok)

	msg := transport.Message{MessageID: "m3", Kind: transport.KindRegister, HopsRemaining: 3, CreatedAt: time.Now(), Payload: []registry.ServiceInstance{entry}}
	_, err := e.HandleInbound(context.Background(), nil, msg)
	require.NoError(t, err)

	groups := e.queue.drain()
	assert.Empty(t, groups)
}
