package antientropy

import (
	"context"
	"net"
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

func newTestReconciler(reg *registry.Registry) *Reconciler {
	peers := peer.NewTable()
	breakers := breaker.NewManager(breaker.Config{})
	return New(Config{NodeID: "local"}, reg, peers, breakers)
}

func TestRespondToDigest_ReturnsEntriesMissingFromPeer(t *testing.T) {
	reg := registry.New(registry.Config{})
	r := newTestReconciler(reg)
	entry := registry.ServiceInstance{ServiceType: "t", ServiceID: "s1", OriginNodeID: "n1"}
	_, _, err := reg.Register(entry)
	require.NoError(t, err)

	resp := r.respondToDigest(transport.Message{Digest: registry.Digest{}})
	require.Len(t, resp.Payload, 1)
	assert.Equal(t, "s1", resp.Payload[0].ServiceID)
}

func TestRespondToDigest_OmitsEntriesPeerAlreadyHasCurrent(t *testing.T) {
	reg := registry.New(registry.Config{})
	r := newTestReconciler(reg)
	entry := registry.ServiceInstance{ServiceType: "t", ServiceID: "s1", OriginNodeID: "n1"}
	stored, _, err := reg.Register(entry)
	require.NoError(t, err)

	digest := registry.Digest{"s1": {Version: stored.Version, OriginTime: stored.OriginTime, Status: stored.Status}}
	resp := r.respondToDigest(transport.Message{Digest: digest})
	assert.Empty(t, resp.Payload)
	assert.Empty(t, resp.Requested)
}

func TestRespondToDigest_RequestsEntriesPeerHasThatWeLack(t *testing.T) {
	reg := registry.New(registry.Config{})
	r := newTestReconciler(reg)

	digest := registry.Digest{
		"s1": {Version: 3, OriginTime: time.Now()},
		"s2": {Version: 1, OriginTime: time.Now()},
	}
	resp := r.respondToDigest(transport.Message{Digest: digest})
	assert.ElementsMatch(t, []string{"s1", "s2"}, resp.Requested)
}

func TestRespondToDigest_RequestsEntriesPeerIsAheadOn(t *testing.T) {
	reg := registry.New(registry.Config{})
	r := newTestReconciler(reg)
	stored, _, err := reg.Register(registry.ServiceInstance{ServiceType: "t", ServiceID: "s1", OriginNodeID: "n1"})
	require.NoError(t, err)

	digest := registry.Digest{"s1": {Version: stored.Version + 1, OriginTime: stored.OriginTime.Add(time.Minute)}}
	resp := r.respondToDigest(transport.Message{Digest: digest})
	assert.Equal(t, []string{"s1"}, resp.Requested)
}

func TestRespondToRequest_ReturnsOnlyRequestedIDs(t *testing.T) {
	reg := registry.New(registry.Config{})
	r := newTestReconciler(reg)
	reg.Register(registry.ServiceInstance{ServiceType: "t", ServiceID: "s1", OriginNodeID: "n1"})
	reg.Register(registry.ServiceInstance{ServiceType: "t", ServiceID: "s2", OriginNodeID: "n1"})

	resp := r.respondToRequest(transport.Message{Requested: []string{"s2"}})
	require.Len(t, resp.Payload, 1)
	assert.Equal(t, "s2", resp.Payload[0].ServiceID)
}

func TestHandleInbound_DigestAndRequestRoundTripOverTransport(t *testing.T) {
	reg := registry.New(registry.Config{})
	r := newTestReconciler(reg)
	reg.Register(registry.ServiceInstance{ServiceType: "t", ServiceID: "s1", OriginNodeID: "n1"})

	srv := transport.NewServer(transport.ServerConfig{}, func(ctx context.Context, from net.Addr, msg transport.Message) (*transport.Message, error) {
		return r.HandleInbound(ctx, from, msg)
	})
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	resp, err := transport.Send(srv.Addr().String(), transport.Message{Kind: transport.KindAntiEntropyDigest, Digest: registry.Digest{}}, transport.ClientConfig{}, true)
	require.NoError(t, err)
	require.Len(t, resp.Payload, 1)
	assert.Equal(t, "s1", resp.Payload[0].ServiceID)
}

func TestIsAhead(t *testing.T) {
	now := time.Now()
	local := registry.ServiceInstance{Version: 2, OriginTime: now}
	assert.True(t, isAhead(local, registry.DigestEntry{Version: 1, OriginTime: now.Add(-time.Hour)}))
	assert.False(t, isAhead(local, registry.DigestEntry{Version: 3, OriginTime: now}))
}

func TestIsBehind(t *testing.T) {
	now := time.Now()
	local := registry.ServiceInstance{Version: 2, OriginTime: now}
	assert.True(t, isBehind(local, registry.DigestEntry{Version: 3, OriginTime: now}))
	assert.False(t, isBehind(local, registry.DigestEntry{Version: 1, OriginTime: now.Add(-time.Hour)}))
}

func TestReconcileWith_IsBidirectional(t *testing.T) {
	regA := registry.New(registry.Config{})
	regB := registry.New(registry.Config{})

	// A has s1 that B lacks; B has s2 that A lacks.
	_, _, err := regA.Register(registry.ServiceInstance{ServiceType: "t", ServiceID: "s1", OriginNodeID: "n1"})
	require.NoError(t, err)
	_, _, err = regB.Register(registry.ServiceInstance{ServiceType: "t", ServiceID: "s2", OriginNodeID: "n2"})
	require.NoError(t, err)

	rb := New(Config{NodeID: "b"}, regB, peer.NewTable(), breaker.NewManager(breaker.Config{}))
	srv := transport.NewServer(transport.ServerConfig{}, func(ctx context.Context, from net.Addr, msg transport.Message) (*transport.Message, error) {
		return rb.HandleInbound(ctx, from, msg)
	})
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	peers := peer.NewTable()
	peers.Upsert("b", srv.Addr().String(), 0)
	ra := New(Config{NodeID: "a"}, regA, peers, breaker.NewManager(breaker.Config{}))

	target, ok := peers.RandomOne()
	require.True(t, ok)
	require.NoError(t, ra.reconcileWith(ctx, target))

	_, ok = regA.Get("s2")
	assert.True(t, ok, "A should have pulled s2 from B")

	require.Eventually(t, func() bool {
		_, ok := regB.Get("s1")
		return ok
	}, time.Second, 10*time.Millisecond, "B should have received s1 pushed back by A")
}

func TestReconcileWith_RecordsLatencyMetric(t *testing.T) {
	reg := registry.New(registry.Config{})
	rb := New(Config{NodeID: "b"}, reg, peer.NewTable(), breaker.NewManager(breaker.Config{}))
	srv := transport.NewServer(transport.ServerConfig{}, func(ctx context.Context, from net.Addr, msg transport.Message) (*transport.Message, error) {
		return rb.HandleInbound(ctx, from, msg)
	})
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	peers := peer.NewTable()
	peers.Upsert("b", srv.Addr().String(), 0)
	metrics := obsmetrics.New(prometheus.NewRegistry())
	ra := New(Config{NodeID: "a", Metrics: metrics}, registry.New(registry.Config{}), peers, breaker.NewManager(breaker.Config{}))

	target, ok := peers.RandomOne()
	require.True(t, ok)
	require.NoError(t, ra.reconcileWith(ctx, target))

	m := &dto.Metric{}
	require.NoError(t, metrics.AntiEntropyLatency.Write(m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
}
