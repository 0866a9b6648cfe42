// Package antientropy implements the digest-exchange reconciliation
// round that repairs divergence gossip alone cannot guarantee to
// close (spec.md §4.3), plus the supplemental stale-node
// reconciliation mode run once at startup (SPEC_FULL.md §4).
package antientropy

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mraysmit/p2pjava-sub003/internal/breaker"
	"github.com/mraysmit/p2pjava-sub003/internal/obsmetrics"
	"github.com/mraysmit/p2pjava-sub003/internal/peer"
	"github.com/mraysmit/p2pjava-sub003/internal/registry"
	"github.com/mraysmit/p2pjava-sub003/internal/transport"
)

// Config holds the reconciler's tunables (spec.md §6:
// anti_entropy_interval).
type Config struct {
	NodeID       string
	Interval     time.Duration
	ClientConfig transport.ClientConfig
	RetryConfig  breaker.RetryConfig
	Metrics      *obsmetrics.Metrics
	// OnChange, if set, is called whenever an inbound digest/request/
	// response entry actually changes local registry state.
	OnChange func(registry.ServiceInstance)
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	return c
}

// Reconciler periodically picks one random peer, exchanges digests,
// and pulls whatever the peer has that the local registry is missing
// or behind on, while also answering the peer's own digest with the
// entries it is missing or behind on (spec.md §4.3 steps 1-4).
type Reconciler struct {
	cfg      Config
	reg      *registry.Registry
	peers    *peer.Table
	breakers *breaker.Manager
	log      *logrus.Entry
}

// New creates a Reconciler bound to reg and peers.
func New(cfg Config, reg *registry.Registry, peers *peer.Table, breakers *breaker.Manager) *Reconciler {
	cfg = cfg.withDefaults()
	return &Reconciler{cfg: cfg, reg: reg, peers: peers, breakers: breakers, log: logrus.WithField("component", "anti-entropy")}
}

// Run drives periodic reconciliation rounds until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.round(ctx)
		}
	}
}

func (r *Reconciler) round(ctx context.Context) {
	target, ok := r.peers.RandomOne()
	if !ok {
		r.log.Debug("No healthy peer available for reconciliation round")
		return
	}
	if err := r.reconcileWith(ctx, target); err != nil {
		r.log.WithFields(logrus.Fields{"peer_id": target.NodeID, "error": err}).Debug("Reconciliation round failed")
	}
}

// reconcileWith runs one full digest exchange against a single peer
// (spec.md §4.3):
//  1. send the local digest
//  2. the peer replies with the entries it has newer data for, plus
//     the service_ids it is itself missing or behind on
//  3. apply the returned entries through ApplyRemote, same rule as
//     gossip
//  4. if the peer asked for anything back, push it those entries
//     directly, closing the loop without a third round trip
func (r *Reconciler) reconcileWith(ctx context.Context, target peer.Record) error {
	start := time.Now()
	defer func() {
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.AntiEntropyLatency.Observe(time.Since(start).Seconds())
		}
	}()

	cb := r.breakers.Get(target.NodeID)

	digestMsg := transport.Message{
		Kind:         transport.KindAntiEntropyDigest,
		SenderNodeID: r.cfg.NodeID,
		CreatedAt:    time.Now().UTC(),
		Digest:       r.reg.SnapshotDigest(),
	}

	var resp *transport.Message
	err := breaker.Retry(ctx, cb, r.cfg.RetryConfig, func() error {
		var sendErr error
		resp, sendErr = transport.Send(target.Address, digestMsg, r.cfg.ClientConfig, true)
		return sendErr
	})
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}

	r.applyEntries(resp.Payload)

	if len(resp.Requested) == 0 {
		return nil
	}

	followUp := r.respondToRequest(transport.Message{Requested: resp.Requested})
	_, err = transport.Send(target.Address, *followUp, r.cfg.ClientConfig, false)
	return err
}

// HandleInbound is wired into a transport.Server to answer the
// message kinds a reconciliation round sends us: ANTI_ENTROPY_DIGEST
// (we diff and return the entries the sender is missing or behind on,
// plus the service_ids we ourselves need from it), ANTI_ENTROPY_REQUEST
// (we return the full entries for the requested service_ids), and the
// unsolicited ANTI_ENTROPY_RESPONSE a peer pushes back in answer to our
// own Requested list (step 4 of reconcileWith), which carries no reply.
func (r *Reconciler) HandleInbound(ctx context.Context, from net.Addr, msg transport.Message) (*transport.Message, error) {
	switch msg.Kind {
	case transport.KindAntiEntropyDigest:
		return r.respondToDigest(msg), nil
	case transport.KindAntiEntropyRequest:
		return r.respondToRequest(msg), nil
	case transport.KindAntiEntropyResponse:
		r.applyEntries(msg.Payload)
		return nil, nil
	default:
		return nil, nil
	}
}

// applyEntries merges every entry into the local registry via
// ApplyRemote and fires OnChange for each one that actually changed
// local state.
func (r *Reconciler) applyEntries(entries []registry.ServiceInstance) {
	for _, entry := range entries {
		if r.reg.ApplyRemote(entry) && r.cfg.OnChange != nil {
			r.cfg.OnChange(entry)
		}
	}
}

// respondToDigest diffs the sender's digest against the local
// registry in both directions: outgoing holds what the sender is
// missing or behind on (spec.md §4.3 step 2), and Requested holds the
// service_ids the sender's digest shows it has newer data for than we
// do (step 3b) — so the sender can push those back to us unprompted
// once it applies outgoing (step 4).
func (r *Reconciler) respondToDigest(msg transport.Message) *transport.Message {
	local := r.reg.All()
	localByID := make(map[string]registry.ServiceInstance, len(local))
	var outgoing []registry.ServiceInstance

	for _, e := range local {
		localByID[e.ServiceID] = e
		remoteEntry, known := msg.Digest[e.ServiceID]
		if !known || isAhead(e, remoteEntry) {
			outgoing = append(outgoing, e)
		}
	}

	var requested []string
	for id, remoteEntry := range msg.Digest {
		localEntry, known := localByID[id]
		if !known || isBehind(localEntry, remoteEntry) {
			requested = append(requested, id)
		}
	}

	return &transport.Message{
		Kind:         transport.KindAntiEntropyResponse,
		SenderNodeID: r.cfg.NodeID,
		CreatedAt:    time.Now().UTC(),
		Payload:      outgoing,
		Requested:    requested,
	}
}

func (r *Reconciler) respondToRequest(msg transport.Message) *transport.Message {
	var outgoing []registry.ServiceInstance
	for _, id := range msg.Requested {
		if e, ok := r.reg.Get(id); ok {
			outgoing = append(outgoing, e)
		}
	}
	return &transport.Message{
		Kind:         transport.KindAntiEntropyResponse,
		SenderNodeID: r.cfg.NodeID,
		CreatedAt:    time.Now().UTC(),
		Payload:      outgoing,
	}
}

// isAhead reports whether local is strictly newer than the peer's
// digest entry for the same key, using the same (version,
// origin_timestamp) ordering as the registry's conflict resolution.
func isAhead(local registry.ServiceInstance, remote registry.DigestEntry) bool {
	if local.Version != remote.Version {
		return local.Version > remote.Version
	}
	return local.OriginTime.After(remote.OriginTime)
}

// isBehind reports whether local is strictly older than the peer's
// digest entry for the same key — the symmetric counterpart of
// isAhead, used to find what we should request from the peer.
func isBehind(local registry.ServiceInstance, remote registry.DigestEntry) bool {
	if local.Version != remote.Version {
		return local.Version < remote.Version
	}
	return local.OriginTime.Before(remote.OriginTime)
}
