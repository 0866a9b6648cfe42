// Package gossip implements the epidemic dissemination engine
// (spec.md §4.2): an outbound push scheduler that fans a bounded
// queue of changed ServiceInstances out to a random subset of peers,
// and an inbound handler that applies received entries to the local
// registry and re-propagates only what actually changed.
package gossip

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mraysmit/p2pjava-sub003/internal/breaker"
	"github.com/mraysmit/p2pjava-sub003/internal/obsmetrics"
	"github.com/mraysmit/p2pjava-sub003/internal/peer"
	"github.com/mraysmit/p2pjava-sub003/internal/registry"
	"github.com/mraysmit/p2pjava-sub003/internal/transport"
)

// Config holds the gossip engine's tunables (spec.md §6: gossip_interval,
// fanout, max_hops, message_max_age, outbound_queue_capacity).
type Config struct {
	NodeID        string
	Interval      time.Duration
	Fanout        int
	MaxHops       int
	MessageMaxAge time.Duration
	QueueCapacity int
	ClientConfig  transport.ClientConfig
	RetryConfig   breaker.RetryConfig
	Metrics       *obsmetrics.Metrics
	// OnChange, if set, is called whenever an inbound gossip entry
	// actually changes local registry state.
	OnChange func(registry.ServiceInstance)
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 1 * time.Second
	}
	if c.Fanout <= 0 {
		c.Fanout = 3
	}
	if c.MaxHops <= 0 {
		c.MaxHops = 6
	}
	if c.MessageMaxAge <= 0 {
		c.MessageMaxAge = 30 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	return c
}

// Engine drives outbound gossip rounds and handles inbound gossip
// frames. It owns no network listener itself — the caller wires its
// HandleInbound method into a transport.Server.
type Engine struct {
	cfg     Config
	reg     *registry.Registry
	peers   *peer.Table
	breakers *breaker.Manager
	queue   *outboundQueue
	seen    *dedupSet
	log     *logrus.Entry
}

// New creates an Engine bound to reg and peers, using breakers to
// guard every outbound send (spec.md §4.5).
func New(cfg Config, reg *registry.Registry, peers *peer.Table, breakers *breaker.Manager) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		reg:      reg,
		peers:    peers,
		breakers: breakers,
		queue:    newOutboundQueue(cfg.QueueCapacity),
		seen:     newDedupSet(cfg.MessageMaxAge),
		log:      logrus.WithField("component", "gossip-engine"),
	}
}

// Enqueue schedules a locally originated change for propagation at
// full hop budget, coalescing with any already-queued entry for the
// same ServiceID by keeping only the higher version (spec.md §4.2
// edge case: "same-key coalescing retains the newest version only").
func (e *Engine) Enqueue(entry registry.ServiceInstance) {
	e.queue.put(entry, e.cfg.MaxHops)
}

// Run drives periodic gossip rounds until ctx is cancelled (spec.md
// §4.2 step 1: "every gossip_interval, select fanout peers...").
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.round(ctx)
		}
	}
}

func (e *Engine) round(ctx context.Context) {
	groups := e.queue.drain()
	if len(groups) == 0 {
		return
	}

	targets := e.peers.RandomHealthy(e.cfg.Fanout)
	if len(targets) == 0 {
		e.log.Debug("No healthy peers available for gossip round")
		return
	}

	if e.cfg.Metrics != nil {
		e.cfg.Metrics.GossipRoundsTotal.Inc()
	}

	for hops, batch := range groups {
		msg := transport.Message{
			MessageID:     uuid.NewString(),
			Kind:          transport.KindRegister,
			HopsRemaining: hops,
			CreatedAt:     time.Now().UTC(),
			SenderNodeID:  e.cfg.NodeID,
			Payload:       batch,
		}
		e.seen.mark(msg.MessageID)

		for _, p := range targets {
			p := p
			go e.send(ctx, p, msg)
		}
	}
}

func (e *Engine) send(ctx context.Context, p peer.Record, msg transport.Message) {
	cb := e.breakers.Get(p.NodeID)
	err := breaker.Retry(ctx, cb, e.cfg.RetryConfig, func() error {
		_, sendErr := transport.Send(p.Address, msg, e.cfg.ClientConfig, false)
		return sendErr
	})
	if err != nil {
		e.log.WithFields(logrus.Fields{"peer_id": p.NodeID, "error": err}).Debug("Gossip send failed")
		return
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.GossipMessagesSent.Inc()
	}
}

// HandleInbound processes a received gossip frame: it drops expired
// or already-seen messages, applies every payload entry to the local
// registry, and re-enqueues only the subset that actually changed
// local state with hops_remaining decremented — the forward-only-
// after-apply relay rule (spec.md §9 Open Question 2, SPEC_FULL.md §4).
// A message arrives with at least one hop remaining whenever it is
// still eligible for relay, so the boundary check is hops_remaining >
// 0, not > 1 (spec.md §4.2 step 3).
func (e *Engine) HandleInbound(ctx context.Context, from net.Addr, msg transport.Message) (*transport.Message, error) {
	if msg.Kind != transport.KindRegister && msg.Kind != transport.KindDeregister {
		return nil, nil
	}
	if msg.Expired(e.cfg.MessageMaxAge, time.Now()) {
		e.dropped("expired")
		return nil, nil
	}
	if e.seen.seenBefore(msg.MessageID) {
		e.dropped("duplicate")
		return nil, nil
	}
	e.seen.mark(msg.MessageID)

	var changed []registry.ServiceInstance
	for _, entry := range msg.Payload {
		if e.reg.ApplyRemote(entry) {
			changed = append(changed, entry)
			if e.cfg.OnChange != nil {
				e.cfg.OnChange(entry)
			}
		}
	}

	if msg.HopsRemaining > 0 {
		for _, entry := range changed {
			e.queue.put(entry, msg.HopsRemaining-1)
		}
	}

	return nil, nil
}

func (e *Engine) dropped(reason string) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.GossipMessagesDropped.WithLabelValues(reason).Inc()
	}
}

