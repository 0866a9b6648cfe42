// Package discovery exposes the single public surface of the service
// discovery core (spec.md §9 Design Note): one explicitly constructed
// and owned Core object composing the registry, gossip engine,
// anti-entropy reconciler, peer table, failure detector, and circuit
// breakers — no package-level singletons, no init()-time wiring.
package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/mraysmit/p2pjava-sub003/internal/antientropy"
	"github.com/mraysmit/p2pjava-sub003/internal/breaker"
	"github.com/mraysmit/p2pjava-sub003/internal/gossip"
	"github.com/mraysmit/p2pjava-sub003/internal/obsmetrics"
	"github.com/mraysmit/p2pjava-sub003/internal/peer"
	"github.com/mraysmit/p2pjava-sub003/internal/registry"
	"github.com/mraysmit/p2pjava-sub003/internal/transport"
)

// Config bundles every tunable named in spec.md §6 needed to construct
// a Core. Zero values fall back to the same defaults each subsystem
// already applies.
type Config struct {
	NodeID        string
	BindAddress   string
	AdvertiseHost string
	AdvertisePort int
	Bootstrap     []BootstrapPeer

	RegistryConfig     registry.Config
	EvictionConfig     registry.EvictionConfig
	GossipConfig       gossip.Config
	AntiEntropyConfig  antientropy.Config
	DetectorConfig     peer.DetectorConfig
	BreakerConfig      breaker.Config
	ServerConfig       transport.ServerConfig
	StaleReconcileMode antientropy.ReconcileMode
	StaleAfter         time.Duration

	// MetricsRegisterer, if set, enables obsmetrics: a Metrics
	// instance is created and registered against it, then wired into
	// the registry, gossip, anti-entropy, and breaker subsystems. Nil
	// disables metrics entirely.
	MetricsRegisterer     prometheus.Registerer
	MetricsSampleInterval time.Duration
}

// BootstrapPeer is a seed peer supplied at startup (spec.md §6:
// bootstrap_peers).
type BootstrapPeer struct {
	NodeID  string
	Address string
}

// Subscription is returned by Subscribe; calling Cancel stops further
// delivery to the registered callback.
type Subscription struct {
	cancel func()
}

// Cancel unregisters the subscription's callback. Safe to call more
// than once.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Core is the single owned object a process constructs to participate
// in service discovery (spec.md §9).
type Core struct {
	cfg Config
	log *logrus.Entry

	reg      *registry.Registry
	sweeper  *registry.Sweeper
	peers    *peer.Table
	detector *peer.Detector
	breakers *breaker.Manager
	gossiper *gossip.Engine
	recon    *antientropy.Reconciler
	server   *transport.Server
	metrics  *obsmetrics.Metrics

	subMu sync.Mutex
	subs  map[int]subscription
	subID int

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool
}

// subscription pairs a Subscribe callback with the service_type it
// was registered for.
type subscription struct {
	serviceType string
	fn          func(registry.ServiceInstance)
}

// New constructs a Core. Start must be called to begin background
// processing; until then Core only holds configuration.
func New(cfg Config) *Core {
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	log := logrus.WithFields(logrus.Fields{"component": "discovery-core", "node_id": cfg.NodeID})

	var metrics *obsmetrics.Metrics
	if cfg.MetricsRegisterer != nil {
		metrics = obsmetrics.New(cfg.MetricsRegisterer)
	}

	cfg.RegistryConfig.Metrics = metrics
	reg := registry.New(cfg.RegistryConfig)
	peers := peer.NewTable()
	cfg.BreakerConfig.Metrics = metrics
	breakers := breaker.NewManager(cfg.BreakerConfig)

	c := &Core{
		cfg:      cfg,
		log:      log,
		reg:      reg,
		peers:    peers,
		breakers: breakers,
		metrics:  metrics,
		subs:     make(map[int]subscription),
	}

	// Every subsystem that can change an entry's status — gossip
	// application, anti-entropy reconciliation, and TTL-driven
	// eviction — reports through the same c.notify path a locally
	// originated write uses, so Subscribe fires on every transition
	// regardless of where it originated (spec.md §6 subscribe).
	cfg.EvictionConfig.OnChange = c.notify
	sweeper := registry.NewSweeper(reg, cfg.EvictionConfig)
	c.sweeper = sweeper

	cfg.GossipConfig.NodeID = cfg.NodeID
	cfg.GossipConfig.Metrics = metrics
	cfg.GossipConfig.OnChange = c.notify
	c.gossiper = gossip.New(cfg.GossipConfig, reg, peers, breakers)

	cfg.AntiEntropyConfig.NodeID = cfg.NodeID
	cfg.AntiEntropyConfig.Metrics = metrics
	cfg.AntiEntropyConfig.OnChange = c.notify
	c.recon = antientropy.New(cfg.AntiEntropyConfig, reg, peers, breakers)

	c.cfg = cfg

	c.detector = peer.NewDetector(peers, cfg.DetectorConfig, func(nodeID string) {
		demoted := sweeper.DemoteOrigin(nodeID)
		c.log.WithFields(logrus.Fields{"peer_id": nodeID, "demoted_count": demoted}).Warn("Peer failed; demoted its ServiceInstances to SUSPECT")
	})

	c.server = transport.NewServer(cfg.ServerConfig, c.dispatch)
	return c
}

// dispatch routes an inbound frame to the gossip or anti-entropy
// handler by Kind. KindAntiEntropyResponse reaches the reconciler
// both as the direct reply to our own digest (handled inline by
// transport.Send) and as the unsolicited follow-up push described in
// spec.md §4.3 step 4, which arrives as a fresh inbound frame here.
func (c *Core) dispatch(ctx context.Context, from net.Addr, msg transport.Message) (*transport.Message, error) {
	switch msg.Kind {
	case transport.KindRegister, transport.KindDeregister, transport.KindHeartbeat:
		return c.gossiper.HandleInbound(ctx, from, msg)
	case transport.KindAntiEntropyDigest, transport.KindAntiEntropyRequest, transport.KindAntiEntropyResponse:
		return c.recon.HandleInbound(ctx, from, msg)
	default:
		return nil, nil
	}
}

// Start binds the transport listener, seeds the peer table from
// Config.Bootstrap, runs the one-shot stale-node sweep, and launches
// the server, gossip, anti-entropy, and eviction loops, plus the
// metrics sampler when metrics are enabled (spec.md §4, dependency
// order: transport up first, then the periodic loops). The failure
// detector's Probe loop is not started here, and no loop reports send
// outcomes to the detector. It returns once the listener is bound;
// background loops keep running until Stop is called.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return newError(ErrInvalidArgument, "", errors.New("already started"))
	}
	c.started = true
	c.mu.Unlock()

	if err := c.server.Listen(c.cfg.BindAddress); err != nil {
		return newError(ErrTransient, "", err)
	}

	for _, bp := range c.cfg.Bootstrap {
		c.peers.Upsert(bp.NodeID, bp.Address, 0)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	antientropy.RunStaleSweepOnStart(runCtx, c.cfg.StaleReconcileMode, c.reg, c.peers, c.cfg.StaleAfter)

	c.wg.Add(4)
	go func() { defer c.wg.Done(); c.server.Serve(runCtx) }()
	go func() { defer c.wg.Done(); c.gossiper.Run(runCtx) }()
	go func() { defer c.wg.Done(); c.recon.Run(runCtx) }()
	go func() { defer c.wg.Done(); c.sweeper.Run(runCtx) }()

	if c.metrics != nil {
		c.wg.Add(1)
		go func() { defer c.wg.Done(); c.metrics.RunSystemSampler(runCtx, c.cfg.MetricsSampleInterval) }()
	}

	c.log.Info("Discovery core started")
	return nil
}

// Stop cancels every background loop and waits for them to exit.
func (c *Core) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.log.Info("Discovery core stopped")
}

// RegisterService registers or republishes a service instance this
// node originates, then enqueues it for gossip if the registry state
// actually changed (spec.md §4.1 step "Register").
func (c *Core) RegisterService(entry registry.ServiceInstance) (registry.ServiceInstance, error) {
	entry.OriginNodeID = c.cfg.NodeID
	stored, changed, err := c.reg.Register(entry)
	if err != nil {
		return registry.ServiceInstance{}, mapRegistryErr(err)
	}
	if changed {
		c.gossiper.Enqueue(stored)
		c.notify(stored)
	}
	return stored, nil
}

// DeregisterService tombstones a service instance this node
// originates and gossips the tombstone.
func (c *Core) DeregisterService(serviceID string) error {
	stored, err := c.reg.Deregister(serviceID, c.cfg.NodeID)
	if err != nil {
		return mapRegistryErr(err)
	}
	c.gossiper.Enqueue(stored)
	c.notify(stored)
	return nil
}

// DiscoverServices returns every ALIVE instance of serviceType.
func (c *Core) DiscoverServices(serviceType string) []registry.ServiceInstance {
	return c.reg.Discover(serviceType, nil)
}

// DiscoverServicesWhere returns every ALIVE instance of serviceType
// whose Metadata satisfies predicate.
func (c *Core) DiscoverServicesWhere(serviceType string, predicate func(metadata map[string]string) bool) []registry.ServiceInstance {
	return c.reg.Discover(serviceType, predicate)
}

// IsServiceHealthy reports whether serviceID is currently ALIVE.
func (c *Core) IsServiceHealthy(serviceID string) bool {
	return c.reg.IsHealthy(serviceID)
}

// Subscribe registers fn to be called whenever a ServiceInstance of
// serviceType transitions between ALIVE, SUSPECT, and DEAD — whether
// the change was a locally originated Register/Deregister, an entry
// learned from a gossip round, an anti-entropy reconciliation, or a
// TTL/failure-driven demotion (spec.md §6 subscribe). Each matching
// callback runs on its own goroutine so a slow subscriber cannot
// block the registry, gossip, or anti-entropy path that produced the
// change.
func (c *Core) Subscribe(serviceType string, fn func(registry.ServiceInstance)) *Subscription {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.subID
	c.subID++
	c.subs[id] = subscription{serviceType: serviceType, fn: fn}

	return &Subscription{cancel: func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs, id)
	}}
}

// notify dispatches entry to every subscription registered for its
// ServiceType, asynchronously.
func (c *Core) notify(entry registry.ServiceInstance) {
	c.subMu.Lock()
	var matched []func(registry.ServiceInstance)
	for _, s := range c.subs {
		if s.serviceType == entry.ServiceType {
			matched = append(matched, s.fn)
		}
	}
	c.subMu.Unlock()

	for _, fn := range matched {
		fn := fn
		go fn(entry)
	}
}

func mapRegistryErr(err error) error {
	switch {
	case errors.Is(err, registry.ErrRegistryFull):
		return newError(ErrRegistryFull, "", err)
	case errors.Is(err, registry.ErrNotOrigin), errors.Is(err, registry.ErrNotFound):
		return newError(ErrInvalidArgument, "", err)
	default:
		return newError(ErrTransient, "", err)
	}
}
