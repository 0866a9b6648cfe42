package registry

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mraysmit/p2pjava-sub003/internal/obsmetrics"
)

// Clock abstracts wall-clock reads so tests can control time without
// sleeping; production code uses realClock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config bundles the registry's construction-time options (spec.md §6).
type Config struct {
	// Strategy is the process-wide conflict-resolution rule.
	Strategy Strategy
	// Priority is consulted only when Strategy == StrategyPriority.
	Priority PriorityFunc
	// MaxEntries caps the number of keys the registry will hold; 0
	// means unbounded. Breached only on insert of a brand new key.
	MaxEntries int
	// Clock lets tests inject a fake clock; nil means realClock.
	Clock Clock
	// Metrics, if set, receives a RegistrySizeByStatus gauge update
	// after every mutation.
	Metrics *obsmetrics.Metrics
}

// Registry is the in-memory map from service_id to its current
// ServiceInstance (spec.md §4.1). A single RWMutex serializes writes
// and gives readers a consistent, never-torn view; this satisfies the
// concurrency contract of spec.md §5 without needing per-shard locks
// at the scale this core targets (thousands, not millions, of keys).
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]ServiceInstance
	strategy Strategy
	priority PriorityFunc
	maxSize  int
	clock    Clock
	metrics  *obsmetrics.Metrics
	log      *logrus.Entry
}

// New creates an empty Registry.
func New(cfg Config) *Registry {
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategyComposite
	}
	return &Registry{
		entries:  make(map[string]ServiceInstance),
		strategy: strategy,
		priority: cfg.Priority,
		maxSize:  cfg.MaxEntries,
		clock:    clock,
		metrics:  cfg.Metrics,
		log:      logrus.WithField("component", "registry"),
	}
}

// recordSizeMetricsLocked recomputes the entry count per status and
// updates the RegistrySizeByStatus gauge. Callers must hold r.mu.
func (r *Registry) recordSizeMetricsLocked() {
	if r.metrics == nil {
		return
	}
	counts := make(map[Status]int, 4)
	for _, e := range r.entries {
		counts[e.Status]++
	}
	for _, s := range []Status{StatusAlive, StatusSuspect, StatusDead, StatusTombstoned} {
		r.metrics.RegistrySizeByStatus.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

// Register is called by the origin of serviceID. It increments the
// entry's Version, stamps OriginTime with the current wall clock,
// inserts or overwrites, and returns the new entry. Republishing
// byte-identical content is a no-op: Version is not bumped and no
// gossip propagation is needed (callers should check Changed).
func (r *Registry) Register(entry ServiceInstance) (out ServiceInstance, changed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.entries[entry.ServiceID]
	if exists && existing.OriginNodeID != entry.OriginNodeID {
		return ServiceInstance{}, false, ErrNotOrigin
	}

	if !exists && r.maxSize > 0 && len(r.entries) >= r.maxSize {
		return ServiceInstance{}, false, ErrRegistryFull
	}

	entry = entry.Clone()
	now := r.clock.Now()

	if exists && existing.equalContent(entry) && existing.Status == StatusAlive {
		// Idempotent republish of unchanged content: no version bump,
		// no propagation.
		return existing.Clone(), false, nil
	}

	if exists {
		entry.Version = existing.Version + 1
	} else {
		entry.Version = 1
	}
	entry.OriginTime = now
	entry.LastHeardAt = now
	entry.Status = StatusAlive

	r.entries[entry.ServiceID] = entry
	r.recordSizeMetricsLocked()
	return entry.Clone(), true, nil
}

// Deregister is only legal for the origin. It marks the entry
// TOMBSTONED, bumps its version, and returns the tombstoned entry for
// the caller to enqueue for gossip. The gossip engine sends it in the
// same REGISTER-kind batches as live entries; receivers apply REGISTER
// and DEREGISTER payloads the same way. Deregistering
// an unknown service_id is ErrNotFound (spec.md §7 kind 5).
func (r *Registry) Deregister(serviceID, callerNodeID string) (ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.entries[serviceID]
	if !exists {
		return ServiceInstance{}, ErrNotFound
	}
	if existing.OriginNodeID != callerNodeID {
		return ServiceInstance{}, ErrNotOrigin
	}

	now := r.clock.Now()
	existing.Version++
	existing.OriginTime = now
	existing.LastHeardAt = now
	existing.Status = StatusTombstoned
	r.entries[serviceID] = existing
	r.recordSizeMetricsLocked()
	return existing.Clone(), nil
}

// ApplyRemote merges a replica received from gossip or anti-entropy.
// It returns whether the local state changed as a result (callers use "changed" to decide whether to re-propagate —
// spec.md §4.2 inbound handler step 3, and the forward-only-after-apply
// rule from SPEC_FULL.md §4).
func (r *Registry) ApplyRemote(remote ServiceInstance) (changed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	existing, exists := r.entries[remote.ServiceID]

	if !exists {
		if remote.Status == StatusTombstoned {
			// Rule 1 only inserts non-tombstoned entries; an unknown
			// tombstone carries no useful information and would only
			// cost memory, so it is dropped rather than stored.
			return false
		}
		remote = remote.Clone()
		remote.LastHeardAt = now
		r.entries[remote.ServiceID] = remote
		r.recordSizeMetricsLocked()
		return true
	}

	if winner(r.strategy, r.priority, existing, remote) {
		remote = remote.Clone()
		remote.LastHeardAt = now
		r.entries[remote.ServiceID] = remote
		r.recordSizeMetricsLocked()
		return true
	}

	// Remote lost: still record that we heard from it, but report "no
	// change" so the caller does not re-propagate a losing message.
	existing.LastHeardAt = now
	r.entries[remote.ServiceID] = existing
	return false
}

// Discover returns a snapshot of ALIVE entries for serviceType,
// optionally filtered by predicate. It never returns a partially
// constructed entry and never raises (spec.md §4.1, §7).
func (r *Registry) Discover(serviceType string, predicate func(metadata map[string]string) bool) []ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ServiceInstance
	for _, e := range r.entries {
		if e.ServiceType != serviceType || e.Status != StatusAlive {
			continue
		}
		if predicate != nil && !predicate(e.Metadata) {
			continue
		}
		out = append(out, e.Clone())
	}
	return out
}

// Get returns the current replica for serviceID, if any.
func (r *Registry) Get(serviceID string) (ServiceInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[serviceID]
	if !ok {
		return ServiceInstance{}, false
	}
	return e.Clone(), true
}

// IsHealthy reports whether serviceID currently exists and is ALIVE.
func (r *Registry) IsHealthy(serviceID string) bool {
	e, ok := r.Get(serviceID)
	return ok && e.Status == StatusAlive
}

// SnapshotDigest returns a compact service_id -> (version,
// origin_timestamp, status) map for anti-entropy comparison
// (spec.md §4.1, §4.3).
func (r *Registry) SnapshotDigest() Digest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d := make(Digest, len(r.entries))
	for id, e := range r.entries {
		d[id] = DigestEntry{Version: e.Version, OriginTime: e.OriginTime, Status: e.Status}
	}
	return d
}

// Size returns the current number of keys held, alive or not.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// All returns a snapshot of every entry regardless of status, for use
// by the eviction sweeper and anti-entropy responder.
func (r *Registry) All() []ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServiceInstance, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Clone())
	}
	return out
}

// DemoteAliveToSuspect demotes serviceID from ALIVE to SUSPECT if it
// is currently ALIVE, for use by the stale-node reconciliation sweep
// run once at startup (SPEC_FULL.md §4).
func (r *Registry) DemoteAliveToSuspect(serviceID string) bool {
	return r.demote(serviceID, StatusAlive, StatusSuspect)
}

// demote applies a status transition if the entry is still in
// fromStatus; used by the eviction sweeper under its own pass, each
// key handled independently so one slow key cannot block others.
func (r *Registry) demote(serviceID string, from, to Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[serviceID]
	if !ok || e.Status != from {
		return false
	}
	e.Status = to
	r.entries[serviceID] = e
	r.recordSizeMetricsLocked()
	return true
}

// remove deletes a key outright; used by the eviction sweeper once a
// tombstone has exceeded its retention window.
func (r *Registry) remove(serviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, serviceID)
	r.recordSizeMetricsLocked()
}
