// Package peer implements the PeerRecord table and the accrual-style
// failure detector that classifies each known peer as HEALTHY,
// SUSPECT, or FAILED (spec.md §3, §4.4).
package peer

import (
	"math/rand"
	"sync"
	"time"
)

// State is a peer's health classification.
type State int

const (
	StateHealthy State = iota
	StateSuspect
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "HEALTHY"
	case StateSuspect:
		return "SUSPECT"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Record is one known remote node (spec.md §3 PeerRecord). The
// circuit-breaker handle mentioned in §3 lives in a sibling
// breaker.Manager keyed by NodeID, not embedded here, so the peer
// table stays free of a dependency on the breaker package.
type Record struct {
	NodeID              string
	Address             string
	GossipPort          int
	State               State
	LastContactAt       time.Time
	ConsecutiveFailures int
}

// Table is the concurrency-safe set of known peers (spec.md §5: "one
// lock per record; the table itself uses a read-write lock" — here a
// single RWMutex over the map is sufficient since Record mutation
// always goes through Table's own methods, never concurrently on the
// same key from two goroutines without the lock).
type Table struct {
	mu    sync.RWMutex
	peers map[string]*Record
}

// NewTable creates an empty peer table.
func NewTable() *Table {
	return &Table{peers: make(map[string]*Record)}
}

// Upsert creates a peer record on first contact (bootstrap list or
// learned via gossip), or returns the existing one unchanged.
func (t *Table) Upsert(nodeID, address string, gossipPort int) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.peers[nodeID]; ok {
		return r
	}
	r := &Record{NodeID: nodeID, Address: address, GossipPort: gossipPort, State: StateHealthy}
	t.peers[nodeID] = r
	return r
}

// Get returns the record for nodeID, if known.
func (t *Table) Get(nodeID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.peers[nodeID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// All returns a snapshot of every known peer.
func (t *Table) All() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Record, 0, len(t.peers))
	for _, r := range t.peers {
		out = append(out, *r)
	}
	return out
}

// ByState returns a snapshot of peers currently in the given state.
func (t *Table) ByState(state State) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Record
	for _, r := range t.peers {
		if r.State == state {
			out = append(out, *r)
		}
	}
	return out
}

// RandomHealthy selects up to n peers uniformly at random from
// HEALTHY, falling back to SUSPECT if there are not enough HEALTHY
// peers (spec.md §4.2 step 2).
func (t *Table) RandomHealthy(n int) []Record {
	healthy := t.ByState(StateHealthy)
	if len(healthy) >= n {
		return sampleN(healthy, n)
	}
	suspect := t.ByState(StateSuspect)
	pool := append(healthy, suspect...)
	return sampleN(pool, n)
}

// RandomOne selects a single peer uniformly at random from HEALTHY,
// used by the anti-entropy reconciler (spec.md §4.3 step 1).
func (t *Table) RandomOne() (Record, bool) {
	healthy := t.ByState(StateHealthy)
	if len(healthy) == 0 {
		return Record{}, false
	}
	return healthy[rand.Intn(len(healthy))], true
}

func sampleN(pool []Record, n int) []Record {
	if n >= len(pool) {
		shuffled := make([]Record, len(pool))
		copy(shuffled, pool)
		rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		return shuffled
	}
	idx := rand.Perm(len(pool))[:n]
	out := make([]Record, n)
	for i, j := range idx {
		out[i] = pool[j]
	}
	return out
}

// mutate applies fn to the record for nodeID under the table lock,
// returning false if the peer is unknown.
func (t *Table) mutate(nodeID string, fn func(*Record)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.peers[nodeID]
	if !ok {
		return false
	}
	fn(r)
	return true
}
