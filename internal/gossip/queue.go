package gossip

import (
	"sync"

	"github.com/mraysmit/p2pjava-sub003/internal/registry"
)

// queuedEntry pairs a ServiceInstance with the hop budget it should be
// sent with on the next round. Locally originated changes start at
// MaxHops; entries relayed from an inbound message carry
// hops_remaining-1 (spec.md §4.2 edge case: hop count bounds how far a
// single change can propagate across the mesh).
type queuedEntry struct {
	Instance registry.ServiceInstance
	Hops     int
}

// outboundQueue is the bounded, same-key-coalescing queue described in
// spec.md §4.2: at most one pending entry per ServiceID, retaining the
// highest version seen and the largest hop budget offered for it, so a
// key queued from two relay paths isn't under-propagated.
type outboundQueue struct {
	mu       sync.Mutex
	capacity int
	byKey    map[string]queuedEntry
	order    []string
}

func newOutboundQueue(capacity int) *outboundQueue {
	return &outboundQueue{capacity: capacity, byKey: make(map[string]queuedEntry)}
}

// put enqueues entry with the given hop budget, coalescing with any
// pending entry for the same ServiceID. If the queue is at capacity
// and the key is new, the oldest pending entry is dropped to make room
// (spec.md §4.2: "the queue is bounded; under sustained overload the
// oldest pending entries are dropped in favor of newer ones").
func (q *outboundQueue) put(entry registry.ServiceInstance, hops int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.byKey[entry.ServiceID]; ok {
		if entry.Version >= existing.Instance.Version {
			existing.Instance = entry
		}
		if hops > existing.Hops {
			existing.Hops = hops
		}
		q.byKey[entry.ServiceID] = existing
		return
	}

	if len(q.order) >= q.capacity && q.capacity > 0 {
		oldest := q.order[0]
		q.order = q.order[1:]
		delete(q.byKey, oldest)
	}
	q.order = append(q.order, entry.ServiceID)
	q.byKey[entry.ServiceID] = queuedEntry{Instance: entry, Hops: hops}
}

// drain removes and returns every pending entry, grouped by hop
// budget so each group can be sent as one message with a single
// consistent hops_remaining value.
func (q *outboundQueue) drain() map[int][]registry.ServiceInstance {
	q.mu.Lock()
	defer q.mu.Unlock()

	groups := make(map[int][]registry.ServiceInstance)
	for _, key := range q.order {
		qe := q.byKey[key]
		groups[qe.Hops] = append(groups[qe.Hops], qe.Instance)
	}
	q.order = nil
	q.byKey = make(map[string]queuedEntry)
	return groups
}
