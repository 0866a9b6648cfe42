package registry

// Strategy names the conflict-resolution rule used process-wide
// (spec.md §3 invariants, §6 `conflict_resolution` option). It is
// fixed at registry construction time.
type Strategy string

const (
	// StrategyTimestamp breaks ties purely on (version, origin_timestamp).
	// Equal-to-the-millisecond ties fall through to the composite
	// tie-break below, since "pure timestamp" alone cannot be total.
	StrategyTimestamp Strategy = "timestamp"

	// StrategyComposite is StrategyTimestamp with an explicit,
	// deterministic tie-break on origin_node_id when version and
	// origin_timestamp are both equal (spec.md §9 Open Question 1).
	// The lexicographically smaller origin_node_id wins, so the
	// outcome does not depend on which replica evaluates it first.
	StrategyComposite Strategy = "composite"

	// StrategyPriority breaks ties using a caller-supplied priority
	// function instead of origin_node_id; used when some origins
	// should deterministically outrank others regardless of ID.
	StrategyPriority Strategy = "priority"
)

// PriorityFunc returns a node's priority for the priority strategy;
// higher wins. Only consulted when version and origin_timestamp tie.
type PriorityFunc func(nodeID string) int

// winner reports whether candidate beats incumbent under the active
// strategy. It is used both for apply_remote and for the symmetric
// property tested in registry_test.go (applying A-then-B must equal
// B-then-A).
func winner(strategy Strategy, priority PriorityFunc, incumbent, candidate ServiceInstance) bool {
	// A tombstone always supersedes an ALIVE entry from the same
	// origin at an equal-or-lower (version, origin_timestamp) —
	// spec.md §4.1 rule 2. This check must run before the generic
	// tuple comparison because a tombstone at the *same* version is
	// otherwise a tie, which the generic path would resolve by node ID
	// and could wrongly keep the stale ALIVE entry.
	if candidate.Status == StatusTombstoned &&
		incumbent.OriginNodeID == candidate.OriginNodeID &&
		incumbent.Status != StatusTombstoned &&
		tupleCompare(candidate, incumbent) <= 0 {
		return true
	}

	switch c := tupleCompare(candidate, incumbent); {
	case c > 0:
		return true
	case c < 0:
		return false
	}

	// Exact tie on (version, origin_timestamp).
	switch strategy {
	case StrategyPriority:
		if priority != nil {
			cp, ip := priority(candidate.OriginNodeID), priority(incumbent.OriginNodeID)
			if cp != ip {
				return cp > ip
			}
		}
		fallthrough
	default: // StrategyTimestamp, StrategyComposite
		return candidate.OriginNodeID < incumbent.OriginNodeID
	}
}

// tupleCompare compares (version, origin_timestamp) tuples: >0 means a
// beats b, <0 means b beats a, 0 means an exact tie.
func tupleCompare(a, b ServiceInstance) int {
	switch {
	case a.Version > b.Version:
		return 1
	case a.Version < b.Version:
		return -1
	}
	switch {
	case a.OriginTime.After(b.OriginTime):
		return 1
	case a.OriginTime.Before(b.OriginTime):
		return -1
	}
	return 0
}
