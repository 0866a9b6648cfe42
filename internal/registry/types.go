// Package registry implements the replicated service registry: the
// in-memory map from service_id to the current ServiceInstance, with
// conflict resolution, TTL-based eviction, and tombstone handling.
package registry

import "time"

// Status is the lifecycle state of a ServiceInstance replica.
type Status int

const (
	// StatusAlive means the instance is considered live and is
	// returned by Discover.
	StatusAlive Status = iota
	// StatusSuspect means the local replica has not heard evidence
	// for this entry in a while; it is still held but no longer
	// surfaced to Discover.
	StatusSuspect
	// StatusDead is not assigned by this package (a FAILED origin's
	// entries are demoted to SUSPECT); a DEAD replica received from a
	// peer is tombstoned by eviction after SuspectTTL, like SUSPECT.
	StatusDead
	// StatusTombstoned means the entry was explicitly deregistered
	// or evicted; it is retained to suppress resurrection from stale
	// gossip until TombstoneTTL elapses.
	StatusTombstoned
)

func (s Status) String() string {
	switch s {
	case StatusAlive:
		return "ALIVE"
	case StatusSuspect:
		return "SUSPECT"
	case StatusDead:
		return "DEAD"
	case StatusTombstoned:
		return "TOMBSTONED"
	default:
		return "UNKNOWN"
	}
}

// ServiceInstance is the unit of replication in the registry.
//
// Identity for conflict resolution is (ServiceID, Version): only the
// origin node may mint a new Version. A non-origin replica may only
// ever mutate LastHeardAt and Status.
type ServiceInstance struct {
	ServiceType    string            `json:"service_type"`
	ServiceID      string            `json:"service_id"`
	OriginNodeID   string            `json:"origin_node_id"`
	Host           string            `json:"host"`
	Port           int               `json:"port"`
	Metadata       map[string]string `json:"metadata"`
	Version        uint64            `json:"version"`
	OriginTime     time.Time         `json:"origin_timestamp"`
	LastHeardAt    time.Time         `json:"last_heard_at"`
	Status         Status            `json:"status"`
}

// Clone returns a deep copy, so callers (and the registry's internal
// map) never share a mutable Metadata map across goroutines.
func (s ServiceInstance) Clone() ServiceInstance {
	out := s
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// equalContent reports whether two instances are byte-equal modulo the
// fields a replica is allowed to mutate (LastHeardAt, Status). Used by
// Register to decide whether a republish is a true no-op.
func (s ServiceInstance) equalContent(other ServiceInstance) bool {
	if s.ServiceType != other.ServiceType ||
		s.ServiceID != other.ServiceID ||
		s.OriginNodeID != other.OriginNodeID ||
		s.Host != other.Host ||
		s.Port != other.Port {
		return false
	}
	if len(s.Metadata) != len(other.Metadata) {
		return false
	}
	for k, v := range s.Metadata {
		if other.Metadata[k] != v {
			return false
		}
	}
	return true
}

// DigestEntry is the compact per-key summary exchanged during
// anti-entropy (spec.md §4.3): enough to decide a winner without
// shipping the full payload.
type DigestEntry struct {
	Version    uint64    `json:"version"`
	OriginTime time.Time `json:"origin_timestamp"`
	Status     Status    `json:"status"`
}

// Digest maps service_id to its DigestEntry, as produced by
// SnapshotDigest.
type Digest map[string]DigestEntry
