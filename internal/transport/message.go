// Package transport implements the gossip wire protocol (spec.md §6):
// length-prefixed frames carrying a self-describing encoding of a
// GossipMessage, plus the TCP client/server that exchange them.
package transport

import (
	"time"

	"github.com/mraysmit/p2pjava-sub003/internal/registry"
)

// Kind is the GossipMessage kind (spec.md §3).
type Kind string

const (
	KindRegister             Kind = "REGISTER"
	KindDeregister           Kind = "DEREGISTER"
	KindHeartbeat            Kind = "HEARTBEAT"
	KindAntiEntropyDigest    Kind = "ANTI_ENTROPY_DIGEST"
	KindAntiEntropyRequest   Kind = "ANTI_ENTROPY_REQUEST"
	KindAntiEntropyResponse  Kind = "ANTI_ENTROPY_RESPONSE"
)

// Message is the wire unit exchanged between nodes (spec.md §3
// GossipMessage). The encoding is JSON, chosen — like the teacher's
// gossip toy package chooses Go's net/rpc gob wire format — because it
// is self-describing and every peer in a deployment can decode it
// without a shared schema registry; spec.md §6 leaves the choice open
// provided all peers agree.
type Message struct {
	MessageID     string                      `json:"message_id"`
	Kind          Kind                        `json:"kind"`
	HopsRemaining int                         `json:"hops_remaining"`
	CreatedAt     time.Time                   `json:"created_at"`
	SenderNodeID  string                      `json:"sender_node_id"`
	Payload       []registry.ServiceInstance  `json:"payload,omitempty"`
	Digest        registry.Digest             `json:"digest,omitempty"`
	// Requested lists the service_ids the sender is asking the
	// receiver to send full entries for, used by
	// ANTI_ENTROPY_REQUEST/RESPONSE (spec.md §4.3 steps 3-4).
	Requested []string `json:"requested,omitempty"`
}

// Expired reports whether the message is older than maxAge, the
// drop-on-receipt rule of spec.md §4.2 edge cases (message_max_age).
func (m Message) Expired(maxAge time.Duration, now time.Time) bool {
	return now.Sub(m.CreatedAt) > maxAge
}
