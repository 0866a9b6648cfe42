package transport

import (
	"net"
	"time"
)

// ClientConfig holds the dial/read/write timeouts applied to every
// outbound send (spec.md §6: network_timeout).
type ClientConfig struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 2 * time.Second
	}
	return c
}

// Send dials addr, writes msg as a single frame, and — if
// expectResponse is true — reads and returns one response frame. The
// connection is closed before returning either way; the gossip and
// anti-entropy layers are expected to wrap Send in a circuit breaker
// and retry policy (spec.md §4.5), not this package.
func Send(addr string, msg Message, cfg ClientConfig, expectResponse bool) (*Message, error) {
	cfg = cfg.withDefaults()

	conn, err := net.DialTimeout("tcp", addr, cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
	if err := WriteFrame(conn, msg); err != nil {
		return nil, err
	}

	if !expectResponse {
		return nil, nil
	}

	conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	resp, err := ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
