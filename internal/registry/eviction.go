package registry

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// EvictionConfig holds the TTLs and sweep period from spec.md §4.1 and
// §6 (`entry_alive_ttl`, `entry_suspect_ttl`, `tombstone_ttl`,
// `eviction_interval`).
type EvictionConfig struct {
	Interval     time.Duration
	AliveTTL     time.Duration
	SuspectTTL   time.Duration
	TombstoneTTL time.Duration
	// OnChange, if set, is called with the post-transition entry
	// whenever the sweeper demotes it.
	OnChange func(ServiceInstance)
}

// Sweeper runs the background eviction pass on its own ticker, in the
// style of the teacher's StartHealthChecker: a long-running loop owning
// its own timer and selecting on ctx.Done for cooperative shutdown
// (spec.md §5).
type Sweeper struct {
	reg *Registry
	cfg EvictionConfig
	log *logrus.Entry
}

// NewSweeper creates a Sweeper bound to reg.
func NewSweeper(reg *Registry, cfg EvictionConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.AliveTTL <= 0 {
		cfg.AliveTTL = 30 * time.Second
	}
	if cfg.SuspectTTL <= 0 {
		cfg.SuspectTTL = 60 * time.Second
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = 5 * time.Minute
	}
	return &Sweeper{reg: reg, cfg: cfg, log: logrus.WithField("component", "registry-sweeper")}
}

// Run blocks, sweeping every cfg.Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Debug("Eviction sweeper stopped")
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

// sweepOnce performs one pass: demotes stale ALIVE entries to SUSPECT,
// stale SUSPECT entries to TOMBSTONED, and removes tombstones past
// their retention window. Each entry is handled independently so a
// single busy key never blocks the rest of the pass.
func (s *Sweeper) sweepOnce() {
	now := s.reg.clock.Now()
	demotedSuspect, demotedTomb, removed := 0, 0, 0

	for _, e := range s.reg.All() {
		switch e.Status {
		case StatusAlive:
			if now.Sub(e.LastHeardAt) > s.cfg.AliveTTL {
				if s.reg.demote(e.ServiceID, StatusAlive, StatusSuspect) {
					demotedSuspect++
					s.notify(e.ServiceID)
				}
			}
		case StatusSuspect, StatusDead:
			if now.Sub(e.LastHeardAt) > s.cfg.SuspectTTL {
				if s.reg.demote(e.ServiceID, e.Status, StatusTombstoned) {
					demotedTomb++
					s.notify(e.ServiceID)
				}
			}
		case StatusTombstoned:
			if now.Sub(e.LastHeardAt) > s.cfg.TombstoneTTL {
				s.reg.remove(e.ServiceID)
				removed++
			}
		}
	}

	if demotedSuspect+demotedTomb+removed > 0 {
		s.log.WithFields(logrus.Fields{
			"demoted_suspect": demotedSuspect,
			"tombstoned":      demotedTomb,
			"removed":         removed,
		}).Debug("Eviction sweep completed")
	}
}

// DemoteOrigin immediately demotes every ALIVE/SUSPECT entry owned by
// originNodeID to SUSPECT. Called by the failure detector when a peer
// transitions to FAILED, accelerating the registry's own eviction path
// (spec.md §4.4).
func (s *Sweeper) DemoteOrigin(originNodeID string) int {
	count := 0
	for _, e := range s.reg.All() {
		if e.OriginNodeID != originNodeID {
			continue
		}
		if e.Status == StatusAlive {
			if s.reg.demote(e.ServiceID, StatusAlive, StatusSuspect) {
				count++
				s.notify(e.ServiceID)
			}
		}
	}
	return count
}

// notify looks up the post-transition entry and forwards it to
// cfg.OnChange, if set.
func (s *Sweeper) notify(serviceID string) {
	if s.cfg.OnChange == nil {
		return
	}
	if e, ok := s.reg.Get(serviceID); ok {
		s.cfg.OnChange(e)
	}
}
