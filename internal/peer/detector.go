package peer

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// DetectorConfig holds the failure detector's thresholds (spec.md §6:
// suspect_threshold, failed_threshold, failed_probe_interval).
type DetectorConfig struct {
	SuspectThreshold    int
	FailedThreshold     int
	FailedProbeInterval time.Duration
}

// OnFailed is invoked synchronously from RecordFailure the moment a
// peer's state transitions to FAILED, so the registry can demote that
// peer's ServiceInstances to SUSPECT immediately (spec.md §4.4).
type OnFailed func(nodeID string)

// Detector classifies peers using a simple accrual-style rule: every
// success resets the run of consecutive failures and restores HEALTHY;
// each failure increments the run, crossing SuspectThreshold then
// FailedThreshold (spec.md §4.4). It holds no state of its own beyond
// its configuration — the table it mutates is the shared Table.
type Detector struct {
	table    *Table
	cfg      DetectorConfig
	onFailed OnFailed
	log      *logrus.Entry
}

// NewDetector creates a Detector bound to table.
func NewDetector(table *Table, cfg DetectorConfig, onFailed OnFailed) *Detector {
	if cfg.SuspectThreshold <= 0 {
		cfg.SuspectThreshold = 2
	}
	if cfg.FailedThreshold <= 0 {
		cfg.FailedThreshold = 4
	}
	return &Detector{table: table, cfg: cfg, onFailed: onFailed, log: logrus.WithField("component", "failure-detector")}
}

// RecordSuccess resets a peer's failure run and restores HEALTHY.
// A FAILED peer returning a single success is restored immediately
// (spec.md §4.4).
func (d *Detector) RecordSuccess(nodeID string) {
	d.table.mutate(nodeID, func(r *Record) {
		wasFailed := r.State == StateFailed
		r.ConsecutiveFailures = 0
		r.LastContactAt = time.Now()
		r.State = StateHealthy
		if wasFailed {
			d.log.WithField("peer_id", nodeID).Info("Peer recovered, marked HEALTHY")
		}
	})
}

// RecordFailure increments the consecutive-failure run and reclassifies
// the peer, invoking onFailed exactly once on the transition into
// FAILED.
func (d *Detector) RecordFailure(nodeID string) {
	var justFailed bool
	d.table.mutate(nodeID, func(r *Record) {
		r.ConsecutiveFailures++
		switch {
		case r.ConsecutiveFailures >= d.cfg.FailedThreshold:
			if r.State != StateFailed {
				justFailed = true
			}
			r.State = StateFailed
		case r.ConsecutiveFailures >= d.cfg.SuspectThreshold:
			if r.State == StateHealthy {
				r.State = StateSuspect
			}
		}
	})
	if justFailed {
		d.log.WithField("peer_id", nodeID).Warn("Peer marked FAILED")
		if d.onFailed != nil {
			d.onFailed(nodeID)
		}
	}
}

// Probe periodically re-tries FAILED peers at a reduced rate via
// probeFn, restoring HEALTHY on the first success (spec.md §4.4: "a
// FAILED peer is still periodically probed"). It runs until ctx is
// cancelled.
func (d *Detector) Probe(ctx context.Context, probeFn func(nodeID, address string) error) {
	ticker := time.NewTicker(d.cfg.FailedProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, r := range d.table.ByState(StateFailed) {
				if err := probeFn(r.NodeID, r.Address); err != nil {
					d.log.WithFields(logrus.Fields{"peer_id": r.NodeID, "error": err}).Debug("Failed-peer probe unsuccessful")
					continue
				}
				d.RecordSuccess(r.NodeID)
			}
		}
	}
}
