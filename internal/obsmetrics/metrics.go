// Package obsmetrics exposes the discovery core's internal counters
// through Prometheus (SPEC_FULL.md §4: the core never opens its own
// HTTP listener — it registers against whatever prometheus.Registerer
// the embedding process already serves), plus a periodic gopsutil
// system snapshot in the style of the teacher's metrics.Collector.
package obsmetrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// Metrics bundles every counter/gauge/histogram the discovery core
// emits. Construct with New and pass the same instance wherever a
// component needs to record an observation.
type Metrics struct {
	GossipRoundsTotal      prometheus.Counter
	GossipMessagesSent     prometheus.Counter
	GossipMessagesDropped  *prometheus.CounterVec
	BreakerTransitions     *prometheus.CounterVec
	RegistrySizeByStatus   *prometheus.GaugeVec
	AntiEntropyLatency     prometheus.Histogram
	SystemCPUPercent       prometheus.Gauge
	SystemMemoryPercent    prometheus.Gauge

	log *logrus.Entry
}

// New creates all metric instruments and registers them against reg.
// reg is typically the process's existing prometheus.Registry; passing
// prometheus.NewRegistry() keeps the metrics isolated, e.g. in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		GossipRoundsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "discovery",
			Subsystem: "gossip",
			Name:      "rounds_total",
			Help:      "Number of gossip rounds driven by this node.",
		}),
		GossipMessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "discovery",
			Subsystem: "gossip",
			Name:      "messages_sent_total",
			Help:      "Number of gossip messages successfully sent to a peer.",
		}),
		GossipMessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "discovery",
			Subsystem: "gossip",
			Name:      "messages_dropped_total",
			Help:      "Number of inbound gossip messages dropped, by reason.",
		}, []string{"reason"}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "discovery",
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Number of circuit breaker state transitions, by peer and target state.",
		}, []string{"peer_id", "state"}),
		RegistrySizeByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "discovery",
			Subsystem: "registry",
			Name:      "entries",
			Help:      "Current number of registry entries, by status.",
		}, []string{"status"}),
		AntiEntropyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "discovery",
			Subsystem: "anti_entropy",
			Name:      "round_duration_seconds",
			Help:      "Wall-clock duration of a full anti-entropy reconciliation round.",
			Buckets:   prometheus.DefBuckets,
		}),
		SystemCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "discovery",
			Subsystem: "system",
			Name:      "cpu_usage_percent",
			Help:      "Host CPU utilization percentage sampled periodically.",
		}),
		SystemMemoryPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "discovery",
			Subsystem: "system",
			Name:      "memory_usage_percent",
			Help:      "Host memory utilization percentage sampled periodically.",
		}),
		log: logrus.WithField("component", "obsmetrics"),
	}

	reg.MustRegister(
		m.GossipRoundsTotal,
		m.GossipMessagesSent,
		m.GossipMessagesDropped,
		m.BreakerTransitions,
		m.RegistrySizeByStatus,
		m.AntiEntropyLatency,
		m.SystemCPUPercent,
		m.SystemMemoryPercent,
	)
	return m
}

// RunSystemSampler periodically samples host CPU and memory usage via
// gopsutil and updates the corresponding gauges, until ctx is
// cancelled.
func (m *Metrics) RunSystemSampler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce()
		}
	}
}

func (m *Metrics) sampleOnce() {
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		m.SystemCPUPercent.Set(pct[0])
	} else if err != nil {
		m.log.WithField("error", err).Debug("Failed to sample CPU usage")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		m.SystemMemoryPercent.Set(vm.UsedPercent)
	} else {
		m.log.WithField("error", err).Debug("Failed to sample memory usage")
	}
}
