// Package observability — metrics.go
//
// Prometheus metrics for the qcored quorum/group-messaging core.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: qcored_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - CPGMcastTotal is the one per-message counter labelled by group
//     name, so its series count grows with the number of groups that
//     carry traffic; the CPG group/process counts are unlabelled gauges.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for qcored.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Ring / membership ────────────────────────────────────────────────

	// RingSeq is the sequence number of the current totem ring.
	RingSeq prometheus.Gauge

	// MembershipSize is the number of nodes in the current ring.
	MembershipSize prometheus.Gauge

	// ConfigurationChangesTotal counts totem configuration-change callbacks
	// delivered to engines. Labels: reason (joined, left, ring_formed)
	ConfigurationChangesTotal *prometheus.CounterVec

	// ─── SYNC barrier ─────────────────────────────────────────────────────

	// SyncBarrierLatency records the time from SyncStart to the point every
	// engine in the registry has returned from SyncActivate.
	SyncBarrierLatency prometheus.Histogram

	// SyncBarriersTotal counts completed SYNC barrier rounds.
	SyncBarriersTotal prometheus.Counter

	// ─── VOTEQUORUM ───────────────────────────────────────────────────────

	// Quorate is 1 when the local node considers the cluster quorate, 0
	// otherwise.
	Quorate prometheus.Gauge

	// TotalVotes is the sum of votes cast by currently live nodes.
	TotalVotes prometheus.Gauge

	// ExpectedVotes is the current expected-votes barrier value.
	ExpectedVotes prometheus.Gauge

	// QuorumTransitionsTotal counts quorate/non-quorate flips.
	// Labels: to_quorate (true, false)
	QuorumTransitionsTotal *prometheus.CounterVec

	// ─── CPG ──────────────────────────────────────────────────────────────

	// CPGGroupCount is the current number of distinct CPG groups joined
	// cluster-wide, as seen by the local replica.
	CPGGroupCount prometheus.Gauge

	// CPGProcessCount is the current total number of (node, pid, group)
	// memberships cluster-wide.
	CPGProcessCount prometheus.Gauge

	// CPGMcastTotal counts CPG mcast messages delivered locally, by group.
	CPGMcastTotal *prometheus.CounterVec

	// CPGMcastBytesTotal counts CPG mcast payload bytes delivered locally.
	CPGMcastBytesTotal prometheus.Counter

	// ─── Storage ──────────────────────────────────────────────────────────

	// StorageWriteLatency records bbolt write transaction latency.
	StorageWriteLatency prometheus.Histogram

	// StorageLedgerEntries is the current number of quorum-transition
	// ledger entries persisted.
	StorageLedgerEntries prometheus.Gauge

	// ─── Agent ────────────────────────────────────────────────────────────

	// AgentUptimeSeconds is the number of seconds since the agent started.
	AgentUptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all qcored Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RingSeq: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qcored",
			Subsystem: "ring",
			Name:      "seq",
			Help:      "Sequence number of the current totem ring.",
		}),

		MembershipSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qcored",
			Subsystem: "ring",
			Name:      "membership_size",
			Help:      "Number of nodes in the current ring membership.",
		}),

		ConfigurationChangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qcored",
			Subsystem: "ring",
			Name:      "configuration_changes_total",
			Help:      "Total totem configuration-change callbacks delivered, by reason.",
		}, []string{"reason"}),

		SyncBarrierLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "qcored",
			Subsystem: "sync",
			Name:      "barrier_latency_seconds",
			Help:      "Latency of a full SYNC barrier round across all registered engines.",
			Buckets:   prometheus.DefBuckets,
		}),

		SyncBarriersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qcored",
			Subsystem: "sync",
			Name:      "barriers_total",
			Help:      "Total completed SYNC barrier rounds.",
		}),

		Quorate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qcored",
			Subsystem: "votequorum",
			Name:      "quorate",
			Help:      "1 if the local node considers the cluster quorate, 0 otherwise.",
		}),

		TotalVotes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qcored",
			Subsystem: "votequorum",
			Name:      "total_votes",
			Help:      "Sum of votes cast by currently live nodes.",
		}),

		ExpectedVotes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qcored",
			Subsystem: "votequorum",
			Name:      "expected_votes",
			Help:      "Current expected-votes barrier value.",
		}),

		QuorumTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qcored",
			Subsystem: "votequorum",
			Name:      "transitions_total",
			Help:      "Total quorate/non-quorate transitions, by resulting state.",
		}, []string{"to_quorate"}),

		CPGGroupCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qcored",
			Subsystem: "cpg",
			Name:      "group_count",
			Help:      "Current number of distinct CPG groups joined cluster-wide.",
		}),

		CPGProcessCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qcored",
			Subsystem: "cpg",
			Name:      "process_count",
			Help:      "Current total number of (node, pid, group) memberships cluster-wide.",
		}),

		CPGMcastTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qcored",
			Subsystem: "cpg",
			Name:      "mcast_total",
			Help:      "Total CPG mcast messages delivered locally, by group.",
		}, []string{"group"}),

		CPGMcastBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qcored",
			Subsystem: "cpg",
			Name:      "mcast_bytes_total",
			Help:      "Total CPG mcast payload bytes delivered locally.",
		}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "qcored",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "bbolt write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		StorageLedgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qcored",
			Subsystem: "storage",
			Name:      "ledger_entries",
			Help:      "Current number of quorum-transition audit ledger entries.",
		}),

		AgentUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qcored",
			Subsystem: "agent",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the agent started.",
		}),
	}

	reg.MustRegister(
		m.RingSeq,
		m.MembershipSize,
		m.ConfigurationChangesTotal,
		m.SyncBarrierLatency,
		m.SyncBarriersTotal,
		m.Quorate,
		m.TotalVotes,
		m.ExpectedVotes,
		m.QuorumTransitionsTotal,
		m.CPGGroupCount,
		m.CPGProcessCount,
		m.CPGMcastTotal,
		m.CPGMcastBytesTotal,
		m.StorageWriteLatency,
		m.StorageLedgerEntries,
		m.AgentUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the AgentUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.AgentUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}

// BoolLabel renders a bool as the "true"/"false" label value the
// QuorumTransitionsTotal counter's to_quorate label uses.
func BoolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
