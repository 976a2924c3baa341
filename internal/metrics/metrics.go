// Package metrics exposes the process counters scraped from /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "contestbot"

// Registry holds every collector below plus the Go runtime collectors.
var Registry = prometheus.NewRegistry()

var (
	// Turns counts engine turns by the state they were handled in and the
	// reply kind they produced.
	Turns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "turns_total",
		Help:      "Conversation turns handled, by state and reply kind.",
	}, []string{"state", "kind"})

	// Registrations counts confirmations by commit result.
	Registrations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "registrations_total",
		Help:      "Confirmed registrations by commit result.",
	}, []string{"result"})

	// ActiveSessions tracks live entries in the session table.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Conversations currently held in the session table.",
	})

	// MirrorAppends counts ledger appends by result: ok, failed or dropped.
	MirrorAppends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "appends_total",
		Help:      "Ledger mirror appends by result.",
	}, []string{"result"})

	// MirrorQueueDepth is the number of rows waiting for the mirror writer.
	MirrorQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "queue_depth",
		Help:      "Rows waiting in the ledger writer queue.",
	})

	// MirrorLatency observes the duration of single mirror appends.
	MirrorLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "append_seconds",
		Help:      "Latency of ledger mirror appends.",
		Buckets:   prometheus.DefBuckets,
	})

	// IntakeRelays counts relayed contributions by message kind and result.
	IntakeRelays = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "intake",
		Name:      "relays_total",
		Help:      "Relayed intake contributions by kind and result.",
	}, []string{"kind", "result"})

	// RateLimited counts inbound updates dropped by the per-identity limiter.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Inbound updates dropped by the rate limiter, by surface.",
	}, []string{"surface"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		Turns,
		Registrations,
		ActiveSessions,
		MirrorAppends,
		MirrorQueueDepth,
		MirrorLatency,
		IntakeRelays,
		RateLimited,
	)
}

// Handler serves Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
