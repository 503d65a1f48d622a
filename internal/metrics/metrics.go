// Package metrics holds the server's Prometheus collectors and the
// registry the admin endpoint serves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the process registry every collector registers into.
var Registry = prometheus.NewRegistry()

var (
	// Calls counts dispatched RPC calls by program.
	Calls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reef_rpc_calls_total",
		Help: "RPC calls dispatched, by program",
	}, []string{"program"})

	// AuthFailures counts authentication rejections.
	AuthFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reef_auth_failures_total",
		Help: "RPC calls rejected during authentication",
	})

	// CallDuration observes end-to-end per-call latency by program.
	CallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reef_rpc_call_duration_seconds",
		Help:    "RPC call handling latency, by program",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"program"})

	// OpenConnections gauges live TCP connections.
	OpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reef_tcp_connections",
		Help: "Open NFS TCP connections",
	})

	// LockConflicts counts denied lock acquisitions.
	LockConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reef_lock_conflicts_total",
		Help: "Byte-range lock requests denied due to conflicts",
	})

	// ReplyCacheHits counts UDP retransmits answered from the cache.
	ReplyCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reef_udp_reply_cache_hits_total",
		Help: "UDP retransmissions served from the reply cache",
	})
)

func init() {
	Registry.MustRegister(Calls, AuthFailures, CallDuration, OpenConnections, LockConflicts, ReplyCacheHits)
}
