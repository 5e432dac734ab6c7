package metrics

import "github.com/prometheus/client_golang/prometheus"

// promSubsystem groups every collector this binary registers, mirroring
// electrs.go's promSubsystem constant.
const promSubsystem = "esplora_tapyrus"

// Registry holds the counters and gauges shared across the Electrum and
// REST transports, grounded on hemi/electrs's per-client metrics struct
// (rpcCallsTotal/rpcCallsDuration) but counted server-side.
type Registry struct {
	RequestsTotal    *prometheus.CounterVec
	RequestsDuration *prometheus.HistogramVec
	MempoolSize      prometheus.Gauge
	TipHeight        prometheus.Gauge
	ConnectionsOpen  prometheus.Gauge
}

// NewRegistry builds a Registry under namespace.
func NewRegistry(namespace string) *Registry {
	return &Registry{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: promSubsystem,
			Name:      "requests_total",
			Help:      "Total number of Electrum/REST requests served.",
		}, []string{"transport", "method"}),
		RequestsDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: promSubsystem,
			Name:      "request_duration_seconds",
			Help:      "Electrum/REST request durations in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"transport", "method"}),
		MempoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: promSubsystem,
			Name:      "mempool_size",
			Help:      "Number of transactions currently tracked in the replica mempool.",
		}),
		TipHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: promSubsystem,
			Name:      "tip_height",
			Help:      "Height of the indexer's current best block.",
		}),
		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: promSubsystem,
			Name:      "electrum_connections_open",
			Help:      "Number of open Electrum client connections.",
		}),
	}
}

// Collectors returns every collector in r, ready to pass to Server.Run.
func (r *Registry) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		r.RequestsTotal,
		r.RequestsDuration,
		r.MempoolSize,
		r.TipHeight,
		r.ConnectionsOpen,
	}
}
