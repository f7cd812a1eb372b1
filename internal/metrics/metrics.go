// Package metrics exposes the prometheus metrics surface for the cluster
// core (SPEC_FULL.md §4.12). These are a read-only, external-collaborator
// visible surface — protocol decisions never branch on a metric value.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric the cluster core updates.
type Registry struct {
	EstablishedPeers prometheus.Gauge
	Role             prometheus.Gauge
	LockWaitSeconds  prometheus.Histogram
	PatchOutcomes    *prometheus.CounterVec
	FileBytesTotal   *prometheus.CounterVec
}

// NewRegistry builds and registers a fresh Registry against reg. Passing a
// nil reg uses a private, unregistered prometheus.Registry so tests don't
// collide with the default global registry.
func NewRegistry(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	r := &Registry{
		EstablishedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cluster_established_peers",
			Help: "Number of remote peers currently established.",
		}),
		Role: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cluster_role",
			Help: "1 if this peer is the elected leader, 0 otherwise.",
		}),
		LockWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cluster_lock_wait_seconds",
			Help:    "Time spent waiting to acquire a cluster lock.",
			Buckets: prometheus.DefBuckets,
		}),
		PatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cluster_patch_outcomes_total",
			Help: "Replication patch fan-out outcomes.",
		}, []string{"outcome"}),
		FileBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cluster_file_bytes_total",
			Help: "Bytes moved through the file transfer side channel.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		r.EstablishedPeers,
		r.Role,
		r.LockWaitSeconds,
		r.PatchOutcomes,
		r.FileBytesTotal,
	)
	return r
}
