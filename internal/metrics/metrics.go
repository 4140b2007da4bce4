// Package metrics exposes the coordinator's and worker's runtime
// counters via github.com/prometheus/client_golang, served over
// /metrics on the worker HTTP daemon's promhttp handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the coordinator and local/remote
// worker backends emit, registered against a private registerer so
// multiple Runs in the same process (tests) don't collide on the
// global default registerer.
type Registry struct {
	reg *prometheus.Registry

	SlotsDispatched   prometheus.Counter
	SlotsCommitted    prometheus.Counter
	SlotsFailed       prometheus.Counter
	SlotsSkipped      prometheus.Counter
	DispatchStalls    prometheus.Counter
	InFlightGlobal    prometheus.Gauge
	VariantsPruned    prometheus.Counter
	CommitLatency     prometheus.Histogram
	TrialAttempts     *prometheus.CounterVec
	BackendQuarantines prometheus.Counter
}

// New constructs and registers the metric set.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		SlotsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentlab_runner_slots_dispatched_total",
			Help: "Slots submitted to a worker backend.",
		}),
		SlotsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentlab_runner_slots_committed_total",
			Help: "Trial completions received whose terminal status was not failed.",
		}),
		SlotsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentlab_runner_slots_failed_total",
			Help: "Trial completions received whose terminal status was failed.",
		}),
		SlotsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentlab_runner_slots_skipped_total",
			Help: "Slots resolved without a trial because their variant was already pruned.",
		}),
		DispatchStalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentlab_runner_dispatch_stalls_total",
			Help: "Times the dispatch gate declined to submit due to backpressure.",
		}),
		InFlightGlobal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentlab_runner_in_flight_global",
			Help: "Currently in-flight trials across all variants.",
		}),
		VariantsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentlab_runner_variants_pruned_total",
			Help: "Variants pruned after crossing their consecutive-failure threshold.",
		}),
		CommitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentlab_runner_commit_latency_seconds",
			Help:    "Wall-clock time from completion receipt to journal commit.",
			Buckets: prometheus.DefBuckets,
		}),
		TrialAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentlab_runner_trial_attempts_total",
			Help: "Trial attempts by terminal classification.",
		}, []string{"classification"}),
		BackendQuarantines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentlab_runner_backend_quarantines_total",
			Help: "Worker backend protocol faults that quarantined the backend.",
		}),
	}
	reg.MustRegister(
		r.SlotsDispatched, r.SlotsCommitted, r.SlotsFailed, r.SlotsSkipped, r.DispatchStalls,
		r.InFlightGlobal, r.VariantsPruned, r.CommitLatency, r.TrialAttempts,
		r.BackendQuarantines,
	)
	return r
}

// Handler returns the promhttp handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
