package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the control loop. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	SignalsProcessed *prometheus.CounterVec
	PolicyCommits    prometheus.Counter
	PolicyConflicts  prometheus.Counter
	JobsLaunched     prometheus.Counter
	JobsReaped       prometheus.Counter
	DegradedPolls    *prometheus.CounterVec
}

// NewMetrics registers all collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SignalsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tiops_signals_processed_total",
			Help: "Threat signals processed by the control loop, by kind and outcome",
		}, []string{"kind", "outcome"}),
		PolicyCommits: factory.NewCounter(prometheus.CounterOpts{
			Name: "tiops_policy_commits_total",
			Help: "Deny-list changes committed to the policy store",
		}),
		PolicyConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "tiops_policy_conflicts_total",
			Help: "Policy commits rejected because the document changed since it was read",
		}),
		JobsLaunched: factory.NewCounter(prometheus.CounterOpts{
			Name: "tiops_verification_jobs_launched_total",
			Help: "Verification jobs submitted to the cluster",
		}),
		JobsReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "tiops_verification_jobs_reaped_total",
			Help: "Expired verification jobs deleted by the reaper",
		}),
		DegradedPolls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tiops_provider_degraded_polls_total",
			Help: "Provider polls served from the offline replay source",
		}, []string{"provider"}),
	}
}

func (m *Metrics) IncSignal(kind, outcome string) {
	if m == nil {
		return
	}
	m.SignalsProcessed.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) IncPolicyCommits() {
	if m == nil {
		return
	}
	m.PolicyCommits.Inc()
}

func (m *Metrics) IncPolicyConflicts() {
	if m == nil {
		return
	}
	m.PolicyConflicts.Inc()
}

func (m *Metrics) IncJobsLaunched() {
	if m == nil {
		return
	}
	m.JobsLaunched.Inc()
}

func (m *Metrics) AddJobsReaped(n int) {
	if m == nil {
		return
	}
	m.JobsReaped.Add(float64(n))
}

func (m *Metrics) IncDegradedPolls(provider string) {
	if m == nil {
		return
	}
	m.DegradedPolls.WithLabelValues(provider).Inc()
}
