// Package metrics exposes Prometheus collectors for the approval engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the engine's collectors so tests can use a private registry.
type Metrics struct {
	InstancesCreated *prometheus.CounterVec
	Decisions        *prometheus.CounterVec
	DispatchJobs     *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InstancesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hr_approvals",
			Name:      "instances_created_total",
			Help:      "Workflow instances created, by kind.",
		}, []string{"kind"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hr_approvals",
			Name:      "decisions_total",
			Help:      "Decisions submitted, by kind, outcome and result code.",
		}, []string{"kind", "outcome", "result"}),
		DispatchJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hr_approvals",
			Name:      "dispatch_jobs_total",
			Help:      "Dispatch job executions, by type and result.",
		}, []string{"job_type", "result"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hr_approvals",
			Name:      "dispatch_job_duration_seconds",
			Help:      "Time spent executing a dispatch job.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job_type"}),
	}
	if reg != nil {
		reg.MustRegister(m.InstancesCreated, m.Decisions, m.DispatchJobs, m.DispatchDuration)
	}
	return m
}

// ObserveDecision counts one SubmitDecision call. result is "ok" or an error code.
func (m *Metrics) ObserveDecision(kind, outcome, result string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(kind, outcome, result).Inc()
}

// ObserveInstanceCreated counts a new instance.
func (m *Metrics) ObserveInstanceCreated(kind string) {
	if m == nil {
		return
	}
	m.InstancesCreated.WithLabelValues(kind).Inc()
}

// ObserveDispatch records one job execution.
func (m *Metrics) ObserveDispatch(jobType, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.DispatchJobs.WithLabelValues(jobType, result).Inc()
	m.DispatchDuration.WithLabelValues(jobType).Observe(elapsed.Seconds())
}
