package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveInstanceCreated("payroll_batch")
	m.ObserveDecision("payroll_batch", "approved", "ok")
	m.ObserveDecision("payroll_batch", "approved", "ok")
	m.ObserveDecision("payroll_batch", "rejected", "MISSING_REJECTION_COMMENTS")
	m.ObserveDispatch("notify", "ok", 20*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.InstancesCreated.WithLabelValues("payroll_batch")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Decisions.WithLabelValues("payroll_batch", "approved", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("payroll_batch", "rejected", "MISSING_REJECTION_COMMENTS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatchJobs.WithLabelValues("notify", "ok")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.DispatchDuration))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveInstanceCreated("leave")
		m.ObserveDecision("leave", "approved", "ok")
		m.ObserveDispatch("notify", "ok", time.Second)
	})
}
