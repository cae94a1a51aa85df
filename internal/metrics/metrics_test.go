package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.IncSignal("indicator", "enforcement_applied")
	m.IncSignal("indicator", "enforcement_applied")
	m.IncPolicyCommits()
	m.AddJobsReaped(3)
	m.IncDegradedPolls("feed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SignalsProcessed.WithLabelValues("indicator", "enforcement_applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PolicyCommits))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.JobsReaped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DegradedPolls.WithLabelValues("feed")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncSignal("vulnerability", "no_match")
		m.IncPolicyConflicts()
		m.IncJobsLaunched()
		m.AddJobsReaped(1)
	})
}
