package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_RegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.TasksDispatched.WithLabelValues("writing-crew").Inc()
	c.TasksDispatched.WithLabelValues("writing-crew").Inc()
	c.TasksRunning.Inc()
	c.TaskRetries.Inc()
	c.ObserveAttempt("completed", 250*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.TasksDispatched.WithLabelValues("writing-crew")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.TasksRunning))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.TaskRetries))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.TaskCompletions.WithLabelValues("completed")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestCollector_IsolatedRegistries(t *testing.T) {
	a := NewCollector(prometheus.NewRegistry())
	b := NewCollector(prometheus.NewRegistry())

	a.Delegations.Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(a.Delegations))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.Delegations))
}
