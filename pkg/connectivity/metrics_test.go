package connectivity

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_FailedRegistrationLeavesNothingBehind(t *testing.T) {
	reg := prometheus.NewRegistry()
	conflict := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "subscribers",
		Help:      "Registered by someone else.",
	})
	reg.MustRegister(conflict)

	_, err := newMetrics(reg)
	require.Error(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "connwatch_subscribers", families[0].GetName())

	// Once the conflict is gone a retry with the same registerer works.
	require.True(t, reg.Unregister(conflict))
	_, err = newMetrics(reg)
	assert.NoError(t, err)
}

func TestNewMetrics_NilRegisterer(t *testing.T) {
	m, err := newMetrics(nil)
	require.NoError(t, err)
	m.observeTransition(Event{State: Available})
}
