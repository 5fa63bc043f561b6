package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersAllMetrics(t *testing.T) {
	m := New()
	require.NotNil(t, m.Registry)

	m.FetchCyclesTotal.WithLabelValues("changed").Inc()
	count := testutil.ToFloat64(m.FetchCyclesTotal.WithLabelValues("changed"))
	assert.Equal(t, float64(1), count)
}

func TestSetConnectionStatus_OneHot(t *testing.T) {
	m := New()
	known := []string{"connecting", "connected", "disconnected", "offline"}

	m.SetConnectionStatus("connected", known)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConnectionStatus.WithLabelValues("connected")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ConnectionStatus.WithLabelValues("connecting")))

	m.SetConnectionStatus("offline", known)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ConnectionStatus.WithLabelValues("connected")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConnectionStatus.WithLabelValues("offline")))
}

func TestTwoInstances_DoNotCollide(t *testing.T) {
	m1 := New()
	m2 := New()
	m1.FetchCyclesTotal.WithLabelValues("changed").Inc()
	assert.Equal(t, float64(0), testutil.ToFloat64(m2.FetchCyclesTotal.WithLabelValues("changed")))
}
