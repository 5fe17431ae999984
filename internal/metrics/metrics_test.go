package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, c.Write(&pb))
	return pb.GetCounter().GetValue()
}

func TestCountersRecord(t *testing.T) {
	m := New()
	m.Snapshot("kalshi", "published")
	m.Snapshot("kalshi", "published")
	m.AlertTransition("sent", "")
	m.Archive("edges", 12)
	m.ObserveScoring("temperature", 5*time.Millisecond)

	assert.Equal(t, 2.0, counterValue(t, m.Snapshots.WithLabelValues("kalshi", "published")))
	assert.Equal(t, 1.0, counterValue(t, m.AlertTransitions.WithLabelValues("sent", "")))
	assert.Equal(t, 12.0, counterValue(t, m.Archived.WithLabelValues("edges")))

	families, err := m.Registry().Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Snapshot("kalshi", "dropped")
		m.Calibration("scored")
		m.ObserveScoring("http", time.Second)
		_ = m.Registry()
	})
}
