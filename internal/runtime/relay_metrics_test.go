package runtime

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayMetrics_RecordApplied(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRelayMetrics(reg)
	require.NoError(t, m.Register())

	m.RecordApplied("create", 5*time.Millisecond)
	m.RecordApplied("create", 7*time.Millisecond)
	m.RecordApplied("", time.Millisecond)

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.Applied["create"])
	assert.Equal(t, uint64(1), snap.Applied["unknown"])
	assert.False(t, snap.LastAppliedAt.IsZero())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.appliedTotal.WithLabelValues("create")))
}

func TestRelayMetrics_DroppedAndFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRelayMetrics(reg)
	require.NoError(t, m.Register())

	m.RecordDropped(DropReasonMalformed)
	m.RecordDropped(DropReasonMalformed)
	m.RecordDropped(DropReasonPoisoned)
	m.RecordApplyFailure("update")

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.Dropped[DropReasonMalformed])
	assert.Equal(t, uint64(1), snap.Dropped[DropReasonPoisoned])
	assert.Equal(t, uint64(1), snap.ApplyFailures["update"])
	assert.False(t, snap.LastFailureAt.IsZero())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.applyFailuresTotal.WithLabelValues("update")))
}

func TestRelayMetrics_RegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, NewRelayMetrics(reg).Register())
	// a second instance finds its collectors already registered
	assert.NoError(t, NewRelayMetrics(reg).Register())
}

func TestRelayMetrics_SnapshotIsCopy(t *testing.T) {
	m := NewRelayMetrics(prometheus.NewRegistry())
	m.RecordApplied("delete", 0)

	snap := m.Snapshot()
	snap.Applied["delete"] = 99

	assert.Equal(t, uint64(1), m.Snapshot().Applied["delete"])
}

func TestRelayMetrics_Reset(t *testing.T) {
	m := NewRelayMetrics(prometheus.NewRegistry())
	m.RecordApplied("create", 0)
	m.RecordDropped(DropReasonMalformed)

	m.Reset()

	snap := m.Snapshot()
	assert.Empty(t, snap.Applied)
	assert.Empty(t, snap.Dropped)
	assert.True(t, snap.LastAppliedAt.IsZero())
}
