package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons reported by RelayMetrics.
const (
	DropReasonMalformed = "malformed"
	DropReasonPoisoned  = "poisoned"
)

// RelayMetrics tracks what the relay did with each queue message.
type RelayMetrics struct {
	mu sync.RWMutex

	applied       map[string]uint64
	dropped       map[string]uint64
	applyFailures map[string]uint64
	lastAppliedAt time.Time
	lastFailureAt time.Time

	appliedTotal       *prometheus.CounterVec
	droppedTotal       *prometheus.CounterVec
	applyFailuresTotal *prometheus.CounterVec
	applyDuration      *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// RelayMetricsSnapshot provides a point-in-time view of RelayMetrics.
type RelayMetricsSnapshot struct {
	Applied       map[string]uint64 `json:"applied"`
	Dropped       map[string]uint64 `json:"dropped"`
	ApplyFailures map[string]uint64 `json:"apply_failures"`
	LastAppliedAt time.Time         `json:"last_applied_at,omitempty"`
	LastFailureAt time.Time         `json:"last_failure_at,omitempty"`
	CollectedAt   time.Time         `json:"collected_at"`
}

func newRelayCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "postrelay",
			Subsystem: "relay",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewRelayMetrics creates relay collectors bound to registerer (the default
// registerer when nil). Call Register before exposing them.
func NewRelayMetrics(registerer prometheus.Registerer) *RelayMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &RelayMetrics{
		applied:            make(map[string]uint64),
		dropped:            make(map[string]uint64),
		applyFailures:      make(map[string]uint64),
		registerer:         registerer,
		appliedTotal:       newRelayCounterVec("applied_total", "Queue events applied to the record store", []string{"action"}),
		droppedTotal:       newRelayCounterVec("dropped_total", "Queue events acknowledged without being applied", []string{"reason"}),
		applyFailuresTotal: newRelayCounterVec("apply_failures_total", "Queue events left unacknowledged after a record store failure", []string{"action"}),
		applyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "postrelay",
			Subsystem: "relay",
			Name:      "apply_duration_seconds",
			Help:      "Time spent applying a queue event",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *RelayMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.appliedTotal,
		m.droppedTotal,
		m.applyFailuresTotal,
		m.applyDuration,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordApplied counts an event applied to the store.
func (m *RelayMetrics) RecordApplied(action string, took time.Duration) {
	action = actionLabel(action)

	m.mu.Lock()
	m.applied[action]++
	m.lastAppliedAt = time.Now()
	m.mu.Unlock()

	m.appliedTotal.WithLabelValues(action).Inc()
	m.applyDuration.WithLabelValues(action).Observe(took.Seconds())
}

// RecordDropped counts an event acknowledged without effect.
func (m *RelayMetrics) RecordDropped(reason string) {
	m.mu.Lock()
	m.dropped[reason]++
	m.mu.Unlock()

	m.droppedTotal.WithLabelValues(reason).Inc()
}

// RecordApplyFailure counts an event the store failed to apply.
func (m *RelayMetrics) RecordApplyFailure(action string) {
	action = actionLabel(action)

	m.mu.Lock()
	m.applyFailures[action]++
	m.lastFailureAt = time.Now()
	m.mu.Unlock()

	m.applyFailuresTotal.WithLabelValues(action).Inc()
}

// Snapshot returns a copy of the counters.
func (m *RelayMetrics) Snapshot() RelayMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return RelayMetricsSnapshot{
		Applied:       copyCounts(m.applied),
		Dropped:       copyCounts(m.dropped),
		ApplyFailures: copyCounts(m.applyFailures),
		LastAppliedAt: m.lastAppliedAt,
		LastFailureAt: m.lastFailureAt,
		CollectedAt:   time.Now(),
	}
}

// Reset clears all counters (useful for testing).
func (m *RelayMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.applied = make(map[string]uint64)
	m.dropped = make(map[string]uint64)
	m.applyFailures = make(map[string]uint64)
	m.lastAppliedAt = time.Time{}
	m.lastFailureAt = time.Time{}
	m.appliedTotal.Reset()
	m.droppedTotal.Reset()
	m.applyFailuresTotal.Reset()
	m.applyDuration.Reset()
}

func copyCounts(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func actionLabel(action string) string {
	if action == "" {
		return "unknown"
	}
	return action
}
