package fanout

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes hub activity to Prometheus.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	subscribers *prometheus.GaugeVec
	published   *prometheus.CounterVec
	delivered   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
}

func newFanoutCounterVec(name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "postrelay",
		Subsystem: "fanout",
		Name:      name,
		Help:      help,
	}, []string{"topic"})
}

// NewMetrics creates hub collectors bound to registerer (the default
// registerer when nil). Call Register before use.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer: registerer,
		subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "postrelay",
			Subsystem: "fanout",
			Name:      "subscribers",
			Help:      "Current number of live subscriptions per topic",
		}, []string{"topic"}),
		published: newFanoutCounterVec("notifications_published_total", "Change notifications published per topic"),
		delivered: newFanoutCounterVec("notifications_delivered_total", "Change notifications handed to a subscriber"),
		dropped:   newFanoutCounterVec("subscribers_dropped_total", "Subscribers removed because their buffer was full"),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{m.subscribers, m.published, m.delivered, m.dropped} {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func (m *Metrics) subscribed(topic string) {
	if m != nil {
		m.subscribers.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) unsubscribed(topic string) {
	if m != nil {
		m.subscribers.WithLabelValues(topic).Dec()
	}
}

func (m *Metrics) publish(topic string, delivered, dropped int) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(topic).Inc()
	m.delivered.WithLabelValues(topic).Add(float64(delivered))
	if dropped > 0 {
		m.dropped.WithLabelValues(topic).Add(float64(dropped))
	}
}
