// Package metrics holds the Prometheus counters for the sync core. A nil
// *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatsync"

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultTimeout = "timeout"
	ResultExpired = "expired"
)

// Metrics is the set of counters exported by the core.
type Metrics struct {
	sessionRefresh     *prometheus.CounterVec
	healthProbe        *prometheus.CounterVec
	healthFailover     prometheus.Counter
	healthPromotion    prometheus.Counter
	channelResubscribe *prometheus.CounterVec
	messagesIngested   *prometheus.CounterVec
	send               *prometheus.CounterVec
}

// New creates the counters and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_refresh_total",
			Help:      "Session refreshes that reached the network, by result.",
		}, []string{"result"}),
		healthProbe: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probe_total",
			Help:      "Connection health probes, by handle role and result.",
		}, []string{"role", "result"}),
		healthFailover: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_failover_total",
			Help:      "Times routing moved from the primary to a fallback handle.",
		}),
		healthPromotion: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_promotion_total",
			Help:      "Fallback handles promoted to primary.",
		}),
		channelResubscribe: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_resubscribe_total",
			Help:      "Realtime channel resubscriptions, by trigger.",
		}, []string{"reason"}),
		messagesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_ingested_total",
			Help:      "Message records merged into the local view, by source.",
		}, []string{"source"}),
		send: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_total",
			Help:      "Message sends, by result.",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.sessionRefresh,
			m.healthProbe,
			m.healthFailover,
			m.healthPromotion,
			m.channelResubscribe,
			m.messagesIngested,
			m.send,
		)
	}

	return m
}

func (m *Metrics) SessionRefresh(result string) {
	if m == nil {
		return
	}

	m.sessionRefresh.WithLabelValues(result).Inc()
}

func (m *Metrics) HealthProbe(role, result string) {
	if m == nil {
		return
	}

	m.healthProbe.WithLabelValues(role, result).Inc()
}

func (m *Metrics) Failover() {
	if m == nil {
		return
	}

	m.healthFailover.Inc()
}

func (m *Metrics) Promotion() {
	if m == nil {
		return
	}

	m.healthPromotion.Inc()
}

func (m *Metrics) Resubscribe(reason string) {
	if m == nil {
		return
	}

	m.channelResubscribe.WithLabelValues(reason).Inc()
}

func (m *Metrics) Ingested(source string) {
	if m == nil {
		return
	}

	m.messagesIngested.WithLabelValues(source).Inc()
}

func (m *Metrics) Send(result string) {
	if m == nil {
		return
	}

	m.send.WithLabelValues(result).Inc()
}
