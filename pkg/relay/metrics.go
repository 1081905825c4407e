package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are prometheus collectors for a session. A nil *Metrics records
// nothing.
type Metrics struct {
	registrations    *prometheus.CounterVec
	polls            *prometheus.CounterVec
	relayedRequests  prometheus.Counter
	handlerFailures  prometheus.Counter
	reconnects       prometheus.Counter
	connected        prometheus.Gauge
	emptyPolls       prometheus.Gauge
	activeExchanges  prometheus.Gauge
	exchangeDuration *prometheus.HistogramVec
}

// NewMetrics creates the session collectors and registers them with reg.
// reg may be nil to leave them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "registrations_total",
			Help:      "Registration attempts by result.",
		}, []string{"result"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "polls_total",
			Help:      "Completed polls by outcome.",
		}, []string{"outcome"}),
		relayedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "relayed_requests_total",
			Help:      "Relayed requests answered.",
		}),
		handlerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "handler_failures_total",
			Help:      "Handler invocations that failed or panicked.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "connected",
			Help:      "1 while the session is connected.",
		}),
		emptyPolls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "consecutive_empty_polls",
			Help:      "Consecutive empty polls.",
		}),
		activeExchanges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "active_exchanges",
			Help:      "Exchanges in flight.",
		}),
		exchangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "exchange_duration_seconds",
			Help:      "Exchange duration by kind.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.Collectors()...)
	}
	return m
}

// Collectors returns all collectors, for custom registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.registrations, m.polls, m.relayedRequests, m.handlerFailures,
		m.reconnects, m.connected, m.emptyPolls, m.activeExchanges,
		m.exchangeDuration,
	}
}

func (m *Metrics) registration(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.registrations.WithLabelValues("ok").Inc()
	} else {
		m.registrations.WithLabelValues("error").Inc()
	}
}

func (m *Metrics) poll(outcome string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) relayed(handlerFailed bool) {
	if m == nil {
		return
	}
	m.relayedRequests.Inc()
	if handlerFailed {
		m.handlerFailures.Inc()
	}
}

func (m *Metrics) reconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) setConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) setEmptyPolls(n int) {
	if m == nil {
		return
	}
	m.emptyPolls.Set(float64(n))
}

func (m *Metrics) setActive(n int) {
	if m == nil {
		return
	}
	m.activeExchanges.Set(float64(n))
}

func (m *Metrics) observeExchange(kind Kind, d time.Duration) {
	if m == nil {
		return
	}
	m.exchangeDuration.WithLabelValues(kind.String()).Observe(d.Seconds())
}
