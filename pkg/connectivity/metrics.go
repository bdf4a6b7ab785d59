package connectivity

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "connwatch"

type metrics struct {
	state       prometheus.Gauge
	transitions *prometheus.CounterVec
	rawEvents   *prometheus.CounterVec
	debounced   prometheus.Counter
	subscribers prometheus.Gauge
	lagged      prometheus.Counter
	coalesced   prometheus.Counter
}

// newMetrics always builds the collectors so callers never check for nil;
// they are only registered when reg is set.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "available",
			Help:      "1 when the host is considered connected, 0 otherwise.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transitions_total",
			Help:      "Connectivity transitions emitted, by new state.",
		}, []string{"state"}),
		rawEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "raw_events_total",
			Help:      "Raw platform events received, by kind.",
		}, []string{"kind"}),
		debounced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "debounced_signals_total",
			Help:      "Normalized signals that did not change the state.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "subscribers",
			Help:      "Live subscriptions.",
		}),
		lagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "lagged_subscribers_total",
			Help:      "Subscribers dropped for falling behind.",
		}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "coalesced_events_total",
			Help:      "Pending transitions discarded for slow subscribers.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	collectors := []prometheus.Collector{m.state, m.transitions, m.rawEvents, m.debounced, m.subscribers, m.lagged, m.coalesced}
	for i, c := range collectors {
		if err := reg.Register(c); err != nil {
			for _, registered := range collectors[:i] {
				reg.Unregister(registered)
			}
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) observeTransition(ev Event) {
	m.transitions.WithLabelValues(ev.State.String()).Inc()
	if ev.State == Available {
		m.state.Set(1)
	} else {
		m.state.Set(0)
	}
}
