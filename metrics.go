package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

// gatewayMetrics counts sessions and relayed traffic.
type gatewayMetrics struct {
	connections *prometheus.CounterVec // by transport
	active      prometheus.Gauge
	failures    *prometheus.CounterVec // by error kind
	bytes       *prometheus.CounterVec // by direction
}

func newGatewayMetrics(reg prometheus.Registerer) *gatewayMetrics {
	m := &gatewayMetrics{
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wng",
			Name:      "client_connections_total",
			Help:      "Client connections handed to the gateway, by transport.",
		}, []string{"transport"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wng",
			Name:      "sessions_active",
			Help:      "Sessions currently running.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wng",
			Name:      "session_errors_total",
			Help:      "Sessions terminated by an error, by error kind.",
		}, []string{"kind"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wng",
			Name:      "relayed_bytes_total",
			Help:      "Bytes relayed to and from remote hosts.",
		}, []string{"direction"}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.active, m.failures, m.bytes)
	}
	return m
}

func (m *gatewayMetrics) clientConnected(transport string) {
	m.connections.WithLabelValues(transport).Inc()
}

func (m *gatewayMetrics) sessionFailed(err error) {
	m.failures.WithLabelValues(KindOf(err).String()).Inc()
}

func (m *gatewayMetrics) received(n int) { m.bytes.WithLabelValues("in").Add(float64(n)) }

func (m *gatewayMetrics) sent(n int) { m.bytes.WithLabelValues("out").Add(float64(n)) }
