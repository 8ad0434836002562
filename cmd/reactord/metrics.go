package main

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the gauges the demo binary exposes on /metrics, updated
// once per loop iteration by App.sampleMetrics: loop iteration count,
// registered fd count, and MQTT broker-connection count, mirroring the
// host repo's Prometheus wiring in its API server.
type Metrics struct {
	loopIterations prometheus.Counter
	registeredFDs  prometheus.Gauge
	brokerConns    prometheus.Gauge
	sourceState    *prometheus.GaugeVec
}

// NewMetrics registers every gauge with reg and returns the handle App
// uses to update them.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		loopIterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reactor_loop_iterations_total",
			Help: "Number of EventLoop.Run iterations completed.",
		}),
		registeredFDs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reactor_registered_fds",
			Help: "Number of file descriptors currently registered with the EventLoop.",
		}),
		brokerConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reactor_mqtt_broker_connections",
			Help: "Number of distinct MQTT broker TCP connections currently open.",
		}),
		sourceState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reactor_event_source_state",
			Help: "Current lifecycle state of each registered EventSource (see loop.SourceState).",
		}, []string{"source"}),
	}
	reg.MustRegister(m.loopIterations, m.registeredFDs, m.brokerConns, m.sourceState)
	return m
}
