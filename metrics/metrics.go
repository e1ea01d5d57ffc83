// Package metrics exposes optional Prometheus instrumentation for the
// embedded MQTT client. The client package imports it, so prometheus is
// linked into every binary that uses the client; a Collector is only
// allocated, and metrics only recorded, when the application attaches a
// *Collector to client.Config.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector holds the counters and gauges the reactor updates on every
// packet boundary, grounded on the teacher's golang-io-mqtt Stat type but
// instance-scoped (its own *prometheus.Registry) rather than a package
// global, so more than one Client in a process never collides on metric
// registration.
type Collector struct {
	Registry *prometheus.Registry

	ActiveConnections prometheus.Gauge
	InFlightMessages  prometheus.Gauge
	PacketsSent       prometheus.Counter
	PacketsReceived   prometheus.Counter
	BytesSent         prometheus.Counter
	BytesReceived     prometheus.Counter
	ConnackFailures   prometheus.Counter
	ConnClosedErrors  prometheus.Counter
}

// New builds a Collector with its own registry and registers every metric.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry:           reg,
		ActiveConnections:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqttclient_active_connections", Help: "Number of connections currently registered with the reactor."}),
		InFlightMessages:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqttclient_inflight_messages", Help: "Number of messages awaiting completion across all connections."}),
		PacketsSent:        prometheus.NewCounter(prometheus.CounterOpts{Name: "mqttclient_packets_sent_total", Help: "Total MQTT packets written to the wire."}),
		PacketsReceived:    prometheus.NewCounter(prometheus.CounterOpts{Name: "mqttclient_packets_received_total", Help: "Total MQTT packets parsed from the wire."}),
		BytesSent:          prometheus.NewCounter(prometheus.CounterOpts{Name: "mqttclient_bytes_sent_total", Help: "Total bytes written to the wire."}),
		BytesReceived:      prometheus.NewCounter(prometheus.CounterOpts{Name: "mqttclient_bytes_received_total", Help: "Total bytes read from the wire."}),
		ConnackFailures:    prometheus.NewCounter(prometheus.CounterOpts{Name: "mqttclient_connack_failures_total", Help: "CONNECT attempts rejected by the broker."}),
		ConnClosedErrors:   prometheus.NewCounter(prometheus.CounterOpts{Name: "mqttclient_conn_closed_errors_total", Help: "Messages failed with ConnClosed due to a fatal transport error or explicit close."}),
	}

	reg.MustRegister(
		c.ActiveConnections,
		c.InFlightMessages,
		c.PacketsSent,
		c.PacketsReceived,
		c.BytesSent,
		c.BytesReceived,
		c.ConnackFailures,
		c.ConnClosedErrors,
	)

	return c
}

// The methods below are nil-receiver safe so call sites never need to
// check whether a Collector was configured.

func (c *Collector) ConnOpened() {
	if c == nil {
		return
	}
	c.ActiveConnections.Inc()
}

func (c *Collector) ConnClosed() {
	if c == nil {
		return
	}
	c.ActiveConnections.Dec()
}

func (c *Collector) MessageQueued() {
	if c == nil {
		return
	}
	c.InFlightMessages.Inc()
}

func (c *Collector) MessageCompleted() {
	if c == nil {
		return
	}
	c.InFlightMessages.Dec()
}

func (c *Collector) BytesSentInc(n int) {
	if c == nil {
		return
	}
	c.BytesSent.Add(float64(n))
}

func (c *Collector) BytesReceivedInc(n int) {
	if c == nil {
		return
	}
	c.BytesReceived.Add(float64(n))
}

func (c *Collector) PacketSentInc() {
	if c == nil {
		return
	}
	c.PacketsSent.Inc()
}

func (c *Collector) PacketReceivedInc() {
	if c == nil {
		return
	}
	c.PacketsReceived.Inc()
}

func (c *Collector) ConnackFailed() {
	if c == nil {
		return
	}
	c.ConnackFailures.Inc()
}

func (c *Collector) ConnClosedError() {
	if c == nil {
		return
	}
	c.ConnClosedErrors.Inc()
}
