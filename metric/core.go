// Package metric provides Prometheus metrics registration and the core
// bridge metric set. Components register their own metrics through the
// Registry; the core set covers devices, commands, events, and clients.
package metric

import "github.com/prometheus/client_golang/prometheus"

// Namespace prefixes every bridge metric.
const Namespace = "bridge"

// Metrics holds the core bridge metrics.
type Metrics struct {
	// DeviceStatus reports the numeric device state
	// (0 disconnected, 1 connecting, 2 connected, 3 error).
	DeviceStatus *prometheus.GaugeVec

	// CommandsTotal counts dispatched commands by device, action, and outcome.
	CommandsTotal *prometheus.CounterVec

	// CommandDuration observes end-to-end command latency in seconds.
	CommandDuration *prometheus.HistogramVec

	// EventsTotal counts fan-out events by device and kind.
	EventsTotal *prometheus.CounterVec

	// EventsDropped counts events shed by per-client overflow.
	EventsDropped *prometheus.CounterVec

	// SamplesTotal counts device data samples.
	SamplesTotal *prometheus.CounterVec

	// BytesTotal counts transport bytes by device and direction.
	BytesTotal *prometheus.CounterVec

	// ReconnectsTotal counts automatic reconnection attempts.
	ReconnectsTotal *prometheus.CounterVec

	// ConnectedClients reports currently connected WebSocket clients.
	ConnectedClients prometheus.Gauge
}

// NewMetrics creates the core bridge metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		DeviceStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "device_status",
			Help:      "Device connection state (0=disconnected, 1=connecting, 2=connected, 3=error)",
		}, []string{"device"}),

		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "commands_total",
			Help:      "Commands dispatched to devices",
		}, []string{"device", "action", "outcome"}),

		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "command_duration_seconds",
			Help:      "End-to-end command latency",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"device"}),

		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "events_total",
			Help:      "Device events delivered to the fan-out",
		}, []string{"device", "kind"}),

		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped by slow-client overflow",
		}, []string{"device"}),

		SamplesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "samples_total",
			Help:      "Data samples produced by devices",
		}, []string{"device"}),

		BytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "transport_bytes_total",
			Help:      "Transport bytes by direction",
		}, []string{"device", "direction"}),

		ReconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "reconnects_total",
			Help:      "Automatic reconnection attempts",
		}, []string{"device"}),

		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "connected_clients",
			Help:      "Currently connected WebSocket clients",
		}),
	}
}
