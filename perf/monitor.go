// Package perf tracks per-device throughput, latency, and error counters on
// lock-free atomics. Recording sits on the sample path, so it must never
// take a lock or allocate once a device's counter block exists.
package perf

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ljchang/hyperstudy-bridge-sub001/metric"
)

// counters is the per-device atomic counter block.
type counters struct {
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	errors           atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64

	totalLatencyNs atomic.Uint64
	lastLatencyNs  atomic.Uint64
	latencyCount   atomic.Uint64

	connectionAttempts  atomic.Uint64
	connectionSuccesses atomic.Uint64
	reconnects          atomic.Uint64

	lastActivityMs atomic.Int64
	firstSeenMs    atomic.Int64
}

// DeviceMetrics is a point-in-time view of one device's counters.
type DeviceMetrics struct {
	MessagesSent        uint64  `json:"messages_sent"`
	MessagesReceived    uint64  `json:"messages_received"`
	Errors              uint64  `json:"errors"`
	BytesSent           uint64  `json:"bytes_sent"`
	BytesReceived       uint64  `json:"bytes_received"`
	AvgLatencyMs        float64 `json:"avg_latency_ms"`
	LastLatencyMs       float64 `json:"last_latency_ms"`
	ThroughputPerSec    float64 `json:"throughput_per_sec"`
	SuccessRate         float64 `json:"success_rate"`
	ConnectionAttempts  uint64  `json:"connection_attempts"`
	ConnectionSuccesses uint64  `json:"connection_successes"`
	Reconnects          uint64  `json:"reconnects"`
	LastActivity        int64   `json:"last_activity"`
}

// Snapshot is the full metrics document served by the metrics query.
type Snapshot struct {
	UptimeSeconds float64                  `json:"uptime_seconds"`
	Devices       map[string]DeviceMetrics `json:"devices"`
}

// Monitor aggregates per-device performance counters. The zero value is not
// usable; create with NewMonitor.
type Monitor struct {
	devices sync.Map // string -> *counters
	started time.Time

	// optional Prometheus mirror; nil disables mirroring
	metrics *metric.Metrics
}

// NewMonitor creates a monitor. reg may be nil to disable the Prometheus
// mirror.
func NewMonitor(reg *metric.Registry) *Monitor {
	m := &Monitor{started: time.Now()}
	if reg != nil {
		m.metrics = reg.Metrics
	}
	return m
}

func (m *Monitor) get(device string) *counters {
	if c, ok := m.devices.Load(device); ok {
		return c.(*counters)
	}
	c := &counters{}
	c.firstSeenMs.Store(time.Now().UnixMilli())
	actual, _ := m.devices.LoadOrStore(device, c)
	return actual.(*counters)
}

// RecordCommand records one command execution against a device.
func (m *Monitor) RecordCommand(device, action string, latency time.Duration, err error) {
	c := m.get(device)
	c.messagesSent.Add(1)
	c.lastLatencyNs.Store(uint64(latency.Nanoseconds()))
	c.totalLatencyNs.Add(uint64(latency.Nanoseconds()))
	c.latencyCount.Add(1)
	c.lastActivityMs.Store(time.Now().UnixMilli())
	if err != nil {
		c.errors.Add(1)
	}

	if m.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		m.metrics.CommandsTotal.WithLabelValues(device, action, outcome).Inc()
		m.metrics.CommandDuration.WithLabelValues(device).Observe(latency.Seconds())
	}
}

// RecordSent records outbound transport traffic.
func (m *Monitor) RecordSent(device string, bytes int) {
	c := m.get(device)
	c.bytesSent.Add(uint64(bytes))
	c.lastActivityMs.Store(time.Now().UnixMilli())

	if m.metrics != nil {
		m.metrics.BytesTotal.WithLabelValues(device, "sent").Add(float64(bytes))
	}
}

// RecordReceived records inbound transport traffic, counted as one message.
func (m *Monitor) RecordReceived(device string, bytes int) {
	c := m.get(device)
	c.messagesReceived.Add(1)
	c.bytesReceived.Add(uint64(bytes))
	c.lastActivityMs.Store(time.Now().UnixMilli())

	if m.metrics != nil {
		m.metrics.BytesTotal.WithLabelValues(device, "received").Add(float64(bytes))
		m.metrics.SamplesTotal.WithLabelValues(device).Inc()
	}
}

// RecordConnection records a connection attempt and its outcome.
func (m *Monitor) RecordConnection(device string, success bool) {
	c := m.get(device)
	c.connectionAttempts.Add(1)
	if success {
		c.connectionSuccesses.Add(1)
	} else {
		c.errors.Add(1)
	}
	c.lastActivityMs.Store(time.Now().UnixMilli())
}

// RecordReconnect records one automatic reconnection attempt.
func (m *Monitor) RecordReconnect(device string) {
	m.get(device).reconnects.Add(1)

	if m.metrics != nil {
		m.metrics.ReconnectsTotal.WithLabelValues(device).Inc()
	}
}

// RecordError records a device error outside a command (read loops etc).
func (m *Monitor) RecordError(device string) {
	c := m.get(device)
	c.errors.Add(1)
	c.lastActivityMs.Store(time.Now().UnixMilli())
}

// Reset clears one device's counters.
func (m *Monitor) Reset(device string) {
	m.devices.Delete(device)
}

// Device returns the metrics view for one device.
func (m *Monitor) Device(device string) (DeviceMetrics, bool) {
	c, ok := m.devices.Load(device)
	if !ok {
		return DeviceMetrics{}, false
	}
	return m.view(c.(*counters)), true
}

// Snapshot returns the full metrics document.
func (m *Monitor) Snapshot() Snapshot {
	snap := Snapshot{
		UptimeSeconds: time.Since(m.started).Seconds(),
		Devices:       make(map[string]DeviceMetrics),
	}
	m.devices.Range(func(key, value any) bool {
		snap.Devices[key.(string)] = m.view(value.(*counters))
		return true
	})
	return snap
}

func (m *Monitor) view(c *counters) DeviceMetrics {
	dm := DeviceMetrics{
		MessagesSent:        c.messagesSent.Load(),
		MessagesReceived:    c.messagesReceived.Load(),
		Errors:              c.errors.Load(),
		BytesSent:           c.bytesSent.Load(),
		BytesReceived:       c.bytesReceived.Load(),
		LastLatencyMs:       float64(c.lastLatencyNs.Load()) / 1e6,
		ConnectionAttempts:  c.connectionAttempts.Load(),
		ConnectionSuccesses: c.connectionSuccesses.Load(),
		Reconnects:          c.reconnects.Load(),
		LastActivity:        c.lastActivityMs.Load(),
	}

	if n := c.latencyCount.Load(); n > 0 {
		dm.AvgLatencyMs = float64(c.totalLatencyNs.Load()) / float64(n) / 1e6
	}

	total := dm.MessagesSent + dm.MessagesReceived
	if elapsed := time.Since(time.UnixMilli(c.firstSeenMs.Load())).Seconds(); elapsed > 0 {
		dm.ThroughputPerSec = float64(total) / elapsed
	}

	if dm.MessagesSent > 0 {
		dm.SuccessRate = float64(dm.MessagesSent-min(dm.Errors, dm.MessagesSent)) / float64(dm.MessagesSent)
	}
	return dm
}
