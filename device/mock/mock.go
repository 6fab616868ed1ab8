// Package mock provides a synthetic driver producing periodic samples. It
// backs registry and server tests and can be registered from production
// config for soak testing a deployment without hardware.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ljchang/hyperstudy-bridge-sub001/device"
	"github.com/ljchang/hyperstudy-bridge-sub001/errors"
)

// Settings configures the mock driver.
type Settings struct {
	IntervalMs    int  `json:"interval_ms,omitempty"`     // sample period, default 100
	SendLatencyMs int  `json:"send_latency_ms,omitempty"` // artificial Send delay
	FailConnect   bool `json:"fail_connect,omitempty"`    // force Connect to fail
	Silent        bool `json:"silent,omitempty"`          // Send never completes
}

// Sample is one synthetic data point.
type Sample struct {
	Seq       uint64  `json:"seq"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
}

// Device is the synthetic driver.
type Device struct {
	*device.Base

	mu       sync.Mutex
	settings Settings
	stop     chan struct{}
	wg       sync.WaitGroup
	seq      uint64
}

// New creates a mock driver.
func New(id string, sink device.EventSink, log *slog.Logger) *Device {
	return &Device{
		Base:     device.NewBase(device.Info{ID: id, Name: "Mock Device", Kind: device.KindMock}, sink, log),
		settings: Settings{IntervalMs: 100},
	}
}

// Configure merges the supplied fields into the current settings and
// validates the result.
func (d *Device) Configure(raw json.RawMessage) error {
	d.mu.Lock()
	s := d.settings
	d.mu.Unlock()

	if err := json.Unmarshal(raw, &s); err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "MockDevice", "Configure", "decode settings")
	}
	if s.IntervalMs < 0 || s.SendLatencyMs < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "MockDevice", "Configure", "negative value")
	}
	if s.IntervalMs == 0 {
		s.IntervalMs = 100
	}

	d.mu.Lock()
	d.settings = s
	d.mu.Unlock()
	return nil
}

// Connect starts the synthetic sample ticker.
func (d *Device) Connect(ctx context.Context) error {
	if err := d.BeginConnect(); err != nil {
		return err
	}

	d.mu.Lock()
	s := d.settings
	d.mu.Unlock()

	if s.FailConnect {
		err := errors.WrapTransient(errors.ErrConnectionFailed, "MockDevice", "Connect", "forced failure")
		d.Fail(err)
		return err
	}

	stop := make(chan struct{})
	d.mu.Lock()
	d.stop = stop
	d.mu.Unlock()

	d.wg.Add(1)
	go d.tick(stop, time.Duration(s.IntervalMs)*time.Millisecond)

	d.Transition(device.StateConnected)
	return nil
}

// Disconnect stops the ticker. Idempotent.
func (d *Device) Disconnect() error {
	d.mu.Lock()
	stop := d.stop
	d.stop = nil
	d.mu.Unlock()

	if stop != nil {
		close(stop)
		d.wg.Wait()
	}
	d.Transition(device.StateDisconnected)
	return nil
}

// Send echoes the payload back after the configured latency. With silent
// set, Send blocks until the context expires.
func (d *Device) Send(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if d.State() != device.StateConnected {
		return nil, errors.WrapInvalid(errors.ErrNotConnected, "MockDevice", "Send", "state check")
	}

	d.mu.Lock()
	s := d.settings
	d.mu.Unlock()

	if s.Silent {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if s.SendLatencyMs > 0 {
		select {
		case <-time.After(time.Duration(s.SendLatencyMs) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	out, _ := json.Marshal(map[string]any{"echo": payload, "timestamp": time.Now().UnixMilli()})
	return out, nil
}

func (d *Device) tick(stop chan struct{}, interval time.Duration) {
	defer d.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.mu.Lock()
			d.seq++
			seq := d.seq
			d.mu.Unlock()

			d.EmitData(Sample{
				Seq:       seq,
				Value:     math.Sin(float64(seq) / 10),
				Timestamp: time.Now().UnixMilli(),
			})
		}
	}
}
