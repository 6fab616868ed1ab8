// Package lsl provides the lab streaming layer integration. Stream outlets
// and inlets are carried over the messaging bus: descriptors are announced
// on lsl.announce.<uid>, sample chunks travel on lsl.data.<uid>, and
// discovery listens on lsl.announce.>. Time synchronization is derived from
// the bus round-trip time and is explicitly approximate.
package lsl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ljchang/hyperstudy-bridge-sub001/device"
	"github.com/ljchang/hyperstudy-bridge-sub001/errors"
	"github.com/ljchang/hyperstudy-bridge-sub001/perf"
)

const (
	announcePrefix   = "lsl.announce."
	dataPrefix       = "lsl.data."
	announcePeriod   = 5 * time.Second
	staleAfter       = 15 * time.Second
	defaultPullLimit = 256

	// syncThreshold is the RTT above which the clock offset estimate is
	// reported as unsynchronized.
	syncThreshold = 50 * time.Millisecond
)

// StreamInfo describes a stream. Field names follow the LSL metadata model.
type StreamInfo struct {
	UID           string  `json:"uid,omitempty"`
	Name          string  `json:"name"`
	Type          string  `json:"stream_type"`
	ChannelCount  int     `json:"channel_count"`
	NominalSRate  float64 `json:"nominal_srate"`
	ChannelFormat string  `json:"channel_format"`
	SourceID      string  `json:"source_id,omitempty"`
}

func (si *StreamInfo) validate() error {
	if si.Name == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: stream name is required", errors.ErrInvalidData), "LSLDevice", "Send", "stream check")
	}
	if si.ChannelCount <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: channel_count must be positive", errors.ErrInvalidData), "LSLDevice", "Send", "stream check")
	}
	if si.NominalSRate < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: negative nominal_srate", errors.ErrInvalidData), "LSLDevice", "Send", "stream check")
	}
	return nil
}

// chunk is the wire form of one data publication.
type chunk struct {
	Samples   json.RawMessage `json:"samples"`
	Timestamp float64         `json:"timestamp,omitempty"`
}

// TimeSync is the get_time_sync result. Offset is half the measured RTT,
// an estimate good enough for coarse alignment only.
type TimeSync struct {
	OffsetMs     float64 `json:"offset_ms"`
	RTTMs        float64 `json:"rtt_ms"`
	Synchronized bool    `json:"synchronized"`
}

// Device is the LSL integration driver.
type Device struct {
	*device.Base
	bus device.Bus
	mon *perf.Monitor

	mu           sync.Mutex
	outlets      map[string]*outlet
	inlets       map[string]*inlet
	discovered   map[string]discovery
	discoverySub device.Subscription
	wg           sync.WaitGroup
}

// New creates an LSL driver on the given bus.
func New(id string, bus device.Bus, sink device.EventSink, mon *perf.Monitor, log *slog.Logger) *Device {
	return &Device{
		Base:       device.NewBase(device.Info{ID: id, Name: "Lab Streaming Layer", Kind: device.KindLSL}, sink, log),
		bus:        bus,
		mon:        mon,
		outlets:    make(map[string]*outlet),
		inlets:     make(map[string]*inlet),
		discovered: make(map[string]discovery),
	}
}

// Configure accepts an empty settings object; the LSL driver carries no
// connection settings of its own.
func (d *Device) Configure(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var s map[string]any
	if err := json.Unmarshal(raw, &s); err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "LSLDevice", "Configure", "decode settings")
	}
	return nil
}

// Connect starts the discovery listener.
func (d *Device) Connect(ctx context.Context) error {
	if err := d.BeginConnect(); err != nil {
		return err
	}

	if d.bus == nil {
		err := errors.WrapInvalid(errors.ErrInvalidConfig, "LSLDevice", "Connect", "no bus configured")
		d.Fail(err)
		return err
	}

	sub, err := d.bus.Subscribe(announcePrefix+">", d.onAnnounce)
	if d.mon != nil {
		d.mon.RecordConnection(d.Info().ID, err == nil)
	}
	if err != nil {
		wrapped := errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrConnectionFailed, err), "LSLDevice", "Connect", "discovery subscribe")
		d.Fail(wrapped)
		return wrapped
	}

	d.mu.Lock()
	d.discoverySub = sub
	d.mu.Unlock()
	d.Transition(device.StateConnected)
	return nil
}

// Disconnect tears down all outlets, inlets, and the discovery listener.
func (d *Device) Disconnect() error {
	d.mu.Lock()
	sub := d.discoverySub
	d.discoverySub = nil
	outlets := d.outlets
	inlets := d.inlets
	d.outlets = make(map[string]*outlet)
	d.inlets = make(map[string]*inlet)
	d.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	for _, o := range outlets {
		o.stop()
	}
	for _, in := range inlets {
		in.stop()
	}
	d.wg.Wait()

	d.Transition(device.StateDisconnected)
	return nil
}

// Send dispatches one LSL command. Payload: {"command": C, ...} with C one
// of discover, create_outlet, destroy_outlet, connect_inlet,
// disconnect_inlet, push_data, pull_data, get_time_sync.
func (d *Device) Send(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if d.State() != device.StateConnected {
		return nil, errors.WrapInvalid(errors.ErrNotConnected, "LSLDevice", "Send", "state check")
	}

	var req struct {
		Command    string          `json:"command"`
		UID        string          `json:"uid,omitempty"`
		Stream     *StreamInfo     `json:"stream,omitempty"`
		Samples    json.RawMessage `json:"samples,omitempty"`
		Timestamp  float64         `json:"timestamp,omitempty"`
		MaxSamples int             `json:"max_samples,omitempty"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "LSLDevice", "Send", "decode payload")
	}

	start := time.Now()
	out, err := d.dispatch(ctx, req.Command, req.UID, req.Stream, req.Samples, req.Timestamp, req.MaxSamples)
	if d.mon != nil {
		d.mon.RecordCommand(d.Info().ID, req.Command, time.Since(start), err)
	}
	return out, err
}

func (d *Device) dispatch(ctx context.Context, command, uid string, stream *StreamInfo,
	samples json.RawMessage, timestamp float64, maxSamples int) (json.RawMessage, error) {
	switch command {
	case "discover":
		return d.discover()
	case "create_outlet":
		return d.createOutlet(stream)
	case "destroy_outlet":
		return d.destroyOutlet(uid)
	case "push_data":
		return d.pushData(uid, samples, timestamp)
	case "connect_inlet":
		return d.connectInlet(uid)
	case "disconnect_inlet":
		return d.disconnectInlet(uid)
	case "pull_data":
		return d.pullData(uid, maxSamples)
	case "get_time_sync":
		return d.timeSync(ctx)
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown command %q: %w", command, errors.ErrInvalidData),
			"LSLDevice", "Send", "command check")
	}
}

func (d *Device) timeSync(_ context.Context) (json.RawMessage, error) {
	rtt, err := d.bus.RTT()
	if err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrCommunication, err), "LSLDevice", "Send", "rtt probe")
	}

	sync := TimeSync{
		OffsetMs:     rtt.Seconds() * 1000 / 2,
		RTTMs:        rtt.Seconds() * 1000,
		Synchronized: rtt < syncThreshold,
	}
	out, _ := json.Marshal(sync)
	return out, nil
}
