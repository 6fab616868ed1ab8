// Package pupil drives a Pupil Labs eye tracker through its companion
// WebSocket API. On connect the driver requests the gaze stream; gaze
// messages flow back as data samples. Recording control and event
// annotations go through Send.
package pupil

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ljchang/hyperstudy-bridge-sub001/device"
	"github.com/ljchang/hyperstudy-bridge-sub001/errors"
	"github.com/ljchang/hyperstudy-bridge-sub001/perf"
)

const (
	dialTimeout  = 5 * time.Second
	writeTimeout = 5 * time.Second
)

// Settings configures the Pupil driver.
type Settings struct {
	URL string `json:"url"`
}

func (s *Settings) validate() error {
	if s.URL == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "PupilDevice", "Configure", "url is required")
	}
	u, err := url.Parse(s.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return errors.WrapInvalid(
			fmt.Errorf("%w: url must be ws:// or wss://", errors.ErrInvalidConfig),
			"PupilDevice", "Configure", "url check")
	}
	return nil
}

// GazeSample is one decoded gaze message.
type GazeSample struct {
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
	Confidence    float64 `json:"confidence"`
	PupilDiameter float64 `json:"pupil_diameter,omitempty"`
	Timestamp     float64 `json:"timestamp"`
}

type request struct {
	Action    string  `json:"action"`
	Stream    string  `json:"stream,omitempty"`
	Name      string  `json:"name,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// Device is the Pupil eye tracker driver.
type Device struct {
	*device.Base
	mon *perf.Monitor

	mu       sync.Mutex
	settings Settings
	conn     *websocket.Conn
	writeMu  sync.Mutex // gorilla allows one concurrent writer
	gen      int
}

// New creates a Pupil driver.
func New(id string, sink device.EventSink, mon *perf.Monitor, log *slog.Logger) *Device {
	return &Device{
		Base: device.NewBase(device.Info{ID: id, Name: "Pupil Labs Eye Tracker", Kind: device.KindPupil}, sink, log),
		mon:  mon,
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
			fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "PupilDevice", "Configure", "decode settings")
	}
	if err := s.validate(); err != nil {
		return err
	}

	d.mu.Lock()
	d.settings = s
	d.mu.Unlock()
	return nil
}

// Connect dials the tracker and subscribes to the gaze stream.
func (d *Device) Connect(ctx context.Context) error {
	if err := d.BeginConnect(); err != nil {
		return err
	}

	d.mu.Lock()
	s := d.settings
	d.mu.Unlock()

	if s.URL == "" {
		err := errors.WrapInvalid(errors.ErrInvalidConfig, "PupilDevice", "Connect", "no url configured")
		d.Fail(err)
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, s.URL, nil)
	if d.mon != nil {
		d.mon.RecordConnection(d.Info().ID, err == nil)
	}
	if err != nil {
		wrapped := errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrConnectionFailed, err), "PupilDevice", "Connect", "dial "+s.URL)
		d.Fail(wrapped)
		return wrapped
	}

	if err := d.write(conn, request{Action: "start_streaming", Stream: "gaze"}); err != nil {
		conn.Close()
		d.Fail(err)
		return err
	}

	d.mu.Lock()
	d.conn = conn
	d.gen++
	gen := d.gen
	d.mu.Unlock()

	d.Transition(device.StateConnected)
	d.Log().Info("tracker link established", "url", s.URL)
	go d.readLoop(conn, gen)
	return nil
}

// Disconnect closes the link. Idempotent.
func (d *Device) Disconnect() error {
	d.mu.Lock()
	d.gen++
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()

	if conn != nil {
		d.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		d.writeMu.Unlock()
		conn.Close()
	}
	d.Transition(device.StateDisconnected)
	return nil
}

// Send executes a tracker command. Payload:
//
//	{"command":"start_recording"}
//	{"command":"stop_recording"}
//	{"command":"annotation","label":"stim_onset","timestamp":123.4}
func (d *Device) Send(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Command   string  `json:"command"`
		Label     string  `json:"label,omitempty"`
		Timestamp float64 `json:"timestamp,omitempty"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "PupilDevice", "Send", "decode payload")
	}

	var out request
	switch req.Command {
	case "start_recording", "stop_recording":
		out = request{Action: req.Command}
	case "annotation":
		if req.Label == "" {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: annotation without label", errors.ErrInvalidData),
				"PupilDevice", "Send", "label check")
		}
		ts := req.Timestamp
		if ts == 0 {
			ts = float64(time.Now().UnixMicro()) / 1e6
		}
		out = request{Action: "event", Name: req.Label, Timestamp: ts}
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown command %q: %w", req.Command, errors.ErrInvalidData),
			"PupilDevice", "Send", "command check")
	}

	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return nil, errors.WrapInvalid(errors.ErrNotConnected, "PupilDevice", "Send", "state check")
	}

	start := time.Now()
	err := d.write(conn, out)
	if d.mon != nil {
		d.mon.RecordCommand(d.Info().ID, req.Command, time.Since(start), err)
	}
	if err != nil {
		d.Fail(err)
		return nil, err
	}

	ack, _ := json.Marshal(map[string]any{"command": req.Command, "sent": true})
	return ack, nil
}

func (d *Device) write(conn *websocket.Conn, req request) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(req); err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrCommunication, err), "PupilDevice", "write", req.Action+" write")
	}
	return nil
}

func (d *Device) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			d.mu.Lock()
			stale := gen != d.gen
			d.mu.Unlock()
			if stale {
				return
			}
			d.Fail(errors.WrapTransient(
				fmt.Errorf("%w: %v", errors.ErrDeviceDisconnected, err), "PupilDevice", "readLoop", "stream read"))
			return
		}

		var sample GazeSample
		if err := json.Unmarshal(data, &sample); err != nil {
			d.Log().Warn("undecodable gaze message", "error", err)
			if d.mon != nil {
				d.mon.RecordError(d.Info().ID)
			}
			continue
		}

		if d.mon != nil {
			d.mon.RecordReceived(d.Info().ID, len(data))
		}
		d.EmitData(sample)
	}
}
