// Package biopac drives a Biopac physiological amplifier over its network
// data transfer link. Frames carry an 8-byte header (4-byte big-endian type
// followed by a 4-byte big-endian body length). The bridge sends control
// frames; the amplifier streams data packets back.
package biopac

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"sync"
	"time"

	"github.com/ljchang/hyperstudy-bridge-sub001/device"
	"github.com/ljchang/hyperstudy-bridge-sub001/errors"
	"github.com/ljchang/hyperstudy-bridge-sub001/perf"
	"github.com/ljchang/hyperstudy-bridge-sub001/pkg/retry"
)

// Frame types.
const (
	FrameStartAcq uint32 = 0x01
	FrameStopAcq  uint32 = 0x02
	FrameMarker   uint32 = 0x03
	FrameSetRate  uint32 = 0x04
	FrameData     uint32 = 0x10
)

const (
	// DefaultPort is the amplifier's data transfer port.
	DefaultPort = 5000

	dialTimeout = 5 * time.Second
	maxBodySize = 1 << 20
)

// Settings configures the Biopac driver.
type Settings struct {
	Host string `json:"host"`
	Port int    `json:"port,omitempty"`
}

func (s *Settings) validate() error {
	if s.Host == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "BiopacDevice", "Configure", "host is required")
	}
	if s.Port < 0 || s.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "BiopacDevice", "Configure", "port out of range")
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	return nil
}

func (s *Settings) addr() string {
	return net.JoinHostPort(s.Host, fmt.Sprintf("%d", s.Port))
}

// DataPacket is one decoded amplifier data frame.
type DataPacket struct {
	Timestamp int64     `json:"timestamp"` // microseconds
	Channels  []float64 `json:"channels"`
}

// Device is the Biopac driver.
type Device struct {
	*device.Base
	mon *perf.Monitor

	mu       sync.Mutex
	settings Settings
	conn     net.Conn
	gen      int
}

// New creates a Biopac driver.
func New(id string, sink device.EventSink, mon *perf.Monitor, log *slog.Logger) *Device {
	return &Device{
		Base:     device.NewBase(device.Info{ID: id, Name: "Biopac MP160", Kind: device.KindBiopac}, sink, log),
		mon:      mon,
		settings: Settings{Port: DefaultPort},
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
			fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "BiopacDevice", "Configure", "decode settings")
	}
	if err := s.validate(); err != nil {
		return err
	}

	d.mu.Lock()
	d.settings = s
	d.mu.Unlock()
	return nil
}

// Connect dials the amplifier and starts the data stream reader.
func (d *Device) Connect(ctx context.Context) error {
	if err := d.BeginConnect(); err != nil {
		return err
	}

	d.mu.Lock()
	s := d.settings
	d.mu.Unlock()

	if s.Host == "" {
		err := errors.WrapInvalid(errors.ErrInvalidConfig, "BiopacDevice", "Connect", "no host configured")
		d.Fail(err)
		return err
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr())
	if d.mon != nil {
		d.mon.RecordConnection(d.Info().ID, err == nil)
	}
	if err != nil {
		wrapped := errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrConnectionFailed, err), "BiopacDevice", "Connect", "dial "+s.addr())
		d.Fail(wrapped)
		return wrapped
	}

	d.mu.Lock()
	d.conn = conn
	d.gen++
	gen := d.gen
	d.mu.Unlock()

	d.Transition(device.StateConnected)
	d.Log().Info("amplifier link established", "addr", s.addr())
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
		conn.Close()
	}
	d.Transition(device.StateDisconnected)
	return nil
}

// Send executes a control command. Payload:
//
//	{"command":"start"}
//	{"command":"stop"}
//	{"command":"marker","label":"stim_onset"}
//	{"command":"set_rate","rate":2000}
func (d *Device) Send(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Command string `json:"command"`
		Label   string `json:"label,omitempty"`
		Rate    uint32 `json:"rate,omitempty"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "BiopacDevice", "Send", "decode payload")
	}

	var frameType uint32
	var body []byte
	switch req.Command {
	case "start":
		frameType = FrameStartAcq
	case "stop":
		frameType = FrameStopAcq
	case "marker":
		if req.Label == "" {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: marker without label", errors.ErrInvalidData), "BiopacDevice", "Send", "marker check")
		}
		frameType = FrameMarker
		body = []byte(req.Label)
	case "set_rate":
		if req.Rate == 0 {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: zero sampling rate", errors.ErrInvalidData), "BiopacDevice", "Send", "rate check")
		}
		frameType = FrameSetRate
		body = make([]byte, 4)
		binary.BigEndian.PutUint32(body, req.Rate)
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown command %q: %w", req.Command, errors.ErrInvalidData),
			"BiopacDevice", "Send", "command check")
	}

	frame := make([]byte, 8+len(body))
	binary.BigEndian.PutUint32(frame[:4], frameType)
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(body)))
	copy(frame[8:], body)

	start := time.Now()
	err := retry.Do(ctx, retry.SendSchedule(), func() error {
		d.mu.Lock()
		conn := d.conn
		d.mu.Unlock()
		if conn == nil {
			return retry.NonRetryable(
				errors.WrapInvalid(errors.ErrNotConnected, "BiopacDevice", "Send", "state check"))
		}
		_, werr := conn.Write(frame)
		return werr
	})

	if d.mon != nil {
		d.mon.RecordCommand(d.Info().ID, req.Command, time.Since(start), err)
		if err == nil {
			d.mon.RecordSent(d.Info().ID, len(frame))
		}
	}

	if err != nil {
		if retry.IsNonRetryable(err) {
			return nil, err
		}
		wrapped := errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrCommunication, err), "BiopacDevice", "Send", "control write")
		d.Fail(wrapped)
		return nil, wrapped
	}

	out, _ := json.Marshal(map[string]any{"command": req.Command, "sent": true})
	return out, nil
}

func (d *Device) readLoop(conn net.Conn, gen int) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			d.streamClosed(gen, err)
			return
		}
		frameType := binary.BigEndian.Uint32(header[:4])
		size := binary.BigEndian.Uint32(header[4:8])
		if size > maxBodySize {
			d.streamClosed(gen, fmt.Errorf("%w: oversized frame (%d bytes)", errors.ErrProtocol, size))
			conn.Close()
			return
		}

		body := make([]byte, size)
		if _, err := io.ReadFull(conn, body); err != nil {
			d.streamClosed(gen, err)
			return
		}

		if frameType != FrameData {
			d.Log().Debug("ignoring non-data frame", "type", frameType)
			continue
		}

		packet, err := decodeData(body)
		if err != nil {
			d.Log().Warn("undecodable data frame", "error", err)
			if d.mon != nil {
				d.mon.RecordError(d.Info().ID)
			}
			continue
		}

		if d.mon != nil {
			d.mon.RecordReceived(d.Info().ID, len(body)+8)
		}
		d.EmitData(packet)
	}
}

func (d *Device) streamClosed(gen int, err error) {
	d.mu.Lock()
	stale := gen != d.gen
	d.mu.Unlock()
	if stale {
		return
	}
	d.Fail(errors.WrapTransient(
		fmt.Errorf("%w: %v", errors.ErrDeviceDisconnected, err), "BiopacDevice", "readLoop", "stream read"))
}

// decodeData parses a data packet body: 8-byte timestamp (µs), 4-byte
// channel count, then count big-endian float64 samples.
func decodeData(body []byte) (DataPacket, error) {
	if len(body) < 12 {
		return DataPacket{}, fmt.Errorf("%w: truncated data packet", errors.ErrProtocol)
	}
	ts := int64(binary.BigEndian.Uint64(body[:8]))
	count := binary.BigEndian.Uint32(body[8:12])
	if len(body) != 12+int(count)*8 {
		return DataPacket{}, fmt.Errorf("%w: channel count mismatch", errors.ErrProtocol)
	}

	channels := make([]float64, count)
	for i := range channels {
		bits := binary.BigEndian.Uint64(body[12+i*8:])
		channels[i] = math.Float64frombits(bits)
	}
	return DataPacket{Timestamp: ts, Channels: channels}, nil
}

// EncodeData builds a data packet body. Exposed for test fixtures that
// script the amplifier side of the link.
func EncodeData(timestamp int64, channels []float64) []byte {
	body := make([]byte, 12+len(channels)*8)
	binary.BigEndian.PutUint64(body[:8], uint64(timestamp))
	binary.BigEndian.PutUint32(body[8:12], uint32(len(channels)))
	for i, v := range channels {
		binary.BigEndian.PutUint64(body[12+i*8:], math.Float64bits(v))
	}
	return body
}
