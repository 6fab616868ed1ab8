// Package ttl drives the serial TTL pulse generator used for
// synchronization markers. The protocol is two line commands: PULSE fires
// one pulse, TEST verifies the link. Pulse latency is on the critical path,
// so Send writes directly without retry wrappers or allocation.
package ttl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/ljchang/hyperstudy-bridge-sub001/device"
	"github.com/ljchang/hyperstudy-bridge-sub001/errors"
	"github.com/ljchang/hyperstudy-bridge-sub001/perf"
)

const (
	defaultBaudRate      = 115200
	defaultPulseDuration = 10 * time.Millisecond
	handshakeTimeout     = 2 * time.Second
)

// Port is the serial transport the driver writes to.
type Port interface {
	io.ReadWriteCloser
}

// PortOpener opens a named serial port at the given baud rate. Tests inject
// their own opener.
type PortOpener func(name string, baud int) (Port, error)

// OpenSerial is the production opener backed by go.bug.st/serial. Reads
// block until data arrives; the connection reader goroutine exits when the
// port closes.
func OpenSerial(name string, baud int) (Port, error) {
	return serial.Open(name, &serial.Mode{BaudRate: baud})
}

// DiscoverPorts lists serial port names present on the host.
func DiscoverPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, errors.WrapTransient(err, "TTL", "DiscoverPorts", "enumerate ports")
	}
	return ports, nil
}

// Settings configures the TTL driver.
type Settings struct {
	Port            string `json:"port"`
	BaudRate        int    `json:"baud_rate,omitempty"`
	PulseDurationMs int    `json:"pulse_duration_ms,omitempty"`
}

func (s *Settings) validate() error {
	if s.Port == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "TTLDevice", "Configure", "port is required")
	}
	if s.BaudRate < 0 || s.PulseDurationMs < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "TTLDevice", "Configure", "negative value")
	}
	if s.BaudRate == 0 {
		s.BaudRate = defaultBaudRate
	}
	if s.PulseDurationMs == 0 {
		s.PulseDurationMs = int(defaultPulseDuration / time.Millisecond)
	}
	return nil
}

type command struct {
	Command string `json:"command"`
}

// PulseResult is the ack payload for a PULSE command.
type PulseResult struct {
	Executed  bool    `json:"executed"`
	Success   bool    `json:"success"`
	LatencyMs float64 `json:"latency_ms"`
	Timestamp int64   `json:"timestamp"`
}

// Device is the TTL pulse generator driver.
type Device struct {
	*device.Base
	opener PortOpener
	mon    *perf.Monitor

	mu       sync.Mutex
	settings Settings
	port     Port
	lines    chan string // fed by the connection's single reader goroutine
}

// New creates a TTL driver. opener may be nil to use the serial default.
func New(id string, sink device.EventSink, mon *perf.Monitor, log *slog.Logger, opener PortOpener) *Device {
	if opener == nil {
		opener = OpenSerial
	}
	return &Device{
		Base:   device.NewBase(device.Info{ID: id, Name: "TTL Pulse Generator", Kind: device.KindTTL}, sink, log),
		opener: opener,
		mon:    mon,
		settings: Settings{
			BaudRate:        defaultBaudRate,
			PulseDurationMs: int(defaultPulseDuration / time.Millisecond),
		},
	}
}

// Configure merges the supplied fields into the current settings and
// validates the result. Takes effect on the next Connect.
func (d *Device) Configure(raw json.RawMessage) error {
	d.mu.Lock()
	s := d.settings
	d.mu.Unlock()

	if err := json.Unmarshal(raw, &s); err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "TTLDevice", "Configure", "decode settings")
	}
	if err := s.validate(); err != nil {
		return err
	}

	d.mu.Lock()
	d.settings = s
	d.mu.Unlock()
	return nil
}

// Connect opens the serial port and verifies the link with a TEST handshake.
func (d *Device) Connect(ctx context.Context) error {
	if err := d.BeginConnect(); err != nil {
		return err
	}

	d.mu.Lock()
	s := d.settings
	d.mu.Unlock()

	if s.Port == "" {
		err := errors.WrapInvalid(errors.ErrInvalidConfig, "TTLDevice", "Connect", "no port configured")
		d.Fail(err)
		return err
	}

	opener := d.opener
	if strings.HasSuffix(s.Port, "-mock") {
		opener = openMock
	}

	if d.mon != nil {
		defer func() { d.mon.RecordConnection(d.Info().ID, d.State() == device.StateConnected) }()
	}

	port, err := opener(s.Port, s.BaudRate)
	if err != nil {
		wrapped := errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrConnectionFailed, err), "TTLDevice", "Connect", "open "+s.Port)
		d.Fail(wrapped)
		return wrapped
	}

	// One reader goroutine per connection. Every response line flows through
	// the lines channel, so a probe that timed out cannot leave an orphan
	// reader behind to swallow the answer meant for the next one.
	lines := make(chan string, 4)
	go d.readLines(port, lines)

	if err := d.handshake(ctx, port, lines); err != nil {
		port.Close()
		d.Fail(err)
		return err
	}

	d.mu.Lock()
	d.port = port
	d.lines = lines
	d.mu.Unlock()
	d.Transition(device.StateConnected)
	d.Log().Info("serial link established", "port", s.Port, "baud", s.BaudRate)
	return nil
}

// readLines feeds response lines into ch until the port closes.
func (d *Device) readLines(port Port, ch chan<- string) {
	r := bufio.NewReader(port)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		select {
		case ch <- line:
		default:
			// Nothing is waiting and the channel is full; the device is
			// chattier than the protocol allows. Drop the line.
		}
	}
}

func (d *Device) handshake(ctx context.Context, port Port, lines <-chan string) error {
	// A response that arrived after an earlier probe's deadline is stale.
	for {
		select {
		case <-lines:
			continue
		default:
		}
		break
	}

	if _, err := port.Write([]byte("TEST\n")); err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrConnectionFailed, err), "TTLDevice", "Connect", "handshake write")
	}

	select {
	case line := <-lines:
		if strings.TrimSpace(line) == "" {
			return errors.WrapTransient(
				fmt.Errorf("%w: empty handshake response", errors.ErrConnectionFailed),
				"TTLDevice", "Connect", "handshake read")
		}
		return nil
	case <-time.After(handshakeTimeout):
		return errors.WrapTransient(
			fmt.Errorf("%w: handshake", errors.ErrTimeout), "TTLDevice", "Connect", "handshake read")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the port. Idempotent.
func (d *Device) Disconnect() error {
	d.mu.Lock()
	port := d.port
	d.port = nil
	d.lines = nil
	d.mu.Unlock()

	if port != nil {
		if err := port.Close(); err != nil {
			d.Log().Warn("serial close", "error", err)
		}
	}
	d.Transition(device.StateDisconnected)
	return nil
}

// Send executes a PULSE or TEST command. The pulse write path is a single
// buffered write; latency is measured around it and reported in the ack.
func (d *Device) Send(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	d.mu.Lock()
	port := d.port
	lines := d.lines
	pulseHold := time.Duration(d.settings.PulseDurationMs) * time.Millisecond
	d.mu.Unlock()

	if port == nil {
		return nil, errors.WrapInvalid(errors.ErrNotConnected, "TTLDevice", "Send", "state check")
	}

	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "TTLDevice", "Send", "decode payload")
	}

	switch strings.ToUpper(cmd.Command) {
	case "PULSE":
		return d.pulse(port, pulseHold)
	case "TEST":
		if err := d.handshake(ctx, port, lines); err != nil {
			return nil, err
		}
		return json.RawMessage(`{"ok":true}`), nil
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown command %q: %w", cmd.Command, errors.ErrInvalidData),
			"TTLDevice", "Send", "command check")
	}
}

func (d *Device) pulse(port Port, hold time.Duration) (json.RawMessage, error) {
	start := time.Now()
	n, err := port.Write([]byte("PULSE\n"))
	latency := time.Since(start)

	if d.mon != nil {
		d.mon.RecordCommand(d.Info().ID, "pulse", latency, err)
		d.mon.RecordSent(d.Info().ID, n)
	}

	if err != nil {
		wrapped := errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrCommunication, err), "TTLDevice", "Send", "pulse write")
		d.Fail(wrapped)
		return nil, wrapped
	}

	if hold > 0 {
		time.Sleep(hold)
	}

	result := PulseResult{
		Executed:  true,
		Success:   true,
		LatencyMs: float64(latency.Nanoseconds()) / 1e6,
		Timestamp: time.Now().UnixMilli(),
	}
	out, _ := json.Marshal(result)
	return out, nil
}
