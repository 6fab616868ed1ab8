// Package kernel drives the Kernel Flow2 fNIRS acquisition link. Outbound
// task events use the Kernel Tasks SDK framing: a 4-byte big-endian length
// prefix followed by a JSON event body. Inbound data arrives as
// newline-delimited JSON frames. The driver reconnects automatically with
// exponential backoff while a session is active.
package kernel

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ljchang/hyperstudy-bridge-sub001/device"
	"github.com/ljchang/hyperstudy-bridge-sub001/errors"
	"github.com/ljchang/hyperstudy-bridge-sub001/perf"
	"github.com/ljchang/hyperstudy-bridge-sub001/pkg/retry"
)

const (
	// DefaultPort is the Kernel Tasks SDK listen port.
	DefaultPort = 6767

	dialTimeout  = 5 * time.Second
	maxFrameSize = 1 << 20
)

// Settings configures the Kernel driver. "ip" is accepted as an alias for
// "host".
type Settings struct {
	Host string `json:"host,omitempty"`
	IP   string `json:"ip,omitempty"`
	Port int    `json:"port,omitempty"`
}

func (s *Settings) addr() string {
	host := s.Host
	if host == "" {
		host = s.IP
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", s.Port))
}

func (s *Settings) validate() error {
	if s.Host == "" && s.IP == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "KernelDevice", "Configure", "host is required")
	}
	if s.Port < 0 || s.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "KernelDevice", "Configure", "port out of range")
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	return nil
}

// TaskEvent is the outbound event body. Timestamp is microseconds since
// epoch, matching the Tasks SDK clock.
type TaskEvent struct {
	ID        uint64 `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Event     string `json:"event"`
	Value     any    `json:"value"`
}

// Device is the Kernel fNIRS driver.
type Device struct {
	*device.Base
	mon *perf.Monitor

	mu       sync.Mutex
	settings Settings
	conn     net.Conn
	desired  bool               // auto-reconnect while true
	gen      int                // invalidates stale read loops
	cancel   context.CancelFunc // ends the session's background tasks

	tasks  sync.WaitGroup // read + reconnect goroutines
	nextID atomic.Uint64
}

// New creates a Kernel driver.
func New(id string, sink device.EventSink, mon *perf.Monitor, log *slog.Logger) *Device {
	return &Device{
		Base: device.NewBase(device.Info{ID: id, Name: "Kernel Flow2", Kind: device.KindKernel}, sink, log),
		mon:  mon,
		settings: Settings{
			Port: DefaultPort,
		},
	}
}

// Configure merges the supplied fields into the current settings and
// validates the result.
func (d *Device) Configure(raw json.RawMessage) error {
	var in Settings
	if err := json.Unmarshal(raw, &in); err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "KernelDevice", "Configure", "decode settings")
	}

	d.mu.Lock()
	s := d.settings
	d.mu.Unlock()
	_ = json.Unmarshal(raw, &s)
	// An "ip" in this document replaces a host stored earlier, not the other
	// way around.
	if in.IP != "" && in.Host == "" {
		s.Host = ""
	}
	if err := s.validate(); err != nil {
		return err
	}

	d.mu.Lock()
	d.settings = s
	d.mu.Unlock()
	return nil
}

// Connect dials the acquisition endpoint and starts the inbound stream.
func (d *Device) Connect(ctx context.Context) error {
	if err := d.BeginConnect(); err != nil {
		return err
	}

	d.mu.Lock()
	s := d.settings
	d.mu.Unlock()

	if s.Host == "" && s.IP == "" {
		err := errors.WrapInvalid(errors.ErrInvalidConfig, "KernelDevice", "Connect", "no host configured")
		d.Fail(err)
		return err
	}

	conn, err := d.dial(ctx, s.addr())
	if d.mon != nil {
		d.mon.RecordConnection(d.Info().ID, err == nil)
	}
	if err != nil {
		wrapped := errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrConnectionFailed, err), "KernelDevice", "Connect", "dial "+s.addr())
		d.Fail(wrapped)
		return wrapped
	}

	sessionCtx, cancel := context.WithCancel(context.Background())

	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	d.cancel = cancel
	d.conn = conn
	d.desired = true
	d.gen++
	gen := d.gen
	d.mu.Unlock()

	d.Transition(device.StateConnected)
	d.Log().Info("acquisition link established", "addr", s.addr())
	d.tasks.Add(1)
	go func() {
		defer d.tasks.Done()
		d.readLoop(sessionCtx, conn, gen)
	}()
	return nil
}

func (d *Device) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	return dialer.DialContext(ctx, "tcp", addr)
}

// Disconnect stops the stream, cancels any in-progress reconnect backoff,
// and closes the link. Idempotent.
func (d *Device) Disconnect() error {
	d.mu.Lock()
	d.desired = false
	d.gen++
	conn := d.conn
	d.conn = nil
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	d.Transition(device.StateDisconnected)
	return nil
}

// Send transmits a task event. Payload: {"event": string, "value": any}.
// Transient write failures are retried on the 100ms/500ms/1s schedule.
func (d *Device) Send(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Event string `json:"event"`
		Value any    `json:"value"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "KernelDevice", "Send", "decode payload")
	}
	if req.Event == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: empty event name", errors.ErrInvalidData), "KernelDevice", "Send", "event check")
	}

	ev := TaskEvent{
		ID:        d.nextID.Add(1),
		Timestamp: time.Now().UnixMicro(),
		Event:     req.Event,
		Value:     req.Value,
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, errors.WrapInvalid(err, "KernelDevice", "Send", "encode event")
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)

	start := time.Now()
	err = retry.Do(ctx, retry.SendSchedule(), func() error {
		d.mu.Lock()
		conn := d.conn
		d.mu.Unlock()
		if conn == nil {
			return retry.NonRetryable(
				errors.WrapInvalid(errors.ErrNotConnected, "KernelDevice", "Send", "state check"))
		}
		_, werr := conn.Write(frame)
		return werr
	})

	if d.mon != nil {
		d.mon.RecordCommand(d.Info().ID, "send", time.Since(start), err)
		if err == nil {
			d.mon.RecordSent(d.Info().ID, len(frame))
		}
	}

	if err != nil {
		if retry.IsNonRetryable(err) {
			return nil, err
		}
		wrapped := errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrCommunication, err), "KernelDevice", "Send", "event write")
		d.Fail(wrapped)
		return nil, wrapped
	}

	out, _ := json.Marshal(map[string]any{"id": ev.ID, "timestamp": ev.Timestamp})
	return out, nil
}

// readLoop consumes newline-delimited JSON data frames until the link drops,
// then hands off to the reconnect loop if the session is still active.
func (d *Device) readLoop(sessionCtx context.Context, conn net.Conn, gen int) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var frame any
		if err := json.Unmarshal(line, &frame); err != nil {
			d.Log().Warn("undecodable data frame", "error", err)
			if d.mon != nil {
				d.mon.RecordError(d.Info().ID)
			}
			continue
		}

		if d.mon != nil {
			d.mon.RecordReceived(d.Info().ID, len(line))
		}
		d.EmitData(frame)
	}

	d.mu.Lock()
	stale := gen != d.gen
	desired := d.desired
	d.mu.Unlock()
	if stale {
		return
	}

	if !desired {
		return
	}

	d.Fail(errors.WrapTransient(
		fmt.Errorf("%w: stream closed", errors.ErrDeviceDisconnected), "KernelDevice", "readLoop", "stream read"))
	d.reconnect(sessionCtx, gen)
}

// reconnect re-dials with exponential backoff (1s initial, 30s cap, 10
// attempts) while the session remains active. Cancelling the session
// context aborts the loop immediately, backoff sleep included.
func (d *Device) reconnect(sessionCtx context.Context, gen int) {
	d.mu.Lock()
	addr := d.settings.addr()
	d.mu.Unlock()

	conn, err := retry.DoWithResult(sessionCtx, retry.Reconnect(), func() (net.Conn, error) {
		d.mu.Lock()
		active := d.desired && gen == d.gen
		d.mu.Unlock()
		if !active {
			return nil, retry.NonRetryable(errors.ErrDeviceDisconnected)
		}

		if d.mon != nil {
			d.mon.RecordReconnect(d.Info().ID)
		}
		ctx, cancel := context.WithTimeout(sessionCtx, dialTimeout)
		defer cancel()
		return d.dial(ctx, addr)
	})
	if err != nil {
		d.Log().Warn("reconnect abandoned", "addr", addr, "error", err)
		return
	}

	d.mu.Lock()
	if !d.desired || gen != d.gen {
		d.mu.Unlock()
		conn.Close()
		return
	}
	d.conn = conn
	d.gen++
	newGen := d.gen
	d.mu.Unlock()

	d.Transition(device.StateConnected)
	d.Log().Info("acquisition link restored", "addr", addr)
	d.tasks.Add(1)
	go func() {
		defer d.tasks.Done()
		d.readLoop(sessionCtx, conn, newGen)
	}()
}
