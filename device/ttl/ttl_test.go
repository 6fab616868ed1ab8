package ttl

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ljchang/hyperstudy-bridge-sub001/device"
	"github.com/ljchang/hyperstudy-bridge-sub001/errors"
	"github.com/ljchang/hyperstudy-bridge-sub001/perf"
)

type recordSink struct {
	mu     sync.Mutex
	events []device.Event
}

func (r *recordSink) Publish(ev device.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordSink) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Kind == device.EventStatus {
			out = append(out, ev.Payload.(map[string]string)["status"])
		}
	}
	return out
}

func newMockDevice(t *testing.T, sink device.EventSink) *Device {
	t.Helper()
	d := New("ttl", sink, perf.NewMonitor(nil), nil, nil)
	require.NoError(t, d.Configure(json.RawMessage(`{"port":"/dev/ttyUSB0-mock"}`)))
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestConfigureDefaults(t *testing.T) {
	d := New("ttl", nil, nil, nil, nil)
	defer d.Close()

	require.NoError(t, d.Configure(json.RawMessage(`{"port":"/dev/cu.usbmodem1"}`)))
	assert.Equal(t, defaultBaudRate, d.settings.BaudRate)
	assert.Equal(t, 10, d.settings.PulseDurationMs)
}

func TestConfigurePartialUpdateKeepsSettings(t *testing.T) {
	d := New("ttl", nil, nil, nil, nil)
	defer d.Close()

	require.NoError(t, d.Configure(json.RawMessage(`{"port":"/dev/a-mock","pulse_duration_ms":20}`)))
	require.NoError(t, d.Configure(json.RawMessage(`{"port":"/dev/b-mock"}`)))

	assert.Equal(t, "/dev/b-mock", d.settings.Port)
	assert.Equal(t, 20, d.settings.PulseDurationMs, "fields absent from the update must survive")
	assert.Equal(t, defaultBaudRate, d.settings.BaudRate)
}

func TestConfigureRejectsBadSettings(t *testing.T) {
	d := New("ttl", nil, nil, nil, nil)
	defer d.Close()

	assert.Error(t, d.Configure(json.RawMessage(`{`)))
	assert.Error(t, d.Configure(json.RawMessage(`{"port":""}`)))
	assert.Error(t, d.Configure(json.RawMessage(`{"port":"x","baud_rate":-1}`)))
	// Settings stay untouched after a rejected configure
	assert.Equal(t, defaultBaudRate, d.settings.BaudRate)
}

func TestConnectPulseDisconnect(t *testing.T) {
	sink := &recordSink{}
	d := newMockDevice(t, sink)

	require.NoError(t, d.Connect(context.Background()))
	assert.Equal(t, device.StateConnected, d.State())

	out, err := d.Send(context.Background(), json.RawMessage(`{"command":"PULSE"}`))
	require.NoError(t, err)

	var res PulseResult
	require.NoError(t, json.Unmarshal(out, &res))
	assert.True(t, res.Executed)
	assert.True(t, res.Success)
	assert.GreaterOrEqual(t, res.LatencyMs, 0.0)
	assert.NotZero(t, res.Timestamp)

	require.NoError(t, d.Disconnect())
	assert.Equal(t, device.StateDisconnected, d.State())
	assert.Equal(t, []string{"connecting", "connected", "disconnected"}, sink.statuses())
}

func TestConnectTwiceRejected(t *testing.T) {
	d := newMockDevice(t, nil)
	require.NoError(t, d.Connect(context.Background()))

	err := d.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.CodeAlreadyConnected, errors.Code(err))
}

func TestSendWhileDisconnected(t *testing.T) {
	d := newMockDevice(t, nil)

	_, err := d.Send(context.Background(), json.RawMessage(`{"command":"PULSE"}`))
	require.Error(t, err)
	assert.Equal(t, errors.CodeNotConnected, errors.Code(err))
}

func TestConnectFailsWithoutPort(t *testing.T) {
	d := New("ttl", nil, nil, nil, nil)
	defer d.Close()
	d.settings.Port = ""

	err := d.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, device.StateError, d.State())
}

func TestOpenerFailureTransitionsToError(t *testing.T) {
	sink := &recordSink{}
	opener := func(string, int) (Port, error) { return nil, stderrors.New("no such device") }
	d := New("ttl", sink, nil, nil, opener)
	defer d.Close()
	require.NoError(t, d.Configure(json.RawMessage(`{"port":"/dev/ttyACM9"}`)))

	err := d.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.CodeConnectionFailed, errors.Code(err))
	assert.Equal(t, device.StateError, d.State())
	assert.Equal(t, []string{"connecting", "error"}, sink.statuses())

	// Error state allows a fresh attempt
	assert.Error(t, d.Connect(context.Background()))
}

type brokenPort struct{}

func (brokenPort) Read([]byte) (int, error)  { return 0, io.EOF }
func (brokenPort) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }
func (brokenPort) Close() error              { return nil }

func TestPulseWriteFailure(t *testing.T) {
	d := newMockDevice(t, nil)
	require.NoError(t, d.Connect(context.Background()))

	// Swap in a dead port under the driver
	d.mu.Lock()
	d.port = brokenPort{}
	d.mu.Unlock()

	_, err := d.Send(context.Background(), json.RawMessage(`{"command":"PULSE"}`))
	require.Error(t, err)
	assert.Equal(t, errors.CodeCommunicationFailure, errors.Code(err))
	assert.Equal(t, device.StateError, d.State())
}

func TestUnknownCommandRejected(t *testing.T) {
	d := newMockDevice(t, nil)
	require.NoError(t, d.Connect(context.Background()))

	_, err := d.Send(context.Background(), json.RawMessage(`{"command":"LAUNCH"}`))
	require.Error(t, err)
	assert.Equal(t, errors.CodeProtocolError, errors.Code(err))
	// A bad command is not a transport fault
	assert.Equal(t, device.StateConnected, d.State())
}

func TestStaleLineDoesNotAnswerLaterProbe(t *testing.T) {
	port := newMockPort()
	opener := func(string, int) (Port, error) { return port, nil }
	d := New("ttl", nil, nil, nil, opener)
	defer d.Close()
	require.NoError(t, d.Configure(json.RawMessage(`{"port":"/dev/ttyACM0"}`)))
	require.NoError(t, d.Connect(context.Background()))

	// An unsolicited line shows up between probes
	port.mu.Lock()
	port.readBuf.WriteString("STALE\n")
	port.cond.Broadcast()
	port.mu.Unlock()

	d.mu.Lock()
	lines := d.lines
	d.mu.Unlock()
	require.Eventually(t, func() bool { return len(lines) == 1 }, time.Second, 5*time.Millisecond)

	// The probe discards the stale line and consumes its own response
	out, err := d.Send(context.Background(), json.RawMessage(`{"command":"TEST"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out))
	assert.Equal(t, 0, len(lines), "the probe's own response must not be left behind")
}

func TestPulseLatencyUnderMillisecond(t *testing.T) {
	d := newMockDevice(t, nil)
	require.NoError(t, d.Connect(context.Background()))

	start := time.Now()
	out, err := d.Send(context.Background(), json.RawMessage(`{"command":"PULSE"}`))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	var res PulseResult
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Less(t, res.LatencyMs, 1.0, "loopback write must stay sub-millisecond")
}
