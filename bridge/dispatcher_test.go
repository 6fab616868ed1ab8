package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ljchang/hyperstudy-bridge-sub001/device"
	"github.com/ljchang/hyperstudy-bridge-sub001/device/mock"
	"github.com/ljchang/hyperstudy-bridge-sub001/errors"
)

func newTestDispatcher(t *testing.T, timeout time.Duration) (*Dispatcher, *device.Registry) {
	t.Helper()
	reg := device.NewRegistry(nil)
	t.Cleanup(reg.Close)
	return NewDispatcher(reg, nil, WithCommandTimeout(timeout)), reg
}

func registerMock(t *testing.T, reg *device.Registry, id string, settings string) *mock.Device {
	t.Helper()
	d := mock.New(id, nil, nil)
	if settings != "" {
		require.NoError(t, d.Configure(json.RawMessage(settings)))
	}
	require.NoError(t, reg.Register(d))
	return d
}

func awaitReply(t *testing.T, replies chan Outbound) Outbound {
	t.Helper()
	select {
	case msg := <-replies:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
		return Outbound{}
	}
}

func errorCode(t *testing.T, msg Outbound) string {
	t.Helper()
	require.Equal(t, TypeError, msg.Type)
	payload, ok := msg.Payload.(ErrorPayload)
	require.True(t, ok, "payload %T", msg.Payload)
	return payload.Code
}

func TestDispatchUnknownDevice(t *testing.T) {
	d, _ := newTestDispatcher(t, time.Second)

	replies := make(chan Outbound, 1)
	d.Dispatch(context.Background(), "c1",
		Inbound{Type: TypeCommand, Device: "ghost", Action: ActionConnect, ID: "1"},
		func(msg Outbound) { replies <- msg })

	msg := awaitReply(t, replies)
	assert.Equal(t, errors.CodeUnknownDevice, errorCode(t, msg))
	assert.Equal(t, "1", msg.ID)
}

func TestConnectWithConfig(t *testing.T) {
	d, reg := newTestDispatcher(t, time.Second)
	dev := registerMock(t, reg, "sim", "")

	replies := make(chan Outbound, 1)
	d.Dispatch(context.Background(), "c1",
		Inbound{Type: TypeCommand, Device: "sim", Action: ActionConnect, ID: "1",
			Payload: json.RawMessage(`{"interval_ms":50}`)},
		func(msg Outbound) { replies <- msg })

	msg := awaitReply(t, replies)
	require.Equal(t, TypeAck, msg.Type)
	assert.Equal(t, "1", msg.ID)

	payload, ok := msg.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "connected", payload["status"])
	assert.Equal(t, device.StateConnected, dev.State())
}

func TestStatusActionBypassesWorker(t *testing.T) {
	d, reg := newTestDispatcher(t, time.Second)
	registerMock(t, reg, "sim", "")

	replies := make(chan Outbound, 1)
	d.Dispatch(context.Background(), "c1",
		Inbound{Type: TypeCommand, Device: "sim", Action: ActionStatus, ID: "q"},
		func(msg Outbound) { replies <- msg })

	msg := awaitReply(t, replies)
	require.Equal(t, TypeAck, msg.Type)
	payload, ok := msg.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "disconnected", payload["status"])
}

func TestSilentDeviceTimesOut(t *testing.T) {
	d, reg := newTestDispatcher(t, 100*time.Millisecond)
	dev := registerMock(t, reg, "sim", `{"silent":true}`)
	require.NoError(t, dev.Connect(context.Background()))
	t.Cleanup(func() { _ = dev.Disconnect() })

	replies := make(chan Outbound, 4)
	start := time.Now()
	d.Dispatch(context.Background(), "c1",
		Inbound{Type: TypeCommand, Device: "sim", Action: ActionSend, ID: "1",
			Payload: json.RawMessage(`{}`)},
		func(msg Outbound) { replies <- msg })

	msg := awaitReply(t, replies)
	assert.Equal(t, errors.CodeTimeout, errorCode(t, msg))
	assert.Equal(t, "1", msg.ID)
	assert.Less(t, time.Since(start), time.Second)

	// Exactly one response per correlation id
	select {
	case extra := <-replies:
		t.Fatalf("unexpected second reply: %+v", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDuplicateInFlightID(t *testing.T) {
	d, reg := newTestDispatcher(t, 500*time.Millisecond)
	dev := registerMock(t, reg, "sim", `{"silent":true}`)
	require.NoError(t, dev.Connect(context.Background()))
	t.Cleanup(func() { _ = dev.Disconnect() })

	replies := make(chan Outbound, 4)
	reply := func(msg Outbound) { replies <- msg }
	cmd := Inbound{Type: TypeCommand, Device: "sim", Action: ActionSend, ID: "dup",
		Payload: json.RawMessage(`{}`)}

	d.Dispatch(context.Background(), "c1", cmd, reply)
	d.Dispatch(context.Background(), "c1", cmd, reply)

	// The duplicate is rejected immediately, before the first resolves
	msg := awaitReply(t, replies)
	assert.Equal(t, errors.CodeProtocolError, errorCode(t, msg))

	msg = awaitReply(t, replies)
	assert.Equal(t, errors.CodeTimeout, errorCode(t, msg))
}

func TestDisconnectCommand(t *testing.T) {
	d, reg := newTestDispatcher(t, time.Second)
	dev := registerMock(t, reg, "sim", "")
	require.NoError(t, dev.Connect(context.Background()))

	replies := make(chan Outbound, 1)
	d.Dispatch(context.Background(), "c1",
		Inbound{Type: TypeCommand, Device: "sim", Action: ActionDisconnect, ID: "1"},
		func(msg Outbound) { replies <- msg })

	msg := awaitReply(t, replies)
	require.Equal(t, TypeAck, msg.Type)
	assert.Equal(t, device.StateDisconnected, dev.State())
}

func TestSendReturnsDevicePayload(t *testing.T) {
	d, reg := newTestDispatcher(t, time.Second)
	dev := registerMock(t, reg, "sim", "")
	require.NoError(t, dev.Connect(context.Background()))
	t.Cleanup(func() { _ = dev.Disconnect() })

	replies := make(chan Outbound, 1)
	d.Dispatch(context.Background(), "c1",
		Inbound{Type: TypeCommand, Device: "sim", Action: ActionSend, ID: "1",
			Payload: json.RawMessage(`{"marker":"stim"}`)},
		func(msg Outbound) { replies <- msg })

	msg := awaitReply(t, replies)
	require.Equal(t, TypeAck, msg.Type)

	raw, ok := msg.Payload.(json.RawMessage)
	require.True(t, ok, "payload %T", msg.Payload)
	var echo struct {
		Echo json.RawMessage `json:"echo"`
	}
	require.NoError(t, json.Unmarshal(raw, &echo))
	assert.JSONEq(t, `{"marker":"stim"}`, string(echo.Echo))
}
