package device

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ljchang/hyperstudy-bridge-sub001/errors"
)

type fakeDevice struct {
	*Base
	sendDelay time.Duration
	sends     atomic.Int64
}

func newFakeDevice(id string, sink EventSink) *fakeDevice {
	return &fakeDevice{Base: NewBase(Info{ID: id, Name: id, Kind: KindMock}, sink, nil)}
}

func (f *fakeDevice) Configure(json.RawMessage) error { return nil }

func (f *fakeDevice) Connect(ctx context.Context) error {
	if err := f.BeginConnect(); err != nil {
		return err
	}
	f.Transition(StateConnected)
	return nil
}

func (f *fakeDevice) Disconnect() error {
	f.Transition(StateDisconnected)
	return nil
}

func (f *fakeDevice) Send(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if f.State() != StateConnected {
		return nil, errors.WrapInvalid(errors.ErrNotConnected, "fakeDevice", "Send", "state check")
	}
	if f.sendDelay > 0 {
		select {
		case <-time.After(f.sendDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.sends.Add(1)
	return json.RawMessage(`{"ok":true}`), nil
}

type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureSink) Publish(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureSink) byKind(kind EventKind) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func sendOp() Op {
	return Op{Action: "send", Fn: func(ctx context.Context, d Device) (any, error) {
		return d.Send(ctx, json.RawMessage(`{}`))
	}}
}

func connectOp() Op {
	return Op{Action: "connect", Fn: func(ctx context.Context, d Device) (any, error) {
		return nil, d.Connect(ctx)
	}}
}

func TestRegisterDuplicateRejected(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	require.NoError(t, r.Register(newFakeDevice("ttl", nil)))
	err := r.Register(newFakeDevice("ttl", nil))
	require.Error(t, err)
	assert.Equal(t, errors.CodeConfigInvalid, errors.Code(err))
}

func TestExecUnknownDevice(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	_, err := r.Exec(context.Background(), "ghost", sendOp())
	require.Error(t, err)
	assert.Equal(t, errors.CodeUnknownDevice, errors.Code(err))
}

func TestExecSerializesPerDevice(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	dev := newFakeDevice("kernel", nil)
	dev.sendDelay = 10 * time.Millisecond
	require.NoError(t, r.Register(dev))
	_, err := r.Exec(context.Background(), "kernel", connectOp())
	require.NoError(t, err)

	var inFlight, maxInFlight atomic.Int64
	op := Op{Action: "send", Fn: func(ctx context.Context, d Device) (any, error) {
		cur := inFlight.Add(1)
		for {
			max := maxInFlight.Load()
			if cur <= max || maxInFlight.CompareAndSwap(max, cur) {
				break
			}
		}
		defer inFlight.Add(-1)
		return d.Send(ctx, nil)
	}}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Exec(context.Background(), "kernel", op)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), maxInFlight.Load(), "ops for one device must never overlap")
	assert.Equal(t, int64(10), dev.sends.Load())
}

func TestExecTimeoutDiscardsLateResult(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	dev := newFakeDevice("slow", nil)
	dev.sendDelay = 200 * time.Millisecond
	require.NoError(t, r.Register(dev))
	_, err := r.Exec(context.Background(), "slow", connectOp())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Exec(ctx, "slow", sendOp())
	require.Error(t, err)
	assert.Equal(t, errors.CodeTimeout, errors.Code(err))

	// The op still completes on the worker; its result goes nowhere.
	assert.Eventually(t, func() bool { return dev.sends.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDisconnectFailsQueuedOps(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	dev := newFakeDevice("ttl", nil)
	dev.sendDelay = 50 * time.Millisecond
	require.NoError(t, r.Register(dev))
	_, err := r.Exec(context.Background(), "ttl", connectOp())
	require.NoError(t, err)

	// Occupy the worker, then queue a disconnect followed by a send.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = r.Exec(context.Background(), "ttl", sendOp())
	}()
	time.Sleep(10 * time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := r.Exec(context.Background(), "ttl", Op{Action: "disconnect",
			Fn: func(ctx context.Context, d Device) (any, error) { return nil, d.Disconnect() }})
		assert.NoError(t, err)
	}()
	time.Sleep(10 * time.Millisecond)

	_, err = r.Exec(context.Background(), "ttl", sendOp())
	require.Error(t, err)
	assert.Equal(t, errors.CodeDeviceDisconnected, errors.Code(err))
	wg.Wait()
}

func TestRemoveStopsWorkerAndDisconnects(t *testing.T) {
	r := NewRegistry(nil)
	dev := newFakeDevice("gone", nil)
	require.NoError(t, r.Register(dev))
	_, err := r.Exec(context.Background(), "gone", connectOp())
	require.NoError(t, err)

	require.NoError(t, r.Remove("gone"))
	assert.Equal(t, StateDisconnected, dev.State())

	_, err = r.Exec(context.Background(), "gone", sendOp())
	assert.Equal(t, errors.CodeUnknownDevice, errors.Code(err))
	assert.Error(t, r.Remove("gone"))
}

func TestRemoveFailsQueuedOps(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	dev := newFakeDevice("gone", nil)
	dev.sendDelay = 100 * time.Millisecond
	require.NoError(t, r.Register(dev))
	_, err := r.Exec(context.Background(), "gone", connectOp())
	require.NoError(t, err)

	// Occupy the worker, then pile ops up behind it.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = r.Exec(context.Background(), "gone", sendOp())
	}()
	time.Sleep(10 * time.Millisecond)

	queued := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Exec(context.Background(), "gone", sendOp())
			queued <- err
		}()
	}
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, r.Remove("gone"))
	wg.Wait()

	for i := 0; i < 2; i++ {
		err := <-queued
		require.Error(t, err)
		assert.Equal(t, errors.CodeDeviceDisconnected, errors.Code(err))
	}
	// Only the op already on the worker ran against the device.
	assert.Equal(t, int64(1), dev.sends.Load())
}

func TestListSortedAndStatuses(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	require.NoError(t, r.Register(newFakeDevice("b", nil)))
	require.NoError(t, r.Register(newFakeDevice("a", nil)))

	infos := r.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].ID)
	assert.Equal(t, "b", infos[1].ID)

	statuses := r.Statuses()
	assert.Equal(t, StateDisconnected, statuses["a"].State)
}
