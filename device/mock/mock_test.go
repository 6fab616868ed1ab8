package mock

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ljchang/hyperstudy-bridge-sub001/device"
	"github.com/ljchang/hyperstudy-bridge-sub001/errors"
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

func (r *recordSink) dataCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == device.EventData {
			n++
		}
	}
	return n
}

func TestSamplesWhileConnected(t *testing.T) {
	sink := &recordSink{}
	d := New("mock", sink, nil)
	defer d.Close()
	require.NoError(t, d.Configure(json.RawMessage(`{"interval_ms":10}`)))

	require.NoError(t, d.Connect(context.Background()))
	assert.Eventually(t, func() bool {
		return sink.dataCount() >= 3
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, d.Disconnect())
	after := sink.dataCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, sink.dataCount(), "ticker must stop on disconnect")
}

func TestSendEcho(t *testing.T) {
	d := New("mock", nil, nil)
	defer d.Close()
	require.NoError(t, d.Connect(context.Background()))
	defer d.Disconnect()

	out, err := d.Send(context.Background(), json.RawMessage(`{"hello":"world"}`))
	require.NoError(t, err)

	var res struct {
		Echo      json.RawMessage `json:"echo"`
		Timestamp int64           `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(out, &res))
	assert.JSONEq(t, `{"hello":"world"}`, string(res.Echo))
}

func TestSilentSendHonorsDeadline(t *testing.T) {
	d := New("mock", nil, nil)
	defer d.Close()
	require.NoError(t, d.Configure(json.RawMessage(`{"silent":true}`)))
	require.NoError(t, d.Connect(context.Background()))
	defer d.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := d.Send(ctx, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestFailConnect(t *testing.T) {
	d := New("mock", nil, nil)
	defer d.Close()
	require.NoError(t, d.Configure(json.RawMessage(`{"fail_connect":true}`)))

	err := d.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.CodeConnectionFailed, errors.Code(err))
	assert.Equal(t, device.StateError, d.State())
}

func TestSendWhileDisconnected(t *testing.T) {
	d := New("mock", nil, nil)
	defer d.Close()

	_, err := d.Send(context.Background(), json.RawMessage(`{}`))
	assert.Equal(t, errors.CodeNotConnected, errors.Code(err))
}
