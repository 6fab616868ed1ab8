package device

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ljchang/hyperstudy-bridge-sub001/errors"
	"github.com/ljchang/hyperstudy-bridge-sub001/pkg/buffer"
)

// DefaultSampleQueueCap is the per-device sample queue capacity.
const DefaultSampleQueueCap = 1024

// Base carries the state machine, event emission, and sample queue shared by
// all drivers. Drivers embed *Base and drive transitions through it.
type Base struct {
	info Info
	log  *slog.Logger
	sink EventSink

	mu      sync.Mutex
	state   State
	since   int64
	lastErr string

	queue    *buffer.Ring[any]
	pumpStop chan struct{}
	pumpDone chan struct{}
	closed   bool
}

// NewBase constructs the shared driver core and starts its sample pump.
func NewBase(info Info, sink EventSink, log *slog.Logger) *Base {
	if log == nil {
		log = slog.Default()
	}
	b := &Base{
		info:     info,
		log:      log.With("device", info.ID, "kind", string(info.Kind)),
		sink:     sink,
		since:    time.Now().UnixMilli(),
		queue:    buffer.New[any](DefaultSampleQueueCap),
		pumpStop: make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
	go b.pump()
	return b
}

// Info returns the static device identity.
func (b *Base) Info() Info {
	return b.info
}

// Log returns the device-scoped logger.
func (b *Base) Log() *slog.Logger {
	return b.log
}

// Status returns a snapshot without touching the transport.
func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{State: b.state, Since: b.since, LastError: b.lastErr}
}

// State returns the current state.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Transition moves to the given state and emits one status event. Moving to
// the current state is a no-op. A transition out of the error state clears
// the recorded error.
func (b *Base) Transition(to State) {
	b.mu.Lock()
	if b.state == to {
		b.mu.Unlock()
		return
	}
	b.state = to
	b.since = time.Now().UnixMilli()
	if to != StateError {
		b.lastErr = ""
	}
	b.mu.Unlock()

	b.emit(Event{Device: b.info.ID, Kind: EventStatus, Payload: map[string]string{"status": to.String()}})
}

// BeginConnect atomically guards the Disconnected/Error -> Connecting edge.
// It fails with ErrAlreadyConnected when a connection exists or is underway.
func (b *Base) BeginConnect() error {
	b.mu.Lock()
	switch b.state {
	case StateConnecting, StateConnected:
		st := b.state
		b.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyConnected, "Device", "Connect", "state "+st.String())
	default:
		b.state = StateConnecting
		b.since = time.Now().UnixMilli()
		b.lastErr = ""
		b.mu.Unlock()
	}

	b.emit(Event{Device: b.info.ID, Kind: EventStatus,
		Payload: map[string]string{"status": StateConnecting.String()}})
	return nil
}

// Fail records err and transitions to the error state, emitting one error
// event and one status event. If the device is already in the error state
// only the recorded error is updated.
func (b *Base) Fail(err error) {
	if err == nil {
		return
	}

	b.mu.Lock()
	already := b.state == StateError
	b.state = StateError
	b.lastErr = err.Error()
	if !already {
		b.since = time.Now().UnixMilli()
	}
	b.mu.Unlock()

	if already {
		return
	}

	b.emit(Event{Device: b.info.ID, Kind: EventError,
		Payload: map[string]string{"message": err.Error(), "code": errors.Code(err)}})
	b.emit(Event{Device: b.info.ID, Kind: EventStatus,
		Payload: map[string]string{"status": StateError.String()}})
}

// EmitData queues a sample for delivery. Never blocks: the queue drops its
// oldest entry under pressure.
func (b *Base) EmitData(payload any) {
	if err := b.queue.Write(payload); err != nil {
		b.log.Debug("sample dropped after close")
	}
}

// Close stops the sample pump. Idempotent.
func (b *Base) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	_ = b.queue.Close()
	close(b.pumpStop)
	<-b.pumpDone
	return nil
}

func (b *Base) pump() {
	defer close(b.pumpDone)
	for {
		select {
		case <-b.pumpStop:
			return
		case <-b.queue.Ready():
			for {
				payload, ok := b.queue.Read()
				if !ok {
					break
				}
				b.emit(Event{Device: b.info.ID, Kind: EventData, Payload: payload})
			}
		}
	}
}

func (b *Base) emit(ev Event) {
	if b.sink == nil {
		return
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	b.sink.Publish(ev)
}
