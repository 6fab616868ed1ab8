// Package device defines the capability contract every bridge driver
// implements, the shared status and event types, and the registry that
// serializes operations per device.
package device

import (
	"context"
	"encoding/json"
	"time"
)

// Kind identifies a driver implementation.
type Kind string

const (
	KindTTL    Kind = "ttl"
	KindKernel Kind = "kernel"
	KindPupil  Kind = "pupil"
	KindBiopac Kind = "biopac"
	KindLSL    Kind = "lsl"
	KindMock   Kind = "mock"
)

// Info is the static identity of a device.
type Info struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind Kind   `json:"type"`
}

// State is the connection state of a device.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

// String returns the wire representation of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state as its string form.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Status is a point-in-time snapshot of device state. Reading it never
// touches the transport.
type Status struct {
	State     State  `json:"state"`
	Since     int64  `json:"since"` // epoch ms of the last transition
	LastError string `json:"last_error,omitempty"`
}

// Device is the capability contract implemented by every driver.
//
// Connect and Send honor context cancellation. Disconnect is idempotent and
// best-effort: it always leaves the device in the disconnected state.
// Configure merges the supplied fields into the current settings and
// validates the result, without touching the transport; new settings take
// effect on the next Connect.
type Device interface {
	Info() Info
	Status() Status
	Configure(settings json.RawMessage) error
	Connect(ctx context.Context) error
	Disconnect() error
	Send(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// Closer is implemented by drivers holding background resources beyond the
// connection itself. The registry calls Close on removal.
type Closer interface {
	Close() error
}

// EventKind classifies unsolicited device events.
type EventKind string

const (
	EventStatus EventKind = "status"
	EventData   EventKind = "data"
	EventError  EventKind = "error"
)

// Event is an unsolicited device event published to the fan-out.
type Event struct {
	Device    string
	Kind      EventKind
	Payload   any
	Timestamp int64 // epoch ms
}

// EventSink receives device events. Publish must not block: sinks queue
// internally and shed load there.
type EventSink interface {
	Publish(Event)
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(Event)

// Publish implements EventSink.
func (f SinkFunc) Publish(ev Event) { f(ev) }

// Subscription is a handle to an active bus subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the messaging substrate made available to drivers that need one.
// Most drivers ignore it; the LSL driver uses it for stream announcement,
// sample transport, and discovery.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(subject string, data []byte)) (Subscription, error)
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	RTT() (time.Duration, error)
}
