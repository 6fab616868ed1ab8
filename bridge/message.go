package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ljchang/hyperstudy-bridge-sub001/errors"
)

// Inbound message types.
const (
	TypeCommand     = "command"
	TypeQuery       = "query"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// Outbound message types.
const (
	TypeStatus      = "status"
	TypeData        = "data"
	TypeError       = "error"
	TypeAck         = "ack"
	TypeEvent       = "event"
	TypeQueryResult = "query_result"
)

// Command actions.
const (
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
	ActionSend       = "send"
	ActionConfigure  = "configure"
	ActionStatus     = "status"
)

// Query targets.
const (
	QueryDevices     = "devices"
	QueryStatus      = "status"
	QueryMetrics     = "metrics"
	QueryConnections = "connections"
	QueryDevice      = "device"
)

// Inbound is a client-to-bridge message. One JSON object per text frame.
type Inbound struct {
	Type    string          `json:"type"`
	Device  string          `json:"device,omitempty"`
	Action  string          `json:"action,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	ID      string          `json:"id,omitempty"`
	Target  json.RawMessage `json:"target,omitempty"`
	Events  []string        `json:"events,omitempty"`
}

// Validate checks structural requirements before routing.
func (m *Inbound) Validate() error {
	switch m.Type {
	case TypeCommand:
		if m.Device == "" {
			return errors.WrapInvalid(errors.ErrProtocol, "Inbound", "Validate", "command without device")
		}
		switch m.Action {
		case ActionConnect, ActionDisconnect, ActionSend, ActionConfigure, ActionStatus:
			return nil
		default:
			return errors.WrapInvalid(
				fmt.Errorf("unknown action %q: %w", m.Action, errors.ErrProtocol),
				"Inbound", "Validate", "action check")
		}
	case TypeQuery:
		if len(m.Target) == 0 {
			return errors.WrapInvalid(errors.ErrProtocol, "Inbound", "Validate", "query without target")
		}
		return nil
	case TypeSubscribe, TypeUnsubscribe:
		if m.Device == "" {
			return errors.WrapInvalid(errors.ErrProtocol, "Inbound", "Validate", "subscription without device")
		}
		return nil
	default:
		return errors.WrapInvalid(
			fmt.Errorf("unknown message type %q: %w", m.Type, errors.ErrProtocol),
			"Inbound", "Validate", "type check")
	}
}

// QueryTarget is either a bare string ("devices", "status", "metrics",
// "connections") or an object {"device": "<id>"}.
type QueryTarget struct {
	Name   string
	Device string
}

// UnmarshalJSON accepts both target encodings.
func (q *QueryTarget) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		q.Name = s
		return nil
	}
	var obj struct {
		Device string `json:"device"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if obj.Device == "" {
		return fmt.Errorf("query target object missing device: %w", errors.ErrProtocol)
	}
	q.Name = QueryDevice
	q.Device = obj.Device
	return nil
}

// Outbound is a bridge-to-client message. Timestamp is epoch milliseconds.
type Outbound struct {
	Type      string `json:"type"`
	Device    string `json:"device,omitempty"`
	Payload   any    `json:"payload,omitempty"`
	ID        string `json:"id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorPayload is the payload of an error message. Code is stable; Message
// is for humans.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func now() int64 {
	return time.Now().UnixMilli()
}

// NewStatus builds an unsolicited device status event.
func NewStatus(device, status string) Outbound {
	return Outbound{
		Type:      TypeStatus,
		Device:    device,
		Payload:   map[string]string{"status": status},
		Timestamp: now(),
	}
}

// NewData builds a device data event.
func NewData(device string, payload any) Outbound {
	return Outbound{
		Type:      TypeData,
		Device:    device,
		Payload:   payload,
		Timestamp: now(),
	}
}

// NewAck builds a success response to the command with correlation id.
func NewAck(device, id string, payload any) Outbound {
	return Outbound{
		Type:      TypeAck,
		Device:    device,
		Payload:   payload,
		ID:        id,
		Timestamp: now(),
	}
}

// NewError builds an error response. id may be empty for unsolicited errors.
func NewError(device, id string, err error) Outbound {
	return Outbound{
		Type:      TypeError,
		Device:    device,
		Payload:   ErrorPayload{Message: err.Error(), Code: errors.Code(err)},
		ID:        id,
		Timestamp: now(),
	}
}

// NewErrorMessage builds an error response from an explicit message and code.
func NewErrorMessage(device, id, message, code string) Outbound {
	return Outbound{
		Type:      TypeError,
		Device:    device,
		Payload:   ErrorPayload{Message: message, Code: code},
		ID:        id,
		Timestamp: now(),
	}
}

// NewQueryResult builds a query response. id echoes the query's id when set.
func NewQueryResult(id string, payload any) Outbound {
	return Outbound{
		Type:      TypeQueryResult,
		Payload:   payload,
		ID:        id,
		Timestamp: now(),
	}
}
