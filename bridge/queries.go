package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/ljchang/hyperstudy-bridge-sub001/device"
	"github.com/ljchang/hyperstudy-bridge-sub001/errors"
	"github.com/ljchang/hyperstudy-bridge-sub001/perf"
)

// ConnectionInfo describes one connected client for the connections query.
type ConnectionInfo struct {
	ID           string `json:"id"`
	RemoteAddr   string `json:"remote_addr"`
	ConnectedAt  int64  `json:"connected_at"`  // epoch ms
	LastActivity int64  `json:"last_activity"` // epoch ms
}

// QueryHandler answers read-only queries from client state, registry
// snapshots, and performance counters. Queries never touch a device worker.
type QueryHandler struct {
	registry    *device.Registry
	mon         *perf.Monitor
	connections func() []ConnectionInfo
}

// NewQueryHandler creates a query handler. mon and connections may be nil.
func NewQueryHandler(reg *device.Registry, mon *perf.Monitor, connections func() []ConnectionInfo) *QueryHandler {
	return &QueryHandler{registry: reg, mon: mon, connections: connections}
}

// Handle answers one query message, echoing its correlation id.
func (h *QueryHandler) Handle(msg Inbound) Outbound {
	var target QueryTarget
	if err := json.Unmarshal(msg.Target, &target); err != nil {
		return NewError("", msg.ID, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrProtocol, err), "QueryHandler", "Handle", "decode target"))
	}

	switch target.Name {
	case QueryDevices:
		return NewQueryResult(msg.ID, map[string]any{"devices": h.deviceList()})
	case QueryStatus:
		return NewQueryResult(msg.ID, map[string]any{"devices": h.statusMap()})
	case QueryMetrics:
		if h.mon == nil {
			return NewQueryResult(msg.ID, perf.Snapshot{Devices: map[string]perf.DeviceMetrics{}})
		}
		return NewQueryResult(msg.ID, h.mon.Snapshot())
	case QueryConnections:
		conns := []ConnectionInfo{}
		if h.connections != nil {
			conns = h.connections()
		}
		return NewQueryResult(msg.ID, map[string]any{"connections": conns})
	case QueryDevice:
		return h.deviceDetail(msg.ID, target.Device)
	default:
		return NewError("", msg.ID, errors.WrapInvalid(
			fmt.Errorf("unknown query target %q: %w", target.Name, errors.ErrProtocol),
			"QueryHandler", "Handle", "target check"))
	}
}

type deviceSummary struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Type   device.Kind   `json:"type"`
	Status device.Status `json:"status"`
}

func (h *QueryHandler) deviceList() []deviceSummary {
	statuses := h.registry.Statuses()
	infos := h.registry.List()

	out := make([]deviceSummary, 0, len(infos))
	for _, info := range infos {
		out = append(out, deviceSummary{
			ID:     info.ID,
			Name:   info.Name,
			Type:   info.Kind,
			Status: statuses[info.ID],
		})
	}
	return out
}

func (h *QueryHandler) statusMap() map[string]device.Status {
	return h.registry.Statuses()
}

func (h *QueryHandler) deviceDetail(id, deviceID string) Outbound {
	dev, ok := h.registry.Get(deviceID)
	if !ok {
		return NewError(deviceID, id,
			errors.WrapInvalid(errors.ErrUnknownDevice, "QueryHandler", "Handle", "lookup "+deviceID))
	}

	detail := map[string]any{
		"info":   dev.Info(),
		"status": dev.Status(),
	}
	if h.mon != nil {
		if dm, ok := h.mon.Device(deviceID); ok {
			detail["metrics"] = dm
		}
	}
	return NewQueryResult(id, detail)
}
