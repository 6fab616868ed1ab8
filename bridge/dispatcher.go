package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ljchang/hyperstudy-bridge-sub001/device"
	"github.com/ljchang/hyperstudy-bridge-sub001/errors"
)

// DefaultCommandTimeout bounds a single device command end to end, queue wait
// included.
const DefaultCommandTimeout = 10 * time.Second

// Dispatcher routes client commands onto device workers and sends exactly one
// response per correlation id. Per-device ordering comes from the registry
// workers; the dispatcher itself never serializes anything.
type Dispatcher struct {
	registry *device.Registry
	pending  *pendingTable
	log      *slog.Logger
	timeout  time.Duration
	wg       sync.WaitGroup
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithCommandTimeout overrides the per-command deadline.
func WithCommandTimeout(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.timeout = d
		}
	}
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(reg *device.Registry, log *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		registry: reg,
		pending:  newPendingTable(),
		log:      log.With("component", "dispatcher"),
		timeout:  DefaultCommandTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch executes one command message for a client. reply is called exactly
// once, possibly from another goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, clientID string, msg Inbound, reply func(Outbound)) {
	// Status is a lock-free snapshot; it never touches the device worker.
	if msg.Action == ActionStatus {
		dev, ok := d.registry.Get(msg.Device)
		if !ok {
			reply(NewError(msg.Device, msg.ID,
				errors.WrapInvalid(errors.ErrUnknownDevice, "Dispatcher", "Dispatch", "lookup "+msg.Device)))
			return
		}
		reply(NewAck(msg.Device, msg.ID, statusPayload(dev.Status())))
		return
	}

	if msg.ID != "" {
		if err := d.pending.add(clientID, msg.ID); err != nil {
			reply(NewError(msg.Device, msg.ID, err))
			return
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		opCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		start := time.Now()
		value, err := d.registry.Exec(opCtx, msg.Device, d.buildOp(msg))

		if msg.ID != "" && !d.pending.resolve(clientID, msg.ID) {
			d.log.Debug("discarding late command result",
				"client", clientID, "id", msg.ID, "device", msg.Device)
			return
		}

		if err != nil {
			d.log.Warn("command failed",
				"client", clientID, "device", msg.Device, "action", msg.Action,
				"duration", time.Since(start), "error", err)
			reply(NewError(msg.Device, msg.ID, err))
			return
		}
		reply(NewAck(msg.Device, msg.ID, value))
	}()
}

// Shutdown waits for in-flight commands to finish or ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(errors.ErrTimeout, "Dispatcher", "Shutdown", "drain")
	}
}

// DropClient forgets every in-flight id for a disconnected client.
func (d *Dispatcher) DropClient(clientID string) {
	d.pending.dropClient(clientID)
}

func (d *Dispatcher) buildOp(msg Inbound) device.Op {
	switch msg.Action {
	case ActionConnect:
		return device.Op{Action: ActionConnect, Fn: func(ctx context.Context, dev device.Device) (any, error) {
			// Settings in the payload merge into the device's current
			// settings before dialing
			if len(msg.Payload) > 0 {
				if err := dev.Configure(msg.Payload); err != nil {
					return nil, err
				}
			}
			if err := dev.Connect(ctx); err != nil {
				return nil, err
			}
			return statusPayload(dev.Status()), nil
		}}
	case ActionDisconnect:
		return device.Op{Action: ActionDisconnect, Fn: func(_ context.Context, dev device.Device) (any, error) {
			if err := dev.Disconnect(); err != nil {
				return nil, err
			}
			return statusPayload(dev.Status()), nil
		}}
	case ActionConfigure:
		return device.Op{Action: ActionConfigure, Fn: func(_ context.Context, dev device.Device) (any, error) {
			if err := dev.Configure(msg.Payload); err != nil {
				return nil, err
			}
			return map[string]bool{"configured": true}, nil
		}}
	default: // ActionSend; Validate rejected everything else upstream
		return device.Op{Action: ActionSend, Fn: func(ctx context.Context, dev device.Device) (any, error) {
			out, err := dev.Send(ctx, msg.Payload)
			if err != nil {
				return nil, err
			}
			if len(out) == 0 {
				return map[string]bool{"sent": true}, nil
			}
			return json.RawMessage(out), nil
		}}
	}
}

func statusPayload(st device.Status) map[string]any {
	payload := map[string]any{
		"status": st.State.String(),
		"since":  st.Since,
	}
	if st.LastError != "" {
		payload["last_error"] = st.LastError
	}
	return payload
}
