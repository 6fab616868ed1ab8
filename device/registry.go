package device

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/ljchang/hyperstudy-bridge-sub001/errors"
)

// opQueueCap bounds the per-device command queue. Enqueueing past this
// returns a busy error rather than blocking the caller.
const opQueueCap = 64

// Op is a unit of work executed on a device's worker goroutine. Ops for the
// same device run strictly in FIFO order, one at a time.
type Op struct {
	Action string
	Fn     func(ctx context.Context, d Device) (any, error)
}

type opResult struct {
	value any
	err   error
}

type queuedOp struct {
	op     Op
	ctx    context.Context
	result chan opResult // buffered, cap 1
}

type entry struct {
	dev Device

	mu     sync.Mutex
	closed bool
	ops    chan *queuedOp

	done chan struct{}
}

func (e *entry) enqueue(q *queuedOp) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.WrapInvalid(errors.ErrUnknownDevice, "Registry", "Exec", "device removed")
	}
	select {
	case e.ops <- q:
		return nil
	default:
		return errors.WrapTransient(errors.ErrDeviceBusy, "Registry", "Exec", "enqueue")
	}
}

// Registry owns the set of registered devices and serializes all
// state-changing operations per device through a dedicated worker goroutine.
// Lookups and status reads never touch a worker.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	log     *slog.Logger
}

// NewRegistry creates an empty device registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*entry),
		log:     log.With("component", "registry"),
	}
}

// Register adds a device and starts its worker. Duplicate ids are rejected.
func (r *Registry) Register(dev Device) error {
	id := dev.Info().ID
	if id == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "empty device id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "duplicate device id "+id)
	}

	e := &entry{
		dev:  dev,
		ops:  make(chan *queuedOp, opQueueCap),
		done: make(chan struct{}),
	}
	r.entries[id] = e
	go r.work(id, e)

	r.log.Info("device registered", "device", id, "kind", string(dev.Info().Kind))
	return nil
}

// Remove disconnects a device, stops its worker, and forgets it. Ops still
// queued on the worker fail with a disconnected error instead of running.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrUnknownDevice, "Registry", "Remove", "lookup "+id)
	}
	delete(r.entries, id)
	r.mu.Unlock()

	e.mu.Lock()
	e.closed = true
	close(e.ops)
	e.mu.Unlock()
	<-e.done

	if err := e.dev.Disconnect(); err != nil {
		r.log.Warn("disconnect during removal", "device", id, "error", err)
	}
	if c, ok := e.dev.(Closer); ok {
		_ = c.Close()
	}

	r.log.Info("device removed", "device", id)
	return nil
}

// Get returns the device with the given id.
func (r *Registry) Get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.dev, true
}

// List returns the registered devices sorted by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, e.dev.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Statuses returns a status snapshot for every registered device.
func (r *Registry) Statuses() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Status, len(r.entries))
	for id, e := range r.entries {
		out[id] = e.dev.Status()
	}
	return out
}

// Exec runs op on the device's worker and waits for the result or for ctx to
// expire. On expiry the op may still run later; its result is discarded.
func (r *Registry) Exec(ctx context.Context, id string, op Op) (any, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrUnknownDevice, "Registry", "Exec", "lookup "+id)
	}

	q := &queuedOp{op: op, ctx: ctx, result: make(chan opResult, 1)}
	if err := e.enqueue(q); err != nil {
		return nil, err
	}

	select {
	case res := <-q.result:
		return res.value, res.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.WrapTransient(errors.ErrTimeout, "Registry", "Exec", op.Action)
		}
		return nil, ctx.Err()
	}
}

// Close removes every device. Used at shutdown.
func (r *Registry) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if err := r.Remove(id); err != nil {
			r.log.Warn("removal during close", "device", id, "error", err)
		}
	}
}

func (r *Registry) work(id string, e *entry) {
	defer close(e.done)

	for q := range e.ops {
		// Ops still queued when the device was removed never run; they fail
		// the same way ops queued behind a disconnect do.
		e.mu.Lock()
		closed := e.closed
		e.mu.Unlock()
		if closed {
			q.result <- opResult{err: errors.WrapInvalid(
				errors.ErrDeviceDisconnected, "Registry", "Exec", q.op.Action)}
			continue
		}

		// Skip work whose caller already gave up
		if q.ctx.Err() != nil {
			q.result <- opResult{err: errors.WrapTransient(errors.ErrTimeout, "Registry", "Exec", q.op.Action)}
			continue
		}

		value, err := q.op.Fn(q.ctx, e.dev)
		q.result <- opResult{value: value, err: err}

		// A disconnect invalidates everything queued behind it
		if q.op.Action == "disconnect" && err == nil {
			r.flush(e)
		}
	}
}

func (r *Registry) flush(e *entry) {
	for {
		select {
		case q, ok := <-e.ops:
			if !ok {
				return
			}
			q.result <- opResult{err: errors.WrapInvalid(
				errors.ErrDeviceDisconnected, "Registry", "Exec", q.op.Action)}
		default:
			return
		}
	}
}
