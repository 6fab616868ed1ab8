package bridge

import (
	"log/slog"
	"sync"

	"github.com/ljchang/hyperstudy-bridge-sub001/device"
	"github.com/ljchang/hyperstudy-bridge-sub001/metric"
	"github.com/ljchang/hyperstudy-bridge-sub001/pkg/buffer"
)

// clientQueueCap bounds the per-client event queue. A slow reader sheds its
// oldest events; it never slows another client or a device read loop.
const clientQueueCap = 256

// Fanout delivers device events to subscribed clients through independent
// drop-oldest queues. It implements device.EventSink.
type Fanout struct {
	mu      sync.RWMutex
	clients map[string]*clientQueue
	metrics *metric.Metrics
	log     *slog.Logger
}

type clientQueue struct {
	id   string
	send func(Outbound) error
	buf  *buffer.Ring[Outbound]
	stop chan struct{}
	done chan struct{}

	subMu sync.RWMutex
	// device -> event kinds; nil kind set means all kinds for that device.
	// An empty filters map means the client receives everything, minus any
	// exclusions below. Once filters is non-empty it alone decides delivery.
	filters map[string]map[device.EventKind]struct{}
	// device -> event kinds an unfiltered client opted out of; nil kind set
	// excludes the whole device.
	excludes map[string]map[device.EventKind]struct{}
}

// NewFanout creates an empty fan-out. metrics may be nil.
func NewFanout(log *slog.Logger, metrics *metric.Metrics) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	return &Fanout{
		clients: make(map[string]*clientQueue),
		metrics: metrics,
		log:     log.With("component", "fanout"),
	}
}

// AddClient registers a client and starts its delivery pump. send is invoked
// from the pump goroutine only; a send error drops the remaining queue and
// stops delivery for this client.
func (f *Fanout) AddClient(id string, send func(Outbound) error) {
	q := &clientQueue{
		id:       id,
		send:     send,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		filters:  make(map[string]map[device.EventKind]struct{}),
		excludes: make(map[string]map[device.EventKind]struct{}),
	}
	q.buf = buffer.New[Outbound](clientQueueCap, buffer.WithDropCallback[Outbound](func(ev Outbound) {
		if f.metrics != nil {
			f.metrics.EventsDropped.WithLabelValues(ev.Device).Inc()
		}
	}))

	f.mu.Lock()
	f.clients[id] = q
	f.mu.Unlock()

	go f.pump(q)
}

// RemoveClient stops a client's pump and discards its queue.
func (f *Fanout) RemoveClient(id string) {
	f.mu.Lock()
	q, ok := f.clients[id]
	delete(f.clients, id)
	f.mu.Unlock()
	if !ok {
		return
	}

	close(q.stop)
	<-q.done
	_ = q.buf.Close()
}

// Subscribe narrows a client's delivery to the given device and event kinds.
// An empty kinds list subscribes to all kinds for the device.
func (f *Fanout) Subscribe(clientID, deviceID string, kinds []string) {
	f.mu.RLock()
	q, ok := f.clients[clientID]
	f.mu.RUnlock()
	if !ok {
		return
	}

	q.subMu.Lock()
	defer q.subMu.Unlock()
	delete(q.excludes, deviceID)
	if len(kinds) == 0 {
		q.filters[deviceID] = nil
		return
	}
	set := q.filters[deviceID]
	if set == nil {
		set = make(map[device.EventKind]struct{})
	}
	for _, k := range kinds {
		set[device.EventKind(k)] = struct{}{}
	}
	q.filters[deviceID] = set
}

// Unsubscribe removes event kinds from a client's subscription. An empty
// kinds list removes the device entirely. For a client with no explicit
// subscriptions it only mutes the named device (or its named kinds); every
// other device keeps flowing.
func (f *Fanout) Unsubscribe(clientID, deviceID string, kinds []string) {
	f.mu.RLock()
	q, ok := f.clients[clientID]
	f.mu.RUnlock()
	if !ok {
		return
	}

	q.subMu.Lock()
	defer q.subMu.Unlock()

	if len(q.filters) == 0 {
		if len(kinds) == 0 {
			q.excludes[deviceID] = nil
			return
		}
		set, present := q.excludes[deviceID]
		if present && set == nil {
			// Whole device already excluded; stays that way.
			return
		}
		if set == nil {
			set = make(map[device.EventKind]struct{})
		}
		for _, k := range kinds {
			set[device.EventKind(k)] = struct{}{}
		}
		q.excludes[deviceID] = set
		return
	}

	if len(kinds) == 0 {
		delete(q.filters, deviceID)
		return
	}
	set := q.filters[deviceID]
	if set == nil {
		// Subscribed to all kinds; narrowing by removal means rebuilding
		// the set without the removed kinds.
		set = map[device.EventKind]struct{}{
			device.EventStatus: {}, device.EventData: {}, device.EventError: {},
		}
	}
	for _, k := range kinds {
		delete(set, device.EventKind(k))
	}
	if len(set) == 0 {
		delete(q.filters, deviceID)
	} else {
		q.filters[deviceID] = set
	}
}

// Publish implements device.EventSink. Never blocks.
func (f *Fanout) Publish(ev device.Event) {
	if f.metrics != nil {
		f.metrics.EventsTotal.WithLabelValues(ev.Device, string(ev.Kind)).Inc()
		if ev.Kind == device.EventStatus {
			if payload, ok := ev.Payload.(map[string]string); ok {
				f.metrics.DeviceStatus.WithLabelValues(ev.Device).Set(statusValue(payload["status"]))
			}
		}
	}

	out := toOutbound(ev)

	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, q := range f.clients {
		if q.wants(ev) {
			_ = q.buf.Write(out)
		}
	}
}

// CloseAll stops every client pump.
func (f *Fanout) CloseAll() {
	f.mu.Lock()
	clients := f.clients
	f.clients = make(map[string]*clientQueue)
	f.mu.Unlock()

	for _, q := range clients {
		close(q.stop)
		<-q.done
		_ = q.buf.Close()
	}
}

func (q *clientQueue) wants(ev device.Event) bool {
	q.subMu.RLock()
	defer q.subMu.RUnlock()

	if len(q.filters) == 0 {
		ex, present := q.excludes[ev.Device]
		if !present {
			return true
		}
		if ex == nil {
			return false
		}
		_, muted := ex[ev.Kind]
		return !muted
	}
	set, ok := q.filters[ev.Device]
	if !ok {
		return false
	}
	if set == nil {
		return true
	}
	_, ok = set[ev.Kind]
	return ok
}

func (f *Fanout) pump(q *clientQueue) {
	defer close(q.done)
	for {
		select {
		case <-q.stop:
			return
		case <-q.buf.Ready():
			for {
				ev, ok := q.buf.Read()
				if !ok {
					break
				}
				if err := q.send(ev); err != nil {
					f.log.Debug("client send failed, stopping delivery", "client", q.id, "error", err)
					return
				}
			}
		}
	}
}

func toOutbound(ev device.Event) Outbound {
	var typ string
	switch ev.Kind {
	case device.EventStatus:
		typ = TypeStatus
	case device.EventError:
		typ = TypeError
	default:
		typ = TypeData
	}
	return Outbound{
		Type:      typ,
		Device:    ev.Device,
		Payload:   ev.Payload,
		Timestamp: ev.Timestamp,
	}
}

func statusValue(status string) float64 {
	switch status {
	case "connecting":
		return 1
	case "connected":
		return 2
	case "error":
		return 3
	default:
		return 0
	}
}
