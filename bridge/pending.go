package bridge

import (
	"sync"
	"sync/atomic"

	"github.com/ljchang/hyperstudy-bridge-sub001/errors"
)

// pendingTable tracks in-flight correlation ids per client. Each id resolves
// at most once; a resolution racing a timeout loses and is counted, not
// delivered.
type pendingTable struct {
	mu      sync.Mutex
	entries map[pendingKey]struct{}
	late    atomic.Uint64
}

type pendingKey struct {
	client string
	id     string
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[pendingKey]struct{})}
}

// add registers an in-flight id. A duplicate for the same client is a
// protocol violation.
func (p *pendingTable) add(client, id string) error {
	key := pendingKey{client: client, id: id}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.entries[key]; exists {
		return errors.WrapInvalid(errors.ErrDuplicateID, "Dispatcher", "Dispatch", "register "+id)
	}
	p.entries[key] = struct{}{}
	return nil
}

// resolve claims an id for delivery. It reports false if the id was already
// resolved or the client is gone; the caller must then discard the result.
func (p *pendingTable) resolve(client, id string) bool {
	key := pendingKey{client: client, id: id}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.entries[key]; !exists {
		p.late.Add(1)
		return false
	}
	delete(p.entries, key)
	return true
}

// dropClient discards every in-flight id for a disconnected client.
func (p *pendingTable) dropClient(client string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key := range p.entries {
		if key.client == client {
			delete(p.entries, key)
		}
	}
}

// lateCount reports how many resolutions arrived after their id was gone.
func (p *pendingTable) lateCount() uint64 {
	return p.late.Load()
}

// inFlight reports the number of unresolved ids across all clients.
func (p *pendingTable) inFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
