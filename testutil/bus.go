// Package testutil provides in-memory fakes for the bridge's external
// transports: the messaging bus, and TCP device endpoints. Tests use these
// instead of real hardware or servers.
package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ljchang/hyperstudy-bridge-sub001/device"
	"github.com/ljchang/hyperstudy-bridge-sub001/errors"
)

// PublishedMsg records one message published through the MockBus.
type PublishedMsg struct {
	Subject string
	Data    []byte
}

type mockSub struct {
	bus     *MockBus
	pattern string
	handler func(subject string, data []byte)
	active  bool
}

func (s *mockSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.active = false
	return nil
}

// MockBus is an in-memory device.Bus. Publishes are delivered synchronously
// to matching subscribers, which keeps tests deterministic.
type MockBus struct {
	mu        sync.Mutex
	subs      []*mockSub
	published []PublishedMsg
	reqs      map[string]func(data []byte) ([]byte, error)
	rtt       time.Duration
	failNext  error
}

// NewMockBus creates an empty mock bus with a 1ms synthetic RTT.
func NewMockBus() *MockBus {
	return &MockBus{
		reqs: make(map[string]func([]byte) ([]byte, error)),
		rtt:  time.Millisecond,
	}
}

// SetRTT overrides the synthetic round-trip time.
func (b *MockBus) SetRTT(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rtt = d
}

// FailNext makes the next Publish return err.
func (b *MockBus) FailNext(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = err
}

// HandleRequest registers a responder for Request on an exact subject.
func (b *MockBus) HandleRequest(subject string, fn func(data []byte) ([]byte, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reqs[subject] = fn
}

// Published returns a copy of all published messages.
func (b *MockBus) Published() []PublishedMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PublishedMsg, len(b.published))
	copy(out, b.published)
	return out
}

// PublishedOn returns published messages matching the subject pattern.
func (b *MockBus) PublishedOn(pattern string) []PublishedMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []PublishedMsg
	for _, m := range b.published {
		if SubjectMatches(pattern, m.Subject) {
			out = append(out, m)
		}
	}
	return out
}

// Publish implements device.Bus.
func (b *MockBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	if b.failNext != nil {
		err := b.failNext
		b.failNext = nil
		b.mu.Unlock()
		return err
	}
	b.published = append(b.published, PublishedMsg{Subject: subject, Data: append([]byte(nil), data...)})
	var targets []*mockSub
	for _, s := range b.subs {
		if s.active && SubjectMatches(s.pattern, subject) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.handler(subject, data)
	}
	return nil
}

// Subscribe implements device.Bus.
func (b *MockBus) Subscribe(subject string, handler func(subject string, data []byte)) (device.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &mockSub{bus: b, pattern: subject, handler: handler, active: true}
	b.subs = append(b.subs, s)
	return s, nil
}

// Request implements device.Bus.
func (b *MockBus) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	b.mu.Lock()
	fn, ok := b.reqs[subject]
	b.mu.Unlock()
	if !ok {
		return nil, errors.WrapTransient(errors.ErrTimeout, "MockBus", "Request", "no responder for "+subject)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fn(data)
}

// RTT implements device.Bus.
func (b *MockBus) RTT() (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rtt, nil
}

// SubjectMatches reports whether a NATS-style subject pattern matches a
// concrete subject. Supports '*' (one token) and a trailing '>'.
func SubjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, p := range pt {
		if p == ">" {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
