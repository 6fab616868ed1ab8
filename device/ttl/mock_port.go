package ttl

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

// openMock serves port names ending in "-mock": an in-memory loopback that
// answers the line protocol, letting the full connect/pulse path run
// without hardware.
func openMock(_ string, _ int) (Port, error) {
	return newMockPort(), nil
}

type mockPort struct {
	mu      sync.Mutex
	cond    *sync.Cond
	readBuf bytes.Buffer
	pulses  int
	closed  bool
}

func newMockPort() *mockPort {
	p := &mockPort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *mockPort) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}

	switch strings.TrimSpace(string(data)) {
	case "TEST":
		p.readBuf.WriteString("OK\n")
		p.cond.Broadcast()
	case "PULSE":
		p.pulses++
	}
	return len(data), nil
}

func (p *mockPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.readBuf.Len() == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return 0, io.EOF
	}
	return p.readBuf.Read(buf)
}

func (p *mockPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}
