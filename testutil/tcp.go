package testutil

import (
	"net"
	"sync"
	"time"
)

// TCPDevice is a scripted TCP endpoint standing in for a lab device
// (Kernel fNIRS, Biopac). It accepts connections, records everything the
// client writes, and lets tests push raw frames back.
type TCPDevice struct {
	ln net.Listener

	mu       sync.Mutex
	conns    []net.Conn
	received []byte
	connCh   chan net.Conn
	closed   bool
}

// NewTCPDevice starts a listener on a random loopback port.
func NewTCPDevice() (*TCPDevice, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	d := &TCPDevice{ln: ln, connCh: make(chan net.Conn, 8)}
	go d.accept()
	return d, nil
}

// Addr returns the listen address (host:port).
func (d *TCPDevice) Addr() string {
	return d.ln.Addr().String()
}

func (d *TCPDevice) accept() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			conn.Close()
			return
		}
		d.conns = append(d.conns, conn)
		d.mu.Unlock()

		select {
		case d.connCh <- conn:
		default:
		}
		go d.read(conn)
	}
}

func (d *TCPDevice) read(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			d.mu.Lock()
			d.received = append(d.received, buf[:n]...)
			d.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// WaitConn blocks until a client connects or the timeout expires.
func (d *TCPDevice) WaitConn(timeout time.Duration) (net.Conn, bool) {
	select {
	case conn := <-d.connCh:
		return conn, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Send writes raw bytes to the most recent client connection.
func (d *TCPDevice) Send(data []byte) error {
	d.mu.Lock()
	if len(d.conns) == 0 {
		d.mu.Unlock()
		return net.ErrClosed
	}
	conn := d.conns[len(d.conns)-1]
	d.mu.Unlock()

	_, err := conn.Write(data)
	return err
}

// Received returns a copy of everything clients have written so far.
func (d *TCPDevice) Received() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.received...)
}

// DropClients closes all client connections but keeps listening, simulating
// a device-side disconnect.
func (d *TCPDevice) DropClients() {
	d.mu.Lock()
	conns := d.conns
	d.conns = nil
	d.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Close stops the listener and closes all connections.
func (d *TCPDevice) Close() {
	d.mu.Lock()
	d.closed = true
	conns := d.conns
	d.conns = nil
	d.mu.Unlock()

	d.ln.Close()
	for _, c := range conns {
		c.Close()
	}
}
