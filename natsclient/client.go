// Package natsclient provides a thin NATS connection wrapper implementing
// the device.Bus contract used by the LSL driver.
package natsclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ljchang/hyperstudy-bridge-sub001/device"
	"github.com/ljchang/hyperstudy-bridge-sub001/errors"
)

// Option configures a Client.
type Option func(*Client)

// WithName sets the client connection name.
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithTimeout sets the connect timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithReconnectWait sets the delay between automatic reconnect attempts.
func WithReconnectWait(d time.Duration) Option {
	return func(c *Client) { c.reconnectWait = d }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// Client wraps a core NATS connection. Reconnection is delegated to the
// nats.go client; handlers only log the transitions.
type Client struct {
	url           string
	name          string
	timeout       time.Duration
	reconnectWait time.Duration
	log           *slog.Logger

	mu   sync.RWMutex
	conn *nats.Conn
}

// New creates a client for the given server URL. Connect must be called
// before use.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:           url,
		name:          "hyperstudy-bridge",
		timeout:       5 * time.Second,
		reconnectWait: 2 * time.Second,
		log:           slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "natsclient")
	return c
}

// Connect establishes the NATS connection.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.conn.IsConnected() {
		return errors.WrapInvalid(errors.ErrAlreadyConnected, "Client", "Connect", "nats connection")
	}

	conn, err := nats.Connect(c.url,
		nats.Name(c.name),
		nats.Timeout(c.timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(c.reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.log.Info("nats connection closed")
		}),
	)
	if err != nil {
		return errors.WrapTransient(err, "Client", "Connect", "dial "+c.url)
	}

	c.conn = conn
	c.log.Info("nats connected", "url", conn.ConnectedUrl())
	return nil
}

// Close drains and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
	c.conn = nil
	return nil
}

func (c *Client) current() (*nats.Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil, errors.WrapInvalid(errors.ErrNotConnected, "Client", "current", "nats connection")
	}
	return c.conn, nil
}

// Publish implements device.Bus.
func (c *Client) Publish(subject string, data []byte) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "publish "+subject)
	}
	return nil
}

// Subscribe implements device.Bus.
func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) (device.Subscription, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Subscribe", "subscribe "+subject)
	}
	return subscription{sub}, nil
}

// Request implements device.Bus.
func (c *Client) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}
	msg, err := conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Request", "request "+subject)
	}
	return msg.Data, nil
}

// RTT implements device.Bus. Returns the round-trip time to the server.
func (c *Client) RTT() (time.Duration, error) {
	conn, err := c.current()
	if err != nil {
		return 0, err
	}
	rtt, err := conn.RTT()
	if err != nil {
		return 0, errors.WrapTransient(err, "Client", "RTT", "ping")
	}
	return rtt, nil
}

type subscription struct {
	sub *nats.Subscription
}

func (s subscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
