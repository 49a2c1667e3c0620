// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client is a Go client for the oilmq broker. Requests are written
// as they are issued and matched with their replies in order; pushed
// messages arrive on a second socket and are handed to a callback.
package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/oilmq/codec"
	"github.com/absmach/oilmq/message"
	jsoniter "github.com/json-iterator/go"
)

// DefaultDeliveryChanSize is the buffer of Deliveries when no OnDelivery
// callback is set.
const DefaultDeliveryChanSize = 256

// Client is a thread-safe broker client.
type Client struct {
	opts   *Options
	logger *slog.Logger
	state  *connState

	mu    sync.RWMutex
	link  *link
	push  *receiver
	setup message.Setup

	deliveries chan message.Delivery
}

// link is one request connection.
type link struct {
	conn    net.Conn
	pending *pendingQueue
	writeMu sync.Mutex

	once    sync.Once
	closing atomic.Bool
	done    chan struct{}
}

// New creates a client with the given options.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		opts:   opts,
		logger: opts.Logger,
		state:  newConnState(),
	}
	if opts.OnDelivery == nil {
		c.deliveries = make(chan message.Delivery, DefaultDeliveryChanSize)
	}
	return c, nil
}

// Connect opens the request connection, binds the client id and sets up
// the push channel.
func (c *Client) Connect(ctx context.Context) error {
	if c.state.isClosed() {
		return ErrClientClosed
	}
	if !c.state.transition(StateDisconnected, StateConnecting) {
		return ErrAlreadyConnected
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	if err := c.doConnect(ctx); err != nil {
		c.state.set(StateDisconnected)
		return err
	}
	c.state.set(StateConnected)
	return nil
}

func (c *Client) doConnect(ctx context.Context) error {
	d := net.Dialer{Timeout: c.opts.ConnectTimeout, KeepAlive: 15 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", c.opts.Server)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	l := &link{conn: conn, pending: &pendingQueue{}, done: make(chan struct{})}
	c.mu.Lock()
	c.link = l
	c.mu.Unlock()
	go c.readLoop(l)

	tok := message.ConnectionToken{ClientID: c.opts.ClientID}

	var accepted chan acceptResult
	if c.opts.PushMode == PushDial {
		ln, err := net.Listen("tcp", c.opts.PushListen)
		if err != nil {
			c.teardown(l)
			return fmt.Errorf("%w: push listener: %w", ErrConnectFailed, err)
		}
		defer ln.Close()
		tok.PushAddr = ln.Addr().String()
		accepted = make(chan acceptResult, 1)
		go c.acceptPush(ln, accepted)
	}

	var setup message.Setup
	if err := c.call(ctx, codec.OpSetConnectionToken, object(tok), &setup); err != nil {
		c.teardown(l)
		return err
	}
	c.mu.Lock()
	c.setup = setup
	c.mu.Unlock()

	switch c.opts.PushMode {
	case PushDial:
		var res acceptResult
		select {
		case res = <-accepted:
		case <-ctx.Done():
			res.err = ctx.Err()
		}
		if res.err != nil {
			c.teardown(l)
			return fmt.Errorf("%w: push channel: %w", ErrConnectFailed, res.err)
		}
		c.startReceiver(res.conn)
	case PushAccept:
		addr := c.opts.PushAddr
		if addr == "" {
			addr = setup.PushAddr
		}
		if addr == "" {
			break
		}
		pc, err := openPush(ctx, addr, setup.Token, c.opts.ConnectTimeout)
		if err != nil {
			c.teardown(l)
			return fmt.Errorf("%w: push channel: %w", ErrConnectFailed, err)
		}
		c.startReceiver(pc)
	}
	return nil
}

// teardown closes l after a failed connect.
func (c *Client) teardown(l *link) {
	l.closing.Store(true)
	c.fail(l, ErrConnectFailed)
}

// Token returns the connection credential of the current connection.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.setup.Token
}

// IsConnected reports whether the client is connected.
func (c *Client) IsConnected() bool {
	return c.state.isConnected()
}

// State returns the current state.
func (c *Client) State() State {
	return c.state.get()
}

// Deliveries returns the channel receiving pushed messages when no
// OnDelivery callback is configured.
func (c *Client) Deliveries() <-chan message.Delivery {
	return c.deliveries
}

// Close tells the broker the connection is closing, waits for the push
// channel to be closed and releases every socket. Close is permanent.
func (c *Client) Close() error {
	if c.state.isClosed() {
		return nil
	}
	connected := c.state.transition(StateConnected, StateDisconnecting)

	var err error
	c.mu.RLock()
	l := c.link
	r := c.push
	c.mu.RUnlock()

	if connected && l != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
		l.closing.Store(true)
		err = c.call(ctx, codec.OpConnectionClosing, nil, nil)
		cancel()
	}
	if l != nil {
		c.fail(l, ErrClientClosed)
	}
	if r != nil {
		r.stop(c.opts.ConnectTimeout)
	}
	c.state.set(StateClosed)
	return err
}

// fail closes l once and fails its outstanding requests.
func (c *Client) fail(l *link, err error) {
	l.once.Do(func() {
		l.pending.clear(err)
		l.conn.Close()
		close(l.done)

		if l.closing.Load() {
			return
		}
		c.state.transition(StateConnected, StateDisconnected)
		c.logger.Warn("connection lost", slog.String("error", err.Error()))
		c.mu.RLock()
		r := c.push
		c.mu.RUnlock()
		if r != nil {
			r.stop(0)
		}
		if c.opts.OnConnectionLost != nil {
			go c.opts.OnConnectionLost(err)
		}
	})
}

func (c *Client) readLoop(l *link) {
	r := bufio.NewReader(l.conn)
	for {
		var raw jsoniter.RawMessage
		remote, err := codec.ReadReply(r, c.opts.MaxFrameSize, &raw)
		if err != nil {
			c.fail(l, fmt.Errorf("%w: %w", ErrConnectionLost, err))
			return
		}
		f := l.pending.pop()
		if f == nil {
			c.fail(l, fmt.Errorf("%w: reply without request", codec.ErrProtocol))
			return
		}
		f.complete(raw, remote)
	}
}

func (c *Client) current() (*link, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.link == nil {
		return nil, ErrNotConnected
	}
	return c.link, nil
}

// Go writes a request and returns its future without waiting for the
// reply. Requests issued from one goroutine are answered in order.
func (c *Client) Go(op codec.Opcode, body func(buf *bytes.Buffer) error) (*Future, error) {
	l, err := c.current()
	if err != nil {
		return nil, err
	}

	f := newFuture(op)
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := l.pending.push(f); err != nil {
		return nil, err
	}
	if err := l.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		l.pending.drop(f)
		return nil, err
	}
	if err := codec.WriteRequest(l.conn, op, body); err != nil {
		l.pending.drop(f)
		go c.fail(l, fmt.Errorf("%w: %w", ErrConnectionLost, err))
		return nil, err
	}
	return f, nil
}

func (c *Client) call(ctx context.Context, op codec.Opcode, body func(buf *bytes.Buffer) error, result any) error {
	return c.callWithin(ctx, op, body, result, c.opts.RequestTimeout)
}

// callWithin issues a request and waits at most timeout unless ctx already
// carries a deadline.
func (c *Client) callWithin(ctx context.Context, op codec.Opcode, body func(buf *bytes.Buffer) error, result any, timeout time.Duration) error {
	f, err := c.Go(op, body)
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return f.decode(ctx, result)
}

func object(v any) func(buf *bytes.Buffer) error {
	return func(buf *bytes.Buffer) error {
		return codec.EncodeObject(buf, v)
	}
}

func encodeStrings(vs ...string) func(buf *bytes.Buffer) error {
	return func(buf *bytes.Buffer) error {
		for _, v := range vs {
			if err := codec.EncodeString(buf, v); err != nil {
				return err
			}
		}
		return nil
	}
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
