// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/oilmq/codec"
	"github.com/absmach/oilmq/message"
)

var errDeliveriesFull = errors.New("delivery buffer full")

// receiver answers the frames the broker writes on the push socket.
type receiver struct {
	c    *Client
	conn net.Conn
	done chan struct{}
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// openPush connects to the broker push listener and presents token.
func openPush(ctx context.Context, addr, token string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout, KeepAlive: 15 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		conn.Close()
		return nil, err
	}
	if err := codec.WriteRequest(conn, codec.OpSetConnectionToken, encodeStrings(token)); err != nil {
		conn.Close()
		return nil, err
	}
	remote, err := codec.ReadReply(conn, 0, nil)
	if err == nil {
		err = remote
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// acceptPush takes the single push socket the broker dials in dial mode and
// acknowledges its handshake.
func (c *Client) acceptPush(ln net.Listener, out chan<- acceptResult) {
	conn, err := ln.Accept()
	if err != nil {
		out <- acceptResult{err: err}
		return
	}

	err = func() error {
		if err := conn.SetDeadline(time.Now().Add(c.opts.ConnectTimeout)); err != nil {
			return err
		}
		op, err := codec.ReadOpcode(conn)
		if err != nil {
			return err
		}
		if op != codec.OpSetConnectionToken {
			return fmt.Errorf("%w: expected %s, got %s", ErrUnexpectedFrame, codec.OpSetConnectionToken, op)
		}
		if _, err := codec.DecodeString(conn); err != nil {
			return err
		}
		if err := codec.WriteOK(conn); err != nil {
			return err
		}
		return conn.SetDeadline(time.Time{})
	}()
	if err != nil {
		conn.Close()
		out <- acceptResult{err: err}
		return
	}
	out <- acceptResult{conn: conn}
}

func (c *Client) startReceiver(conn net.Conn) {
	r := &receiver{c: c, conn: conn, done: make(chan struct{})}
	c.mu.Lock()
	c.push = r
	c.mu.Unlock()
	go r.run()
}

// stop waits up to wait for the broker to close the channel, then closes
// the socket.
func (r *receiver) stop(wait time.Duration) {
	if wait > 0 {
		select {
		case <-r.done:
		case <-time.After(wait):
		}
	}
	r.conn.Close()
}

func (r *receiver) run() {
	defer close(r.done)
	defer r.conn.Close()

	c := r.c
	br := bufio.NewReader(r.conn)
	for {
		op, err := codec.ReadOpcode(br)
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosedConn(err) {
				c.logger.Warn("push channel failed", slog.String("error", err.Error()))
			}
			return
		}

		switch op {
		case codec.OpReceive:
			var ds []message.Delivery
			if err := codec.DecodeObject(br, c.opts.MaxFrameSize, &ds); err != nil {
				c.logger.Warn("malformed push delivery", slog.String("error", err.Error()))
				return
			}
			if err := r.reply(c.deliver(ds)); err != nil {
				return
			}
		case codec.OpPong:
			ts, err := codec.DecodeInt64(br)
			if err != nil {
				return
			}
			if c.opts.OnPong != nil {
				c.opts.OnPong(time.UnixMilli(ts))
			}
			if err := r.reply(nil); err != nil {
				return
			}
		case codec.OpClose:
			if err := r.reply(nil); err != nil {
				return
			}
			if c.opts.OnClose != nil {
				c.opts.OnClose()
			}
			return
		default:
			c.logger.Warn("unexpected push frame", slog.String("op", op.String()))
			return
		}
	}
}

func (r *receiver) reply(err error) error {
	if err := r.conn.SetWriteDeadline(time.Now().Add(r.c.opts.WriteTimeout)); err != nil {
		return err
	}
	if err != nil {
		return codec.WriteException(r.conn, err)
	}
	return codec.WriteOK(r.conn)
}

// deliver hands a batch to the application. A rejected batch is redelivered
// by the broker.
func (c *Client) deliver(ds []message.Delivery) error {
	for _, d := range ds {
		if c.opts.OnDelivery != nil {
			if err := c.opts.OnDelivery(d); err != nil {
				return err
			}
			continue
		}
		select {
		case c.deliveries <- d:
		default:
			return errDeliveriesFull
		}
	}
	return nil
}
