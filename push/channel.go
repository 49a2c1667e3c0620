// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package push implements the broker side of the client push channel: a
// second socket per client carrying deliveries, pongs and forced closes.
// Each frame is acknowledged by the client before the next one is sent.
package push

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/oilmq/codec"
	"github.com/absmach/oilmq/message"
	"github.com/sony/gobreaker"
)

// ErrClosed is returned for frames offered to a closed channel.
var ErrClosed = errors.New("push channel closed")

// pollInterval bounds how long the writer blocks on the socket before it
// checks for shutdown.
const pollInterval = 100 * time.Millisecond

// Config holds push channel settings.
type Config struct {
	AckTimeout      time.Duration
	QueueSize       int
	MaxFrameSize    int
	BreakerFailures uint32
	BreakerReset    time.Duration
	Logger          *slog.Logger

	// OnFailure receives deliveries the client did not accept. It is
	// called from the writer goroutine.
	OnFailure func(ds []message.Delivery, err error)
	// OnClose is called once when the channel stops.
	OnClose func(err error)
}

func (c *Config) setDefaults() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 30 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = 4 << 20
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type frame struct {
	op         codec.Opcode
	deliveries []message.Delivery
	serverTime int64
}

// Channel writes frames to one client in order.
type Channel struct {
	conn    net.Conn
	cfg     Config
	logger  *slog.Logger
	queue   chan frame
	breaker *gobreaker.CircuitBreaker

	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
	stopped   chan struct{}
	draining  chan struct{}
	drainOnce sync.Once
}

// NewChannel starts a channel writing to conn. The channel owns conn.
func NewChannel(conn net.Conn, cfg Config) *Channel {
	cfg.setDefaults()

	c := &Channel{
		conn:     conn,
		cfg:      cfg,
		logger:   cfg.Logger.With(slog.String("remote", conn.RemoteAddr().String())),
		queue:    make(chan frame, cfg.QueueSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		draining: make(chan struct{}),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        conn.RemoteAddr().String(),
		MaxRequests: 1,
		Timeout:     cfg.BreakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("push circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	go c.run()
	return c
}

// Deliver queues a batch of deliveries. It fails fast when the channel is
// closed, its queue is full or the client keeps rejecting deliveries.
func (c *Channel) Deliver(ds []message.Delivery) error {
	if len(ds) == 0 {
		return nil
	}
	if c.breaker.State() == gobreaker.StateOpen {
		return message.ErrPushUnavailable
	}
	return c.enqueue(frame{op: codec.OpReceive, deliveries: ds})
}

// Pong queues a PONG frame carrying the server time.
func (c *Channel) Pong(serverTime time.Time) error {
	return c.enqueue(frame{op: codec.OpPong, serverTime: serverTime.UnixMilli()})
}

func (c *Channel) enqueue(f frame) error {
	select {
	case <-c.done:
		return ErrClosed
	case <-c.draining:
		return ErrClosed
	default:
	}

	select {
	case c.queue <- f:
		return nil
	default:
		return message.ErrPushUnavailable
	}
}

// Ready reports whether the channel accepts deliveries.
func (c *Channel) Ready() bool {
	select {
	case <-c.done:
		return false
	case <-c.draining:
		return false
	default:
	}
	return c.breaker.State() != gobreaker.StateOpen
}

// Done is closed when the channel has stopped.
func (c *Channel) Done() <-chan struct{} {
	return c.stopped
}

// Err returns the error that stopped the channel, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a CLOSE frame after the queued frames, waits for the writer
// to finish or ctx to expire, and closes the socket.
func (c *Channel) Close(ctx context.Context) error {
	c.drainOnce.Do(func() {
		close(c.draining)
	})
	select {
	case <-c.stopped:
	case <-ctx.Done():
		c.stop(ctx.Err())
		<-c.stopped
	}
	return c.Err()
}

// Abort stops the channel immediately. Queued deliveries are reported
// through OnFailure.
func (c *Channel) Abort() {
	c.stop(ErrClosed)
	<-c.stopped
}

func (c *Channel) stop(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

func (c *Channel) run() {
	defer close(c.stopped)
	defer func() {
		c.fail(nil)
		if c.cfg.OnClose != nil {
			c.cfg.OnClose(c.Err())
		}
	}()

	for {
		select {
		case <-c.done:
			return
		case f := <-c.queue:
			c.send(f)
		case <-c.draining:
			// Deliver what is already queued, then tell the client.
		drain:
			for {
				select {
				case f := <-c.queue:
					c.send(f)
				default:
					break drain
				}
			}
			if c.alive() {
				if err := c.roundTrip(frame{op: codec.OpClose}); err != nil {
					c.logger.Debug("push close not acknowledged", slog.String("error", err.Error()))
				}
			}
			c.stop(nil)
			return
		}
	}
}

func (c *Channel) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Channel) send(f frame) {
	if !c.alive() {
		c.report(f, ErrClosed)
		return
	}

	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.roundTrip(f)
	})
	if err == nil {
		return
	}

	var remote *codec.RemoteError
	switch {
	case errors.As(err, &remote):
		c.logger.Debug("client rejected push frame",
			slog.String("op", f.op.String()),
			slog.String("error", err.Error()))
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		err = fmt.Errorf("%w: %w", message.ErrPushUnavailable, err)
	default:
		c.logger.Warn("push channel failed",
			slog.String("op", f.op.String()),
			slog.String("error", err.Error()))
		c.stop(err)
	}
	c.report(f, err)
}

func (c *Channel) report(f frame, err error) {
	if len(f.deliveries) > 0 && c.cfg.OnFailure != nil {
		c.cfg.OnFailure(f.deliveries, err)
	}
}

// fail reports every queued delivery once the channel is stopped.
func (c *Channel) fail(err error) {
	if err == nil {
		err = ErrClosed
	}
	for {
		select {
		case f := <-c.queue:
			c.report(f, err)
		default:
			return
		}
	}
}

// roundTrip writes one frame and waits for its status reply. A remote
// exception is returned as *codec.RemoteError; any other error leaves the
// stream unusable.
func (c *Channel) roundTrip(f frame) error {
	deadline := time.Now().Add(c.cfg.AckTimeout)
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}

	err := codec.WriteRequest(c.conn, f.op, func(buf *bytes.Buffer) error {
		switch f.op {
		case codec.OpReceive:
			return codec.EncodeObject(buf, f.deliveries)
		case codec.OpPong:
			return codec.EncodeInt64(buf, f.serverTime)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write %s frame: %w", f.op, err)
	}

	status, err := c.awaitStatus(deadline)
	if err != nil {
		return err
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return err
	}

	switch status {
	case codec.StatusOK:
		return nil
	case codec.StatusOKObject:
		var discard any
		return codec.DecodeObject(c.conn, c.cfg.MaxFrameSize, &discard)
	default:
		var re codec.RemoteError
		if err := codec.DecodeObject(c.conn, c.cfg.MaxFrameSize, &re); err != nil {
			return err
		}
		return &re
	}
}

// awaitStatus polls for the status byte in short slices so a shutdown is
// noticed while the client is slow to answer.
func (c *Channel) awaitStatus(deadline time.Time) (codec.Status, error) {
	for {
		if !c.alive() {
			return 0, ErrClosed
		}
		now := time.Now()
		if !now.Before(deadline) {
			return 0, fmt.Errorf("push acknowledgement timed out after %s", c.cfg.AckTimeout)
		}
		slice := now.Add(pollInterval)
		if slice.After(deadline) {
			slice = deadline
		}
		if err := c.conn.SetReadDeadline(slice); err != nil {
			return 0, err
		}

		status, err := codec.ReadStatus(c.conn)
		if err == nil {
			return status, nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			continue
		}
		return 0, err
	}
}
