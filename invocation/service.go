// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package invocation serves the request channel: it reads one request at a
// time from each connection, dispatches it to the broker and writes exactly
// one reply per request, in order.
package invocation

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/oilmq/broker"
	"github.com/absmach/oilmq/codec"
	"github.com/absmach/oilmq/push"
	"github.com/absmach/oilmq/server/otel"
)

// Config holds invocation service settings.
type Config struct {
	// IdleTimeout bounds the wait for the next opcode so the loop can
	// observe shutdown.
	IdleTimeout time.Duration
	// FrameTimeout bounds reading a request payload and writing its reply.
	FrameTimeout time.Duration
	MaxFrameSize int
	// Registry accepts push sockets for clients that do not offer a push
	// address. Nil disables accept mode.
	Registry *push.Registry
	// PushAddr is the push listener address announced to clients.
	PushAddr string
	// DialTimeout bounds dialing a client's push listener.
	DialTimeout time.Duration
	Metrics     *otel.Metrics // nil if metrics disabled
	Logger      *slog.Logger
}

func (c *Config) setDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Second
	}
	if c.FrameTimeout <= 0 {
		c.FrameTimeout = 30 * time.Second
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = 4 << 20
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Service dispatches request channel frames to a broker. It implements
// tcp.Handler.
type Service struct {
	broker *broker.Broker
	cfg    Config
	calls  map[codec.Opcode]callFunc
	logger *slog.Logger
}

// New creates a service for b.
func New(b *broker.Broker, cfg Config) *Service {
	cfg.setDefaults()
	return &Service{
		broker: b,
		cfg:    cfg,
		calls:  chain(cfg.Metrics),
		logger: cfg.Logger,
	}
}

// ServeConn runs the request loop of one connection until the client sends
// CONNECTION_CLOSING, the connection fails or ctx is cancelled.
func (s *Service) ServeConn(ctx context.Context, conn net.Conn) {
	sess := &session{
		svc:    s,
		b:      s.broker,
		conn:   conn,
		r:      bufio.NewReader(conn),
		logger: s.logger.With(slog.String("remote", conn.RemoteAddr().String())),
	}
	defer sess.cleanup()

	for {
		if ctx.Err() != nil {
			return
		}

		op, err := sess.next()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				sess.logger.Warn("closing connection", slog.String("error", err.Error()))
			}
			return
		}

		if done := sess.dispatch(ctx, op); done {
			return
		}
	}
}

// next waits up to IdleTimeout for the next request and reads its opcode.
func (s *session) next() (codec.Opcode, error) {
	cfg := s.svc.cfg
	if err := s.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout)); err != nil {
		return 0, err
	}
	if _, err := s.r.Peek(1); err != nil {
		return 0, err
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(cfg.FrameTimeout)); err != nil {
		return 0, err
	}
	return codec.ReadOpcode(s.r)
}

// dispatch runs the handler for op and writes its reply. It reports whether
// the loop must stop.
func (s *session) dispatch(ctx context.Context, op codec.Opcode) bool {
	h, ok := handlers[op]
	if !ok {
		s.logger.Warn("opcode not valid on request channel", slog.String("op", op.String()))
		return true
	}

	res, err := s.svc.calls[op](s, ctx)

	var rerr *readError
	if errors.As(err, &rerr) {
		s.logger.Warn("failed to read request",
			slog.String("op", op.String()),
			slog.String("error", rerr.Error()))
		return true
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.svc.cfg.FrameTimeout)); err != nil {
		return true
	}
	var werr error
	switch {
	case err != nil:
		werr = codec.WriteException(s.conn, err)
	case h.object:
		werr = codec.WriteObject(s.conn, res)
	default:
		werr = codec.WriteOK(s.conn)
	}
	if werr != nil {
		s.logger.Warn("failed to write reply",
			slog.String("op", op.String()),
			slog.String("error", werr.Error()))
		return true
	}

	return op == codec.OpConnectionClosing
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
