// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

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
)

// ErrUnknownToken is returned to a push connection presenting a token no
// request connection is waiting for.
var ErrUnknownToken = errors.New("unknown connection token")

func init() {
	codec.RegisterError("unknown_token", ErrUnknownToken)
}

// AttachFunc binds an accepted push socket to its request connection and
// returns the channel now owning the socket.
type AttachFunc func(conn net.Conn) *Channel

// Registry matches push sockets accepted on the push listener with the
// request connections that announced them. It implements tcp.Handler.
type Registry struct {
	mu            sync.Mutex
	pending       map[string]AttachFunc
	handshakeWait time.Duration
	logger        *slog.Logger
}

// NewRegistry creates a registry. handshakeWait bounds how long an accepted
// socket may take to present its token.
func NewRegistry(handshakeWait time.Duration, logger *slog.Logger) *Registry {
	if handshakeWait <= 0 {
		handshakeWait = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		pending:       make(map[string]AttachFunc),
		handshakeWait: handshakeWait,
		logger:        logger,
	}
}

// Expect registers token; the next push socket presenting it is handed to attach.
func (r *Registry) Expect(token string, attach AttachFunc) {
	r.mu.Lock()
	r.pending[token] = attach
	r.mu.Unlock()
}

// Cancel forgets token.
func (r *Registry) Cancel(token string) {
	r.mu.Lock()
	delete(r.pending, token)
	r.mu.Unlock()
}

// Pending returns the number of tokens waiting for a push socket.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Registry) take(token string) (AttachFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	attach, ok := r.pending[token]
	delete(r.pending, token)
	return attach, ok
}

// ServeConn reads the SET_CONNECTION_TOKEN handshake, attaches the socket
// and blocks until the resulting channel stops or ctx is cancelled.
func (r *Registry) ServeConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()

	token, err := r.handshake(conn)
	if err != nil {
		r.logger.Warn("push handshake failed",
			slog.String("remote", remote),
			slog.String("error", err.Error()))
		return
	}

	attach, ok := r.take(token)
	if !ok {
		conn.SetWriteDeadline(time.Now().Add(r.handshakeWait))
		codec.WriteException(conn, fmt.Errorf("%w: %s", ErrUnknownToken, token))
		r.logger.Warn("push connection with unknown token", slog.String("remote", remote))
		return
	}
	if err := codec.WriteOK(conn); err != nil {
		r.logger.Warn("failed to acknowledge push handshake",
			slog.String("remote", remote),
			slog.String("error", err.Error()))
		return
	}
	conn.SetDeadline(time.Time{})

	ch := attach(conn)
	if ch == nil {
		return
	}
	r.logger.Debug("push channel attached", slog.String("remote", remote))

	select {
	case <-ch.Done():
	case <-ctx.Done():
		closeCtx, cancel := context.WithTimeout(context.Background(), ch.cfg.AckTimeout)
		defer cancel()
		ch.Close(closeCtx)
	}
}

func (r *Registry) handshake(conn net.Conn) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(r.handshakeWait)); err != nil {
		return "", err
	}
	op, err := codec.ReadOpcode(conn)
	if err != nil {
		return "", err
	}
	if op != codec.OpSetConnectionToken {
		return "", fmt.Errorf("%w: expected %s, got %s", codec.ErrProtocol, codec.OpSetConnectionToken, op)
	}
	return codec.DecodeString(conn)
}

// Dial opens a push socket to a client listening at addr.
func Dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout, KeepAlive: 15 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", message.ErrPushUnavailable, addr, err)
	}
	return conn, nil
}

// Present writes the SET_CONNECTION_TOKEN handshake on a dialed push socket
// and waits for the client to accept it.
func Present(conn net.Conn, token string, timeout time.Duration) error {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	err := codec.WriteRequest(conn, codec.OpSetConnectionToken, func(buf *bytes.Buffer) error {
		return codec.EncodeString(buf, token)
	})
	if err != nil {
		return err
	}
	remote, err := codec.ReadReply(conn, 0, nil)
	if err != nil {
		return err
	}
	if remote != nil {
		return remote
	}
	return conn.SetDeadline(time.Time{})
}
