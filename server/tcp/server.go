// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp runs the accept loop shared by the request and push
// listeners: admission, per-connection goroutines and draining on shutdown.
package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ErrShutdownTimeout is returned by Serve when open connections outlive
// Config.ShutdownTimeout and had to be closed.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Handler serves one accepted connection. ServeConn must return once ctx
// is cancelled and its current request is answered. The server closes conn
// after ServeConn returns.
type Handler interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn net.Conn)

// ServeConn calls f(ctx, conn).
func (f HandlerFunc) ServeConn(ctx context.Context, conn net.Conn) {
	f(ctx, conn)
}

// RateLimiter decides whether a new connection from addr is accepted.
type RateLimiter interface {
	Allow(addr net.Addr) bool
}

// Config describes one listener.
type Config struct {
	Name            string // Used as the "listener" log attribute
	Address         string
	TLSConfig       *tls.Config
	Logger          *slog.Logger
	RateLimiter     RateLimiter
	ShutdownTimeout time.Duration
	KeepAlive       time.Duration // Idle time before keepalives start
	MaxConnections  int           // Zero means unlimited
	DisableNoDelay  bool          // Leave Nagle's algorithm on
}

// Server hands every admitted connection to its Handler on a dedicated
// goroutine.
type Server struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger
	slots   chan struct{}
	wg      sync.WaitGroup

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
}

// New creates a Server. Zero durations and names take their defaults.
func New(cfg Config, h Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "tcp"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 15 * time.Second
	}

	s := &Server{
		cfg:     cfg,
		handler: h,
		logger:  cfg.Logger.With(slog.String("listener", cfg.Name)),
		conns:   make(map[net.Conn]struct{}),
	}
	if cfg.MaxConnections > 0 {
		s.slots = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

// Listen binds Config.Address and serves it until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is cancelled, then drains the open
// connections.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.logger.Info("listening",
		slog.String("address", ln.Addr().String()),
		slog.Bool("tls", s.cfg.TLSConfig != nil))

	// Handlers get their own context so that they are cancelled only after
	// the accept loop has stopped.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	accepted := s.acceptLoop(ctx, connCtx, ln)
	<-ctx.Done()
	return s.drain(ln, accepted, connCancel)
}

func (s *Server) acceptLoop(ctx, connCtx context.Context, ln net.Listener) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ctx.Err() == nil {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Error("accept failed", slog.String("error", err.Error()))
				continue
			}
			if s.admit(conn) {
				go s.serve(connCtx, conn)
			}
		}
	}()
	return done
}

// admit applies the rate limit, the connection limit and socket options.
// A rejected conn is closed. An admitted one must be released with finish.
func (s *Server) admit(conn net.Conn) bool {
	remote := slog.String("remote", conn.RemoteAddr().String())

	if s.cfg.RateLimiter != nil && !s.cfg.RateLimiter.Allow(conn.RemoteAddr()) {
		s.logger.Warn("connection rate limited", remote)
		conn.Close()
		return false
	}

	if s.slots != nil {
		select {
		case s.slots <- struct{}{}:
		default:
			s.logger.Warn("connection limit reached", remote, slog.Int("max", s.cfg.MaxConnections))
			conn.Close()
			return false
		}
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		if err := s.tune(tc); err != nil {
			s.logger.Error("socket options failed", remote, slog.String("error", err.Error()))
			s.releaseSlot()
			conn.Close()
			return false
		}
	}

	s.wg.Add(1)
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	return true
}

// finish undoes a successful admit.
func (s *Server) finish(conn net.Conn) {
	conn.Close()
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.releaseSlot()
	s.wg.Done()
}

func (s *Server) releaseSlot() {
	if s.slots != nil {
		<-s.slots
	}
}

func (s *Server) serve(ctx context.Context, conn net.Conn) {
	defer s.finish(conn)

	remote := slog.String("remote", conn.RemoteAddr().String())
	if tc, ok := conn.(*tls.Conn); ok {
		if err := tc.HandshakeContext(ctx); err != nil {
			s.logger.Warn("TLS handshake failed", remote, slog.String("error", err.Error()))
			return
		}
	}

	s.logger.Debug("connection opened", remote)
	s.handler.ServeConn(ctx, conn)
	s.logger.Debug("connection closed", remote)
}

// tune sets keepalive and, when configured, turns Nagle's algorithm back
// on. Go sockets start with TCP_NODELAY set.
func (s *Server) tune(conn *net.TCPConn) error {
	if s.cfg.KeepAlive > 0 {
		ka := net.KeepAliveConfig{Enable: true, Idle: s.cfg.KeepAlive, Interval: s.cfg.KeepAlive}
		if err := conn.SetKeepAliveConfig(ka); err != nil {
			return fmt.Errorf("keepalive: %w", err)
		}
	}
	if s.cfg.DisableNoDelay {
		if err := conn.SetNoDelay(false); err != nil {
			return fmt.Errorf("no delay: %w", err)
		}
	}
	return nil
}

// drain closes ln, waits for the accept loop, cancels the handlers and
// waits for them up to ShutdownTimeout. Connections still open after that
// are closed.
func (s *Server) drain(ln net.Listener, accepted <-chan struct{}, cancel context.CancelFunc) error {
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("closing listener failed", slog.String("error", err.Error()))
	}
	<-accepted
	cancel()

	idle := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(idle)
	}()

	timer := time.NewTimer(s.cfg.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-idle:
		s.logger.Info("stopped")
		return nil
	case <-timer.C:
	}

	s.mu.Lock()
	n := len(s.conns)
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.logger.Warn("shutdown timeout exceeded, closed open connections", slog.Int("count", n))

	select {
	case <-idle:
	case <-time.After(time.Second):
	}
	return ErrShutdownTimeout
}

// Addr returns the bound address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
