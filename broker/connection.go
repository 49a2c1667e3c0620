// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/oilmq/broker/events"
	"github.com/absmach/oilmq/message"
	"github.com/absmach/oilmq/push"
	"github.com/google/uuid"
)

// Pusher carries broker-initiated frames to one client.
type Pusher interface {
	Deliver(ds []message.Delivery) error
	Pong(serverTime time.Time) error
	Ready() bool
	Close(ctx context.Context) error
}

type ackKey struct {
	sub int32
	id  int64
}

type unacked struct {
	ref *message.Reference
	s   *subscriber
}

// Connection is the broker side of one logical client.
type Connection struct {
	b        *Broker
	token    string
	clientID string

	mu      sync.Mutex
	pusher  Pusher
	pushGen uint64
	deadGen uint64
	enabled bool
	subs    map[int32]*subscriber
	temps   map[message.Destination]struct{}
	unacked map[ackKey]unacked
	closed  bool
}

// Token returns the credential identifying the connection.
func (c *Connection) Token() string {
	return c.token
}

// ClientID returns the client id bound to the connection.
func (c *Connection) ClientID() string {
	return c.clientID
}

// Connect binds a new connection to the client id of tok. An empty client
// id gets a generated one.
func (b *Broker) Connect(tok message.ConnectionToken) (*Connection, error) {
	if b.shuttingDown.Load() {
		return nil, message.ErrShuttingDown
	}

	clientID := tok.ClientID
	if clientID == "" {
		clientID = b.GetID()
	}

	c := &Connection{
		b:        b,
		token:    uuid.NewString(),
		clientID: clientID,
		subs:     make(map[int32]*subscriber),
		temps:    make(map[message.Destination]struct{}),
		unacked:  make(map[ackKey]unacked),
	}

	b.mu.Lock()
	if _, ok := b.clients[clientID]; ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", message.ErrClientIDInUse, clientID)
	}
	delete(b.reserved, clientID)
	b.conns[c.token] = c
	b.clients[clientID] = c
	b.mu.Unlock()

	b.stats.totalConnections.Add(1)
	b.stats.currentConnections.Add(1)
	mode := "accept"
	if tok.PushAddr != "" {
		mode = "dial"
	}
	if b.metrics != nil {
		b.metrics.RecordConnection(mode)
	}
	b.notify(events.ClientConnected{ClientID: clientID, PushMode: mode})
	b.logger.Debug("client connected", slog.String("client_id", clientID))
	return c, nil
}

// Disconnect closes c: unacknowledged messages are made available again,
// its temporary destinations are deleted and its push channel is closed.
func (b *Broker) Disconnect(c *Connection) {
	b.disconnect(c, "client")
}

func (b *Broker) disconnect(c *Connection, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	pending := c.unacked
	temps := c.temps
	p := c.pusher
	c.subs = nil
	c.unacked = nil
	c.temps = nil
	c.pusher = nil
	c.mu.Unlock()

	b.mu.Lock()
	delete(b.conns, c.token)
	if b.clients[c.clientID] == c {
		delete(b.clients, c.clientID)
	}
	b.mu.Unlock()

	for _, s := range subs {
		b.detach(s)
	}

	touched := make(map[*queue]struct{})
	for _, e := range pending {
		if b.redeliver(e, "disconnect", false) {
			touched[e.s.q] = struct{}{}
		}
	}
	for q := range touched {
		q.pump()
	}

	for d := range temps {
		if err := b.destroyTemporary(d); err != nil {
			b.logger.Warn("failed to delete temporary destination",
				slog.String("destination", d.String()),
				slog.String("error", err.Error()))
		}
	}

	if p != nil {
		b.closePusher(p)
	}
	if b.limiter != nil {
		b.limiter.RemoveClient(c.clientID)
	}

	b.stats.currentConnections.Add(-1)
	if b.metrics != nil {
		b.metrics.RecordDisconnection(reason)
	}
	b.notify(events.ClientDisconnected{ClientID: c.clientID, Reason: reason, Redelivered: len(pending)})
	b.logger.Debug("client disconnected",
		slog.String("client_id", c.clientID),
		slog.String("reason", reason),
		slog.Int("redelivered", len(pending)))
}

func (b *Broker) closePusher(p Pusher) {
	go func() {
		ctx, cancel := b.shutdownContext()
		defer cancel()
		_ = p.Close(ctx)
	}()
}

// check fails once c is closed.
func (c *Connection) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return message.ErrNotConnected
	}
	return nil
}

// AttachPush installs p as the push channel of c, replacing any previous
// one, and starts delivery to push subscriptions.
func (c *Connection) AttachPush(p Pusher) error {
	c.mu.Lock()
	c.pushGen++
	gen := c.pushGen
	c.mu.Unlock()
	return c.attach(gen, p)
}

func (c *Connection) attach(gen uint64, p Pusher) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.b.closePusher(p)
		return message.ErrNotConnected
	}
	if gen <= c.deadGen || gen != c.pushGen {
		c.mu.Unlock()
		return message.ErrPushUnavailable
	}
	old := c.pusher
	c.pusher = p
	queues := c.queuesLocked()
	c.mu.Unlock()

	if old != nil {
		c.b.closePusher(old)
	}
	for _, q := range queues {
		q.pump()
	}
	return nil
}

func (c *Connection) detachPush(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen > c.deadGen {
		c.deadGen = gen
	}
	if gen == c.pushGen {
		c.pusher = nil
	}
}

// NewPushChannel starts a push channel on conn and attaches it to c.
// Deliveries the client does not accept are made available again.
func (b *Broker) NewPushChannel(c *Connection, conn net.Conn) (*push.Channel, error) {
	c.mu.Lock()
	c.pushGen++
	gen := c.pushGen
	c.mu.Unlock()

	cfg := b.cfg.Push
	cfg.Logger = b.logger.With(slog.String("client_id", c.clientID))
	cfg.OnFailure = func(ds []message.Delivery, err error) {
		c.pushFailed(ds, err)
	}
	cfg.OnClose = func(err error) {
		c.detachPush(gen)
		if err != nil {
			b.logger.Debug("push channel closed",
				slog.String("client_id", c.clientID),
				slog.String("error", err.Error()))
		}
	}

	ch := push.NewChannel(conn, cfg)
	if err := c.attach(gen, ch); err != nil {
		ch.Abort()
		return nil, err
	}
	return ch, nil
}

func (c *Connection) currentPusher() Pusher {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pusher
}

func (c *Connection) pushReady() bool {
	c.mu.Lock()
	p := c.pusher
	ok := c.enabled && !c.closed
	c.mu.Unlock()
	return ok && p != nil && p.Ready()
}

func (c *Connection) isEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// queuesLocked returns the queues c consumes from. c.mu must be held.
func (c *Connection) queuesLocked() []*queue {
	out := make([]*queue, 0, len(c.subs))
	for _, s := range c.subs {
		out = append(out, s.q)
	}
	return out
}

// SetEnabled starts or stops delivery to c.
func (b *Broker) SetEnabled(c *Connection, enabled bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return message.ErrNotConnected
	}
	c.enabled = enabled
	queues := c.queuesLocked()
	c.mu.Unlock()

	if enabled {
		for _, q := range queues {
			q.pump()
		}
	}
	return nil
}

// Ping answers with a PONG on the push channel of c.
func (b *Broker) Ping(c *Connection, clientTime time.Time) error {
	if err := c.check(); err != nil {
		return err
	}
	p := c.currentPusher()
	if p == nil {
		return message.ErrPushUnavailable
	}
	b.logger.Debug("ping",
		slog.String("client_id", c.clientID),
		slog.Duration("skew", time.Since(clientTime)))
	return p.Pong(time.Now())
}

func (c *Connection) track(s *subscriber, ref *message.Reference) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.unacked[ackKey{s.sub.ID, ref.ID}] = unacked{ref: ref, s: s}
	return true
}

func (c *Connection) untrack(k ackKey) (unacked, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.unacked[k]
	if ok {
		delete(c.unacked, k)
	}
	return e, ok
}

func (c *Connection) peek(k ackKey) (unacked, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.unacked[k]
	return e, ok
}

// untrackSubscriber removes the unacknowledged messages of s.
func (c *Connection) untrackSubscriber(s *subscriber) []unacked {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []unacked
	for k, e := range c.unacked {
		if e.s == s {
			out = append(out, e)
			delete(c.unacked, k)
		}
	}
	return out
}

// push sends refs taken from s.q for s. References that cannot be
// delivered go back to the queue.
func (c *Connection) push(s *subscriber, refs []*message.Reference) {
	now := time.Now()
	ds := make([]message.Delivery, 0, len(refs))
	for _, ref := range refs {
		msg, ok := c.b.prepare(s, ref, now)
		if !ok {
			continue
		}
		if !c.track(s, ref) {
			c.b.redeliver(unacked{ref: ref, s: s}, "disconnect", false)
			continue
		}
		ds = append(ds, message.Delivery{SubscriptionID: s.sub.ID, Message: msg})
	}
	if len(ds) == 0 {
		return
	}

	err := message.ErrPushUnavailable
	if p := c.currentPusher(); p != nil {
		err = p.Deliver(ds)
	}
	if err != nil {
		c.pushFailed(ds, err)
		return
	}

	c.b.stats.messagesDelivered.Add(uint64(len(ds)))
	if c.b.metrics != nil {
		for range ds {
			c.b.metrics.RecordMessageDelivered(true)
		}
	}
}

// pushFailed puts back deliveries the push channel could not complete. The
// redelivery pass retries them.
func (c *Connection) pushFailed(ds []message.Delivery, err error) {
	n := 0
	for _, d := range ds {
		if e, ok := c.untrack(ackKey{d.SubscriptionID, d.Message.ID}); ok {
			c.b.redeliver(e, "push_failed", false)
			n++
		}
	}
	if n > 0 {
		c.b.logger.Debug("push delivery failed",
			slog.String("client_id", c.clientID),
			slog.Int("messages", n),
			slog.String("error", err.Error()))
	}
}
