// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the destinations, connections and delivery
// rules behind the invocation service.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/oilmq/broker/events"
	"github.com/absmach/oilmq/message"
	"github.com/absmach/oilmq/persistence"
	"github.com/absmach/oilmq/push"
	"github.com/absmach/oilmq/server/otel"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	clientIDPrefix  = "ID:"
	tempQueuePrefix = "TMP_QUEUE-"
	tempTopicPrefix = "TMP_TOPIC-"
)

// Store is the durable side of the broker.
type Store interface {
	Recovery() persistence.RecoveryResult
	MaxMessageID() int64
	RestoreDestination(dest persistence.Destination) error
	CloseDestination(dest message.Destination)
	DestroyDestination(dest message.Destination) error
	Add(msg *message.Message, ref *message.Reference, tx *persistence.Tx) error
	Update(msg *message.Message, ref *message.Reference) error
	Remove(ref *message.Reference, tx *persistence.Tx) error
	CreatePersistentTx() (*persistence.Tx, error)
	CommitPersistentTx(tx *persistence.Tx) error
	RollbackPersistentTx(tx *persistence.Tx) error
}

// MessageCache holds message bodies for references.
type MessageCache interface {
	Add(msg *message.Message) *message.Reference
	Get(ref *message.Reference) (*message.Message, error)
	Remove(ref *message.Reference) error
}

// RateLimiter throttles producers and subscribers per client id.
type RateLimiter interface {
	AllowSend(clientID string, n int) bool
	AllowSubscribe(clientID string) bool
	RemoveClient(clientID string)
}

// Notifier receives broker lifecycle events. Notify must not block.
type Notifier interface {
	Notify(ctx context.Context, ev events.Event) error
}

// Config holds broker settings.
type Config struct {
	// MaxReceiveWait bounds a blocking RECEIVE.
	MaxReceiveWait time.Duration
	// RedeliveryInterval is the period of the pass that retries deliveries
	// a push channel could not take.
	RedeliveryInterval time.Duration
	// Prefetch caps unacknowledged messages per subscription.
	Prefetch int
	// Push configures channels created by NewPushChannel.
	Push push.Config

	Authenticator Authenticator
	RateLimiter   RateLimiter   // nil disables rate limiting
	Notifier      Notifier      // nil disables event notifications
	Metrics       *otel.Metrics // nil if metrics disabled
	Tracer        trace.Tracer  // nil if tracing disabled
	Logger        *slog.Logger
}

func (c *Config) setDefaults() {
	if c.MaxReceiveWait <= 0 {
		c.MaxReceiveWait = 30 * time.Second
	}
	if c.RedeliveryInterval <= 0 {
		c.RedeliveryInterval = time.Second
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 100
	}
	if c.Push.AckTimeout <= 0 {
		c.Push.AckTimeout = 30 * time.Second
	}
	if c.Authenticator == nil {
		c.Authenticator = AllowAll{}
	}
	if c.Tracer == nil {
		c.Tracer = tracenoop.NewTracerProvider().Tracer("oilmq")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Broker routes messages between connections and destinations.
type Broker struct {
	cfg      Config
	store    Store
	cache    MessageCache
	auth     Authenticator
	limiter  RateLimiter
	notifier Notifier
	metrics  *otel.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	stats    *Stats

	createMu sync.Mutex // serializes queue creation
	mu       sync.RWMutex
	queues   map[string]*queue
	topics   map[string]*topic
	conns    map[string]*Connection // by token
	clients  map[string]*Connection // by client id
	reserved map[string]struct{}
	durable  map[message.DurableSubscription]message.Destination

	nextMsgID    atomic.Int64
	nextClientID atomic.Int64

	wg           sync.WaitGroup
	stopCh       chan struct{}
	ready        atomic.Bool
	shuttingDown atomic.Bool
}

// New creates the broker and restores the destinations found by recovery.
func New(store Store, cache MessageCache, cfg Config) (*Broker, error) {
	cfg.setDefaults()

	b := &Broker{
		cfg:      cfg,
		store:    store,
		cache:    cache,
		auth:     cfg.Authenticator,
		limiter:  cfg.RateLimiter,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		logger:   cfg.Logger,
		stats:    NewStats(),
		queues:   make(map[string]*queue),
		topics:   make(map[string]*topic),
		conns:    make(map[string]*Connection),
		clients:  make(map[string]*Connection),
		reserved: make(map[string]struct{}),
		durable:  make(map[message.DurableSubscription]message.Destination),
		stopCh:   make(chan struct{}),
	}
	b.nextMsgID.Store(store.MaxMessageID())

	for _, name := range store.Recovery().Destinations {
		if _, err := b.openQueue(message.Queue(name), nil); err != nil {
			return nil, fmt.Errorf("failed to restore queue %s: %w", name, err)
		}
	}

	b.wg.Add(1)
	go b.redeliveryLoop()

	b.ready.Store(true)
	b.logger.Info("broker started",
		slog.Int("queues", len(b.queues)),
		slog.Int64("next_message_id", b.nextMsgID.Load()+1))
	return b, nil
}

// Ready reports whether the broker accepts connections.
func (b *Broker) Ready() bool {
	return b.ready.Load() && !b.shuttingDown.Load()
}

// Stats returns the broker counters.
func (b *Broker) Stats() *Stats {
	return b.stats
}

// Snapshot describes the broker state.
type Snapshot struct {
	Stats       StatsSnapshot  `json:"stats"`
	Connections int            `json:"connections"`
	Queues      map[string]int `json:"queues"`
	Topics      []string       `json:"topics"`
}

// Snapshot returns the counters and the depth of every queue.
func (b *Broker) Snapshot() Snapshot {
	b.mu.RLock()
	queues := make([]*queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	s := Snapshot{
		Stats:       b.stats.Snapshot(),
		Connections: len(b.conns),
		Queues:      make(map[string]int, len(b.queues)),
		Topics:      make([]string, 0, len(b.topics)),
	}
	for name := range b.topics {
		s.Topics = append(s.Topics, name)
	}
	b.mu.RUnlock()

	for _, q := range queues {
		s.Queues[q.desc.Name] = q.depth()
	}
	return s
}

// Close disconnects every client and stops background work. Messages stay
// in the store.
func (b *Broker) Close() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	close(b.stopCh)
	b.wg.Wait()

	b.mu.RLock()
	conns := make([]*Connection, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	for _, c := range conns {
		b.disconnect(c, "shutdown")
	}

	b.mu.Lock()
	for _, q := range b.queues {
		b.store.CloseDestination(q.desc)
	}
	b.mu.Unlock()

	b.logger.Info("broker stopped")
	return nil
}

func (b *Broker) redeliveryLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.RedeliveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			for _, q := range b.allQueues() {
				q.pump()
			}
		}
	}
}

// allQueues returns the shared queues and the private queues of every topic
// subscriber.
func (b *Broker) allQueues() []*queue {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*queue, 0, len(b.queues))
	for _, q := range b.queues {
		out = append(out, q)
	}
	for _, t := range b.topics {
		out = append(out, t.queues()...)
	}
	return out
}

// GetID returns a new client id.
func (b *Broker) GetID() string {
	for {
		id := clientIDPrefix + strconv.FormatInt(b.nextClientID.Add(1), 10)
		if err := b.CheckID(id); err == nil {
			return id
		}
	}
}

// CheckID reserves id. It fails when the id is reserved or in use.
func (b *Broker) CheckID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty client id", message.ErrInvalidArgument)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.reserved[id]; ok {
		return fmt.Errorf("%w: %s", message.ErrClientIDInUse, id)
	}
	if _, ok := b.clients[id]; ok {
		return fmt.Errorf("%w: %s", message.ErrClientIDInUse, id)
	}
	b.reserved[id] = struct{}{}
	return nil
}

// ReleaseID frees a reserved id that was never bound to a connection.
func (b *Broker) ReleaseID(id string) {
	b.mu.Lock()
	delete(b.reserved, id)
	b.mu.Unlock()
}

func (b *Broker) nextMessageID() int64 {
	return b.nextMsgID.Add(1)
}

// lookup resolves a destination descriptor.
func (b *Broker) lookup(d message.Destination) (*queue, *topic, error) {
	if err := d.Validate(); err != nil {
		return nil, nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	switch d.Kind {
	case message.KindQueue:
		if q, ok := b.queues[d.Name]; ok {
			return q, nil, nil
		}
	case message.KindTopic:
		if t, ok := b.topics[d.Name]; ok {
			return nil, t, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %s", message.ErrDestinationNotFound, d)
}

func isTemporaryName(name string) bool {
	return strings.HasPrefix(name, tempQueuePrefix) || strings.HasPrefix(name, tempTopicPrefix)
}

func (b *Broker) notify(ev events.Event) {
	if b.notifier == nil {
		return
	}
	if err := b.notifier.Notify(context.Background(), ev); err != nil {
		b.logger.Warn("failed to queue event",
			slog.String("event", ev.Type()),
			slog.String("error", err.Error()))
	}
}

func (b *Broker) recordError(kind string) {
	b.stats.errors.Add(1)
	if b.metrics != nil {
		b.metrics.RecordError(kind)
	}
}

func (b *Broker) shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), b.cfg.Push.AckTimeout+time.Second)
}
