// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/oilmq/broker/events"
	jsoniter "github.com/json-iterator/go"
	"github.com/sony/gobreaker"
)

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("webhook notifier closed")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var _ Notifier = (*GenericNotifier)(nil)

// GenericNotifier fans events out to endpoints through a worker pool. Each
// endpoint has its own circuit breaker.
type GenericNotifier struct {
	cfg       Config
	brokerID  string
	endpoints []endpoint
	queue     chan job
	breakers  map[string]*gobreaker.CircuitBreaker
	sender    Sender
	logger    *slog.Logger
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	dropped   atomic.Uint64
}

type endpoint struct {
	name         string
	url          string
	events       map[string]bool
	destinations []string
	headers      map[string]string
	timeout      time.Duration
	retry        RetryConfig
}

type job struct {
	event    events.Event
	endpoint endpoint
	attempt  int
}

// NewNotifier creates a notifier and starts its workers.
func NewNotifier(cfg Config, brokerID string, sender Sender, logger *slog.Logger) (*GenericNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.Defaults.Retry.MaxAttempts <= 0 {
		cfg.Defaults.Retry.MaxAttempts = 1
	}

	endpoints := make([]endpoint, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		if ep.URL == "" {
			return nil, fmt.Errorf("endpoint %q has no url", ep.Name)
		}
		for _, pattern := range ep.Destinations {
			if _, err := path.Match(pattern, ""); err != nil {
				return nil, fmt.Errorf("endpoint %q: bad destination pattern %q: %w", ep.Name, pattern, err)
			}
		}

		filter := make(map[string]bool, len(ep.Events))
		for _, t := range ep.Events {
			filter[t] = true
		}

		timeout := cfg.Defaults.Timeout
		if ep.Timeout > 0 {
			timeout = ep.Timeout
		}
		retry := cfg.Defaults.Retry
		if ep.Retry != nil {
			retry = *ep.Retry
		}

		endpoints = append(endpoints, endpoint{
			name:         ep.Name,
			url:          ep.URL,
			events:       filter,
			destinations: ep.Destinations,
			headers:      ep.Headers,
			timeout:      timeout,
			retry:        retry,
		})
	}

	threshold := uint32(cfg.Defaults.CircuitBreaker.FailureThreshold)
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(endpoints))
	for _, ep := range endpoints {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return threshold > 0 && counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("webhook circuit breaker state changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &GenericNotifier{
		cfg:       cfg,
		brokerID:  brokerID,
		endpoints: endpoints,
		queue:     make(chan job, cfg.QueueSize),
		breakers:  breakers,
		sender:    sender,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook notifier started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.Int("endpoints", len(endpoints)))

	return n, nil
}

// Notify queues ev for every endpoint that accepts it.
func (n *GenericNotifier) Notify(ctx context.Context, ev events.Event) error {
	if n.closed.Load() {
		return ErrClosed
	}
	for _, ep := range n.endpoints {
		if !matches(ep, ev) {
			continue
		}
		n.enqueue(job{event: ev, endpoint: ep})
	}
	return nil
}

// Dropped returns the number of events discarded because the queue was full.
func (n *GenericNotifier) Dropped() uint64 {
	return n.dropped.Load()
}

func (n *GenericNotifier) enqueue(j job) {
	select {
	case n.queue <- j:
		return
	default:
	}

	if n.cfg.DropPolicy == "oldest" {
		select {
		case <-n.queue:
			n.dropped.Add(1)
		default:
		}
		select {
		case n.queue <- j:
			return
		default:
		}
	}

	n.dropped.Add(1)
	n.logger.Error("webhook queue full, event dropped",
		slog.String("event_type", j.event.Type()),
		slog.String("endpoint", j.endpoint.name))
}

func matches(ep endpoint, ev events.Event) bool {
	if len(ep.events) > 0 && !ep.events[ev.Type()] {
		return false
	}
	name := ev.Destination()
	if name == "" || len(ep.destinations) == 0 {
		return true
	}
	for _, pattern := range ep.destinations {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

func (n *GenericNotifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			n.drain()
			return
		case j := <-n.queue:
			n.process(j)
		}
	}
}

// drain sends what is still queued once, without retries.
func (n *GenericNotifier) drain() {
	for {
		select {
		case j := <-n.queue:
			n.process(j)
		default:
			return
		}
	}
}

func (n *GenericNotifier) process(j job) {
	_, err := n.breakers[j.endpoint.name].Execute(func() (any, error) {
		return nil, n.send(j)
	})
	if err == nil {
		return
	}

	if j.attempt+1 >= j.endpoint.retry.MaxAttempts || n.closed.Load() {
		n.logger.Error("webhook delivery failed",
			slog.String("endpoint", j.endpoint.name),
			slog.String("event_type", j.event.Type()),
			slog.Int("attempts", j.attempt+1),
			slog.String("error", err.Error()))
		return
	}

	j.attempt++
	delay := retryDelay(j.attempt, j.endpoint.retry)
	n.logger.Debug("webhook delivery failed, retrying",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.event.Type()),
		slog.Int("attempt", j.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()))

	time.AfterFunc(delay, func() {
		if n.closed.Load() {
			return
		}
		select {
		case n.queue <- j:
		default:
			n.dropped.Add(1)
			n.logger.Error("failed to requeue event for retry",
				slog.String("endpoint", j.endpoint.name),
				slog.String("event_type", j.event.Type()))
		}
	})
}

func (n *GenericNotifier) send(j job) error {
	payload, err := json.Marshal(events.Wrap(j.event, n.brokerID))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), j.endpoint.timeout)
	defer cancel()

	if err := n.sender.Send(ctx, j.endpoint.url, j.endpoint.headers, payload, j.endpoint.timeout); err != nil {
		return err
	}

	n.logger.Debug("webhook delivered",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.event.Type()))
	return nil
}

// retryDelay is the exponential backoff before attempt, capped at MaxInterval.
func retryDelay(attempt int, cfg RetryConfig) time.Duration {
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(cfg.InitialInterval) * math.Pow(multiplier, float64(attempt-1))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Close stops accepting events and waits for the workers to flush the queue.
func (n *GenericNotifier) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	timeout := n.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-done:
		n.logger.Info("webhook notifier stopped")
	case <-time.After(timeout):
		n.logger.Warn("webhook notifier shutdown timeout, some events may be lost",
			slog.Int("queue_depth", len(n.queue)))
	}
	return nil
}
