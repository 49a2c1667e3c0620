// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/oilmq/message"
)

// subscriber is one subscription of a connection, bound to the queue it
// consumes from. Topic subscribers own a private queue.
type subscriber struct {
	sub      message.Subscription
	conn     *Connection
	q        *queue
	topic    *topic // nil for queue subscribers
	inflight atomic.Int32
	done     chan struct{}
	doneOnce sync.Once
}

func newSubscriber(sub message.Subscription, c *Connection) *subscriber {
	return &subscriber{sub: sub, conn: c, done: make(chan struct{})}
}

func (s *subscriber) close() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *subscriber) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// ready reports whether messages can be pushed to s.
func (s *subscriber) ready() bool {
	if !s.sub.Push || s.closed() || int(s.inflight.Load()) >= s.conn.b.cfg.Prefetch {
		return false
	}
	return s.conn.pushReady()
}

type waiter struct {
	s  *subscriber
	ch chan *message.Reference
}

// queue holds references in ascending message id order and hands them out
// to blocked receivers first, then round robin to push subscribers.
type queue struct {
	b          *Broker
	desc       message.Destination
	owner      *Connection // creator of a temporary destination
	persistent bool        // false for topic subscriber queues
	removed    atomic.Bool

	pumpMu   sync.Mutex // keeps pushes in queue order
	mu       sync.Mutex
	messages []*message.Reference
	subs     []*subscriber
	next     int
	waiters  []*waiter
}

func newQueue(b *Broker, desc message.Destination, owner *Connection, persistent bool) *queue {
	return &queue{b: b, desc: desc, owner: owner, persistent: persistent}
}

// Descriptor implements persistence.Destination.
func (q *queue) Descriptor() message.Destination {
	return q.desc
}

// RestoreMessage implements persistence.Destination.
func (q *queue) RestoreMessage(ref *message.Reference) {
	q.mu.Lock()
	q.insert(ref)
	q.mu.Unlock()
}

func (q *queue) insert(ref *message.Reference) {
	i, _ := slices.BinarySearchFunc(q.messages, ref.ID, func(r *message.Reference, id int64) int {
		return cmp.Compare(r.ID, id)
	})
	q.messages = slices.Insert(q.messages, i, ref)
}

func (q *queue) pop() *message.Reference {
	ref := q.messages[0]
	q.messages[0] = nil
	q.messages = q.messages[1:]
	return ref
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// enqueue adds refs and starts delivery.
func (q *queue) enqueue(refs ...*message.Reference) {
	q.requeue(refs...)
	q.pump()
}

// requeue adds refs without starting delivery. References offered to a
// removed queue are dropped.
func (q *queue) requeue(refs ...*message.Reference) {
	q.mu.Lock()
	if q.removed.Load() {
		q.mu.Unlock()
		for _, ref := range refs {
			q.b.drop(ref)
		}
		return
	}
	for _, ref := range refs {
		q.insert(ref)
	}
	q.mu.Unlock()
}

// browse returns the references currently waiting, in order.
func (q *queue) browse() []*message.Reference {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.messages)
}

// remove marks the queue removed and returns every waiting reference.
func (q *queue) remove() []*message.Reference {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed.Store(true)
	refs := q.messages
	q.messages = nil
	q.waiters = nil
	return refs
}

func (q *queue) addSubscriber(s *subscriber) {
	q.mu.Lock()
	q.subs = append(q.subs, s)
	q.mu.Unlock()
}

func (q *queue) removeSubscriber(s *subscriber) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if i := slices.Index(q.subs, s); i >= 0 {
		q.subs = slices.Delete(q.subs, i, i+1)
		if q.next > i {
			q.next--
		}
	}
	q.waiters = slices.DeleteFunc(q.waiters, func(w *waiter) bool { return w.s == s })
}

func (q *queue) subscribers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subs)
}

// nextReady picks the next push subscriber able to take a message.
func (q *queue) nextReady() *subscriber {
	n := len(q.subs)
	for i := 0; i < n; i++ {
		idx := (q.next + i) % n
		if s := q.subs[idx]; s.ready() {
			q.next = (idx + 1) % n
			return s
		}
	}
	return nil
}

// pump hands waiting messages to blocked receivers and push subscribers.
func (q *queue) pump() {
	q.pumpMu.Lock()
	defer q.pumpMu.Unlock()

	var batches map[*subscriber][]*message.Reference
	var order []*subscriber

	q.mu.Lock()
	for len(q.messages) > 0 {
		if len(q.waiters) > 0 {
			w := q.waiters[0]
			q.waiters = q.waiters[1:]
			w.s.inflight.Add(1)
			w.ch <- q.pop()
			continue
		}
		s := q.nextReady()
		if s == nil {
			break
		}
		if batches == nil {
			batches = make(map[*subscriber][]*message.Reference)
		}
		if _, ok := batches[s]; !ok {
			order = append(order, s)
		}
		s.inflight.Add(1)
		batches[s] = append(batches[s], q.pop())
	}
	q.mu.Unlock()

	for _, s := range order {
		s.conn.push(s, batches[s])
	}
}

// receive takes one reference for s, waiting up to wait when the queue is
// empty. A negative wait returns immediately.
func (q *queue) receive(ctx context.Context, s *subscriber, wait time.Duration) *message.Reference {
	q.mu.Lock()
	if len(q.messages) > 0 {
		s.inflight.Add(1)
		ref := q.pop()
		q.mu.Unlock()
		return ref
	}
	if wait < 0 {
		q.mu.Unlock()
		return nil
	}
	w := &waiter{s: s, ch: make(chan *message.Reference, 1)}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case ref := <-w.ch:
		return ref
	case <-timer.C:
	case <-ctx.Done():
	case <-s.done:
	}

	q.mu.Lock()
	q.waiters = slices.DeleteFunc(q.waiters, func(o *waiter) bool { return o == w })
	q.mu.Unlock()

	// pump may have handed over a reference before the waiter was removed.
	select {
	case ref := <-w.ch:
		return ref
	default:
		return nil
	}
}
