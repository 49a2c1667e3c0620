// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"fmt"
	"log/slog"

	"github.com/absmach/oilmq/broker/events"
	"github.com/absmach/oilmq/message"
)

// Subscribe registers sub for c.
func (b *Broker) Subscribe(c *Connection, sub message.Subscription) error {
	if err := c.check(); err != nil {
		return err
	}
	if b.limiter != nil && !b.limiter.AllowSubscribe(c.clientID) {
		return message.ErrRateLimited
	}

	q, t, err := b.lookup(sub.Destination)
	if err != nil {
		return err
	}

	s := newSubscriber(sub, c)
	if q != nil {
		s.q = q
	} else {
		s.topic = t
		s.q = newQueue(b, t.desc, nil, false)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return message.ErrNotConnected
	}
	if _, ok := c.subs[sub.ID]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", message.ErrSubscriptionExists, sub.ID)
	}
	c.subs[sub.ID] = s
	c.mu.Unlock()

	s.q.addSubscriber(s)
	if t != nil {
		t.subscribe(s)
	}

	if sub.DurableName != "" {
		b.mu.Lock()
		b.durable[message.DurableSubscription{ClientID: c.clientID, Name: sub.DurableName}] = sub.Destination
		b.mu.Unlock()
	}

	b.stats.subscriptions.Add(1)
	if b.metrics != nil {
		b.metrics.RecordSubscriptionAdded()
	}
	b.notify(events.SubscriptionCreated{
		ClientID:       c.clientID,
		SubscriptionID: sub.ID,
		Name:           sub.Destination.Name,
		Durable:        sub.DurableName,
	})
	b.logger.Debug("subscribed",
		slog.String("client_id", c.clientID),
		slog.Int("subscription", int(sub.ID)),
		slog.String("destination", sub.Destination.String()))

	s.q.pump()
	return nil
}

// Unsubscribe removes subscription id of c. Its unacknowledged queue
// messages are made available again.
func (b *Broker) Unsubscribe(c *Connection, id int32) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return message.ErrNotConnected
	}
	s, ok := c.subs[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", message.ErrSubscriptionNotFound, id)
	}
	c.mu.Unlock()

	b.detach(s)
	for _, e := range c.untrackSubscriber(s) {
		b.redeliver(e, "unsubscribe", false)
	}
	if s.topic == nil {
		s.q.pump()
	}
	return nil
}

// detach unregisters s from its connection and destination. A topic
// subscriber's private queue is discarded.
func (b *Broker) detach(s *subscriber) {
	if s.closed() {
		return
	}
	s.close()

	c := s.conn
	c.mu.Lock()
	if c.subs != nil && c.subs[s.sub.ID] == s {
		delete(c.subs, s.sub.ID)
	}
	c.mu.Unlock()

	if s.topic != nil {
		s.topic.unsubscribe(s)
		for _, ref := range s.q.remove() {
			_ = b.cache.Remove(ref)
		}
	} else {
		s.q.removeSubscriber(s)
	}

	b.stats.subscriptions.Add(-1)
	if b.metrics != nil {
		b.metrics.RecordSubscriptionRemoved()
	}
	b.notify(events.SubscriptionRemoved{
		ClientID:       c.clientID,
		SubscriptionID: s.sub.ID,
		Name:           s.sub.Destination.Name,
	})
}

// DestroySubscription forgets a durable subscription name.
func (b *Broker) DestroySubscription(ds message.DurableSubscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.durable[ds]; !ok {
		return fmt.Errorf("%w: %s/%s", message.ErrSubscriptionNotFound, ds.ClientID, ds.Name)
	}
	delete(b.durable, ds)
	return nil
}
