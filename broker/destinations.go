// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/oilmq/broker/events"
	"github.com/absmach/oilmq/message"
	"github.com/google/uuid"
)

// openQueue creates the queue d and restores its persistent messages.
func (b *Broker) openQueue(d message.Destination, owner *Connection) (*queue, error) {
	q := newQueue(b, d, owner, true)
	if err := b.store.RestoreDestination(q); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.queues[d.Name] = q
	b.mu.Unlock()
	return q, nil
}

func validName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty destination name", message.ErrInvalidArgument)
	}
	if isTemporaryName(name) {
		return fmt.Errorf("%w: %s is reserved for temporary destinations", message.ErrInvalidArgument, name)
	}
	return nil
}

// CreateQueue returns the queue named name, creating it if needed.
func (b *Broker) CreateQueue(name string) (message.Destination, error) {
	if err := validName(name); err != nil {
		return message.Destination{}, err
	}

	b.createMu.Lock()
	defer b.createMu.Unlock()

	b.mu.RLock()
	q, ok := b.queues[name]
	b.mu.RUnlock()
	if ok {
		return q.desc, nil
	}

	q, err := b.openQueue(message.Queue(name), nil)
	if err != nil {
		b.recordError("persistence")
		return message.Destination{}, err
	}
	b.notify(events.DestinationCreated{Name: name, Kind: string(message.KindQueue)})
	b.logger.Info("queue created", slog.String("destination", name))
	return q.desc, nil
}

// CreateTopic returns the topic named name, creating it if needed.
func (b *Broker) CreateTopic(name string) (message.Destination, error) {
	if err := validName(name); err != nil {
		return message.Destination{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[name]; ok {
		return t.desc, nil
	}
	t := newTopic(b, message.Topic(name), nil)
	b.topics[name] = t
	b.notify(events.DestinationCreated{Name: name, Kind: string(message.KindTopic)})
	b.logger.Info("topic created", slog.String("destination", name))
	return t.desc, nil
}

// GetTemporaryQueue creates a queue owned by c. It is deleted when c closes.
func (b *Broker) GetTemporaryQueue(c *Connection) (message.Destination, error) {
	if err := c.check(); err != nil {
		return message.Destination{}, err
	}

	d := message.Queue(tempQueuePrefix + uuid.NewString())
	d.Temporary = true
	if _, err := b.openQueue(d, c); err != nil {
		b.recordError("persistence")
		return message.Destination{}, err
	}
	if !c.addTemporary(d) {
		_ = b.destroyTemporary(d)
		return message.Destination{}, message.ErrNotConnected
	}
	b.notify(events.DestinationCreated{Name: d.Name, Kind: string(d.Kind), Temporary: true, Owner: c.clientID})
	return d, nil
}

// GetTemporaryTopic creates a topic owned by c. It is deleted when c closes.
func (b *Broker) GetTemporaryTopic(c *Connection) (message.Destination, error) {
	if err := c.check(); err != nil {
		return message.Destination{}, err
	}

	d := message.Topic(tempTopicPrefix + uuid.NewString())
	d.Temporary = true

	b.mu.Lock()
	b.topics[d.Name] = newTopic(b, d, c)
	b.mu.Unlock()

	if !c.addTemporary(d) {
		_ = b.destroyTemporary(d)
		return message.Destination{}, message.ErrNotConnected
	}
	b.notify(events.DestinationCreated{Name: d.Name, Kind: string(d.Kind), Temporary: true, Owner: c.clientID})
	return d, nil
}

func (c *Connection) addTemporary(d message.Destination) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.temps[d] = struct{}{}
	return true
}

// DeleteTemporaryDestination deletes a temporary destination created by c.
// It fails while the destination still has subscribers.
func (b *Broker) DeleteTemporaryDestination(c *Connection, d message.Destination) error {
	if err := c.check(); err != nil {
		return err
	}
	if !d.Temporary {
		return fmt.Errorf("%w: %s is not temporary", message.ErrNotPermitted, d)
	}

	q, t, err := b.lookup(d)
	if err != nil {
		return err
	}

	var owner *Connection
	var subs int
	if q != nil {
		owner, subs = q.owner, q.subscribers()
	} else {
		owner, subs = t.owner, t.subscribers()
	}
	if owner != c {
		return fmt.Errorf("%w: %s belongs to another connection", message.ErrNotPermitted, d)
	}
	if subs > 0 {
		return fmt.Errorf("%w: %s has active subscribers", message.ErrNotPermitted, d)
	}

	c.mu.Lock()
	delete(c.temps, d)
	c.mu.Unlock()
	return b.destroyTemporary(d)
}

// destroyTemporary removes d and everything queued on it.
func (b *Broker) destroyTemporary(d message.Destination) error {
	b.mu.Lock()
	q := b.queues[d.Name]
	t := b.topics[d.Name]
	switch d.Kind {
	case message.KindQueue:
		delete(b.queues, d.Name)
		t = nil
	case message.KindTopic:
		delete(b.topics, d.Name)
		q = nil
	}
	b.mu.Unlock()

	if t != nil {
		for _, s := range t.targets(nil) {
			b.detach(s)
		}
		b.notify(events.DestinationDeleted{Name: d.Name, Kind: string(d.Kind)})
		return nil
	}
	if q == nil {
		return nil
	}

	refs := q.remove()
	for _, ref := range refs {
		_ = b.cache.Remove(ref)
	}
	if err := b.store.DestroyDestination(d); err != nil {
		b.recordError("persistence")
		return err
	}
	b.notify(events.DestinationDeleted{Name: d.Name, Kind: string(d.Kind), Discarded: len(refs)})
	b.logger.Debug("temporary destination deleted", slog.String("destination", d.String()))
	return nil
}

// Browse returns copies of the messages waiting on a queue, in delivery
// order, without consuming them.
func (b *Broker) Browse(d message.Destination) ([]*message.Message, error) {
	if d.Kind != message.KindQueue {
		return nil, fmt.Errorf("%w: only queues can be browsed", message.ErrInvalidArgument)
	}
	q, _, err := b.lookup(d)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	refs := q.browse()
	out := make([]*message.Message, 0, len(refs))
	for _, ref := range refs {
		msg, err := b.cache.Get(ref)
		if err != nil || msg.Expired(now) {
			continue
		}
		cp := *msg
		cp.Redelivered = ref.Redelivered
		out = append(out, &cp)
	}
	return out, nil
}
