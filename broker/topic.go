// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync"

	"github.com/absmach/oilmq/message"
)

// topic fans a message out to the private queue of every subscriber. Each
// copy gets its own message id so acknowledgements stay per subscriber.
type topic struct {
	b     *Broker
	desc  message.Destination
	owner *Connection

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func newTopic(b *Broker, desc message.Destination, owner *Connection) *topic {
	return &topic{b: b, desc: desc, owner: owner, subs: make(map[*subscriber]struct{})}
}

func (t *topic) subscribe(s *subscriber) {
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()
}

func (t *topic) unsubscribe(s *subscriber) {
	t.mu.Lock()
	delete(t.subs, s)
	t.mu.Unlock()
}

func (t *topic) queues() []*queue {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*queue, 0, len(t.subs))
	for s := range t.subs {
		out = append(out, s.q)
	}
	return out
}

func (t *topic) subscribers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// targets returns the subscribers that receive a message sent by sender.
func (t *topic) targets(sender *Connection) []*subscriber {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*subscriber, 0, len(t.subs))
	for s := range t.subs {
		if s.sub.NoLocal && s.conn == sender {
			continue
		}
		out = append(out, s)
	}
	return out
}

// copies prepares one message per target. The copies are registered with
// the cache but not yet queued.
func (t *topic) copies(msg *message.Message, targets []*subscriber) []*message.Reference {
	refs := make([]*message.Reference, len(targets))
	for i := range targets {
		cp := msg.Clone()
		if i > 0 {
			cp.ID = t.b.nextMessageID()
		}
		refs[i] = t.b.cache.Add(cp)
	}
	return refs
}

// publish delivers msg to every current target.
func (t *topic) publish(sender *Connection, msg *message.Message) int {
	targets := t.targets(sender)
	refs := t.copies(msg, targets)
	for i, s := range targets {
		s.q.enqueue(refs[i])
	}
	return len(targets)
}
