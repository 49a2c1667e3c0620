// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/oilmq/message"
	"github.com/absmach/oilmq/persistence"
)

// prepare loads the message for a reference taken from s.q. Missing and
// expired messages are dropped.
func (b *Broker) prepare(s *subscriber, ref *message.Reference, now time.Time) (*message.Message, bool) {
	msg, err := b.cache.Get(ref)
	if err != nil {
		b.logger.Warn("dropping message without body",
			slog.Int64("id", ref.ID),
			slog.String("destination", ref.Destination.String()),
			slog.String("error", err.Error()))
		s.inflight.Add(-1)
		b.drop(ref)
		return nil, false
	}
	if msg.Expired(now) {
		s.inflight.Add(-1)
		b.stats.messagesExpired.Add(1)
		b.drop(ref)
		return nil, false
	}

	out := *msg
	out.Redelivered = ref.Redelivered
	return &out, true
}

// drop removes a message from the store and the cache.
func (b *Broker) drop(ref *message.Reference) {
	if ref.Stored() {
		if err := b.store.Remove(ref, nil); err != nil {
			b.logger.Warn("failed to remove message",
				slog.Int64("id", ref.ID),
				slog.String("destination", ref.Destination.String()),
				slog.String("error", err.Error()))
		}
	}
	_ = b.cache.Remove(ref)
}

// redeliver makes an unacknowledged message available again. It reports
// whether the message went back to a live queue.
func (b *Broker) redeliver(e unacked, reason string, pump bool) bool {
	ref := e.ref
	e.s.inflight.Add(-1)

	if e.s.q.removed.Load() {
		b.drop(ref)
		return false
	}

	ref.Redelivered = true
	if ref.Stored() {
		if msg, err := b.cache.Get(ref); err == nil {
			msg.Redelivered = true
			if err := b.store.Update(msg, ref); err != nil {
				b.logger.Warn("failed to persist redelivered flag",
					slog.Int64("id", ref.ID),
					slog.String("error", err.Error()))
			}
		}
	}

	b.stats.messagesRedelivered.Add(1)
	if b.metrics != nil {
		b.metrics.RecordRedelivery(reason)
	}

	if pump {
		e.s.q.enqueue(ref)
	} else {
		e.s.q.requeue(ref)
	}
	return true
}

// remove deletes an acknowledged message. With a tx the store removal is
// part of the transaction and the cache entry is released by finishAck.
func (b *Broker) remove(e unacked, tx *persistence.Tx) error {
	if !e.ref.Stored() {
		return nil
	}
	return b.store.Remove(e.ref, tx)
}

func (b *Broker) finishAck(e unacked) {
	_ = b.cache.Remove(e.ref)
	e.s.inflight.Add(-1)
	b.stats.messagesAcked.Add(1)
	if b.metrics != nil {
		b.metrics.RecordAck()
	}
}

func (c *Connection) subscriber(id int32) (*subscriber, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, message.ErrNotConnected
	}
	s, ok := c.subs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", message.ErrSubscriptionNotFound, id)
	}
	return s, nil
}

// receiveWait maps the RECEIVE wait argument onto a duration: negative
// means no wait, zero the longest allowed wait.
func (b *Broker) receiveWait(ms int64) time.Duration {
	switch {
	case ms < 0:
		return -1
	case ms == 0:
		return b.cfg.MaxReceiveWait
	default:
		return min(time.Duration(ms)*time.Millisecond, b.cfg.MaxReceiveWait)
	}
}

// Receive returns the next message for subscription subID, waiting up to
// waitMs milliseconds. A nil message means none arrived in time.
func (b *Broker) Receive(ctx context.Context, c *Connection, subID int32, waitMs int64) (*message.Message, error) {
	s, err := c.subscriber(subID)
	if err != nil {
		return nil, err
	}
	if !c.isEnabled() {
		return nil, nil
	}

	wait := b.receiveWait(waitMs)
	deadline := time.Now().Add(wait)
	for {
		ref := s.q.receive(ctx, s, wait)
		if ref == nil {
			return nil, nil
		}

		msg, ok := b.prepare(s, ref, time.Now())
		if !ok {
			if wait >= 0 {
				if wait = time.Until(deadline); wait <= 0 {
					return nil, nil
				}
			}
			continue
		}

		if s.closed() || !c.track(s, ref) {
			b.redeliver(unacked{ref: ref, s: s}, "disconnect", true)
			return nil, message.ErrNotConnected
		}

		b.stats.messagesDelivered.Add(1)
		if b.metrics != nil {
			b.metrics.RecordMessageDelivered(false)
		}
		return msg, nil
	}
}

// Acknowledge completes a delivered message. A rejected message is made
// available for redelivery.
func (b *Broker) Acknowledge(c *Connection, req message.AckRequest) error {
	if err := c.check(); err != nil {
		return err
	}

	k := ackKey{req.SubscriptionID, req.MessageID}
	e, ok := c.untrack(k)
	if !ok {
		return fmt.Errorf("%w: message %d of subscription %d", message.ErrMessageNotFound, req.MessageID, req.SubscriptionID)
	}

	if !req.Ack {
		b.redeliver(e, "nack", true)
		return nil
	}

	if err := b.remove(e, nil); err != nil {
		c.track(e.s, e.ref)
		b.recordError("persistence")
		return err
	}
	b.finishAck(e)
	e.s.q.pump()
	return nil
}
