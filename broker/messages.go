// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/oilmq/broker/events"
	"github.com/absmach/oilmq/message"
	"github.com/absmach/oilmq/persistence"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// stamp assigns the broker-owned fields of an incoming message.
func (b *Broker) stamp(c *Connection, msg *message.Message, dest message.Destination) {
	msg.ID = b.nextMessageID()
	msg.Destination = dest
	msg.Redelivered = false
	msg.ProducerID = c.clientID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
}

func (b *Broker) received(msg *message.Message) {
	b.stats.messagesReceived.Add(1)
	b.stats.bytesReceived.Add(uint64(len(msg.Body)))
	if b.metrics != nil {
		b.metrics.RecordMessageReceived(string(msg.Destination.Kind), msg.Persistent, int64(msg.Size()))
	}
}

func stored(q *queue, msg *message.Message) bool {
	return q != nil && q.persistent && msg.Persistent
}

// AddMessage accepts a message from c. A persistent message sent to a queue
// is on disk when AddMessage returns.
func (b *Broker) AddMessage(c *Connection, msg *message.Message) error {
	if err := c.check(); err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("%w: nil message", message.ErrInvalidArgument)
	}
	if b.limiter != nil && !b.limiter.AllowSend(c.clientID, 1) {
		return message.ErrRateLimited
	}

	q, t, err := b.lookup(msg.Destination)
	if err != nil {
		return err
	}

	if t != nil {
		b.stamp(c, msg, t.desc)
		t.publish(c, msg)
		b.received(msg)
		return nil
	}

	b.stamp(c, msg, q.desc)
	ref := b.cache.Add(msg)
	if stored(q, msg) {
		if err := b.store.Add(msg, ref, nil); err != nil {
			_ = b.cache.Remove(ref)
			b.recordError("persistence")
			return err
		}
	}
	q.enqueue(ref)
	b.received(msg)
	return nil
}

type pendingSend struct {
	msg *message.Message
	q   *queue
	t   *topic
	ref *message.Reference
}

type pendingAck struct {
	key ackKey
	e   unacked
	ack bool
}

// Transact applies every send and acknowledgement of req atomically. The
// persistent part goes through a single persistent transaction; on any
// failure it is rolled back and nothing becomes visible.
func (b *Broker) Transact(ctx context.Context, c *Connection, req message.TransactionRequest) (err error) {
	if err := c.check(); err != nil {
		return err
	}
	if req.Empty() {
		return nil
	}

	_, span := b.tracer.Start(ctx, "broker.transact", trace.WithAttributes(
		attribute.String("client_id", c.clientID),
		attribute.Int("messages", len(req.Messages)),
		attribute.Int("acks", len(req.Acks)),
	))
	start := time.Now()
	defer func() {
		ev := events.TransactionCompleted{
			ClientID: c.clientID,
			Outcome:  "commit",
			Messages: len(req.Messages),
			Acks:     len(req.Acks),
			Duration: float64(time.Since(start).Microseconds()) / 1000,
		}
		if err != nil {
			ev.Outcome = "rollback"
			ev.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			b.stats.rollbacks.Add(1)
		} else {
			b.stats.commits.Add(1)
		}
		if b.metrics != nil {
			b.metrics.RecordTransaction(ev.Outcome, ev.Duration)
		}
		b.notify(ev)
		span.End()
	}()

	if n := len(req.Messages); n > 0 && b.limiter != nil && !b.limiter.AllowSend(c.clientID, n) {
		return message.ErrRateLimited
	}

	sends, acks, err := b.resolve(c, req)
	if err != nil {
		return err
	}

	var tx *persistence.Tx
	if needsTx(sends, acks) {
		if tx, err = b.store.CreatePersistentTx(); err != nil {
			b.recordError("persistence")
			return err
		}
		span.SetAttributes(attribute.Int64("tx", tx.ID()))
	}

	var added []*message.Reference
	rollback := func(cause error) error {
		if tx != nil {
			if rerr := b.store.RollbackPersistentTx(tx); rerr != nil && !errors.Is(rerr, persistence.ErrUnknownTx) {
				b.logger.Warn("failed to roll back transaction",
					slog.Int64("tx", tx.ID()),
					slog.String("error", rerr.Error()))
			}
		}
		for _, ref := range added {
			_ = b.cache.Remove(ref)
		}
		b.recordError("persistence")
		return cause
	}

	for i := range sends {
		s := &sends[i]
		if s.t != nil {
			b.stamp(c, s.msg, s.t.desc)
			continue
		}
		b.stamp(c, s.msg, s.q.desc)
		s.ref = b.cache.Add(s.msg)
		added = append(added, s.ref)
		if stored(s.q, s.msg) {
			if err := b.store.Add(s.msg, s.ref, tx); err != nil {
				return rollback(err)
			}
		}
	}
	for _, a := range acks {
		if !a.ack {
			continue
		}
		if err := b.remove(a.e, tx); err != nil {
			return rollback(err)
		}
	}
	if tx != nil {
		if err := b.store.CommitPersistentTx(tx); err != nil {
			return rollback(err)
		}
	}

	for _, s := range sends {
		if s.t != nil {
			s.t.publish(c, s.msg)
		} else {
			s.q.enqueue(s.ref)
		}
		b.received(s.msg)
	}

	touched := make(map[*queue]struct{})
	for _, a := range acks {
		e, ok := c.untrack(a.key)
		if !ok {
			continue
		}
		if a.ack {
			b.finishAck(e)
		} else if !b.redeliver(e, "nack", false) {
			continue
		}
		touched[e.s.q] = struct{}{}
	}
	for q := range touched {
		q.pump()
	}
	return nil
}

// resolve checks every destination and acknowledgement of req before any
// state changes.
func (b *Broker) resolve(c *Connection, req message.TransactionRequest) ([]pendingSend, []pendingAck, error) {
	sends := make([]pendingSend, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if msg == nil {
			return nil, nil, fmt.Errorf("%w: nil message", message.ErrInvalidArgument)
		}
		q, t, err := b.lookup(msg.Destination)
		if err != nil {
			return nil, nil, err
		}
		sends = append(sends, pendingSend{msg: msg, q: q, t: t})
	}

	acks := make([]pendingAck, 0, len(req.Acks))
	seen := make(map[ackKey]struct{}, len(req.Acks))
	for _, a := range req.Acks {
		k := ackKey{a.SubscriptionID, a.MessageID}
		if _, dup := seen[k]; dup {
			return nil, nil, fmt.Errorf("%w: message %d acknowledged twice", message.ErrInvalidArgument, a.MessageID)
		}
		seen[k] = struct{}{}

		e, ok := c.peek(k)
		if !ok {
			return nil, nil, fmt.Errorf("%w: message %d of subscription %d", message.ErrMessageNotFound, a.MessageID, a.SubscriptionID)
		}
		acks = append(acks, pendingAck{key: k, e: e, ack: a.Ack})
	}
	return sends, acks, nil
}

func needsTx(sends []pendingSend, acks []pendingAck) bool {
	for _, s := range sends {
		if stored(s.q, s.msg) {
			return true
		}
	}
	for _, a := range acks {
		if a.ack && a.e.ref.Stored() {
			return true
		}
	}
	return false
}
