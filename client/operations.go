// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"context"
	"time"

	"github.com/absmach/oilmq/codec"
	"github.com/absmach/oilmq/message"
)

// CreateQueue returns the queue called name, creating it if needed.
func (c *Client) CreateQueue(ctx context.Context, name string) (message.Destination, error) {
	var d message.Destination
	err := c.call(ctx, codec.OpCreateQueue, encodeStrings(name), &d)
	return d, err
}

// CreateTopic returns the topic called name, creating it if needed.
func (c *Client) CreateTopic(ctx context.Context, name string) (message.Destination, error) {
	var d message.Destination
	err := c.call(ctx, codec.OpCreateTopic, encodeStrings(name), &d)
	return d, err
}

// TemporaryQueue creates a queue that lives as long as the connection.
func (c *Client) TemporaryQueue(ctx context.Context) (message.Destination, error) {
	var d message.Destination
	err := c.call(ctx, codec.OpGetTemporaryQueue, nil, &d)
	return d, err
}

// TemporaryTopic creates a topic that lives as long as the connection.
func (c *Client) TemporaryTopic(ctx context.Context) (message.Destination, error) {
	var d message.Destination
	err := c.call(ctx, codec.OpGetTemporaryTopic, nil, &d)
	return d, err
}

// DeleteTemporary deletes a temporary destination owned by this connection.
func (c *Client) DeleteTemporary(ctx context.Context, d message.Destination) error {
	return c.call(ctx, codec.OpDeleteTemporaryDestination, object(d), nil)
}

// Send sends msg. A persistent message sent to a queue is stored when Send
// returns.
func (c *Client) Send(ctx context.Context, msg *message.Message) error {
	return c.call(ctx, codec.OpAddMessage, object(msg), nil)
}

// SendAsync writes msg without waiting for the broker.
func (c *Client) SendAsync(msg *message.Message) (*Future, error) {
	return c.Go(codec.OpAddMessage, object(msg))
}

// Browse lists the messages waiting on a queue.
func (c *Client) Browse(ctx context.Context, d message.Destination) ([]*message.Message, error) {
	var msgs []*message.Message
	err := c.call(ctx, codec.OpBrowse, object(d), &msgs)
	return msgs, err
}

// Subscribe registers sub on the connection.
func (c *Client) Subscribe(ctx context.Context, sub message.Subscription) error {
	return c.call(ctx, codec.OpSubscribe, object(sub), nil)
}

// Unsubscribe removes subscription id.
func (c *Client) Unsubscribe(ctx context.Context, id int32) error {
	return c.call(ctx, codec.OpUnsubscribe, func(buf *bytes.Buffer) error {
		return codec.EncodeInt32(buf, id)
	}, nil)
}

// DestroySubscription forgets a durable subscription name.
func (c *Client) DestroySubscription(ctx context.Context, ds message.DurableSubscription) error {
	return c.call(ctx, codec.OpDestroySubscription, object(ds), nil)
}

// Receive fetches the next message of subscription id. A negative wait
// returns at once, zero waits as long as the broker allows. The result is
// nil when no message arrives in time.
func (c *Client) Receive(ctx context.Context, id int32, wait time.Duration) (*message.Message, error) {
	ms := wait.Milliseconds()
	if wait < 0 {
		ms = -1
	}
	timeout := c.opts.RequestTimeout
	switch {
	case wait > 0:
		timeout += wait
	case wait == 0:
		timeout *= 2
	}

	var msg *message.Message
	err := c.callWithin(ctx, codec.OpReceive, func(buf *bytes.Buffer) error {
		if err := codec.EncodeInt32(buf, id); err != nil {
			return err
		}
		return codec.EncodeInt64(buf, ms)
	}, &msg, timeout)
	return msg, err
}

// Acknowledge acknowledges or rejects a delivered message.
func (c *Client) Acknowledge(ctx context.Context, req message.AckRequest) error {
	return c.call(ctx, codec.OpAcknowledge, object(req), nil)
}

// Ack acknowledges msg received on subscription id.
func (c *Client) Ack(ctx context.Context, id int32, msg *message.Message) error {
	return c.Acknowledge(ctx, message.AckRequest{
		Destination:    msg.Destination,
		MessageID:      msg.ID,
		SubscriptionID: id,
		Ack:            true,
	})
}

// Nack rejects msg received on subscription id so it is redelivered.
func (c *Client) Nack(ctx context.Context, id int32, msg *message.Message) error {
	return c.Acknowledge(ctx, message.AckRequest{
		Destination:    msg.Destination,
		MessageID:      msg.ID,
		SubscriptionID: id,
	})
}

// Transact commits the sends and acknowledgements of req atomically.
func (c *Client) Transact(ctx context.Context, req message.TransactionRequest) error {
	return c.call(ctx, codec.OpTransact, object(req), nil)
}

// SetEnabled starts or stops delivery to this connection.
func (c *Client) SetEnabled(ctx context.Context, enabled bool) error {
	return c.call(ctx, codec.OpSetEnabled, func(buf *bytes.Buffer) error {
		return codec.EncodeBool(buf, enabled)
	}, nil)
}

// GetID asks the broker for a fresh client id.
func (c *Client) GetID(ctx context.Context) (string, error) {
	var id string
	err := c.call(ctx, codec.OpGetID, nil, &id)
	return id, err
}

// CheckID reserves id if no other client uses it.
func (c *Client) CheckID(ctx context.Context, id string) error {
	return c.call(ctx, codec.OpCheckID, encodeStrings(id), nil)
}

// CheckUser validates credentials and returns the client id configured for
// the user, if any.
func (c *Client) CheckUser(ctx context.Context, username, password string) (string, error) {
	var id string
	err := c.call(ctx, codec.OpCheckUser, encodeStrings(username, password), &id)
	return id, err
}

// Authenticate validates credentials and returns a session id.
func (c *Client) Authenticate(ctx context.Context, username, password string) (string, error) {
	var session string
	err := c.call(ctx, codec.OpAuthenticate, encodeStrings(username, password), &session)
	return session, err
}

// Ping asks the broker for a PONG on the push channel.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, codec.OpPing, func(buf *bytes.Buffer) error {
		return codec.EncodeInt64(buf, time.Now().UnixMilli())
	}, nil)
}
