// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

// AckRequest acknowledges (or rejects, when Ack is false) a delivered message.
// A rejected message is made available for redelivery.
type AckRequest struct {
	Destination    Destination `json:"destination"`
	MessageID      int64       `json:"message_id"`
	SubscriptionID int32       `json:"subscription_id"`
	Ack            bool        `json:"ack"`
}

// Subscription registers a consumer on a destination for one connection.
// With Push set, messages are sent over the push channel as they arrive;
// otherwise they are handed out by RECEIVE only. DurableName is tracked for
// the lifetime of the broker process only.
type Subscription struct {
	ID          int32       `json:"id"`
	Destination Destination `json:"destination"`
	Push        bool        `json:"push,omitempty"`
	NoLocal     bool        `json:"no_local,omitempty"`
	DurableName string      `json:"durable_name,omitempty"`
}

// DurableSubscription identifies a named subscription of a client.
type DurableSubscription struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
}

// TransactionRequest groups sends and acknowledgements that commit together.
type TransactionRequest struct {
	Messages []*Message   `json:"messages,omitempty"`
	Acks     []AckRequest `json:"acks,omitempty"`
}

// Empty reports whether the request carries no work.
func (t *TransactionRequest) Empty() bool {
	return len(t.Messages) == 0 && len(t.Acks) == 0
}

// Delivery is one message pushed to a subscription.
type Delivery struct {
	SubscriptionID int32    `json:"subscription_id"`
	Message        *Message `json:"message"`
}

// ConnectionToken is sent by a client to bind its request channel to a
// client id and to announce how the push channel is established. A non
// empty PushAddr asks the broker to dial the client's push listener.
type ConnectionToken struct {
	ClientID string `json:"client_id"`
	PushAddr string `json:"push_addr,omitempty"`
}

// Setup is the broker's answer to a ConnectionToken. Token is the connection
// credential; when PushAddr is set the client must open the push channel to
// it and present Token as its first frame.
type Setup struct {
	Token    string `json:"token"`
	PushAddr string `json:"push_addr,omitempty"`
}
