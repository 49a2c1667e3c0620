// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package events defines the broker lifecycle events published to webhooks.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeClientConnected      = "client.connected"
	TypeClientDisconnected   = "client.disconnected"
	TypeDestinationCreated   = "destination.created"
	TypeDestinationDeleted   = "destination.deleted"
	TypeSubscriptionCreated  = "subscription.created"
	TypeSubscriptionRemoved  = "subscription.removed"
	TypeTransactionCompleted = "transaction.completed"
)

// Event is a broker occurrence reported to webhook endpoints.
type Event interface {
	// Type returns the event type identifier, e.g. "client.connected".
	Type() string

	// Destination returns the destination name for destination scoped
	// events, empty for others.
	Destination() string
}

// Envelope is the common wrapper for all webhook events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	BrokerID  string `json:"broker_id"`
	Data      Event  `json:"data"`
}

// Wrap puts e in an envelope stamped with a fresh id and the current time.
func Wrap(e Event, brokerID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		BrokerID:  brokerID,
		Data:      e,
	}
}

// ClientConnected is emitted when a SET_CONNECTION_TOKEN binds a client.
type ClientConnected struct {
	ClientID string `json:"client_id"`
	PushMode string `json:"push_mode"` // "accept" or "dial"
}

func (ClientConnected) Type() string        { return TypeClientConnected }
func (ClientConnected) Destination() string { return "" }

// ClientDisconnected is emitted when a connection closes.
type ClientDisconnected struct {
	ClientID    string `json:"client_id"`
	Reason      string `json:"reason"` // "client" or "shutdown"
	Redelivered int    `json:"redelivered"`
}

func (ClientDisconnected) Type() string        { return TypeClientDisconnected }
func (ClientDisconnected) Destination() string { return "" }

// DestinationCreated is emitted when a queue or topic is created.
type DestinationCreated struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Temporary bool   `json:"temporary"`
	Owner     string `json:"owner,omitempty"` // client id owning a temporary destination
}

func (DestinationCreated) Type() string          { return TypeDestinationCreated }
func (e DestinationCreated) Destination() string { return e.Name }

// DestinationDeleted is emitted when a temporary destination is removed.
type DestinationDeleted struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Discarded int    `json:"discarded"` // messages dropped with it
}

func (DestinationDeleted) Type() string          { return TypeDestinationDeleted }
func (e DestinationDeleted) Destination() string { return e.Name }

// SubscriptionCreated is emitted when a client subscribes.
type SubscriptionCreated struct {
	ClientID       string `json:"client_id"`
	SubscriptionID int32  `json:"subscription_id"`
	Name           string `json:"destination"`
	Durable        string `json:"durable,omitempty"`
}

func (SubscriptionCreated) Type() string          { return TypeSubscriptionCreated }
func (e SubscriptionCreated) Destination() string { return e.Name }

// SubscriptionRemoved is emitted when a subscription ends.
type SubscriptionRemoved struct {
	ClientID       string `json:"client_id"`
	SubscriptionID int32  `json:"subscription_id"`
	Name           string `json:"destination"`
}

func (SubscriptionRemoved) Type() string          { return TypeSubscriptionRemoved }
func (e SubscriptionRemoved) Destination() string { return e.Name }

// TransactionCompleted is emitted after a TRANSACT commits or rolls back.
type TransactionCompleted struct {
	ClientID string  `json:"client_id"`
	Outcome  string  `json:"outcome"` // "commit" or "rollback"
	Messages int     `json:"messages"`
	Acks     int     `json:"acks"`
	Duration float64 `json:"duration_ms"`
	Error    string  `json:"error,omitempty"`
}

func (TransactionCompleted) Type() string        { return TypeTransactionCompleted }
func (TransactionCompleted) Destination() string { return "" }
