// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package message defines the values exchanged between clients, the broker
// core and the persistence layer.
package message

import (
	"fmt"
	"sync"
	"time"
)

// Kind distinguishes point-to-point from publish/subscribe destinations.
type Kind string

const (
	KindQueue Kind = "queue"
	KindTopic Kind = "topic"
)

// Destination names a queue or topic.
type Destination struct {
	Name      string `json:"name"`
	Kind      Kind   `json:"kind"`
	Temporary bool   `json:"temporary,omitempty"`
}

// Queue returns a queue destination descriptor.
func Queue(name string) Destination {
	return Destination{Name: name, Kind: KindQueue}
}

// Topic returns a topic destination descriptor.
func Topic(name string) Destination {
	return Destination{Name: name, Kind: KindTopic}
}

// Validate checks that d can be addressed.
func (d Destination) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: empty destination name", ErrInvalidArgument)
	}
	if d.Kind != KindQueue && d.Kind != KindTopic {
		return fmt.Errorf("%w: unknown destination kind %q", ErrInvalidArgument, d.Kind)
	}
	return nil
}

func (d Destination) String() string {
	return string(d.Kind) + "://" + d.Name
}

// Message is a broker message. ID is assigned by the broker on arrival.
type Message struct {
	ID            int64             `json:"id"`
	Destination   Destination       `json:"destination"`
	Persistent    bool              `json:"persistent"`
	Redelivered   bool              `json:"redelivered,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Expiration    time.Time         `json:"expiration"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	ReplyTo       *Destination      `json:"reply_to,omitempty"`
	ProducerID    string            `json:"producer_id,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
	Body          []byte            `json:"body,omitempty"`
}

// Expired reports whether the message expiration has passed at now.
func (m *Message) Expired(now time.Time) bool {
	return !m.Expiration.IsZero() && now.After(m.Expiration)
}

// Size approximates the in-memory weight of the message.
func (m *Message) Size() int {
	n := len(m.Body) + len(m.CorrelationID) + len(m.ProducerID)
	for k, v := range m.Properties {
		n += len(k) + len(v)
	}
	return n
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.ReplyTo != nil {
		rt := *m.ReplyTo
		cp.ReplyTo = &rt
	}
	if m.Properties != nil {
		cp.Properties = make(map[string]string, len(m.Properties))
		for k, v := range m.Properties {
			cp.Properties[k] = v
		}
	}
	if m.Body != nil {
		cp.Body = append([]byte(nil), m.Body...)
	}
	return &cp
}

// Reference is the in-memory handle to a message held by the broker.
// The body itself lives in the message cache; persistData is owned by the
// persistence layer and locates the message on disk.
type Reference struct {
	ID          int64
	Destination Destination
	Persistent  bool
	Redelivered bool

	mu          sync.Mutex
	stored      bool
	persistData string
}

// NewReference creates a reference for msg.
func NewReference(msg *Message) *Reference {
	return &Reference{
		ID:          msg.ID,
		Destination: msg.Destination,
		Persistent:  msg.Persistent,
		Redelivered: msg.Redelivered,
	}
}

// Stored reports whether the message currently has a file in a log.
func (r *Reference) Stored() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stored
}

// PersistData returns the opaque location recorded by the persistence layer.
func (r *Reference) PersistData() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persistData
}

// SetStored records the on-disk location of the message.
// An empty location marks the message as not stored.
func (r *Reference) SetStored(location string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persistData = location
	r.stored = location != ""
}
