// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks broker counters.
type Stats struct {
	startTime time.Time

	// Connection stats
	totalConnections   atomic.Uint64
	currentConnections atomic.Int64

	// Message stats
	messagesReceived    atomic.Uint64
	messagesDelivered   atomic.Uint64
	messagesAcked       atomic.Uint64
	messagesRedelivered atomic.Uint64
	messagesExpired     atomic.Uint64
	bytesReceived       atomic.Uint64

	// Transaction stats
	commits   atomic.Uint64
	rollbacks atomic.Uint64

	// Subscription stats
	subscriptions atomic.Int64

	errors atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Uptime              time.Duration `json:"uptime"`
	TotalConnections    uint64        `json:"total_connections"`
	CurrentConnections  int64         `json:"current_connections"`
	MessagesReceived    uint64        `json:"messages_received"`
	MessagesDelivered   uint64        `json:"messages_delivered"`
	MessagesAcked       uint64        `json:"messages_acked"`
	MessagesRedelivered uint64        `json:"messages_redelivered"`
	MessagesExpired     uint64        `json:"messages_expired"`
	BytesReceived       uint64        `json:"bytes_received"`
	Commits             uint64        `json:"commits"`
	Rollbacks           uint64        `json:"rollbacks"`
	Subscriptions       int64         `json:"subscriptions"`
	Errors              uint64        `json:"errors"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Uptime:              time.Since(s.startTime),
		TotalConnections:    s.totalConnections.Load(),
		CurrentConnections:  s.currentConnections.Load(),
		MessagesReceived:    s.messagesReceived.Load(),
		MessagesDelivered:   s.messagesDelivered.Load(),
		MessagesAcked:       s.messagesAcked.Load(),
		MessagesRedelivered: s.messagesRedelivered.Load(),
		MessagesExpired:     s.messagesExpired.Load(),
		BytesReceived:       s.bytesReceived.Load(),
		Commits:             s.commits.Load(),
		Rollbacks:           s.rollbacks.Load(),
		Subscriptions:       s.subscriptions.Load(),
		Errors:              s.errors.Load(),
	}
}
