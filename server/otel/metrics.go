// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the broker.
type Metrics struct {
	meter metric.Meter

	// Counters
	connectionsTotal    metric.Int64Counter
	disconnectionsTotal metric.Int64Counter
	messagesReceived    metric.Int64Counter
	messagesDelivered   metric.Int64Counter
	messagesAcked       metric.Int64Counter
	messagesRedelivered metric.Int64Counter
	bytesReceived       metric.Int64Counter
	transactionsTotal   metric.Int64Counter
	errorsTotal         metric.Int64Counter

	// UpDownCounters (Gauges)
	connectionsCurrent  metric.Int64UpDownCounter
	subscriptionsActive metric.Int64UpDownCounter

	// Histograms
	messageSize         metric.Int64Histogram
	transactionDuration metric.Float64Histogram
	requestDuration     metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("oilmq-broker"),
	}

	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.connectionsTotal, "oilmq.connections.total", "Total number of client connections"},
		{&m.disconnectionsTotal, "oilmq.disconnections.total", "Total number of client disconnections"},
		{&m.messagesReceived, "oilmq.messages.received.total", "Messages accepted from producers"},
		{&m.messagesDelivered, "oilmq.messages.delivered.total", "Messages handed to consumers"},
		{&m.messagesAcked, "oilmq.messages.acked.total", "Messages acknowledged by consumers"},
		{&m.messagesRedelivered, "oilmq.messages.redelivered.total", "Messages put back for redelivery"},
		{&m.bytesReceived, "oilmq.bytes.received.total", "Message body bytes accepted from producers"},
		{&m.transactionsTotal, "oilmq.transactions.total", "Completed transactions by outcome"},
		{&m.errorsTotal, "oilmq.errors.total", "Errors by type"},
	}
	for _, c := range counters {
		*c.dst, err = m.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.connectionsCurrent, err = m.meter.Int64UpDownCounter(
		"oilmq.connections.current",
		metric.WithDescription("Current number of client connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	m.subscriptionsActive, err = m.meter.Int64UpDownCounter(
		"oilmq.subscriptions.active",
		metric.WithDescription("Number of active subscriptions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriptionsActive gauge: %w", err)
	}

	m.messageSize, err = m.meter.Int64Histogram(
		"oilmq.message.size.bytes",
		metric.WithDescription("Message size distribution in bytes"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	m.transactionDuration, err = m.meter.Float64Histogram(
		"oilmq.transaction.duration.ms",
		metric.WithDescription("Transaction duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactionDuration histogram: %w", err)
	}

	m.requestDuration, err = m.meter.Float64Histogram(
		"oilmq.request.duration.ms",
		metric.WithDescription("Request channel operation duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requestDuration histogram: %w", err)
	}

	return m, nil
}

// RecordConnection records a new connection.
func (m *Metrics) RecordConnection(pushMode string) {
	ctx := context.Background()
	m.connectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("push_mode", pushMode),
	))
	m.connectionsCurrent.Add(ctx, 1)
}

// RecordDisconnection records a disconnection.
func (m *Metrics) RecordDisconnection(reason string) {
	ctx := context.Background()
	m.disconnectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
	m.connectionsCurrent.Add(ctx, -1)
}

// RecordMessageReceived records a message accepted from a producer.
func (m *Metrics) RecordMessageReceived(kind string, persistent bool, sizeBytes int64) {
	ctx := context.Background()
	m.messagesReceived.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("persistent", persistent),
	))
	m.bytesReceived.Add(ctx, sizeBytes)
	m.messageSize.Record(ctx, sizeBytes)
}

// RecordMessageDelivered records a message handed to a consumer.
func (m *Metrics) RecordMessageDelivered(pushed bool) {
	m.messagesDelivered.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Bool("pushed", pushed),
	))
}

// RecordAck records an acknowledgement.
func (m *Metrics) RecordAck() {
	m.messagesAcked.Add(context.Background(), 1)
}

// RecordRedelivery records a message made available again.
func (m *Metrics) RecordRedelivery(reason string) {
	m.messagesRedelivered.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordSubscriptionAdded records a new subscription.
func (m *Metrics) RecordSubscriptionAdded() {
	m.subscriptionsActive.Add(context.Background(), 1)
}

// RecordSubscriptionRemoved records a subscription removal.
func (m *Metrics) RecordSubscriptionRemoved() {
	m.subscriptionsActive.Add(context.Background(), -1)
}

// RecordTransaction records a completed transaction.
func (m *Metrics) RecordTransaction(outcome string, durationMs float64) {
	ctx := context.Background()
	m.transactionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
	m.transactionDuration.Record(ctx, durationMs)
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}

// RecordRequest records one request channel operation.
func (m *Metrics) RecordRequest(op string, durationMs float64, failed bool) {
	m.requestDuration.Record(context.Background(), durationMs, metric.WithAttributes(
		attribute.String("op", op),
		attribute.Bool("failed", failed),
	))
}
