// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"testing"

	"github.com/absmach/oilmq/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitProviderDisabled(t *testing.T) {
	cfg := config.Default().Server.Otel
	cfg.Enabled = false
	cfg.TracesEnabled = false

	shutdown, err := InitProvider(cfg, "test-instance")
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	_, span := otel.Tracer("test").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()

	assert.NoError(t, shutdown(context.Background()))
}

func TestMetricsRecord(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		m.RecordConnection("accept")
		m.RecordMessageReceived("queue", true, 128)
		m.RecordMessageDelivered(true)
		m.RecordAck()
		m.RecordRedelivery("nack")
		m.RecordSubscriptionAdded()
		m.RecordSubscriptionRemoved()
		m.RecordTransaction("commit", 1.5)
		m.RecordError("malformed_frame")
		m.RecordRequest("ADD_MESSAGE", 0.4, false)
		m.RecordDisconnection("closing")
	})
}
