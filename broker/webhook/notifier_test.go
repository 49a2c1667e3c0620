// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/oilmq/broker/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSender struct {
	mu       sync.Mutex
	count    atomic.Int32
	sendFunc func(payload []byte) error
	urls     []string
	payloads [][]byte
}

func newMockSender() *mockSender {
	return &mockSender{sendFunc: func([]byte) error { return nil }}
}

func (m *mockSender) Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
	m.count.Add(1)
	m.mu.Lock()
	m.urls = append(m.urls, url)
	m.payloads = append(m.payloads, payload)
	m.mu.Unlock()
	return m.sendFunc(payload)
}

func (m *mockSender) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.urls...)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(endpoints ...EndpointConfig) Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Workers = 1
	cfg.QueueSize = 100
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.Defaults.Retry = RetryConfig{MaxAttempts: 1}
	cfg.Endpoints = endpoints
	return cfg
}

func TestNewNotifier(t *testing.T) {
	n, err := NewNotifier(testConfig(EndpointConfig{Name: "a", URL: "http://a"}), "broker-1", newMockSender(), discard())
	require.NoError(t, err)
	assert.Len(t, n.endpoints, 1)
	assert.Len(t, n.breakers, 1)
	assert.NoError(t, n.Close())
	assert.NoError(t, n.Close())
}

func TestNewNotifierErrors(t *testing.T) {
	_, err := NewNotifier(testConfig(), "broker-1", nil, discard())
	assert.Error(t, err)

	_, err = NewNotifier(testConfig(EndpointConfig{Name: "a"}), "broker-1", newMockSender(), discard())
	assert.Error(t, err)

	_, err = NewNotifier(testConfig(EndpointConfig{Name: "a", URL: "http://a", Destinations: []string{"["}}), "broker-1", newMockSender(), discard())
	assert.Error(t, err)
}

func TestNotifyEnvelope(t *testing.T) {
	sender := newMockSender()
	n, err := NewNotifier(testConfig(EndpointConfig{Name: "a", URL: "http://a"}), "broker-1", sender, discard())
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Notify(context.Background(), events.ClientConnected{ClientID: "c1", PushMode: "dial"}))
	require.Eventually(t, func() bool { return sender.count.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	sender.mu.Lock()
	payload := sender.payloads[0]
	sender.mu.Unlock()

	var env struct {
		EventType string `json:"event_type"`
		EventID   string `json:"event_id"`
		BrokerID  string `json:"broker_id"`
		Data      struct {
			ClientID string `json:"client_id"`
			PushMode string `json:"push_mode"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(payload, &env))
	assert.Equal(t, events.TypeClientConnected, env.EventType)
	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, "broker-1", env.BrokerID)
	assert.Equal(t, "c1", env.Data.ClientID)
	assert.Equal(t, "dial", env.Data.PushMode)
}

func TestNotifyFilters(t *testing.T) {
	sender := newMockSender()
	cfg := testConfig(
		EndpointConfig{Name: "all", URL: "http://all"},
		EndpointConfig{Name: "clients", URL: "http://clients", Events: []string{events.TypeClientConnected}},
		EndpointConfig{Name: "orders", URL: "http://orders", Destinations: []string{"orders.*"}},
	)
	n, err := NewNotifier(cfg, "broker-1", sender, discard())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, n.Notify(ctx, events.ClientConnected{ClientID: "c1"}))
	require.NoError(t, n.Notify(ctx, events.DestinationCreated{Name: "orders.eu", Kind: "queue"}))
	require.NoError(t, n.Notify(ctx, events.DestinationCreated{Name: "billing", Kind: "queue"}))
	require.NoError(t, n.Close())

	got := map[string]int{}
	for _, url := range sender.sent() {
		got[url]++
	}
	// "all" receives everything, "clients" only the connect event, and
	// "orders" the connect event plus the matching destination.
	assert.Equal(t, map[string]int{"http://all": 3, "http://clients": 1, "http://orders": 2}, got)
}

func TestNotifyRetry(t *testing.T) {
	sender := newMockSender()
	sender.sendFunc = func([]byte) error {
		if sender.count.Load() < 3 {
			return errors.New("temporary failure")
		}
		return nil
	}

	cfg := testConfig(EndpointConfig{Name: "a", URL: "http://a"})
	cfg.Defaults.Retry = RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     100 * time.Millisecond,
		Multiplier:      2,
	}
	n, err := NewNotifier(cfg, "broker-1", sender, discard())
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Notify(context.Background(), events.ClientConnected{ClientID: "c1"}))
	require.Eventually(t, func() bool { return sender.count.Load() == 3 }, 2*time.Second, 10*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(3), sender.count.Load())
}

func TestCircuitBreakerOpens(t *testing.T) {
	sender := newMockSender()
	sender.sendFunc = func([]byte) error { return errors.New("down") }

	cfg := testConfig(EndpointConfig{Name: "a", URL: "http://a"})
	cfg.Defaults.CircuitBreaker = CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute}
	n, err := NewNotifier(cfg, "broker-1", sender, discard())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, n.Notify(context.Background(), events.ClientConnected{ClientID: "c1"}))
	}
	require.NoError(t, n.Close())

	// The breaker rejects the calls after the second consecutive failure.
	assert.Equal(t, int32(2), sender.count.Load())
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	release := make(chan struct{})
	sender := newMockSender()
	sender.sendFunc = func([]byte) error {
		<-release
		return nil
	}

	cfg := testConfig(EndpointConfig{Name: "a", URL: "http://a"})
	cfg.QueueSize = 2
	n, err := NewNotifier(cfg, "broker-1", sender, discard())
	require.NoError(t, err)

	require.NoError(t, n.Notify(context.Background(), events.ClientConnected{ClientID: "busy"}))
	require.Eventually(t, func() bool { return sender.count.Load() == 1 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		require.NoError(t, n.Notify(context.Background(), events.ClientConnected{ClientID: "c"}))
	}
	assert.Equal(t, uint64(3), n.Dropped())

	close(release)
	require.NoError(t, n.Close())
	assert.Equal(t, int32(3), sender.count.Load())
}

func TestNotifyAfterClose(t *testing.T) {
	n, err := NewNotifier(testConfig(EndpointConfig{Name: "a", URL: "http://a"}), "broker-1", newMockSender(), discard())
	require.NoError(t, err)
	require.NoError(t, n.Close())

	assert.ErrorIs(t, n.Notify(context.Background(), events.ClientConnected{}), ErrClosed)
}

func TestRetryDelay(t *testing.T) {
	cfg := RetryConfig{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, retryDelay(1, cfg))
	assert.Equal(t, 200*time.Millisecond, retryDelay(2, cfg))
	assert.Equal(t, 800*time.Millisecond, retryDelay(4, cfg))
	assert.Equal(t, time.Second, retryDelay(10, cfg))
}
