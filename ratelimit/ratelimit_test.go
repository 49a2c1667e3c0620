// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type strAddr string

func (a strAddr) Network() string { return "test" }
func (a strAddr) String() string  { return string(a) }

func tcpAddr(ip string, port int) *net.TCPAddr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: port}
}

func enabled(conn, send, sub Rule) *Manager {
	return NewManager(Config{Enabled: true, Connection: conn, Send: send, Subscribe: sub})
}

func TestConnectionBurstAndRefill(t *testing.T) {
	m := enabled(Rule{Enabled: true, Rate: 5, Burst: 2}, Rule{}, Rule{})
	defer m.Stop()

	addr := tcpAddr("192.168.1.1", 1234)
	assert.True(t, m.Allow(addr))
	assert.True(t, m.Allow(addr))
	assert.False(t, m.Allow(addr), "burst exhausted")

	time.Sleep(250 * time.Millisecond)
	assert.True(t, m.Allow(addr), "token refilled")
}

func TestConnectionKeyedByHost(t *testing.T) {
	m := enabled(Rule{Enabled: true, Rate: 1, Burst: 1}, Rule{}, Rule{})
	defer m.Stop()

	assert.True(t, m.Allow(tcpAddr("192.168.1.1", 1234)))
	assert.True(t, m.Allow(tcpAddr("192.168.1.2", 1234)))
	assert.False(t, m.Allow(tcpAddr("192.168.1.1", 9999)), "port does not matter")
	assert.False(t, m.Allow(strAddr("192.168.1.2:5")), "host:port strings share the bucket")
}

func TestAddressWithoutHost(t *testing.T) {
	m := enabled(Rule{Enabled: true, Rate: 1, Burst: 1}, Rule{}, Rule{})
	defer m.Stop()

	assert.True(t, m.Allow(nil))
	assert.True(t, m.Allow(nil))
}

func TestClientBuckets(t *testing.T) {
	m := enabled(Rule{}, Rule{Enabled: true, Rate: 5, Burst: 3}, Rule{Enabled: true, Rate: 10, Burst: 1})
	defer m.Stop()

	assert.True(t, m.AllowSend("c1", 2))
	assert.False(t, m.AllowSend("c1", 2))
	assert.True(t, m.AllowSend("c2", 3))

	assert.True(t, m.AllowSubscribe("c1"))
	assert.False(t, m.AllowSubscribe("c1"))

	m.RemoveClient("c1")
	assert.True(t, m.AllowSubscribe("c1"))
	assert.True(t, m.AllowSend("c1", 3))
}

func TestDisabledRuleAllows(t *testing.T) {
	m := enabled(Rule{}, Rule{Enabled: true, Rate: 0.001, Burst: 1}, Rule{})
	defer m.Stop()

	for i := 0; i < 50; i++ {
		assert.True(t, m.Allow(tcpAddr("10.0.0.1", 1)))
		assert.True(t, m.AllowSubscribe("c"))
	}
	assert.True(t, m.AllowSend("c", 1))
	assert.False(t, m.AllowSend("c", 1))
}

func TestEvictIdle(t *testing.T) {
	m := enabled(Rule{Enabled: true, Rate: 1, Burst: 1}, Rule{Enabled: true, Rate: 1, Burst: 1}, Rule{})
	defer m.Stop()

	m.Allow(strAddr("10.0.0.1:1"))
	m.Allow(strAddr("10.0.0.2:1"))
	m.AllowSend("c1", 1)
	assert.Equal(t, 2, m.conns.len())
	assert.Equal(t, 1, m.sends.len())

	m.evictIdle(time.Now().Add(-time.Minute))
	assert.Equal(t, 2, m.conns.len())

	m.evictIdle(time.Now().Add(time.Minute))
	assert.Zero(t, m.conns.len())
	assert.Zero(t, m.sends.len())
	assert.True(t, m.AllowSend("c1", 1), "evicted bucket starts full")
}

func TestManagerDisabled(t *testing.T) {
	m := NewManager(Config{Enabled: false, Connection: Rule{Enabled: true, Rate: 0.001, Burst: 1}})
	defer m.Stop()

	for i := 0; i < 100; i++ {
		assert.True(t, m.Allow(tcpAddr("10.0.0.1", 1)))
		assert.True(t, m.AllowSend("c", 10))
		assert.True(t, m.AllowSubscribe("c"))
	}
}

func TestNilManager(t *testing.T) {
	var m *Manager
	assert.True(t, m.Allow(nil))
	assert.True(t, m.AllowSend("c", 1))
	assert.True(t, m.AllowSubscribe("c"))
	m.RemoveClient("c")
	m.Stop()
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Connection.Burst = 1
	m := NewManager(cfg)
	m.Stop()
	assert.NotPanics(t, m.Stop)

	addr := tcpAddr("10.0.0.1", 1)
	assert.True(t, m.Allow(addr))
	assert.False(t, m.Allow(addr))
	assert.True(t, m.AllowSend("c", 100))
}
