// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles new connections per remote host and message
// sends and subscriptions per client id.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rule is a token bucket refilled at Rate tokens per second and holding at
// most Burst tokens.
type Rule struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`
	Burst   int     `yaml:"burst"`
}

// Config selects the rules applied by a Manager.
type Config struct {
	Enabled      bool          `yaml:"enabled"`
	Connection   Rule          `yaml:"connection"`    // Accepts per remote host
	Send         Rule          `yaml:"send"`          // Messages per client id
	Subscribe    Rule          `yaml:"subscribe"`     // Subscriptions per client id
	IdleEviction time.Duration `yaml:"idle_eviction"` // Buckets unused this long are dropped
}

// DefaultConfig returns the rules used when rate limiting is switched on.
func DefaultConfig() Config {
	return Config{
		Connection:   Rule{Enabled: true, Rate: 100.0 / 60.0, Burst: 20},
		Send:         Rule{Enabled: true, Rate: 1000, Burst: 100},
		Subscribe:    Rule{Enabled: true, Rate: 100, Burst: 10},
		IdleEviction: 10 * time.Minute,
	}
}

type bucket struct {
	limiter *rate.Limiter
	used    time.Time
}

// buckets keeps one token bucket per key, created on first use.
type buckets struct {
	rule Rule

	mu sync.Mutex
	m  map[string]*bucket
}

func newBuckets(rule Rule) *buckets {
	if !rule.Enabled {
		return nil
	}
	return &buckets{rule: rule, m: make(map[string]*bucket)}
}

// allow takes n tokens from the bucket of key. A nil set allows everything.
func (b *buckets) allow(key string, n int, now time.Time) bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	bk, ok := b.m[key]
	if !ok {
		bk = &bucket{limiter: rate.NewLimiter(rate.Limit(b.rule.Rate), b.rule.Burst)}
		b.m[key] = bk
	}
	bk.used = now
	b.mu.Unlock()

	return bk.limiter.AllowN(now, n)
}

func (b *buckets) forget(key string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	delete(b.m, key)
	b.mu.Unlock()
}

// evictIdle drops buckets last used before cutoff.
func (b *buckets) evictIdle(cutoff time.Time) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, bk := range b.m {
		if bk.used.Before(cutoff) {
			delete(b.m, key)
		}
	}
}

func (b *buckets) len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.m)
}

// Manager applies the configured rules. A nil or disabled Manager allows
// everything.
type Manager struct {
	conns *buckets
	sends *buckets
	subs  *buckets

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a Manager from cfg and starts the idle sweeper.
func NewManager(cfg Config) *Manager {
	m := &Manager{stop: make(chan struct{})}
	if !cfg.Enabled {
		return m
	}
	m.conns = newBuckets(cfg.Connection)
	m.sends = newBuckets(cfg.Send)
	m.subs = newBuckets(cfg.Subscribe)

	if cfg.IdleEviction > 0 && (m.conns != nil || m.sends != nil || m.subs != nil) {
		go m.sweep(cfg.IdleEviction)
	}
	return m
}

func (m *Manager) sweep(idle time.Duration) {
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			m.evictIdle(now.Add(-idle))
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) evictIdle(cutoff time.Time) {
	m.conns.evictIdle(cutoff)
	m.sends.evictIdle(cutoff)
	m.subs.evictIdle(cutoff)
}

// Allow reports whether a connection from addr may be accepted. Addresses
// without a host part are always allowed.
func (m *Manager) Allow(addr net.Addr) bool {
	if m == nil {
		return true
	}
	host := remoteHost(addr)
	if host == "" {
		return true
	}
	return m.conns.allow(host, 1, time.Now())
}

// AllowSend reports whether clientID may send n messages now.
func (m *Manager) AllowSend(clientID string, n int) bool {
	if m == nil {
		return true
	}
	return m.sends.allow(clientID, n, time.Now())
}

// AllowSubscribe reports whether clientID may add a subscription now.
func (m *Manager) AllowSubscribe(clientID string) bool {
	if m == nil {
		return true
	}
	return m.subs.allow(clientID, 1, time.Now())
}

// RemoveClient drops the buckets of a disconnected client.
func (m *Manager) RemoveClient(clientID string) {
	if m == nil {
		return
	}
	m.sends.forget(clientID)
	m.subs.forget(clientID)
}

// Stop ends the idle sweeper. It is safe to call more than once.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() { close(m.stop) })
}

func remoteHost(addr net.Addr) string {
	switch a := addr.(type) {
	case nil:
		return ""
	case *net.TCPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
