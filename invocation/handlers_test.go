// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package invocation

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/absmach/oilmq/broker"
	"github.com/absmach/oilmq/cache"
	"github.com/absmach/oilmq/cache/memory"
	"github.com/absmach/oilmq/codec"
	"github.com/absmach/oilmq/message"
	"github.com/absmach/oilmq/persistence"
	"github.com/absmach/oilmq/push"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe for the push listener goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestPushAttachLogsThroughConnectionLogger(t *testing.T) {
	mc, err := cache.NewMessageCache(memory.New(), 0, nil)
	require.NoError(t, err)
	pm, err := persistence.New(t.TempDir(), mc, persistence.WithSyncWrites(false))
	require.NoError(t, err)
	b, err := broker.New(pm, mc, broker.Config{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = b.Close()
		_ = pm.Close()
	})

	reg := push.NewRegistry(time.Second, nil)
	svc := New(b, Config{Registry: reg, PushAddr: "127.0.0.1:8091"})

	var out syncBuffer
	base := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := &session{svc: svc, b: b, logger: base}

	c, err := b.Connect(message.ConnectionToken{ClientID: "c1"})
	require.NoError(t, err)
	require.NoError(t, s.setupPush(context.Background(), c, message.ConnectionToken{ClientID: "c1"},
		base.With(slog.String("client_id", "c1"))))
	require.Equal(t, 1, reg.Pending())

	// The connection goes away before its push socket arrives, so the
	// attach callback rejects the channel.
	b.Disconnect(c)

	cli, srv := net.Pipe()
	served := make(chan struct{})
	go func() {
		defer close(served)
		reg.ServeConn(context.Background(), srv)
		srv.Close()
	}()
	defer cli.Close()

	require.NoError(t, cli.SetDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, codec.WriteRequest(cli, codec.OpSetConnectionToken, func(buf *bytes.Buffer) error {
		return codec.EncodeString(buf, c.Token())
	}))

	// The session keeps rebinding its own logger while the listener runs.
	s.logger = base.With(slog.String("client_id", "other"))

	remote, err := codec.ReadReply(bufio.NewReader(cli), 1<<20, nil)
	require.NoError(t, err)
	require.NoError(t, remote)
	<-served

	assert.Contains(t, out.String(), "push channel rejected")
	assert.Contains(t, out.String(), "client_id=c1")
	assert.NotContains(t, out.String(), "client_id=other")
}
