// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package invocation_test

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/absmach/oilmq/broker"
	"github.com/absmach/oilmq/cache"
	"github.com/absmach/oilmq/cache/memory"
	"github.com/absmach/oilmq/codec"
	"github.com/absmach/oilmq/invocation"
	"github.com/absmach/oilmq/message"
	"github.com/absmach/oilmq/persistence"
	"github.com/absmach/oilmq/push"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const maxFrame = 1 << 20

type env struct {
	dir string
	b   *broker.Broker
	pm  *persistence.Manager
	reg *push.Registry
	svc *invocation.Service
}

func openEnv(t *testing.T, dir string) *env {
	t.Helper()

	mc, err := cache.NewMessageCache(memory.New(), 0, nil)
	require.NoError(t, err)
	pm, err := persistence.New(dir, mc, persistence.WithSyncWrites(false))
	require.NoError(t, err)
	b, err := broker.New(pm, mc, broker.Config{
		MaxReceiveWait:     time.Second,
		RedeliveryInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	reg := push.NewRegistry(time.Second, nil)
	e := &env{
		dir: dir,
		b:   b,
		pm:  pm,
		reg: reg,
		svc: invocation.New(b, invocation.Config{
			IdleTimeout:  50 * time.Millisecond,
			FrameTimeout: 2 * time.Second,
			MaxFrameSize: maxFrame,
			Registry:     reg,
			PushAddr:     "127.0.0.1:8091",
		}),
	}
	t.Cleanup(e.close)
	return e
}

func newEnv(t *testing.T) *env {
	return openEnv(t, t.TempDir())
}

func (e *env) close() {
	_ = e.b.Close()
	_ = e.pm.Close()
}

func (e *env) restart(t *testing.T) *env {
	e.close()
	return openEnv(t, e.dir)
}

// peer is the client end of a request connection.
type peer struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	done chan struct{}
}

func (e *env) dial(t *testing.T) *peer {
	return e.dialCtx(t, context.Background())
}

func (e *env) dialCtx(t *testing.T, ctx context.Context) *peer {
	t.Helper()

	cli, srv := net.Pipe()
	p := &peer{t: t, conn: cli, r: bufio.NewReader(cli), done: make(chan struct{})}
	go func() {
		defer close(p.done)
		e.svc.ServeConn(ctx, srv)
		srv.Close()
	}()
	t.Cleanup(func() {
		cli.Close()
		<-p.done
	})
	return p
}

// call writes one request and reads its reply.
func (p *peer) call(op codec.Opcode, body func(buf *bytes.Buffer) error, result any) error {
	p.t.Helper()

	require.NoError(p.t, p.conn.SetDeadline(time.Now().Add(5*time.Second)))
	require.NoError(p.t, codec.WriteRequest(p.conn, op, body))
	remote, err := codec.ReadReply(p.r, maxFrame, result)
	require.NoError(p.t, err)
	return remote
}

func object(v any) func(buf *bytes.Buffer) error {
	return func(buf *bytes.Buffer) error {
		return codec.EncodeObject(buf, v)
	}
}

func str(s string) func(buf *bytes.Buffer) error {
	return func(buf *bytes.Buffer) error {
		return codec.EncodeString(buf, s)
	}
}

func (p *peer) connect(clientID string) message.Setup {
	p.t.Helper()
	var setup message.Setup
	require.NoError(p.t, p.call(codec.OpSetConnectionToken, object(message.ConnectionToken{ClientID: clientID}), &setup))
	return setup
}

func (p *peer) createQueue(name string) message.Destination {
	p.t.Helper()
	var d message.Destination
	require.NoError(p.t, p.call(codec.OpCreateQueue, str(name), &d))
	return d
}

func (p *peer) send(d message.Destination, body string, persistent bool) {
	p.t.Helper()
	msg := message.Message{Destination: d, Persistent: persistent, Body: []byte(body)}
	require.NoError(p.t, p.call(codec.OpAddMessage, object(msg), nil))
}

func (p *peer) setEnabled(enabled bool) {
	p.t.Helper()
	require.NoError(p.t, p.call(codec.OpSetEnabled, func(buf *bytes.Buffer) error {
		return codec.EncodeBool(buf, enabled)
	}, nil))
}

func (p *peer) receive(subID int32, wait int64) *message.Message {
	p.t.Helper()
	var msg *message.Message
	require.NoError(p.t, p.call(codec.OpReceive, func(buf *bytes.Buffer) error {
		if err := codec.EncodeInt32(buf, subID); err != nil {
			return err
		}
		return codec.EncodeInt64(buf, wait)
	}, &msg))
	return msg
}

// closed waits for the service to drop the connection. The server end of
// the pipe is closed before done, so the read below cannot block.
func (p *peer) closed() {
	p.t.Helper()
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		p.t.Fatal("connection was not closed")
	}
	_, err := p.r.ReadByte()
	assert.ErrorIs(p.t, err, io.EOF)
}

func TestRequestReply(t *testing.T) {
	e := newEnv(t)
	p := e.dial(t)

	setup := p.connect("alice")
	assert.NotEmpty(t, setup.Token)
	assert.Equal(t, "127.0.0.1:8091", setup.PushAddr)
	assert.Equal(t, 1, e.reg.Pending())

	q := p.createQueue("orders")
	assert.Equal(t, message.Destination{Kind: message.KindQueue, Name: "orders"}, q)

	require.NoError(t, p.call(codec.OpSubscribe, object(message.Subscription{ID: 1, Destination: q}), nil))
	p.setEnabled(true)
	p.send(q, "m1", true)
	p.send(q, "m2", false)

	m1 := p.receive(1, -1)
	require.NotNil(t, m1)
	assert.Equal(t, "m1", string(m1.Body))
	assert.Equal(t, "alice", m1.ProducerID)
	m2 := p.receive(1, -1)
	require.NotNil(t, m2)
	assert.Equal(t, "m2", string(m2.Body))
	assert.Nil(t, p.receive(1, -1))

	ack := message.AckRequest{Destination: q, MessageID: m1.ID, SubscriptionID: 1, Ack: true}
	require.NoError(t, p.call(codec.OpAcknowledge, object(ack), nil))

	var browsed []*message.Message
	require.NoError(t, p.call(codec.OpBrowse, object(q), &browsed))
	assert.Empty(t, browsed)
}

func TestExceptionKeepsConnection(t *testing.T) {
	e := newEnv(t)
	p := e.dial(t)
	p.connect("")

	missing := message.Destination{Kind: message.KindQueue, Name: "missing"}
	err := p.call(codec.OpSubscribe, object(message.Subscription{ID: 1, Destination: missing}), nil)
	assert.ErrorIs(t, err, message.ErrDestinationNotFound)

	var remote *codec.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.NotEmpty(t, remote.Message)

	var id string
	require.NoError(t, p.call(codec.OpGetID, nil, &id))
	assert.NotEmpty(t, id)
}

func TestRequiresConnectionToken(t *testing.T) {
	e := newEnv(t)
	p := e.dial(t)

	q := p.createQueue("q")
	err := p.call(codec.OpAddMessage, object(message.Message{Destination: q}), nil)
	assert.ErrorIs(t, err, message.ErrNotConnected)

	err = p.call(codec.OpGetTemporaryQueue, nil, nil)
	assert.ErrorIs(t, err, message.ErrNotConnected)

	p.connect("bob")
	err = p.call(codec.OpSetConnectionToken, object(message.ConnectionToken{ClientID: "bob"}), nil)
	assert.ErrorIs(t, err, message.ErrNotPermitted)
}

func TestClientIDInUse(t *testing.T) {
	e := newEnv(t)
	p1 := e.dial(t)
	p2 := e.dial(t)

	p1.connect("carol")
	err := p2.call(codec.OpSetConnectionToken, object(message.ConnectionToken{ClientID: "carol"}), nil)
	assert.ErrorIs(t, err, message.ErrClientIDInUse)

	err = p2.call(codec.OpCheckID, str("carol"), nil)
	assert.ErrorIs(t, err, message.ErrClientIDInUse)
	require.NoError(t, p2.call(codec.OpCheckID, str("dave"), nil))
}

func TestUnknownOpcodeClosesConnection(t *testing.T) {
	e := newEnv(t)
	p := e.dial(t)

	_, err := p.conn.Write([]byte{99})
	require.NoError(t, err)
	p.closed()
}

func TestPushOpcodeOnRequestChannel(t *testing.T) {
	e := newEnv(t)
	p := e.dial(t)

	require.NoError(t, codec.WriteRequest(p.conn, codec.OpPong, func(buf *bytes.Buffer) error {
		return codec.EncodeInt64(buf, time.Now().UnixMilli())
	}))
	p.closed()
}

func TestMalformedPayloadClosesOnlyThatConnection(t *testing.T) {
	e := newEnv(t)
	p1 := e.dial(t)
	p2 := e.dial(t)

	p1.connect("c1")
	p2.connect("c2")
	q := p1.createQueue("Q1")
	p1.send(q, "m2", true)

	require.NoError(t, codec.WriteRequest(p1.conn, codec.OpDeleteTemporaryDestination, func(buf *bytes.Buffer) error {
		if err := codec.EncodeUint32(buf, 5); err != nil {
			return err
		}
		_, err := buf.WriteString("{bad}")
		return err
	}))
	p1.closed()

	var browsed []*message.Message
	require.NoError(t, p2.call(codec.OpBrowse, object(q), &browsed))
	require.Len(t, browsed, 1)
	assert.Equal(t, "m2", string(browsed[0].Body))

	e = e.restart(t)
	msgs, err := e.b.Browse(q)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m2", string(msgs[0].Body))
}

func TestOversizedObjectClosesConnection(t *testing.T) {
	e := newEnv(t)
	p := e.dial(t)

	require.NoError(t, codec.WriteRequest(p.conn, codec.OpAddMessage, func(buf *bytes.Buffer) error {
		return codec.EncodeUint32(buf, maxFrame+1)
	}))
	p.closed()
}

func TestConnectionClosing(t *testing.T) {
	e := newEnv(t)
	p := e.dial(t)

	p.connect("erin")
	var id string
	require.NoError(t, p.call(codec.OpGetID, nil, &id))
	tmp := message.Destination{}
	require.NoError(t, p.call(codec.OpGetTemporaryQueue, nil, &tmp))
	assert.True(t, tmp.Temporary)

	require.NoError(t, p.call(codec.OpConnectionClosing, nil, nil))
	p.closed()

	assert.Zero(t, e.b.Snapshot().Connections)
	assert.Zero(t, e.reg.Pending())
	assert.NoError(t, e.b.CheckID(id))
	assert.NoError(t, e.b.CheckID("erin"))
	_, err := e.b.Browse(tmp)
	assert.ErrorIs(t, err, message.ErrDestinationNotFound)
}

func TestDropRedeliversUnacknowledged(t *testing.T) {
	e := newEnv(t)
	p := e.dial(t)

	p.connect("frank")
	q := p.createQueue("jobs")
	require.NoError(t, p.call(codec.OpSubscribe, object(message.Subscription{ID: 1, Destination: q}), nil))
	p.setEnabled(true)
	p.send(q, "job", true)
	require.NotNil(t, p.receive(1, -1))

	p.conn.Close()
	<-p.done

	msgs, err := e.b.Browse(q)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Redelivered)
}

func TestShutdownStopsIdleConnection(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	p := e.dialCtx(t, ctx)
	p.connect("gina")

	cancel()
	p.closed()
	assert.Zero(t, e.b.Snapshot().Connections)
}

func TestTransact(t *testing.T) {
	e := newEnv(t)
	p := e.dial(t)

	p.connect("hank")
	q := p.createQueue("ledger")
	req := message.TransactionRequest{Messages: []*message.Message{
		{Destination: q, Persistent: true, Body: []byte("a")},
		{Destination: q, Persistent: true, Body: []byte("b")},
	}}
	require.NoError(t, p.call(codec.OpTransact, object(req), nil))

	bad := message.TransactionRequest{Messages: []*message.Message{
		{Destination: q, Persistent: true, Body: []byte("c")},
		{Destination: message.Destination{Kind: message.KindQueue, Name: "nope"}, Body: []byte("d")},
	}}
	err := p.call(codec.OpTransact, object(bad), nil)
	assert.ErrorIs(t, err, message.ErrDestinationNotFound)

	var browsed []*message.Message
	require.NoError(t, p.call(codec.OpBrowse, object(q), &browsed))
	require.Len(t, browsed, 2)
	assert.Equal(t, "a", string(browsed[0].Body))
	assert.Equal(t, "b", string(browsed[1].Body))
}

func TestAuthenticate(t *testing.T) {
	e := newEnv(t)
	p := e.dial(t)

	var session string
	require.NoError(t, p.call(codec.OpAuthenticate, func(buf *bytes.Buffer) error {
		if err := codec.EncodeString(buf, "user"); err != nil {
			return err
		}
		return codec.EncodeString(buf, "secret")
	}, &session))
	assert.NotEmpty(t, session)

	var clientID string
	require.NoError(t, p.call(codec.OpCheckUser, func(buf *bytes.Buffer) error {
		if err := codec.EncodeString(buf, "user"); err != nil {
			return err
		}
		return codec.EncodeString(buf, "secret")
	}, &clientID))
	assert.Empty(t, clientID)
}

// pushPeer is the client end of a push socket.
type pushPeer struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

// next reads one push frame and acknowledges it.
func (p *pushPeer) next() (codec.Opcode, []message.Delivery, int64) {
	p.t.Helper()

	require.NoError(p.t, p.conn.SetDeadline(time.Now().Add(5*time.Second)))
	op, err := codec.ReadOpcode(p.r)
	require.NoError(p.t, err)

	var ds []message.Delivery
	var ts int64
	switch op {
	case codec.OpReceive:
		require.NoError(p.t, codec.DecodeObject(p.r, maxFrame, &ds))
	case codec.OpPong:
		ts, err = codec.DecodeInt64(p.r)
		require.NoError(p.t, err)
	case codec.OpSetConnectionToken:
		_, err = codec.DecodeString(p.r)
		require.NoError(p.t, err)
	}
	require.NoError(p.t, codec.WriteOK(p.conn))
	return op, ds, ts
}

func TestAcceptModePush(t *testing.T) {
	e := newEnv(t)
	p := e.dial(t)
	setup := p.connect("ivy")

	ctx, cancel := context.WithCancel(context.Background())
	cli, srv := net.Pipe()
	served := make(chan struct{})
	go func() {
		defer close(served)
		e.reg.ServeConn(ctx, srv)
		srv.Close()
	}()
	t.Cleanup(func() {
		cli.Close()
		cancel()
		<-served
	})

	pp := &pushPeer{t: t, conn: cli, r: bufio.NewReader(cli)}
	require.NoError(t, cli.SetDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, codec.WriteRequest(cli, codec.OpSetConnectionToken, str(setup.Token)))
	remote, err := codec.ReadReply(pp.r, maxFrame, nil)
	require.NoError(t, err)
	require.NoError(t, remote)

	q := p.createQueue("events")
	require.NoError(t, p.call(codec.OpSubscribe, object(message.Subscription{ID: 7, Destination: q, Push: true}), nil))
	p.setEnabled(true)
	p.send(q, "hello", false)

	op, ds, _ := pp.next()
	require.Equal(t, codec.OpReceive, op)
	require.Len(t, ds, 1)
	assert.Equal(t, int32(7), ds[0].SubscriptionID)
	assert.Equal(t, "hello", string(ds[0].Message.Body))

	before := time.Now().UnixMilli()
	require.NoError(t, p.call(codec.OpPing, func(buf *bytes.Buffer) error {
		return codec.EncodeInt64(buf, before)
	}, nil))
	op, _, ts := pp.next()
	require.Equal(t, codec.OpPong, op)
	assert.GreaterOrEqual(t, ts, before)
}

func TestDialModePush(t *testing.T) {
	e := newEnv(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if op, err := codec.ReadOpcode(conn); err != nil || op != codec.OpSetConnectionToken {
			conn.Close()
			return
		}
		if _, err := codec.DecodeString(conn); err != nil {
			conn.Close()
			return
		}
		if err := codec.WriteOK(conn); err != nil {
			conn.Close()
			return
		}
		accepted <- conn
	}()

	p := e.dial(t)
	var setup message.Setup
	require.NoError(t, p.call(codec.OpSetConnectionToken, object(message.ConnectionToken{
		ClientID: "jack",
		PushAddr: ln.Addr().String(),
	}), &setup))
	assert.Empty(t, setup.PushAddr)
	assert.Zero(t, e.reg.Pending())

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("broker did not dial the push listener")
	}
	t.Cleanup(func() { conn.Close() })

	pp := &pushPeer{t: t, conn: conn, r: bufio.NewReader(conn)}

	q := p.createQueue("alerts")
	require.NoError(t, p.call(codec.OpSubscribe, object(message.Subscription{ID: 1, Destination: q, Push: true}), nil))
	p.setEnabled(true)
	p.send(q, "fire", true)

	op, ds, _ := pp.next()
	require.Equal(t, codec.OpReceive, op)
	require.Len(t, ds, 1)
	assert.Equal(t, "fire", string(ds[0].Message.Body))

	require.NoError(t, p.call(codec.OpConnectionClosing, nil, nil))
	op, _, _ = pp.next()
	assert.Equal(t, codec.OpClose, op)
}

func TestDialModePushUnreachable(t *testing.T) {
	e := newEnv(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	p := e.dial(t)
	err = p.call(codec.OpSetConnectionToken, object(message.ConnectionToken{ClientID: "kim", PushAddr: addr}), nil)
	assert.ErrorIs(t, err, message.ErrPushUnavailable)
	assert.Zero(t, e.b.Snapshot().Connections)

	p.connect("kim")
}
