// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package invocation

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/oilmq/broker"
	"github.com/absmach/oilmq/codec"
	"github.com/absmach/oilmq/message"
	"github.com/absmach/oilmq/push"
)

type handler struct {
	// object is set for operations that reply OK_OBJECT.
	object bool
	fn     func(s *session, ctx context.Context) (any, error)
}

// handlers lists the operations valid on the request channel. PONG and
// CLOSE travel on the push channel only.
var handlers = map[codec.Opcode]handler{
	codec.OpAcknowledge:                {fn: (*session).acknowledge},
	codec.OpAddMessage:                 {fn: (*session).addMessage},
	codec.OpBrowse:                     {object: true, fn: (*session).browse},
	codec.OpCheckID:                    {fn: (*session).checkID},
	codec.OpConnectionClosing:          {fn: (*session).connectionClosing},
	codec.OpCreateQueue:                {object: true, fn: (*session).createQueue},
	codec.OpCreateTopic:                {object: true, fn: (*session).createTopic},
	codec.OpDeleteTemporaryDestination: {fn: (*session).deleteTemporaryDestination},
	codec.OpGetID:                      {object: true, fn: (*session).getID},
	codec.OpGetTemporaryQueue:          {object: true, fn: (*session).getTemporaryQueue},
	codec.OpGetTemporaryTopic:          {object: true, fn: (*session).getTemporaryTopic},
	codec.OpReceive:                    {object: true, fn: (*session).receive},
	codec.OpSetEnabled:                 {fn: (*session).setEnabled},
	codec.OpSetConnectionToken:         {object: true, fn: (*session).setConnectionToken},
	codec.OpSubscribe:                  {fn: (*session).subscribe},
	codec.OpTransact:                   {fn: (*session).transact},
	codec.OpUnsubscribe:                {fn: (*session).unsubscribe},
	codec.OpDestroySubscription:        {fn: (*session).destroySubscription},
	codec.OpCheckUser:                  {object: true, fn: (*session).checkUser},
	codec.OpPing:                       {fn: (*session).ping},
	codec.OpAuthenticate:               {object: true, fn: (*session).authenticate},
}

// readError marks a request payload that could not be read. It closes the
// connection since the stream position is lost.
type readError struct {
	err error
}

func (e *readError) Error() string { return e.err.Error() }

func (e *readError) Unwrap() error { return e.err }

// session is the state of one request connection.
type session struct {
	svc    *Service
	b      *broker.Broker
	conn   net.Conn
	r      *bufio.Reader
	logger *slog.Logger

	mu       sync.Mutex
	bc       *broker.Connection
	reserved []string
}

func (s *session) cleanup() {
	s.mu.Lock()
	bc := s.bc
	reserved := s.reserved
	s.bc = nil
	s.reserved = nil
	s.mu.Unlock()

	if bc != nil {
		if reg := s.svc.cfg.Registry; reg != nil {
			reg.Cancel(bc.Token())
		}
		s.b.Disconnect(bc)
	}
	for _, id := range reserved {
		s.b.ReleaseID(id)
	}
}

func (s *session) connection() (*broker.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bc == nil {
		return nil, message.ErrNotConnected
	}
	return s.bc, nil
}

func (s *session) reserve(id string) {
	s.mu.Lock()
	s.reserved = append(s.reserved, id)
	s.mu.Unlock()
}

func (s *session) readString() (string, error) {
	v, err := codec.DecodeString(s.r)
	if err != nil {
		return "", &readError{err}
	}
	return v, nil
}

func (s *session) readBool() (bool, error) {
	v, err := codec.DecodeBool(s.r)
	if err != nil {
		return false, &readError{err}
	}
	return v, nil
}

func (s *session) readInt32() (int32, error) {
	v, err := codec.DecodeInt32(s.r)
	if err != nil {
		return 0, &readError{err}
	}
	return v, nil
}

func (s *session) readInt64() (int64, error) {
	v, err := codec.DecodeInt64(s.r)
	if err != nil {
		return 0, &readError{err}
	}
	return v, nil
}

func (s *session) readObject(v any) error {
	if err := codec.DecodeObject(s.r, s.svc.cfg.MaxFrameSize, v); err != nil {
		return &readError{err}
	}
	return nil
}

func (s *session) acknowledge(context.Context) (any, error) {
	var req message.AckRequest
	if err := s.readObject(&req); err != nil {
		return nil, err
	}
	c, err := s.connection()
	if err != nil {
		return nil, err
	}
	return nil, s.b.Acknowledge(c, req)
}

func (s *session) addMessage(context.Context) (any, error) {
	var msg message.Message
	if err := s.readObject(&msg); err != nil {
		return nil, err
	}
	c, err := s.connection()
	if err != nil {
		return nil, err
	}
	return nil, s.b.AddMessage(c, &msg)
}

func (s *session) browse(context.Context) (any, error) {
	var d message.Destination
	if err := s.readObject(&d); err != nil {
		return nil, err
	}
	msgs, err := s.b.Browse(d)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []*message.Message{}
	}
	return msgs, nil
}

func (s *session) checkID(context.Context) (any, error) {
	id, err := s.readString()
	if err != nil {
		return nil, err
	}
	if err := s.b.CheckID(id); err != nil {
		return nil, err
	}
	s.reserve(id)
	return nil, nil
}

func (s *session) connectionClosing(context.Context) (any, error) {
	return nil, nil
}

func (s *session) createQueue(context.Context) (any, error) {
	name, err := s.readString()
	if err != nil {
		return nil, err
	}
	return s.b.CreateQueue(name)
}

func (s *session) createTopic(context.Context) (any, error) {
	name, err := s.readString()
	if err != nil {
		return nil, err
	}
	return s.b.CreateTopic(name)
}

func (s *session) deleteTemporaryDestination(context.Context) (any, error) {
	var d message.Destination
	if err := s.readObject(&d); err != nil {
		return nil, err
	}
	c, err := s.connection()
	if err != nil {
		return nil, err
	}
	return nil, s.b.DeleteTemporaryDestination(c, d)
}

func (s *session) getID(context.Context) (any, error) {
	id := s.b.GetID()
	s.reserve(id)
	return id, nil
}

func (s *session) getTemporaryQueue(context.Context) (any, error) {
	c, err := s.connection()
	if err != nil {
		return nil, err
	}
	return s.b.GetTemporaryQueue(c)
}

func (s *session) getTemporaryTopic(context.Context) (any, error) {
	c, err := s.connection()
	if err != nil {
		return nil, err
	}
	return s.b.GetTemporaryTopic(c)
}

func (s *session) receive(ctx context.Context) (any, error) {
	subID, err := s.readInt32()
	if err != nil {
		return nil, err
	}
	wait, err := s.readInt64()
	if err != nil {
		return nil, err
	}
	c, err := s.connection()
	if err != nil {
		return nil, err
	}
	msg, err := s.b.Receive(ctx, c, subID, wait)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *session) setEnabled(context.Context) (any, error) {
	enabled, err := s.readBool()
	if err != nil {
		return nil, err
	}
	c, err := s.connection()
	if err != nil {
		return nil, err
	}
	return nil, s.b.SetEnabled(c, enabled)
}

func (s *session) setConnectionToken(ctx context.Context) (any, error) {
	var tok message.ConnectionToken
	if err := s.readObject(&tok); err != nil {
		return nil, err
	}

	s.mu.Lock()
	bound := s.bc != nil
	s.mu.Unlock()
	if bound {
		return nil, fmt.Errorf("%w: connection token already set", message.ErrNotPermitted)
	}

	c, err := s.b.Connect(tok)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With(slog.String("client_id", c.ClientID()))
	if err := s.setupPush(ctx, c, tok, logger); err != nil {
		s.b.Disconnect(c)
		return nil, err
	}

	s.mu.Lock()
	s.bc = c
	s.mu.Unlock()
	s.logger = logger

	setup := message.Setup{Token: c.Token()}
	if tok.PushAddr == "" && s.svc.cfg.Registry != nil {
		setup.PushAddr = s.svc.cfg.PushAddr
	}
	return setup, nil
}

// setupPush dials the client's push listener when it offers one, and
// otherwise waits for the client to open the push socket itself. The attach
// callback runs on the push listener and logs through logger only.
func (s *session) setupPush(ctx context.Context, c *broker.Connection, tok message.ConnectionToken, logger *slog.Logger) error {
	cfg := s.svc.cfg
	if tok.PushAddr != "" {
		conn, err := push.Dial(ctx, tok.PushAddr, cfg.DialTimeout)
		if err != nil {
			return err
		}
		if err := push.Present(conn, c.Token(), cfg.DialTimeout); err != nil {
			conn.Close()
			return fmt.Errorf("%w: %w", message.ErrPushUnavailable, err)
		}
		if _, err := s.b.NewPushChannel(c, conn); err != nil {
			return err
		}
		return nil
	}

	if cfg.Registry == nil {
		return nil
	}
	cfg.Registry.Expect(c.Token(), func(conn net.Conn) *push.Channel {
		ch, err := s.b.NewPushChannel(c, conn)
		if err != nil {
			logger.Debug("push channel rejected", slog.String("error", err.Error()))
			return nil
		}
		return ch
	})
	return nil
}

func (s *session) subscribe(context.Context) (any, error) {
	var sub message.Subscription
	if err := s.readObject(&sub); err != nil {
		return nil, err
	}
	c, err := s.connection()
	if err != nil {
		return nil, err
	}
	return nil, s.b.Subscribe(c, sub)
}

func (s *session) transact(ctx context.Context) (any, error) {
	var req message.TransactionRequest
	if err := s.readObject(&req); err != nil {
		return nil, err
	}
	c, err := s.connection()
	if err != nil {
		return nil, err
	}
	return nil, s.b.Transact(ctx, c, req)
}

func (s *session) unsubscribe(context.Context) (any, error) {
	id, err := s.readInt32()
	if err != nil {
		return nil, err
	}
	c, err := s.connection()
	if err != nil {
		return nil, err
	}
	return nil, s.b.Unsubscribe(c, id)
}

func (s *session) destroySubscription(context.Context) (any, error) {
	var ds message.DurableSubscription
	if err := s.readObject(&ds); err != nil {
		return nil, err
	}
	return nil, s.b.DestroySubscription(ds)
}

func (s *session) checkUser(context.Context) (any, error) {
	user, err := s.readString()
	if err != nil {
		return nil, err
	}
	password, err := s.readString()
	if err != nil {
		return nil, err
	}
	id, err := s.b.CheckUser(user, password)
	if err != nil {
		return nil, err
	}
	if id != "" {
		s.reserve(id)
	}
	return id, nil
}

func (s *session) ping(context.Context) (any, error) {
	millis, err := s.readInt64()
	if err != nil {
		return nil, err
	}
	c, err := s.connection()
	if err != nil {
		return nil, err
	}
	return nil, s.b.Ping(c, time.UnixMilli(millis))
}

func (s *session) authenticate(context.Context) (any, error) {
	user, err := s.readString()
	if err != nil {
		return nil, err
	}
	password, err := s.readString()
	if err != nil {
		return nil, err
	}
	return s.b.Authenticate(user, password)
}
