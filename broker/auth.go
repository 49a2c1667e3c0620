// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"

	"github.com/absmach/oilmq/codec"
	"github.com/google/uuid"
)

// ErrAuthFailed is returned when an Authenticator rejects credentials.
var ErrAuthFailed = errors.New("authentication failed")

func init() {
	codec.RegisterError("auth_failed", ErrAuthFailed)
}

// Authenticator validates user credentials.
type Authenticator interface {
	// CheckUser validates the credentials and returns the client id bound
	// to the user, or "" when the user has none.
	CheckUser(username, password string) (string, error)
	// Authenticate validates the credentials and returns a session id.
	Authenticate(username, password string) (string, error)
}

// AllowAll accepts every user. Users carry no preconfigured client id and
// sessions are random uuids.
type AllowAll struct{}

func (AllowAll) CheckUser(string, string) (string, error) {
	return "", nil
}

func (AllowAll) Authenticate(string, string) (string, error) {
	return uuid.NewString(), nil
}

// CheckUser validates the credentials and, when the user has a configured
// client id, reserves it for a following SET_CONNECTION_TOKEN.
func (b *Broker) CheckUser(username, password string) (string, error) {
	clientID, err := b.auth.CheckUser(username, password)
	if err != nil {
		b.recordError("auth")
		return "", err
	}
	if clientID != "" {
		if err := b.CheckID(clientID); err != nil {
			return "", err
		}
	}
	return clientID, nil
}

// Authenticate validates the credentials and returns a session id.
func (b *Broker) Authenticate(username, password string) (string, error) {
	session, err := b.auth.Authenticate(username, password)
	if err != nil {
		b.recordError("auth")
		return "", err
	}
	return session, nil
}
