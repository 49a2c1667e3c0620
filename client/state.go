// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "sync/atomic"

// State is the lifecycle of the request channel. The push channel follows
// it: it is opened while connecting and torn down on disconnect.
type State uint32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateClosed
)

var stateNames = [...]string{
	StateDisconnected:  "disconnected",
	StateConnecting:    "connecting",
	StateConnected:     "connected",
	StateDisconnecting: "disconnecting",
	StateClosed:        "closed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// connState is the State of a Client, safe for concurrent use.
type connState struct {
	v atomic.Uint32
}

func newConnState() *connState {
	return &connState{} // zero value is StateDisconnected
}

func (cs *connState) get() State     { return State(cs.v.Load()) }
func (cs *connState) set(s State)    { cs.v.Store(uint32(s)) }
func (cs *connState) isClosed() bool { return cs.get() == StateClosed }

func (cs *connState) isConnected() bool { return cs.get() == StateConnected }

// transition moves from one state to another and reports whether the
// current state was from.
func (cs *connState) transition(from, to State) bool {
	return cs.v.CompareAndSwap(uint32(from), uint32(to))
}
