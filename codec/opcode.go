// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import "fmt"

// Status is the first byte of every reply frame.
type Status byte

// Reply statuses.
const (
	StatusOK        Status = 0
	StatusOKObject  Status = 1
	StatusException Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusOKObject:
		return "OK_OBJECT"
	case StatusException:
		return "EXCEPTION"
	default:
		return fmt.Sprintf("Status(%d)", byte(s))
	}
}

// Valid reports whether s is one of the known reply statuses.
func (s Status) Valid() bool {
	return s <= StatusException
}

// Opcode selects the operation carried by a request frame.
// Values must stay stable within a deployment.
type Opcode byte

// Request channel opcodes. PONG and CLOSE are only sent by the broker on
// the push channel; RECEIVE is used in both directions.
const (
	OpAcknowledge                Opcode = 8
	OpAddMessage                 Opcode = 9
	OpBrowse                     Opcode = 10
	OpCheckID                    Opcode = 11
	OpConnectionClosing          Opcode = 12
	OpCreateQueue                Opcode = 13
	OpCreateTopic                Opcode = 14
	OpDeleteTemporaryDestination Opcode = 15
	OpGetID                      Opcode = 16
	OpGetTemporaryQueue          Opcode = 17
	OpGetTemporaryTopic          Opcode = 18
	OpReceive                    Opcode = 19
	OpSetEnabled                 Opcode = 20
	OpSetConnectionToken         Opcode = 21
	OpSubscribe                  Opcode = 22
	OpTransact                   Opcode = 23
	OpUnsubscribe                Opcode = 24
	OpDestroySubscription        Opcode = 25
	OpCheckUser                  Opcode = 26
	OpPing                       Opcode = 27
	OpPong                       Opcode = 28
	OpClose                      Opcode = 29
	OpAuthenticate               Opcode = 30
)

var opcodeNames = map[Opcode]string{
	OpAcknowledge:                "ACKNOWLEDGE",
	OpAddMessage:                 "ADD_MESSAGE",
	OpBrowse:                     "BROWSE",
	OpCheckID:                    "CHECK_ID",
	OpConnectionClosing:          "CONNECTION_CLOSING",
	OpCreateQueue:                "CREATE_QUEUE",
	OpCreateTopic:                "CREATE_TOPIC",
	OpDeleteTemporaryDestination: "DELETE_TEMPORARY_DESTINATION",
	OpGetID:                      "GET_ID",
	OpGetTemporaryQueue:          "GET_TEMPORARY_QUEUE",
	OpGetTemporaryTopic:          "GET_TEMPORARY_TOPIC",
	OpReceive:                    "RECEIVE",
	OpSetEnabled:                 "SET_ENABLED",
	OpSetConnectionToken:         "SET_CONNECTION_TOKEN",
	OpSubscribe:                  "SUBSCRIBE",
	OpTransact:                   "TRANSACT",
	OpUnsubscribe:                "UNSUBSCRIBE",
	OpDestroySubscription:        "DESTROY_SUBSCRIPTION",
	OpCheckUser:                  "CHECK_USER",
	OpPing:                       "PING",
	OpPong:                       "PONG",
	OpClose:                      "CLOSE",
	OpAuthenticate:               "AUTHENTICATE",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(%d)", byte(o))
}

// Known reports whether o is a defined opcode.
func (o Opcode) Known() bool {
	_, ok := opcodeNames[o]
	return ok
}
