/*
Copyright 2026 UDS Client Gateway Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package types holds the data model shared by the broker client and the
// forwarders: tickets, endpoints, forwarder state, and the small set of
// capability interfaces the orchestrator wires together.
package types

import (
	"context"
	"net"

	"github.com/gravitational/trace"

	"github.com/udsclient/gateway/lib/uds/consts"
)

// Ticket is an opaque, fixed-length, broker-issued authorization token.
type Ticket string

// Validate checks the ticket has the length the broker requires.
func (t Ticket) Validate() error {
	if len(t) != consts.TicketLength {
		return trace.BadParameter("ticket must be %d characters, got %d", consts.TicketLength, len(t))
	}
	return nil
}

// String implements fmt.Stringer without ever printing the ticket itself,
// since it is a bearer credential.
func (t Ticket) String() string {
	if len(t) < 8 {
		return "<ticket>"
	}
	return string(t[:4]) + "...." + string(t[len(t)-4:])
}

// Scrambler is the opaque pairing string sent alongside a ticket and echoed
// verbatim to the broker.
type Scrambler string

// Endpoint identifies the broker's REST API root.
type Endpoint struct {
	Host string
}

// URL renders the broker REST API base URL.
func (e Endpoint) URL() string {
	return "https://" + e.Host + "/uds/rest/client"
}

// LogDescriptor describes the optional remote-log upload the orchestrator
// performs at the end of a session.
type LogDescriptor struct {
	Ticket string `json:"ticket"`
	Level  int    `json:"level"`
}

// ForwardState is the lifecycle of a running forwarder.
type ForwardState int32

const (
	// StateListening is the initial state: the listener is up, nothing has
	// connected yet.
	StateListening ForwardState = iota
	// StateOpening is entered on the first accepted local connection, before
	// the tunnel to the gateway is established.
	StateOpening
	// StateProcessing is entered once a tunnel is open and bytes are being
	// relayed.
	StateProcessing
	// StateError is terminal: the forwarder has stopped accepting
	// connections and has released its listener.
	StateError
)

func (s ForwardState) String() string {
	switch s {
	case StateListening:
		return "LISTENING"
	case StateOpening:
		return "OPENING"
	case StateProcessing:
		return "PROCESSING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Forwarder is the shared contract both the TLS and the SSH forwarder
// implementations satisfy, so the orchestrator and the transport descriptor
// dispatch can treat either one identically once started.
type Forwarder interface {
	// LocalAddr is the address the local listener is bound to.
	LocalAddr() net.Addr
	// State returns the forwarder's current lifecycle state.
	State() ForwardState
	// CurrentConnections returns the number of live relayed connections.
	CurrentConnections() int
	// Stoppable reports whether the startup timer has fired.
	Stoppable() bool
	// Stop idempotently shuts the forwarder down.
	Stop()
	// Check opens a test tunnel and reports whether the gateway answered OK.
	Check(ctx context.Context) (bool, error)
	// Wait blocks until the forwarder's accept loop and every in-flight
	// connection handler have returned, i.e. until Stop has fully drained.
	Wait() error
}

// RemovableFile is a path registered for deletion after the session, along
// with which cleanup stage it belongs to.
type RemovableFile struct {
	Path       string
	EarlyStage bool
}

// AwaitableTask is a unit of background work the orchestrator must join
// before the session is considered finished.
type AwaitableTask struct {
	Task             Waiter
	WaitSubprocesses bool
}

// Waiter is satisfied by anything the cleanup registry can block on: a
// goroutine-backed handle (via a done channel), or a spawned external
// process wrapped to adapt *os.Process's two-return Wait to this signature.
type Waiter interface {
	Wait() error
}
