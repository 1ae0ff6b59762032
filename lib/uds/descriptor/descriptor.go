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

// Package descriptor replaces the Python original's exec()'d transport
// script with a typed, tagged-union payload: the verified script bytes
// decode directly into a Transport naming which forwarder to start and
// with what parameters, instead of running arbitrary code.
package descriptor

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// Kind identifies which forwarder a Transport describes.
type Kind string

const (
	// KindTLS starts a TLS Tunnel Forwarder (lib/uds/forward).
	KindTLS Kind = "tls"
	// KindSSH starts an SSH Tunnel Forwarder (lib/uds/sshforward).
	KindSSH Kind = "ssh"
)

// Transport is the decoded form of a verified script bundle: everything the
// orchestrator needs to start a forwarder and launch the external client.
type Transport struct {
	Kind Kind `json:"kind"`

	// RemoteHost/RemotePort name the gateway (TLS) or jump host (SSH).
	RemoteHost string `json:"remote_host"`
	RemotePort int    `json:"remote_port"`

	// RedirectHost/RedirectPort name the final destination reached through
	// the tunnel; for TLS forwarders these are informational only (the
	// gateway itself routes by ticket), for SSH they select the
	// direct-tcpip target.
	RedirectHost string `json:"redirect_host,omitempty"`
	RedirectPort int    `json:"redirect_port,omitempty"`

	// ListenPort is the caller-requested local port; 0 means OS-assigned.
	ListenPort int `json:"listen_port"`

	// CheckCertificate disables hostname/chain verification on the gateway
	// tunnel when false.
	CheckCertificate bool `json:"check_certificate"`
	// KeepListening disables stoppable rejection of late-arriving local
	// connections.
	KeepListening bool `json:"keep_listening"`
	// Timeout is the forwarder's startup timer in seconds; 0 means 60,
	// negative means keep_listening with the absolute value as the timer.
	Timeout int `json:"timeout"`

	Ticket string `json:"ticket"`

	// SSH-only fields.
	Username             string   `json:"username,omitempty"`
	Password             string   `json:"password,omitempty"`
	ExpectedFingerprints []string `json:"expected_fingerprints,omitempty"`

	// ClientExecutable and ClientArgs name the external transport client to
	// launch once the forwarder is listening (e.g. an RDP client); neither
	// field is interpreted by this package.
	ClientExecutable string   `json:"client_executable,omitempty"`
	ClientArgs       []string `json:"client_args,omitempty"`
}

// SessionID returns a fresh unique identifier, used to correlate a
// session's messages; Decode does not call it and Transport carries no ID.
func SessionID() string {
	return uuid.NewString()
}

// Decode parses verified, decompressed script bytes into a Transport.
func Decode(scriptBytes []byte) (*Transport, error) {
	var t Transport
	if err := json.Unmarshal(scriptBytes, &t); err != nil {
		return nil, trace.Wrap(err, "decoding transport descriptor")
	}

	switch t.Kind {
	case KindTLS, KindSSH:
	default:
		return nil, trace.BadParameter("unknown transport descriptor kind %q", t.Kind)
	}

	if t.RemoteHost == "" {
		return nil, trace.BadParameter("transport descriptor missing remote_host")
	}
	if t.RemotePort <= 0 || t.RemotePort > 65535 {
		return nil, trace.BadParameter("transport descriptor has invalid remote_port %d", t.RemotePort)
	}

	return &t, nil
}

// HostApplication is the UI feedback surface a running forwarder/session
// reports progress to. Minimal mode selects NullHostApplication, which
// absorbs every call, matching the Python original's "minimal()" stub.
type HostApplication interface {
	ShowMessage(message string)
	ShowProgress(fraction float64)
	Close()
}

// NullHostApplication discards all UI feedback.
type NullHostApplication struct{}

func (NullHostApplication) ShowMessage(string)   {}
func (NullHostApplication) ShowProgress(float64) {}
func (NullHostApplication) Close()               {}

var _ HostApplication = NullHostApplication{}
