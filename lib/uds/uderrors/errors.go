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

// Package uderrors defines the small set of error kinds named in the
// session's error-handling design: each wraps a message and, where the
// underlying cause matters, the wrapped trace error.
package uderrors

import "fmt"

// BadArguments is returned when the command line (URL, ticket length, flags)
// can't be parsed into a valid session request.
type BadArguments struct {
	Reason string
}

func (e *BadArguments) Error() string { return fmt.Sprintf("bad arguments: %s", e.Reason) }

// EndpointNotApproved is returned when the user declines to trust a broker
// hostname it hasn't seen before.
type EndpointNotApproved struct {
	Host string
}

func (e *EndpointNotApproved) Error() string {
	return fmt.Sprintf("endpoint %s was not approved by the user", e.Host)
}

// CertificateUntrusted is returned when the user declines to trust an
// otherwise-unverifiable broker certificate.
type CertificateUntrusted struct {
	Host   string
	Serial string
}

func (e *CertificateUntrusted) Error() string {
	return fmt.Sprintf("certificate for %s (serial %s) was not approved by the user", e.Host, e.Serial)
}

// UpgradeRequired is returned when the broker reports a required_version
// newer than this build's ClientVersion.
type UpgradeRequired struct {
	Link            string
	RequiredVersion string
}

func (e *UpgradeRequired) Error() string {
	return fmt.Sprintf("client upgrade to %s required, download: %s", e.RequiredVersion, e.Link)
}

// SignatureInvalid is returned when a fetched transport descriptor fails
// signature verification. It is always fatal: there is no partial trust.
type SignatureInvalid struct{}

func (e *SignatureInvalid) Error() string {
	return "invalid UDS transport descriptor signature; please report to your administrator"
}

// ServerError wraps a broker-reported error that is not retryable.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return e.Message }

// Retryable wraps a broker-reported error the caller should retry after a
// short delay (roughly 10s).
type Retryable struct {
	Message string
}

func (e *Retryable) Error() string { return e.Message }

// TransportError wraps a TLS/DNS/socket failure talking to the broker.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport error: %s", e.Cause) }
func (e *TransportError) Unwrap() error { return e.Cause }

// TunnelOpenFailed is returned when a forwarder cannot bind its listener,
// dial its SSH transport, or open the tunnel a Check call needs. Returning it
// does not change the forwarder's state.
type TunnelOpenFailed struct {
	Cause error
}

func (e *TunnelOpenFailed) Error() string { return fmt.Sprintf("tunnel open failed: %s", e.Cause) }
func (e *TunnelOpenFailed) Unwrap() error { return e.Cause }

// RelayError is a per-connection relay failure; it does not necessarily move
// the owning forwarder to StateError.
type RelayError struct {
	Cause error
}

func (e *RelayError) Error() string { return fmt.Sprintf("relay error: %s", e.Cause) }
func (e *RelayError) Unwrap() error { return e.Cause }

// HostKeyMismatch is returned when an SSH server's host key fingerprint is
// not in the forwarder's expected_fingerprints list.
type HostKeyMismatch struct {
	Fingerprint string
}

func (e *HostKeyMismatch) Error() string {
	return fmt.Sprintf("SSH host key fingerprint %s is not in the expected fingerprint list", e.Fingerprint)
}
