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

package trust

import (
	"os"

	"github.com/gravitational/trace"

	"github.com/udsclient/gateway/lib/uds/consts"
)

// Prompter is the capability interface the orchestrator's UI collaborator
// satisfies: asking the user whether to trust a new endpoint or an
// unverifiable certificate. A minimal-mode host application may deny both
// unconditionally.
type Prompter interface {
	// PromptEndpoint asks whether host should be trusted for future sessions.
	PromptEndpoint(host string) bool
	// PromptCertificate asks whether the certificate (host, serial) should be
	// trusted for future sessions.
	PromptCertificate(host, serialHex string) bool
}

// wellKnownCABundlePaths lists OS CA bundle locations searched in order when
// consts.CertificateBundleEnvVar is unset and no bundled file is present.
var wellKnownCABundlePaths = []string{
	"/etc/ssl/certs/ca-certificates.crt",
	"/etc/pki/tls/certs/ca-bundle.crt",
	"/etc/ssl/ca-bundle.pem",
	"/etc/pki/tls/cacert.pem",
	"/usr/local/etc/openssl/cert.pem",
	"/opt/homebrew/etc/openssl@3/cert.pem",
}

// Policy gates certificate and endpoint trust decisions, backed by a
// persistent Store and a Prompter for interactive approval.
type Policy struct {
	store    *Store
	prompter Prompter

	// bundledCAPath, when non-empty, is checked ahead of the well-known OS
	// paths but behind CERTIFICATE_BUNDLE_PATH.
	bundledCAPath string
}

// NewPolicy constructs a Policy backed by store and prompter.
func NewPolicy(store *Store, prompter Prompter) *Policy {
	return &Policy{store: store, prompter: prompter}
}

// WithBundledCAPath sets the path to a CA bundle shipped alongside the
// client binary, checked after the environment override but before any
// well-known OS path.
func (p *Policy) WithBundledCAPath(path string) *Policy {
	p.bundledCAPath = path
	return p
}

// IsEndpointApproved consults the persistent store for a prior approval of
// host, without prompting.
func (p *Policy) IsEndpointApproved(host string) (bool, error) {
	approved, err := p.store.IsEndpointApproved(host)
	return approved, trace.Wrap(err)
}

// ApproveEndpoint prompts (if needed) and persists approval for host,
// returning whether the session may proceed.
func (p *Policy) ApproveEndpoint(host string) (bool, error) {
	approved, err := p.IsEndpointApproved(host)
	if err != nil {
		return false, trace.Wrap(err)
	}
	if approved {
		return true, nil
	}

	if !p.prompter.PromptEndpoint(host) {
		return false, nil
	}
	if err := p.store.SetEndpointApproved(host); err != nil {
		return false, trace.Wrap(err)
	}
	return true, nil
}

// OnCertError is consulted when a broker TLS chain fails verification. It
// returns true if the connection should proceed insecurely for this
// session, caching the decision by certificate serial.
func (p *Policy) OnCertError(host, serialHex string) (bool, error) {
	approved, err := p.store.IsCertApproved(serialHex)
	if err != nil {
		return false, trace.Wrap(err)
	}
	if approved {
		return true, nil
	}

	if !p.prompter.PromptCertificate(host, serialHex) {
		return false, nil
	}
	if err := p.store.SetCertApproved(serialHex); err != nil {
		return false, trace.Wrap(err)
	}
	return true, nil
}

// LoadCABundle returns the PEM bytes of the CA bundle to trust for broker
// requests, in the order: CERTIFICATE_BUNDLE_PATH env var, bundled CA file,
// well-known OS paths. Returns nil with no error if none exist, meaning the
// system default root pool should be used.
func LoadCABundle(bundledCAPath string) ([]byte, error) {
	if envPath := os.Getenv(consts.CertificateBundleEnvVar); envPath != "" {
		data, err := os.ReadFile(envPath)
		if err != nil {
			return nil, trace.Wrap(err, "reading %s=%s", consts.CertificateBundleEnvVar, envPath)
		}
		return data, nil
	}

	if bundledCAPath != "" {
		if data, err := os.ReadFile(bundledCAPath); err == nil {
			return data, nil
		}
	}

	for _, path := range wellKnownCABundlePaths {
		data, err := os.ReadFile(path)
		if err == nil {
			return data, nil
		}
	}

	return nil, nil
}
