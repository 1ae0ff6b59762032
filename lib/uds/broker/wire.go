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

package broker

import (
	"crypto/x509"
	"encoding/pem"

	"github.com/udsclient/gateway/lib/uds/types"
)

// versionResponse decodes the root-path broker response, tolerating both
// the legacy and current field spellings for required_version/client_link.
type versionResponse struct {
	Result struct {
		RequiredVersionNew string `json:"required_version"`
		RequiredVersionOld string `json:"requiredVersion"`
		ClientLinkNew      string `json:"client_link"`
		ClientLinkOld      string `json:"downloadUrl"`
	} `json:"result"`
	errorFields
}

func (r versionResponse) requiredVersion() string {
	if r.Result.RequiredVersionNew != "" {
		return r.Result.RequiredVersionNew
	}
	return r.Result.RequiredVersionOld
}

func (r versionResponse) clientLink() string {
	if r.Result.ClientLinkNew != "" {
		return r.Result.ClientLinkNew
	}
	return r.Result.ClientLinkOld
}

// scriptResponse decodes the ticket/scrambler broker response.
type scriptResponse struct {
	Result struct {
		Script    string               `json:"script"`
		Signature string               `json:"signature"`
		Params    string               `json:"params"`
		Log       *types.LogDescriptor `json:"log"`
	} `json:"result"`
	errorFields
}

// errorResponse decodes a plain error/result body such as the log-upload
// endpoint's response.
type errorResponse struct {
	errorFields
}

// errorFields is embedded by every broker response shape: a response
// carrying a non-empty "error" field is a failure, with a retryability flag
// spelled either "is_retrayable" (new, and yes, misspelled in the wire
// protocol) or "retryable" (legacy), both carrying the string "1" for true.
type errorFields struct {
	Err             string `json:"error"`
	IsRetrayableNew string `json:"is_retrayable"`
	RetryableOld    string `json:"retryable"`
}

func (e errorFields) Retryable() bool {
	return e.IsRetrayableNew == "1" || e.RetryableOld == "1"
}

func trustPoolFromPEM(caBundle []byte) *x509.CertPool {
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caBundle); !ok {
		// Fall back to a manual scan in case the bundle concatenates blocks
		// the stdlib helper doesn't like (e.g. trailing non-PEM commentary).
		rest := caBundle
		added := false
		for {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
				pool.AddCert(cert)
				added = true
			}
		}
		if !added {
			return nil
		}
	}
	return pool
}
