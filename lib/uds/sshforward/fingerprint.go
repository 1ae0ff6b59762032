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

package sshforward

import (
	"crypto/sha1"
	"encoding/hex"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/udsclient/gateway/lib/uds/uderrors"
)

// sha1Fingerprint renders the SHA-1 digest of the host key's wire encoding
// as lowercase hex, matching the fingerprint format the broker's transport
// descriptor uses for expected_fingerprints.
func sha1Fingerprint(key ssh.PublicKey) string {
	sum := sha1.Sum(key.Marshal())
	return hex.EncodeToString(sum[:])
}

// fingerprintCallback builds an ssh.HostKeyCallback that accepts a server
// only if its host key's SHA-1 fingerprint appears in expected. An empty
// expected list accepts any host key (preserved, not fixed: see DESIGN.md
// Open Question 1).
func fingerprintCallback(expected []string) ssh.HostKeyCallback {
	allowed := make(map[string]struct{}, len(expected))
	for _, fp := range expected {
		fp = strings.ToLower(strings.TrimSpace(fp))
		if fp == "" {
			continue
		}
		allowed[fp] = struct{}{}
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if len(allowed) == 0 {
			return nil
		}
		fp := sha1Fingerprint(key)
		if _, ok := allowed[fp]; ok {
			return nil
		}
		return &uderrors.HostKeyMismatch{Fingerprint: fp}
	}
}
