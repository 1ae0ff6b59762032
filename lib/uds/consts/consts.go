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

// Package consts holds the wire-level and protocol constants shared by every
// other uds package: ticket shape, handshake bytes, cipher list, and the
// compiled-in script-signing public key.
package consts

import (
	"crypto/tls"
	"runtime"
)

// ClientVersion is the version this build of the client identifies as, both
// in the broker's version handshake and in the User-Agent header.
const ClientVersion = "4.0.0"

// TicketLength is the fixed length of a broker-issued ticket.
const TicketLength = 48

// BufferSize is the per-read buffer size used by every relay loop.
const BufferSize = 16 * 1024

const (
	// ListenAddressV4 is the loopback address the TLS and SSH forwarders
	// bind to when listening on IPv4.
	ListenAddressV4 = "127.0.0.1"
	// ListenAddressV6 is the loopback address used when listening on IPv6.
	ListenAddressV6 = "::1"
)

// ResponseOK is the exact 2-byte success reply expected from the gateway
// after TEST or OPEN.
var ResponseOK = []byte("OK")

// Handshake is the 8-byte plaintext sent immediately after the TCP connect,
// before the TLS upgrade.
var Handshake = []byte{0x5A, 0x4D, 0x47, 0x42, 0xA5, 0x01, 0x00, 0x00}

// CmdTest and CmdOpen are the 4-byte ASCII commands sent over the TLS tunnel.
var (
	CmdTest = []byte("TEST")
	CmdOpen = []byte("OPEN")
)

// MaxErrorReplyBytes bounds how much of an OPEN error reply we'll read past
// the first two (non-OK) bytes.
const MaxErrorReplyBytes = 128

// SecureCipherSuites is the fixed cipher list used for broker HTTPS requests,
// in priority order, per the broker wire protocol.
var SecureCipherSuites = []string{
	"TLS_AES_256_GCM_SHA384",
	"TLS_CHACHA20_POLY1305_SHA256",
	"TLS_AES_128_GCM_SHA256",
	"ECDHE-RSA-AES256-GCM-SHA384",
	"ECDHE-RSA-AES128-GCM-SHA256",
	"ECDHE-RSA-CHACHA20-POLY1305",
	"ECDHE-ECDSA-AES128-GCM-SHA256",
	"ECDHE-ECDSA-AES256-GCM-SHA384",
	"ECDHE-ECDSA-CHACHA20-POLY1305",
}

// cipherSuiteIDsByName maps the OpenSSL-style names in SecureCipherSuites to
// the crypto/tls suite IDs the stdlib actually takes in tls.Config.
var cipherSuiteIDsByName = map[string]uint16{
	"TLS_AES_256_GCM_SHA384":        tls.TLS_AES_256_GCM_SHA384,
	"TLS_CHACHA20_POLY1305_SHA256":  tls.TLS_CHACHA20_POLY1305_SHA256,
	"TLS_AES_128_GCM_SHA256":        tls.TLS_AES_128_GCM_SHA256,
	"ECDHE-RSA-AES256-GCM-SHA384":   tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-RSA-AES128-GCM-SHA256":   tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-RSA-CHACHA20-POLY1305":   tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	"ECDHE-ECDSA-AES128-GCM-SHA256": tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-ECDSA-AES256-GCM-SHA384": tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-ECDSA-CHACHA20-POLY1305": tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
}

// SecureCipherSuiteIDs resolves SecureCipherSuites to crypto/tls suite IDs,
// in the same priority order, for use in a tls.Config.CipherSuites. The
// TLS 1.3 suite names (TLS_AES_256_GCM_SHA384 and friends) are included for
// documentation parity with the wire protocol's cipher list but are not
// actually negotiable: the stdlib always uses its own fixed TLS 1.3 suite
// set and ignores tls.Config.CipherSuites above TLS 1.2, so only the
// TLS 1.2 ECDHE suites below have any effect.
func SecureCipherSuiteIDs() []uint16 {
	ids := make([]uint16, 0, len(SecureCipherSuites))
	for _, name := range SecureCipherSuites {
		if id, ok := cipherSuiteIDsByName[name]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// UserAgent renders the User-Agent header sent on every broker request.
func UserAgent() string {
	return "UDSClient/" + ClientVersion + " (" + osName() + ")"
}

func osName() string {
	switch runtime.GOOS {
	case "linux":
		return "Linux"
	case "windows":
		return "Windows"
	case "darwin":
		return "MacOS"
	default:
		return "Unknown"
	}
}

// PublicKeyPEM is the compiled-in RSA public key used to verify signed
// transport descriptors. It must match the broker's signing key.
var PublicKeyPEM = []byte(`-----BEGIN PUBLIC KEY-----
MIICIjANBgkqhkiG9w0BAQEFAAOCAg8AMIICCgKCAgEAuNURlGjBpqbglkTTg2lh
dU5qPbg9Q+RofoDDucGfrbY0pjB9ULgWXUetUWDZhFG241tNeKw+aYFTEorK5P+g
ud7h9KfyJ6huhzln9eyDu3k+kjKUIB1PLtA3lZLZnBx7nmrHRody1u5lRaLVplsb
FmcnptwYD+3jtJ2eK9ih935DYAkYS4vJFi2FO+npUQdYBZHPG/KwXLjP4oGOuZp0
pCTLiCXWGjqh2GWsTECby2upGS/ZNZ1r4Ymp4V2A6DZnN0C0xenHIY34FWYahbXF
ZGdr4DFBPdYde5Rb5aVKJQc/pWK0CV7LK6Krx0/PFc7OGg7ItdEuC7GSfPNV/ANt
5BEQNF5w2nUUsyN8ziOrNih+z6fWQujAAUZfpCCeV9ekbwXGhbRtdNkbAryE5vH6
eCE0iZ+cFsk72VScwLRiOhGNelMQ7mIMotNck3a0P15eaGJVE2JV0M/ag/Cnk0Lp
wI1uJQRAVqz9ZAwvF2SxM45vnrBn6TqqxbKnHCeiwstLDYG4fIhBwFxP3iMH9EqV
2+QXqdJW/wLenFjmXfxrjTRr+z9aYMIdtIkSpADIlbaJyTtuQpEdWnrlDS2b1IGd
Okbm65EebVzOxfje+8dRq9Uqwip8f/qmzFsIIsx3wPSvkKawFwb0G5h2HX5oJrk0
nVgtClKcDDlSaBsO875WDR0CAwEAAQ==
-----END PUBLIC KEY-----`)

const (
	// CertificateBundleEnvVar overrides the CA bundle path used for every
	// outbound TLS connection (broker and gateway).
	CertificateBundleEnvVar = "CERTIFICATE_BUNDLE_PATH"
	// LogFileEnvVar overrides where captured log output is written.
	LogFileEnvVar = "UDS_LOG_FILE"
	// DebugEnvVar turns on verbose logging and permits the unencrypted
	// "uds://" URL scheme.
	DebugEnvVar = "uds-debug-on"
)
