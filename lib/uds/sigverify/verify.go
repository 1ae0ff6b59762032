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

// Package sigverify checks the detached signature the broker attaches to a
// transport descriptor against the compiled-in public key, gating execution
// the way the session orchestrator's verify-then-dispatch pipeline requires:
// a descriptor is either fully verified or rejected outright.
package sigverify

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"io"
	"strings"
	"sync"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/udsclient/gateway/lib/uds/consts"
)

var log = logrus.WithField("component", "uds:sigverify")

var (
	once      sync.Once
	publicKey *rsa.PublicKey
	loadErr   error
)

func loadPublicKey() (*rsa.PublicKey, error) {
	once.Do(func() {
		block, _ := pem.Decode(consts.PublicKeyPEM)
		if block == nil {
			loadErr = trace.BadParameter("compiled-in public key is not valid PEM")
			return
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			loadErr = trace.Wrap(err, "parsing compiled-in public key")
			return
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			loadErr = trace.BadParameter("compiled-in public key is not an RSA key")
			return
		}
		publicKey = rsaKey
	})
	return publicKey, loadErr
}

// Verify reports whether signatureB64 is a valid RSA PKCS#1v15/SHA-256
// signature over scriptBytes, produced by the compiled-in public key's
// matching private key. Any decoding, length, or verification failure
// collapses to false without distinguishing the cause, per the broker
// client's "invalid is invalid" contract.
func Verify(scriptBytes []byte, signatureB64 string) bool {
	key, err := loadPublicKey()
	if err != nil {
		log.WithError(err).Error("could not load compiled-in public key")
		return false
	}
	return verify(key, scriptBytes, signatureB64)
}

func verify(key *rsa.PublicKey, scriptBytes []byte, signatureB64 string) bool {
	sig, ok := decodeSignature(signatureB64)
	if !ok {
		log.Debug("signature is not valid base64")
		return false
	}

	digest := sha256.Sum256(scriptBytes)
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig); err != nil {
		log.Debug("signature verification failed")
		return false
	}
	return true
}

// decodeSignature tries standard padded base64 first, then the unpadded
// raw variant, since brokers have been observed sending either. Decoding is
// streamed rather than whole-string so trailing junk after an otherwise
// complete signature (extra padding, a stray newline) truncates to the
// valid prefix instead of failing the decode outright.
func decodeSignature(s string) ([]byte, bool) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding} {
		data, _ := io.ReadAll(base64.NewDecoder(enc, strings.NewReader(s)))
		if len(data) > 0 {
			return data, true
		}
	}
	return nil, false
}
