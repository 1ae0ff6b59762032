package sigverify

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func signFor(t *testing.T, key *rsa.PrivateKey, script []byte) string {
	t.Helper()
	digest := sha256.Sum256(script)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

func TestVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	script := []byte(`{"kind":"tls","remote_host":"gw.example.org","remote_port":443}`)
	sig := signFor(t, key, script)

	require.True(t, verify(&key.PublicKey, script, sig))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	script := []byte(`{"kind":"tls"}`)
	sig := signFor(t, key, script)

	tampered := []byte(`{"kind":"ssh"}`)
	require.False(t, verify(&key.PublicKey, tampered, sig))
}

func TestVerifyToleratesTrailingBase64Padding(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	script := []byte("hello, broker")
	sig := signFor(t, key, script)

	// A broker that appends extra junk padding after an otherwise complete
	// signature must still verify against the valid prefix.
	require.True(t, verify(&key.PublicKey, script, sig+"=="))
}

func TestVerifyRejectsInvalidBase64(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	require.False(t, verify(&key.PublicKey, []byte("x"), "not-base64!!!"))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	t.Parallel()

	signingKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	script := []byte("payload")
	sig := signFor(t, signingKey, script)

	require.False(t, verify(&otherKey.PublicKey, script, sig))
}
