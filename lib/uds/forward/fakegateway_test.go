package forward

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/udsclient/gateway/lib/uds/consts"
)

// fakeGateway is a minimal stand-in for the remote UDS gateway: it accepts a
// plaintext handshake, upgrades to TLS, and answers TEST/OPEN commands the
// way the real gateway does.
type fakeGateway struct {
	listener net.Listener
	cert     tls.Certificate

	// echo, when true, echoes bytes back on a successful OPEN instead of
	// just replying OK once.
	echo bool
}

func newFakeGateway(t *testing.T, echo bool) *fakeGateway {
	t.Helper()

	cert := generateSelfSignedCert(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	gw := &fakeGateway{listener: listener, cert: cert, echo: echo}
	go gw.serve(t)
	return gw
}

func (g *fakeGateway) addr() string {
	return g.listener.Addr().String()
}

func (g *fakeGateway) close() {
	_ = g.listener.Close()
}

func (g *fakeGateway) serve(t *testing.T) {
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			return
		}
		go g.handle(t, conn)
	}
}

func (g *fakeGateway) handle(t *testing.T, conn net.Conn) {
	defer conn.Close()

	handshake := make([]byte, len(consts.Handshake))
	if err := readExact(conn, handshake); err != nil {
		return
	}

	tlsConn := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{g.cert}})
	if err := tlsConn.Handshake(); err != nil {
		return
	}
	defer tlsConn.Close()

	cmd := make([]byte, 4)
	if err := readExact(tlsConn, cmd); err != nil {
		return
	}

	switch string(cmd) {
	case "TEST":
		_, _ = tlsConn.Write(consts.ResponseOK)
	case "OPEN":
		ticket := make([]byte, consts.TicketLength)
		if err := readExact(tlsConn, ticket); err != nil {
			return
		}
		if _, err := tlsConn.Write(consts.ResponseOK); err != nil {
			return
		}
		if g.echo {
			buf := make([]byte, 4096)
			for {
				n, err := tlsConn.Read(buf)
				if n > 0 {
					if _, werr := tlsConn.Write(buf[:n]); werr != nil {
						return
					}
				}
				if err != nil {
					return
				}
			}
		}
	}
}

func readExact(conn net.Conn, buf []byte) error {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		read += n
		if err != nil {
			return err
		}
	}
	return nil
}

func generateSelfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}
}
