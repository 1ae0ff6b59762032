package sshforward

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// fakeSSHServer is a minimal in-process stand-in for the jump host: it
// accepts password auth for a fixed user/pass and serves direct-tcpip
// channel-open requests by dialing the requested address itself.
type fakeSSHServer struct {
	listener   net.Listener
	hostKey    ssh.Signer
	user, pass string
}

func newFakeSSHServer(t *testing.T, user, pass string) *fakeSSHServer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &fakeSSHServer{listener: listener, hostKey: signer, user: user, pass: pass}
	go srv.serve()
	return srv
}

func (s *fakeSSHServer) addr() string { return s.listener.Addr().String() }

func (s *fakeSSHServer) hostKeyFingerprint() string {
	return sha1Fingerprint(s.hostKey.PublicKey())
}

func (s *fakeSSHServer) close() { _ = s.listener.Close() }

func (s *fakeSSHServer) serve() {
	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == s.user && string(password) == s.pass {
				return nil, nil
			}
			return nil, errors.New("auth rejected")
		},
	}
	config.AddHostKey(s.hostKey)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn, config)
	}
}

func (s *fakeSSHServer) handleConn(nConn net.Conn, config *ssh.ServerConfig) {
	sConn, chans, reqs, err := ssh.NewServerConn(nConn, config)
	if err != nil {
		_ = nConn.Close()
		return
	}
	defer sConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "direct-tcpip" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		go s.handleDirectTCPIP(newChannel)
	}
}

// directTCPIPPayload mirrors the extra data RFC 4254 §7.2 attaches to a
// direct-tcpip channel-open request.
type directTCPIPPayload struct {
	DestAddr string
	DestPort uint32
	SrcAddr  string
	SrcPort  uint32
}

func (s *fakeSSHServer) handleDirectTCPIP(newChannel ssh.NewChannel) {
	var payload directTCPIPPayload
	if err := ssh.Unmarshal(newChannel.ExtraData(), &payload); err != nil {
		_ = newChannel.Reject(ssh.ConnectionFailed, "bad channel-open payload")
		return
	}

	target, err := net.Dial("tcp", net.JoinHostPort(payload.DestAddr, strconv.Itoa(int(payload.DestPort))))
	if err != nil {
		_ = newChannel.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	defer target.Close()

	channel, requests, err := newChannel.Accept()
	if err != nil {
		return
	}
	defer channel.Close()
	go ssh.DiscardRequests(requests)

	done := make(chan struct{}, 2)
	go func() { _, _ = io.Copy(target, channel); done <- struct{}{} }()
	go func() { _, _ = io.Copy(channel, target); done <- struct{}{} }()
	<-done
}
