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

// Package forward implements the TLS Tunnel Forwarder: a local TCP listener
// whose accepted connections are relayed, one goroutine each, over a
// per-connection TLS tunnel to a remote gateway.
package forward

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/udsclient/gateway/lib/uds/bufpool"
	"github.com/udsclient/gateway/lib/uds/consts"
	"github.com/udsclient/gateway/lib/uds/types"
	"github.com/udsclient/gateway/lib/uds/uderrors"
)

var log = logrus.WithField("component", "uds:forward")

const defaultTimeoutSeconds = 60

// reopenBackoff is the fixed delay between a post-open relay fault and
// re-opening the tunnel, per the forwarder's retry policy.
const reopenBackoff = time.Second

// tunnelOpenTimeout bounds the TCP connect + handshake + TLS upgrade +
// command/reply exchange that establishes one gateway tunnel.
const tunnelOpenTimeout = 10 * time.Second

// Config describes one forwarder instance.
type Config struct {
	// ListenPort is the local port to bind; 0 means OS-assigned.
	ListenPort int
	// ListenIPv6 selects the ::1 loopback instead of 127.0.0.1.
	ListenIPv6 bool

	RemoteHost string
	RemotePort int

	Ticket types.Ticket

	CheckCertificate bool
	CABundle         []byte

	// KeepListening disables stoppable-rejects-new-connections behavior.
	KeepListening bool
	// Timeout is the startup timer in seconds. 0 means defaultTimeoutSeconds.
	// Negative sets KeepListening and uses the absolute value.
	Timeout int

	Clock clockwork.Clock
}

// Server is a running TLS Tunnel Forwarder.
type Server struct {
	cfg      Config
	listener net.Listener
	clock    clockwork.Clock

	state              int32
	currentConnections int32
	stoppable          int32

	stopOnce sync.Once
	stopCh   chan struct{}

	group *errgroup.Group
}

var _ types.Forwarder = (*Server)(nil)

// New binds the listener and starts the accept loop in the background.
func New(cfg Config) (*Server, error) {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeoutSeconds
	}
	keepListening := cfg.KeepListening
	if timeout < 0 {
		keepListening = true
		timeout = -timeout
	}
	cfg.KeepListening = keepListening
	cfg.Timeout = timeout

	addr := consts.ListenAddressV4
	if cfg.ListenIPv6 {
		addr = consts.ListenAddressV6
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", addr, cfg.ListenPort))
	if err != nil {
		return nil, &uderrors.TunnelOpenFailed{Cause: err}
	}

	s := &Server{
		cfg:      cfg,
		listener: listener,
		clock:    cfg.Clock,
		state:    int32(types.StateListening),
		stopCh:   make(chan struct{}),
	}

	group, _ := errgroup.WithContext(context.Background())
	s.group = group

	s.clock.AfterFunc(time.Duration(timeout)*time.Second, s.onStartupTimerFired)

	group.Go(s.acceptLoop)

	return s, nil
}

func (s *Server) onStartupTimerFired() {
	atomic.StoreInt32(&s.stoppable, 1)
	if atomic.LoadInt32(&s.currentConnections) == 0 {
		s.Stop()
	}
}

// LocalAddr returns the bound listener address.
func (s *Server) LocalAddr() net.Addr {
	return s.listener.Addr()
}

// State returns the forwarder's current lifecycle state.
func (s *Server) State() types.ForwardState {
	return types.ForwardState(atomic.LoadInt32(&s.state))
}

func (s *Server) setState(st types.ForwardState) {
	atomic.StoreInt32(&s.state, int32(st))
}

// CurrentConnections returns the number of live relayed connections.
func (s *Server) CurrentConnections() int {
	return int(atomic.LoadInt32(&s.currentConnections))
}

// Stoppable reports whether the startup timer has fired.
func (s *Server) Stoppable() bool {
	return atomic.LoadInt32(&s.stoppable) == 1
}

// Stop idempotently shuts the forwarder down.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		_ = s.listener.Close()
	})
}

// Wait blocks until the accept loop and every in-flight connection handler
// have returned.
func (s *Server) Wait() error {
	return s.group.Wait()
}

func (s *Server) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.stopped() {
				return nil
			}
			log.WithError(err).Debug("accept failed")
			return nil
		}

		if s.State() == types.StateListening {
			s.setState(types.StateOpening)
		}

		if s.Stoppable() && !s.cfg.KeepListening {
			s.setState(types.StateError)
			_ = conn.Close()
			_ = s.listener.Close()
			return nil
		}

		atomic.AddInt32(&s.currentConnections, 1)
		s.group.Go(func() error {
			s.handleConnection(conn)
			remaining := atomic.AddInt32(&s.currentConnections, -1)
			if remaining == 0 && s.Stoppable() {
				s.Stop()
			}
			return nil
		})
	}
}

func (s *Server) handleConnection(local net.Conn) {
	defer local.Close()

	tunnel, err := s.openTunnel(consts.CmdOpen, s.cfg.Ticket)
	if err != nil {
		log.WithError(err).Error("tunnel open failed")
		s.setState(types.StateError)
		s.Stop()
		return
	}
	s.setState(types.StateProcessing)

	for {
		localEOF, err := relay(local, tunnel, s.stopCh)
		_ = tunnel.Close()
		if err != nil {
			log.WithError(&uderrors.RelayError{Cause: err}).Debug("relay ended")
		}

		if localEOF || s.stopped() {
			return
		}

		// The gateway side dropped after a successful open: reopen the
		// tunnel and keep relaying until the local side closes.
		s.clock.Sleep(reopenBackoff)
		tunnel, err = s.openTunnel(consts.CmdOpen, s.cfg.Ticket)
		if err != nil {
			log.WithError(err).Error("tunnel reopen failed")
			s.setState(types.StateError)
			s.Stop()
			return
		}
	}
}

// Check opens a test tunnel and reports whether the gateway answered OK.
func (s *Server) Check(ctx context.Context) (bool, error) {
	conn, err := s.dialAndHandshake()
	if err != nil {
		return false, &uderrors.TunnelOpenFailed{Cause: err}
	}
	defer conn.Close()

	if _, err := conn.Write(consts.CmdTest); err != nil {
		return false, &uderrors.TunnelOpenFailed{Cause: err}
	}

	reply := make([]byte, 2)
	if err := readFull(conn, reply, tunnelOpenTimeout); err != nil {
		return false, &uderrors.TunnelOpenFailed{Cause: err}
	}
	return string(reply) == string(consts.ResponseOK), nil
}

func (s *Server) openTunnel(cmd []byte, ticket types.Ticket) (net.Conn, error) {
	conn, err := s.dialAndHandshake()
	if err != nil {
		return nil, err
	}

	if _, err := conn.Write(cmd); err != nil {
		conn.Close()
		return nil, err
	}
	if string(cmd) == "OPEN" {
		if _, err := conn.Write([]byte(ticket)); err != nil {
			conn.Close()
			return nil, err
		}
	}

	reply := make([]byte, 2)
	if err := readFull(conn, reply, tunnelOpenTimeout); err != nil {
		conn.Close()
		return nil, err
	}
	if string(reply) != string(consts.ResponseOK) {
		extra := make([]byte, consts.MaxErrorReplyBytes)
		n, _ := conn.Read(extra)
		conn.Close()
		return nil, fmt.Errorf("gateway rejected tunnel: %s%s", reply, extra[:n])
	}

	return conn, nil
}

func (s *Server) dialAndHandshake() (net.Conn, error) {
	remoteAddr := fmt.Sprintf("%s:%d", s.cfg.RemoteHost, s.cfg.RemotePort)
	dialer := net.Dialer{Timeout: tunnelOpenTimeout}

	raw, err := dialer.Dial("tcp", remoteAddr)
	if err != nil {
		return nil, err
	}

	if _, err := raw.Write(consts.Handshake); err != nil {
		raw.Close()
		return nil, err
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		ServerName:         s.cfg.RemoteHost,
		InsecureSkipVerify: !s.cfg.CheckCertificate,
	}
	if s.cfg.CheckCertificate && len(s.cfg.CABundle) > 0 {
		pool := x509.NewCertPool()
		if pool.AppendCertsFromPEM(s.cfg.CABundle) {
			tlsConfig.RootCAs = pool
		}
	}

	tlsConn := tls.Client(raw, tlsConfig)
	if err := tlsConn.SetDeadline(time.Now().Add(tunnelOpenTimeout)); err != nil {
		tlsConn.Close()
		return nil, err
	}
	if err := tlsConn.Handshake(); err != nil {
		tlsConn.Close()
		return nil, err
	}
	_ = tlsConn.SetDeadline(time.Time{})

	return tlsConn, nil
}

func readFull(conn net.Conn, buf []byte, timeout time.Duration) error {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

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

type copyResult struct {
	fromLocal bool
	err       error
}

// relay bidirectionally copies bytes between local and tunnel, a 1-second
// readiness tick at a time so stopCh is sampled promptly, until either side
// closes. localEOF reports whether the local side was the one that ended
// the connection, which the caller uses to decide whether a tunnel-reopen
// retry is appropriate.
func relay(local, tunnel net.Conn, stopCh <-chan struct{}) (localEOF bool, err error) {
	resCh := make(chan copyResult, 2)

	// done ends both copy loops once either side has finished, without
	// closing local, so the caller can reopen the tunnel for it.
	done := make(chan struct{})
	ended := make(chan struct{})
	go func() {
		select {
		case <-stopCh:
		case <-ended:
		}
		close(done)
	}()

	// reads local, writes tunnel: ends when the local side closes.
	go func() {
		e := copyLoop(tunnel, local, done)
		resCh <- copyResult{fromLocal: true, err: e}
	}()
	// reads tunnel, writes local: ends when the gateway side closes.
	go func() {
		e := copyLoop(local, tunnel, done)
		resCh <- copyResult{fromLocal: false, err: e}
	}()

	first := <-resCh
	close(ended)
	if first.fromLocal {
		_ = local.Close()
	}
	_ = tunnel.Close()
	<-resCh

	return first.fromLocal, first.err
}

func copyLoop(dst, src net.Conn, stopCh <-chan struct{}) error {
	buf := bufpool.Default.Get()
	defer bufpool.Default.Put(buf)

	for {
		select {
		case <-stopCh:
			return nil
		default:
		}

		_ = src.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
	}
}
