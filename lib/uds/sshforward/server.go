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

// Package sshforward implements the SSH Tunnel Forwarder: a local TCP
// listener whose accepted connections are relayed over direct-tcpip
// channels multiplexed on a single SSH transport to a jump host.
package sshforward

import (
	"context"
	"fmt"
	"math/rand"
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

var log = logrus.WithField("component", "uds:sshforward")

const defaultTimeoutSeconds = 60
const connectTimeout = 5 * time.Second

// clonePortRangeLow and clonePortRangeHigh bound the random local port a
// clone binds to when the caller doesn't specify one.
const clonePortRangeLow = 33000
const clonePortRangeHigh = 53000

// Config describes one forwarder instance, or one clone of an existing one.
type Config struct {
	ListenPort int
	ListenIPv6 bool

	// RemoteHost/RemotePort address the SSH jump host. Ignored by Clone,
	// which reuses the donor's transport.
	RemoteHost string
	RemotePort int

	Username string
	Password string
	// ExpectedFingerprints is a list of lowercase-hex SHA-1 host key
	// fingerprints; empty means accept any host key.
	ExpectedFingerprints []string

	RedirectHost string
	RedirectPort int

	KeepListening bool
	Timeout       int

	Clock clockwork.Clock
}

// Server is a running SSH Tunnel Forwarder. It owns a listener and a share
// of an sshTransport; the transport closes only once every sharing Server
// has stopped.
type Server struct {
	cfg       Config
	listener  net.Listener
	clock     clockwork.Clock
	transport *sshTransport

	state              int32
	currentConnections int32
	stoppable          int32

	stopOnce sync.Once
	stopCh   chan struct{}

	group *errgroup.Group
}

var _ types.Forwarder = (*Server)(nil)

// New dials a fresh SSH transport and starts a forwarder listening locally.
func New(cfg Config) (*Server, error) {
	cfg = normalizeConfig(cfg)

	clientCfg := newClientConfig(cfg.Username, cfg.Password, cfg.ExpectedFingerprints, connectTimeout)
	transport, err := dialTransport("tcp", fmt.Sprintf("%s:%d", cfg.RemoteHost, cfg.RemotePort), clientCfg)
	if err != nil {
		return nil, err
	}

	return newServer(cfg, transport)
}

// Clone starts a new forwarder sharing donor's SSH transport, for a
// different redirect target. The transport's refcount is incremented; it is
// only closed once every sharing Server (donor included) has stopped.
func Clone(donor *Server, redirectHost string, redirectPort int, listenPort int) (*Server, error) {
	cfg := donor.cfg
	cfg.RedirectHost = redirectHost
	cfg.RedirectPort = redirectPort
	cfg.ListenPort = listenPort
	if cfg.ListenPort == 0 {
		cfg.ListenPort = clonePortRangeLow + rand.Intn(clonePortRangeHigh-clonePortRangeLow)
	}
	cfg = normalizeConfig(cfg)

	return newServer(cfg, donor.transport.acquire())
}

func normalizeConfig(cfg Config) Config {
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
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return cfg
}

func newServer(cfg Config, transport *sshTransport) (*Server, error) {
	addr := consts.ListenAddressV4
	if cfg.ListenIPv6 {
		addr = consts.ListenAddressV6
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", addr, cfg.ListenPort))
	if err != nil {
		transport.release()
		return nil, &uderrors.TunnelOpenFailed{Cause: err}
	}

	s := &Server{
		cfg:       cfg,
		listener:  listener,
		clock:     cfg.Clock,
		transport: transport,
		state:     int32(types.StateListening),
		stopCh:    make(chan struct{}),
	}

	group, _ := errgroup.WithContext(context.Background())
	s.group = group

	s.clock.AfterFunc(time.Duration(cfg.Timeout)*time.Second, s.onStartupTimerFired)

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

// State returns the forwarder's current lifecycle state: LISTENING, or
// PROCESSING once at least one channel has successfully opened, or ERROR.
// No OPENING state is modeled; a single direct-tcpip channel-open either
// succeeds immediately or fails the connection outright.
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

// Stop idempotently shuts the forwarder down and releases its share of the
// SSH transport.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		_ = s.listener.Close()
		s.transport.release()
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

// Check opens and immediately closes a direct-tcpip channel to the redirect
// target, reporting whether the SSH transport and target are reachable.
func (s *Server) Check(ctx context.Context) (bool, error) {
	conn, err := s.transport.dialChannel(s.cfg.RedirectHost, s.cfg.RedirectPort)
	if err != nil {
		return false, &uderrors.TunnelOpenFailed{Cause: err}
	}
	_ = conn.Close()
	return true, nil
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

	channel, err := s.transport.dialChannel(s.cfg.RedirectHost, s.cfg.RedirectPort)
	if err != nil {
		log.WithError(err).Error("direct-tcpip channel open failed")
		s.setState(types.StateError)
		s.Stop()
		return
	}
	defer channel.Close()

	s.setState(types.StateProcessing)

	if err := relay(local, channel, s.stopCh); err != nil {
		log.WithError(&uderrors.RelayError{Cause: err}).Debug("relay ended")
	}
}

type copyResult struct {
	err error
}

// relay bidirectionally copies bytes between local and channel, a 1-second
// readiness tick at a time so stopCh is sampled promptly, until either side
// closes.
func relay(local net.Conn, channel net.Conn, stopCh <-chan struct{}) error {
	resCh := make(chan copyResult, 2)

	go func() { resCh <- copyResult{err: copyLoop(channel, local, stopCh)} }()
	go func() { resCh <- copyResult{err: copyLoop(local, channel, stopCh)} }()

	first := <-resCh
	_ = local.Close()
	_ = channel.Close()
	<-resCh

	return first.err
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
