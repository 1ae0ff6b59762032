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
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/udsclient/gateway/lib/uds/uderrors"
)

// sshTransport is the single SSH connection a Server, and any of its clones,
// dial direct-tcpip channels over. It is closed only once every owning
// Server has released it, resolving the cyclic ownership between the
// transport and its cloned forwarders with a plain atomic refcount.
type sshTransport struct {
	client   *ssh.Client
	refcount int32
}

func dialTransport(network, addr string, cfg *ssh.ClientConfig) (*sshTransport, error) {
	client, err := ssh.Dial(network, addr, cfg)
	if err != nil {
		return nil, &uderrors.TunnelOpenFailed{Cause: err}
	}
	return &sshTransport{client: client, refcount: 1}, nil
}

// acquire increments the refcount for a new owner (a clone) and returns the
// shared transport.
func (t *sshTransport) acquire() *sshTransport {
	atomic.AddInt32(&t.refcount, 1)
	return t
}

// release decrements the refcount and closes the underlying SSH client once
// the last owner has dropped it.
func (t *sshTransport) release() {
	if atomic.AddInt32(&t.refcount, -1) == 0 {
		_ = t.client.Close()
	}
}

// dialChannel opens a direct-tcpip channel to (redirectHost, redirectPort)
// over the shared transport, multiplexed by x/crypto/ssh's client like any
// other SSH channel.
func (t *sshTransport) dialChannel(redirectHost string, redirectPort int) (net.Conn, error) {
	return t.client.Dial("tcp", fmt.Sprintf("%s:%d", redirectHost, redirectPort))
}

func newClientConfig(username, password string, expectedFingerprints []string, timeout time.Duration) *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: fingerprintCallback(expectedFingerprints),
		Timeout:         timeout,
	}
}
