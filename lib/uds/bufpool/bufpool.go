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

// Package bufpool provides a sync.Pool of fixed-size byte slices for the
// forwarders' relay loops, so steady-state relaying doesn't churn the
// allocator on every read.
package bufpool

import (
	"sync"

	"github.com/udsclient/gateway/lib/uds/consts"
)

// Pool hands out byte slices of a fixed length, reusing freed ones.
type Pool struct {
	pool sync.Pool
	size int
}

// New returns a Pool that allocates slices of size bytes.
func New(size int) *Pool {
	return &Pool{
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, size)
			},
		},
		size: size,
	}
}

// Default is the package-level pool sized to consts.BufferSize, shared by
// every forwarder's relay loop.
var Default = New(consts.BufferSize)

// Get returns a slice of the pool's configured size. The contents are not
// guaranteed to be zeroed.
func (p *Pool) Get() []byte {
	buf := p.pool.Get().([]byte)
	if len(buf) != p.size {
		return make([]byte, p.size)
	}
	return buf
}

// Put returns buf to the pool for reuse, resliced to the pool's size. Slices
// whose capacity differs from that size are dropped rather than stored.
func (p *Pool) Put(buf []byte) {
	if cap(buf) != p.size {
		return
	}
	p.pool.Put(buf[:p.size])
}
