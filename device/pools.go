/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2019 WireGuard LLC. All Rights Reserved.
 */

package device

import "sync"

// bufferPool hands out MaxMessageSize scratch buffers for the tunnel's
// Encapsulate/HandleVerifiedPacket/UpdateTimers calls to write into
// (spec.md §4.3). Each packet handler takes a buffer and returns it once
// that packet is done, so a sync.Pool of whole buffers is enough — there is
// no queue of in-flight elements to pool the way the teacher's
// worker-pipeline device does.
type bufferPool struct {
	pool sync.Pool
}

func newBufferPool() *bufferPool {
	return &bufferPool{
		pool: sync.Pool{
			New: func() interface{} {
				return new([MaxMessageSize]byte)
			},
		},
	}
}

func (p *bufferPool) Get() *[MaxMessageSize]byte {
	return p.pool.Get().(*[MaxMessageSize]byte)
}

func (p *bufferPool) Put(buf *[MaxMessageSize]byte) {
	p.pool.Put(buf)
}
