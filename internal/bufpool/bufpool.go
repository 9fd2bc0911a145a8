// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles encode buffers used on the per-message path.
package bufpool

import (
	"bytes"
	"sync"
)

// Buffers that grew past this while encoding a large payload are dropped
// instead of pinned in the pool.
const maxPooledCap = 256 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer.
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool. b must not be used afterwards.
func Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}

// Detach copies the buffered bytes, returns b to the pool and hands back the
// copy, which the caller owns.
func Detach(b *bytes.Buffer) []byte {
	out := bytes.Clone(b.Bytes())
	Put(b)
	return out
}
