// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package prison implements the bio prison (spec.md §4.1): a keyed
// serialization structure that detains concurrent I/O to the same
// logical or physical block until whichever goroutine is already
// handling that key finishes.
//
// The design is the same one tenant/dcache.Cache in the teacher
// package uses to coalesce concurrent cache fills for the same ETag
// (a map of in-flight keys guarded by a mutex, with waiters parked on
// a condition variable) generalized to: (a) a fixed bucket table
// instead of a single map, so lookups don't serialize on one lock
// across unrelated keys, and (b) an explicit queue of detained items
// per cell instead of "wait and retry", since here the detainee is an
// I/O to deliver later, not a caller that can simply re-check a map.
package prison

import (
	"sync"

	"github.com/dchest/siphash"
)

// Scope distinguishes a virtual-block key (gates provisioning) from a
// data-block key (gates sharing-breaks), per spec.md §3.
type Scope uint8

const (
	ScopeVirtual Scope = iota
	ScopeData
)

// Key identifies a cell. Equality is bytewise, matching spec.md §3:
// "(scope, thin_id, block)... Equality is bytewise."
type Key struct {
	Scope  Scope
	ThinID uint32
	Block  uint64
}

const (
	minBuckets = 128
	maxBuckets = 8192
)

// NBuckets returns the bucket-table size for nrCells detainable keys,
// per spec.md §4.1: "next power of two >= max(128, nr_cells/4) up to
// 8192".
func NBuckets(nrCells int) int {
	want := nrCells / 4
	if want < minBuckets {
		want = minBuckets
	}
	n := minBuckets
	for n < want && n < maxBuckets {
		n <<= 1
	}
	if n > maxBuckets {
		n = maxBuckets
	}
	return n
}

// hashKey0 and hashKey1 are a fixed siphash key, sufficient here since the prison's
// hash only needs to distribute keys across buckets, not resist a
// hostile adversary (the bio prison has no untrusted input).
var hashKey0, hashKey1 = uint64(0x70726973), uint64(0x6f6e4b6579)

func bucketOf(k Key, nbuckets int) int {
	// spec.md §4.1: "Key hash = block x 4294967291 mod bucket
	// count". The literal formula only hashes the block number; we
	// fold scope and thin_id into the input via siphash so that
	// keys from different thin devices or scopes that happen to
	// share a block number still land independently, while
	// preserving "deterministic hash of the full key modulo bucket
	// count" as the contract callers rely on.
	var buf [13]byte
	buf[0] = byte(k.Scope)
	buf[1] = byte(k.ThinID)
	buf[2] = byte(k.ThinID >> 8)
	buf[3] = byte(k.ThinID >> 16)
	buf[4] = byte(k.ThinID >> 24)
	for i := 0; i < 8; i++ {
		buf[5+i] = byte(k.Block >> (8 * i))
	}
	h := siphash.Hash(hashKey0, hashKey1, buf[:])
	folded := (k.Block * 4294967291) ^ h
	return int(folded % uint64(nbuckets))
}

// Cell holds the I/O detained under a single key.
type Cell struct {
	key   Key
	queue []any
}

// Key returns the key this cell was created for.
func (c *Cell) Key() Key { return c.key }

// Len returns the number of items currently queued in the cell. It is
// intended for tests and diagnostics; callers on the hot path should
// not branch on it since it is racy the instant the lock is released.
func (c *Cell) Len() int { return len(c.queue) }

type bucket struct {
	mu    sync.Mutex
	cells map[Key]*Cell
}

// Prison is the fixed-size hash of cells described in spec.md §4.1.
type Prison struct {
	buckets []bucket
}

// New creates a prison sized for nrCells simultaneously detained keys.
func New(nrCells int) *Prison {
	n := NBuckets(nrCells)
	p := &Prison{buckets: make([]bucket, n)}
	for i := range p.buckets {
		p.buckets[i].cells = make(map[Key]*Cell)
	}
	return p
}

func (p *Prison) bucket(k Key) *bucket {
	return &p.buckets[bucketOf(k, len(p.buckets))]
}

// Detain implements spec.md §4.1 detain(key, io) -> cell, prior_count.
// If a cell for key already exists, io is appended to its queue and
// the cell's prior occupancy (>0) is returned so the caller knows the
// key is already being handled. Otherwise a new cell is created
// holding only io, and 0 is returned.
func (p *Prison) Detain(key Key, io any) (cell *Cell, prior int) {
	b := p.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.cells[key]; ok {
		prior = len(c.queue)
		c.queue = append(c.queue, io)
		return c, prior
	}
	c := &Cell{key: key, queue: []any{io}}
	b.cells[key] = c
	return c, 0
}

// Release implements spec.md §4.1 release(cell, out_queue): it
// unlinks the cell from its bucket and returns every item that was
// queued under it. After Release returns, cell must not be used
// again.
func (p *Prison) Release(cell *Cell) []any {
	b := p.bucket(cell.key)
	b.mu.Lock()
	defer b.mu.Unlock()
	out := cell.queue
	delete(b.cells, cell.key)
	cell.queue = nil
	return out
}

// ReleaseSingleton implements spec.md §4.1 release_singleton: like
// Release, but panics if the cell did not hold exactly expected as its
// only entry. Used by the worker when it knows, by construction, that
// it was the first and only detainer (prior == 0 on Detain).
func (p *Prison) ReleaseSingleton(cell *Cell, expected any) {
	b := p.bucket(cell.key)
	b.mu.Lock()
	if len(cell.queue) != 1 || cell.queue[0] != expected {
		b.mu.Unlock()
		panic("prison: release_singleton on a cell with unexpected contents")
	}
	delete(b.cells, cell.key)
	cell.queue = nil
	b.mu.Unlock()
}

// FailFunc is invoked once per detained item when a cell is failed.
type FailFunc func(io any, err error)

// Fail implements spec.md §4.1 fail(cell): release the cell, then
// fail every item that was queued under it.
func (p *Prison) Fail(cell *Cell, err error, fail FailFunc) {
	items := p.Release(cell)
	for _, io := range items {
		fail(io, err)
	}
}
