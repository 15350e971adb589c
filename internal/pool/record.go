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

// Package pool implements the pool's shared state and worker (spec.md
// §4.3, §4.4, §4.6): the mapping record, the two end-I/O hooks that
// observe completion of a provisioning/COW copy or zero, and the
// single-threaded worker that commits prepared mappings and dispatches
// deferred bios.
//
// Structurally this is tenant/dcache's queue+worker shape (a
// map/slice of in-flight state guarded by one mutex, draining into a
// channel consumed by worker goroutines) narrowed to exactly one
// worker goroutine, because spec.md §4.4 requires the worker to be
// "effectively single-threaded" so that metadata commits for a given
// (thin, v) are never reordered.
package pool

import (
	"github.com/sneller-labs/thinpool/blockio"
	"github.com/sneller-labs/thinpool/internal/deferredset"
	"github.com/sneller-labs/thinpool/internal/prison"
)

// RecordState is the state machine of spec.md §4.6.
type RecordState int

const (
	StateCreated RecordState = iota
	StateScheduled
	StatePrepared
	StateCommitted
	StateReleased
	StateFailed
)

func (s RecordState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateScheduled:
		return "scheduled"
	case StatePrepared:
		return "prepared"
	case StateCommitted:
		return "committed"
	case StateReleased:
		return "released"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Record is the new-mapping record of spec.md §3/§4.6: an in-flight
// provisioning/COW record bound to exactly one prison cell.
type Record struct {
	ThinID    uint32
	Virt      uint64
	Data      uint64
	Cell      *prison.Cell
	Bio       *blockio.Bio // set only when the commit is driven by an overwrite
	Overwrite bool

	// Primary is the bio that triggered this record (the sole
	// occupant of Cell at the moment scheduleCopy/scheduleZero ran).
	// For the overwrite path it is excluded from the "re-queue every
	// bio in the cell" step on commit, because it is about to be
	// completed directly by that path instead, once the mapping is
	// committed. For every other path it takes the re-queue like any
	// other occupant: the underlying copy/zero only ever primes the
	// new data block, so Primary's own write still needs a second
	// pass through the mapper/worker against the now-durable mapping
	// before it can be acknowledged.
	Primary *blockio.Bio

	state RecordState
	err   error

	// ioDone is set once the underlying copy/zero/overwrite has
	// returned (spec.md §3's "prepared becomes true when..."
	// split into its two constituent conditions so both can be
	// tracked independently).
	ioDone bool

	// listLinked is true while the record is queued on the
	// deferred set waiting for admitted reads to drain (spec.md
	// §4.3: "its list link is empty when first seen"). A record
	// that never needed deferred-set gating (zeroes, and copies
	// with no admitted readers at schedule time) starts false.
	listLinked bool

	dsHandle deferredset.Handle
	useDS    bool
}

// readyToPrepare reports whether both of spec.md §4.6's Prepared
// conditions hold: the underlying I/O finished and, if the record was
// gated on the deferred set, that gate has released it.
func (r *Record) readyToPrepare() bool {
	return r.ioDone && !r.listLinked
}

// prepared reports whether the record has reached or passed the
// Prepared state.
func (r *Record) prepared() bool {
	return r.state == StatePrepared || r.state == StateCommitted || r.state == StateReleased
}

// State returns the record's current state.
func (r *Record) State() RecordState { return r.state }

// Err returns the error that caused StateFailed, if any.
func (r *Record) Err() error { return r.err }

// MarkScheduled transitions Created -> Scheduled, on either a copy/zero
// dispatch or an overwrite remap-and-issue (spec.md §4.6).
func (r *Record) MarkScheduled() { r.state = StateScheduled }

// MarkPrepared transitions Scheduled -> Prepared. The caller is
// responsible for having already confirmed both conditions spec.md
// §4.6 requires: the underlying copy/zero/overwrite finished AND, for
// copies, the deferred-set gate released it.
func (r *Record) MarkPrepared() { r.state = StatePrepared }

// MarkCommitted transitions Prepared -> Committed, once the worker
// has persisted the mapping via the metadata store.
func (r *Record) MarkCommitted() { r.state = StateCommitted }

// MarkReleased transitions Committed -> Released, once the cell has
// been drained.
func (r *Record) MarkReleased() { r.state = StateReleased }

// MarkFailed moves the record to the terminal Failed state, recording
// the error that caused it.
func (r *Record) MarkFailed(err error) {
	r.state = StateFailed
	r.err = err
}
