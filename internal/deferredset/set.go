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

// Package deferredset implements the deferred-read set (spec.md §4.2):
// a bounded ring of epoch counters that defers installing a new
// mapping until every read admitted before the mapping was scheduled
// has drained against the old, still-shared data block.
//
// There is no direct analogue of this in the teacher package (sneller
// has no notion of "wait for in-flight readers of a specific version
// of a block to finish before publishing a newer version"), so the
// ring itself is new to this domain. Its construction follows the
// corpus-wide idiom observed in tenant/dcache.Cache and db/queue.go:
// a single mutex guarding small fixed-size slices, no channels, since
// Dec runs from completion context (spec.md §5) and must never block.
package deferredset

import "sync"

// NSlots is the fixed ring size specified in spec.md §4.2.
const NSlots = 64

// Handle is returned by Inc and passed back to Dec. It pins the
// epoch slot a read was admitted into.
type Handle struct {
	slot int
}

type entry struct {
	count int
	work  []any
}

// Set is the deferred-read set described in spec.md §4.2.
type Set struct {
	mu      sync.Mutex
	entries [NSlots]entry
	current int
	sweeper int
}

// New returns an empty deferred-read set with current == sweeper == 0.
func New() *Set {
	return &Set{}
}

// Inc admits a read against the current epoch and returns a handle
// bound to that epoch's slot, incrementing its live count.
func (s *Set) Inc() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := s.current
	s.entries[slot].count++
	return Handle{slot: slot}
}

// Dec releases a previously admitted read. It decrements the bound
// slot's live count, then sweeps forward: while the sweeper slot is
// not the current slot and has a zero count, its queued work items are
// appended to out and the sweeper advances. If the sweeper catches up
// to the current slot and that slot also has a zero count, its work is
// spliced too.
//
// Dec must not block: it runs in completion context (spec.md §5).
func (s *Set) Dec(h Handle, out *[]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[h.slot].count--

	for s.sweeper != s.current && s.entries[s.sweeper].count == 0 {
		s.drain(s.sweeper, out)
		s.sweeper = next(s.sweeper)
	}
	if s.sweeper == s.current && s.entries[s.sweeper].count == 0 {
		s.drain(s.sweeper, out)
	}
}

func (s *Set) drain(slot int, out *[]any) {
	if len(s.entries[slot].work) == 0 {
		return
	}
	*out = append(*out, s.entries[slot].work...)
	s.entries[slot].work = nil
}

// AddWork attaches item to the current epoch if there are any reads
// still outstanding against it (or any earlier, undrained epoch);
// otherwise it reports that no admitted reads exist to wait for and
// the caller should treat item as immediately ready.
//
// On deferral, AddWork advances the current epoch by one slot if the
// next slot already has a zero live count, bounding how many future
// admissions can still land behind this item (spec.md §4.2
// rationale). This advance is best-effort and stops after a single
// step; spec.md §9 leaves open whether that bound is sufficient.
func (s *Set) AddWork(item any) (deferred bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries[s.current].count == 0 && s.sweeper == s.current {
		return false
	}
	s.entries[s.current].work = append(s.entries[s.current].work, item)
	if n := next(s.current); s.entries[n].count == 0 {
		s.current = n
	}
	return true
}

func next(slot int) int {
	slot++
	if slot == NSlots {
		slot = 0
	}
	return slot
}
