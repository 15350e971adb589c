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

// Package memmd is an in-memory reference implementation of
// metadatastore.Store, standing in for the B-tree/space-map layer
// spec.md §1 puts out of scope. It is grounded on tenant/dcache's
// cond-variable-guarded map-of-state shape (a single mutex protecting
// a handful of maps, no background goroutines of its own) rather than
// on any real transactional B-tree, since the point here is to
// exercise the engine/pool packages against a faithful but simple
// collaborator.
package memmd

import (
	"fmt"
	"sync"

	"github.com/sneller-labs/thinpool/metadatastore"
)

// blockRef counts how many thin devices' B-trees reference a data
// block. A count >1 is what "shared" means in FindBlock's result.
type blockRef struct {
	refcount int
}

// Store is an in-memory metadatastore.Store.
type Store struct {
	mu sync.Mutex

	dataBlocks    uint64
	freeData      []uint64 // free-list, LIFO
	dataRefs      map[uint64]int
	metaTotal     uint64
	metaUsed      uint64
	transactionID uint64
	heldRoot      uint64
	heldRootSet   bool
	closed        bool

	thins map[uint32]*thinState
}

type thinState struct {
	id       uint32
	mappings map[uint64]uint64 // v -> d
}

// New creates an in-memory store with dataBlocks physical data blocks
// and metaBlocks worth of metadata capacity, enforcing spec.md §4.5's
// MaxMetadataSectors bound itself rather than trusting the caller to
// have already checked it.
func New(dataBlocks, metaBlocks uint64) (*Store, error) {
	if metaBlocks > metadatastore.MaxMetadataBlocks {
		return nil, fmt.Errorf("metadatastore/memmd: %d metadata blocks exceeds the %d block maximum: %w",
			metaBlocks, metadatastore.MaxMetadataBlocks, metadatastore.ErrDeviceTooLarge)
	}
	free := make([]uint64, dataBlocks)
	for i := range free {
		// allocate in ascending order, LIFO pop from the end means
		// the first alloc returns block 0.
		free[i] = dataBlocks - 1 - uint64(i)
	}
	return &Store{
		dataBlocks: dataBlocks,
		freeData:   free,
		dataRefs:   make(map[uint64]int),
		metaTotal:  metaBlocks,
		thins:      make(map[uint32]*thinState),
	}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) Rebind(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return metadatastore.ErrClosed
	}
	return nil
}

func (s *Store) DataDevSize() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataBlocks, nil
}

// ResizeDataDev grows the data device, per spec.md §4.7's preresume
// growth path. Shrinking is refused: the spec's Non-goals exclude
// anything beyond growing.
func (s *Store) ResizeDataDev(newBlocks uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if newBlocks < s.dataBlocks {
		return fmt.Errorf("metadatastore/memmd: cannot shrink data device from %d to %d blocks", s.dataBlocks, newBlocks)
	}
	for b := s.dataBlocks; b < newBlocks; b++ {
		s.freeData = append(s.freeData, b)
	}
	s.dataBlocks = newBlocks
	return nil
}

func (s *Store) AllocDataBlock() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.freeData) == 0 {
		return 0, metadatastore.ErrOutOfSpace
	}
	d := s.freeData[len(s.freeData)-1]
	s.freeData = s.freeData[:len(s.freeData)-1]
	s.dataRefs[d] = 1
	return d, nil
}

func (s *Store) FreeBlockCount() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.freeData)), nil
}

func (s *Store) FreeMetadataBlockCount() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metaTotal - s.metaUsed, nil
}

func (s *Store) HeldMetadataRoot() (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heldRoot, s.heldRootSet, nil
}

func (s *Store) TransactionID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transactionID, nil
}

func (s *Store) SetTransactionID(old, new uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transactionID != old {
		return metadatastore.ErrBadTransaction
	}
	s.transactionID = new
	return nil
}

func (s *Store) CreateThin(id uint32) error {
	if id > metadatastore.MaxDeviceID {
		return fmt.Errorf("metadatastore/memmd: device id %d exceeds max %d", id, metadatastore.MaxDeviceID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.thins[id]; ok {
		return metadatastore.ErrDeviceExists
	}
	s.thins[id] = &thinState{id: id, mappings: make(map[uint64]uint64)}
	return nil
}

// CreateSnap creates id as a copy-on-write clone of originID: every
// mapped block in origin gains a second reference (it is now shared)
// and id's B-tree starts out identical to origin's.
func (s *Store) CreateSnap(id, originID uint32) error {
	if id > metadatastore.MaxDeviceID {
		return fmt.Errorf("metadatastore/memmd: device id %d exceeds max %d", id, metadatastore.MaxDeviceID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	origin, ok := s.thins[originID]
	if !ok {
		return metadatastore.ErrUnknownDevice
	}
	if _, ok := s.thins[id]; ok {
		return metadatastore.ErrDeviceExists
	}
	clone := &thinState{id: id, mappings: make(map[uint64]uint64, len(origin.mappings))}
	for v, d := range origin.mappings {
		clone.mappings[v] = d
		s.dataRefs[d]++
	}
	s.thins[id] = clone
	return nil
}

func (s *Store) DeleteThin(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.thins[id]
	if !ok {
		return metadatastore.ErrUnknownDevice
	}
	for _, d := range t.mappings {
		s.dropRefLocked(d)
	}
	delete(s.thins, id)
	return nil
}

// TrimThin drops every mapping at or beyond newBlocks. Per spec.md §1
// this has on-disk effect only on the mapping tree, not the
// referenced data (the Non-goal excludes an in-use-block discard
// pipeline); dropping the reference here is the natural metadata-only
// analogue.
func (s *Store) TrimThin(id uint32, newBlocks uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.thins[id]
	if !ok {
		return metadatastore.ErrUnknownDevice
	}
	for v, d := range t.mappings {
		if v >= newBlocks {
			s.dropRefLocked(d)
			delete(t.mappings, v)
		}
	}
	return nil
}

// dropRefLocked must be called with s.mu held.
func (s *Store) dropRefLocked(d uint64) {
	s.dataRefs[d]--
	if s.dataRefs[d] <= 0 {
		delete(s.dataRefs, d)
		s.freeData = append(s.freeData, d)
	}
}

func (s *Store) OpenThin(id uint32) (metadatastore.ThinDev, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.thins[id]
	if !ok {
		return nil, metadatastore.ErrUnknownDevice
	}
	return &ThinDev{store: s, state: t}, nil
}

// Commit is a no-op: every mutation above is already durable in the
// sense that matters for this reference implementation (there is no
// separate in-memory "dirty" shadow to flush).
func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return metadatastore.ErrClosed
	}
	return nil
}

// ThinDev is an in-memory metadatastore.ThinDev.
type ThinDev struct {
	store *Store
	state *thinState
}

func (t *ThinDev) ID() uint32  { return t.state.id }
func (t *ThinDev) Close() error { return nil }

// FindBlock always answers immediately: memmd never performs real
// I/O, so canBlock is ignored and WouldBlock is never returned. Real
// B-tree-backed implementations would return WouldBlock here when a
// node needs to be paged in on the fast path.
func (t *ThinDev) FindBlock(v uint64, canBlock bool) (metadatastore.LookupResult, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	d, ok := t.state.mappings[v]
	if !ok {
		return metadatastore.LookupResult{Status: metadatastore.NotFound}, nil
	}
	shared := t.store.dataRefs[d] > 1
	return metadatastore.LookupResult{Status: metadatastore.Found, Data: d, Shared: shared}, nil
}

func (t *ThinDev) InsertBlock(v, d uint64) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if old, ok := t.state.mappings[v]; ok && old != d {
		t.store.dropRefLocked(old)
	}
	t.state.mappings[v] = d
	return nil
}

func (t *ThinDev) MappedCount() (uint64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return uint64(len(t.state.mappings)), nil
}

func (t *ThinDev) HighestMapped() (uint64, bool, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if len(t.state.mappings) == 0 {
		return 0, false, nil
	}
	var max uint64
	first := true
	for v := range t.state.mappings {
		if first || v > max {
			max = v
			first = false
		}
	}
	return max, true, nil
}
