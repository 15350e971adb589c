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

// Package filemd is an on-disk metadatastore.Store that persists its
// entire state as a single gob-encoded superblock at the front of a
// blockio.Device, the way cmd/thinctl needs something real to point
// at instead of memmd's throwaway in-memory table (spec.md §6.1). It
// is grounded on blockio/fileio's raw-device style (open once, talk
// to it through blockio.Device, never through a buffered *os.File)
// and internal/pool/record.go's state-machine idiom, reduced to its
// simplest form here: Commit snapshots the whole mapping table in one
// shot rather than maintaining a separate prepared/committed append
// log, since filemd has no concurrent preparer to race against
// (every Store and ThinDev method takes the store's single mutex).
package filemd

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/sneller-labs/thinpool/blockio"
	"github.com/sneller-labs/thinpool/metadatastore"
)

// superblockMagic tags the header of a filemd superblock so Open can
// reject a device that was never formatted by New.
const superblockMagic = 0x74686d64 // "thmd"

// lengthPrefixSize is the size in bytes of the length prefix written
// ahead of the gob-encoded snapshot body.
const lengthPrefixSize = 8

// snapshot is the entire durable state of a Store, gob-encoded
// wholesale on every Commit. No pack dependency offers a generic
// binary object codec suited to this (sneller's own ion format is a
// columnar layout for query-execution record batches, not a general
// struct serializer), so this uses encoding/gob, the standard
// library's own answer to exactly this problem.
//
// Every field here is a slice, never a Go map: gob walks maps in
// whatever order reflect's MapRange gives it, which Go deliberately
// randomizes, so two Commit calls over identical state could
// otherwise disagree byte-for-byte. Sorting into slices before
// encoding is what makes the idempotent-preresume invariant of
// spec.md §8 ("no intervening mutation leaves the persisted state
// bitwise unchanged") actually hold on disk rather than just in the
// in-memory shadow.
type snapshot struct {
	Magic         uint32
	DataBlocks    uint64
	FreeData      []uint64
	DataRefs      []blockRef
	MetaTotal     uint64
	MetaUsed      uint64
	TransactionID uint64
	HeldRoot      uint64
	HeldRootSet   bool
	Thins         []wireThin
}

// blockRef is one data block's reference count, in the wire format.
type blockRef struct {
	Block uint64
	Count int
}

// mapping is one virtual-to-data block mapping, in the wire format.
type mapping struct {
	V, D uint64
}

type thinState struct {
	ID       uint32
	Mappings map[uint64]uint64 // v -> d, in-memory only; commitLocked sorts this into a wireThin
}

// wireThin is thinState's on-disk shape: Mappings sorted by V.
type wireThin struct {
	ID       uint32
	Mappings []mapping
}

// Store is a filemd.Store backed by a blockio.Device.
type Store struct {
	mu  sync.Mutex
	dev blockio.Device

	dataBlocks    uint64
	freeData      []uint64
	dataRefs      map[uint64]int
	metaTotal     uint64
	metaUsed      uint64
	transactionID uint64
	heldRoot      uint64
	heldRootSet   bool
	closed        bool

	thins map[uint32]*thinState
}

// New formats dev with a fresh superblock describing dataBlocks
// physical data blocks and metaBlocks worth of metadata capacity, and
// returns a Store bound to it. New writes that initial superblock to
// dev before returning, so Open succeeds on dev even before any Commit.
func New(dev blockio.Device, dataBlocks, metaBlocks uint64) (*Store, error) {
	if metaBlocks > metadatastore.MaxMetadataBlocks {
		return nil, fmt.Errorf("metadatastore/filemd: %d metadata blocks exceeds the %d block maximum: %w",
			metaBlocks, metadatastore.MaxMetadataBlocks, metadatastore.ErrDeviceTooLarge)
	}
	free := make([]uint64, dataBlocks)
	for i := range free {
		free[i] = dataBlocks - 1 - uint64(i)
	}
	s := &Store{
		dev:        dev,
		dataBlocks: dataBlocks,
		freeData:   free,
		dataRefs:   make(map[uint64]int),
		metaTotal:  metaBlocks,
		thins:      make(map[uint32]*thinState),
	}
	if err := s.commitLocked(); err != nil {
		return nil, fmt.Errorf("metadatastore/filemd: initial format: %w", err)
	}
	return s, nil
}

// Open reads an existing superblock off dev and returns a Store
// reflecting the state as of the last successful Commit.
func Open(dev blockio.Device) (*Store, error) {
	snap, err := readSnapshot(dev)
	if err != nil {
		return nil, err
	}
	dataRefs := make(map[uint64]int, len(snap.DataRefs))
	for _, r := range snap.DataRefs {
		dataRefs[r.Block] = r.Count
	}
	thins := make(map[uint32]*thinState, len(snap.Thins))
	for _, wt := range snap.Thins {
		mappings := make(map[uint64]uint64, len(wt.Mappings))
		for _, m := range wt.Mappings {
			mappings[m.V] = m.D
		}
		thins[wt.ID] = &thinState{ID: wt.ID, Mappings: mappings}
	}
	return &Store{
		dev:           dev,
		dataBlocks:    snap.DataBlocks,
		freeData:      snap.FreeData,
		dataRefs:      dataRefs,
		metaTotal:     snap.MetaTotal,
		metaUsed:      snap.MetaUsed,
		transactionID: snap.TransactionID,
		heldRoot:      snap.HeldRoot,
		heldRootSet:   snap.HeldRootSet,
		thins:         thins,
	}, nil
}

func readSnapshot(dev blockio.Device) (*snapshot, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := dev.ReadAt(lenBuf[:], 0); err != nil {
		return nil, fmt.Errorf("metadatastore/filemd: read superblock length: %w", err)
	}
	n := binary.LittleEndian.Uint64(lenBuf[:])
	if n == 0 {
		return nil, fmt.Errorf("metadatastore/filemd: device has no superblock; use New to format it")
	}
	body := make([]byte, n)
	if _, err := dev.ReadAt(body, lengthPrefixSize); err != nil {
		return nil, fmt.Errorf("metadatastore/filemd: read superblock body: %w", err)
	}
	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("metadatastore/filemd: decode superblock: %w", err)
	}
	if snap.Magic != superblockMagic {
		return nil, fmt.Errorf("metadatastore/filemd: bad superblock magic %#x", snap.Magic)
	}
	return &snap, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Rebind is a no-op: filemd's device handle doesn't carry a path to
// re-resolve, matching memmd's stance that re-targeting happens above
// this layer.
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

func (s *Store) ResizeDataDev(newBlocks uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if newBlocks < s.dataBlocks {
		return fmt.Errorf("metadatastore/filemd: cannot shrink data device from %d to %d blocks", s.dataBlocks, newBlocks)
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
		return fmt.Errorf("metadatastore/filemd: device id %d exceeds max %d", id, metadatastore.MaxDeviceID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.thins[id]; ok {
		return metadatastore.ErrDeviceExists
	}
	s.thins[id] = &thinState{ID: id, Mappings: make(map[uint64]uint64)}
	return nil
}

func (s *Store) CreateSnap(id, originID uint32) error {
	if id > metadatastore.MaxDeviceID {
		return fmt.Errorf("metadatastore/filemd: device id %d exceeds max %d", id, metadatastore.MaxDeviceID)
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
	clone := &thinState{ID: id, Mappings: make(map[uint64]uint64, len(origin.Mappings))}
	for v, d := range origin.Mappings {
		clone.Mappings[v] = d
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
	for _, d := range t.Mappings {
		s.dropRefLocked(d)
	}
	delete(s.thins, id)
	return nil
}

func (s *Store) TrimThin(id uint32, newBlocks uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.thins[id]
	if !ok {
		return metadatastore.ErrUnknownDevice
	}
	for v, d := range t.Mappings {
		if v >= newBlocks {
			s.dropRefLocked(d)
			delete(t.Mappings, v)
		}
	}
	return nil
}

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

// Commit gob-encodes the full store state and writes it to the front
// of the device, then fsyncs it. It is called from the pool worker
// and from internal/engine's message and lifecycle paths; s.mu keeps
// every other Store method out while the snapshot is taken.
func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return metadatastore.ErrClosed
	}
	return s.commitLocked()
}

func (s *Store) commitLocked() error {
	dataRefs := make([]blockRef, 0, len(s.dataRefs))
	for d, c := range s.dataRefs {
		dataRefs = append(dataRefs, blockRef{Block: d, Count: c})
	}
	slices.SortFunc(dataRefs, func(a, b blockRef) bool { return a.Block < b.Block })

	thins := make([]wireThin, 0, len(s.thins))
	for _, t := range s.thins {
		mappings := make([]mapping, 0, len(t.Mappings))
		for v, d := range t.Mappings {
			mappings = append(mappings, mapping{V: v, D: d})
		}
		slices.SortFunc(mappings, func(a, b mapping) bool { return a.V < b.V })
		thins = append(thins, wireThin{ID: t.ID, Mappings: mappings})
	}
	slices.SortFunc(thins, func(a, b wireThin) bool { return a.ID < b.ID })

	snap := snapshot{
		Magic:         superblockMagic,
		DataBlocks:    s.dataBlocks,
		FreeData:      s.freeData,
		DataRefs:      dataRefs,
		MetaTotal:     s.metaTotal,
		MetaUsed:      s.metaUsed,
		TransactionID: s.transactionID,
		HeldRoot:      s.heldRoot,
		HeldRootSet:   s.heldRootSet,
		Thins:         thins,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
		return fmt.Errorf("metadatastore/filemd: encode superblock: %w", err)
	}
	var lenBuf [lengthPrefixSize]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(buf.Len()))
	if _, err := s.dev.WriteAt(lenBuf[:], 0); err != nil {
		return fmt.Errorf("metadatastore/filemd: write superblock length: %w", err)
	}
	if _, err := s.dev.WriteAt(buf.Bytes(), lengthPrefixSize); err != nil {
		return fmt.Errorf("metadatastore/filemd: write superblock body: %w", err)
	}
	if err := s.dev.Sync(); err != nil {
		return fmt.Errorf("metadatastore/filemd: sync superblock: %w", err)
	}
	return nil
}

// ThinDev is a filemd.ThinDev.
type ThinDev struct {
	store *Store
	state *thinState
}

func (t *ThinDev) ID() uint32   { return t.state.ID }
func (t *ThinDev) Close() error { return nil }

// FindBlock always answers immediately from the in-memory shadow of
// the superblock: canBlock is ignored, mirroring memmd, since filemd
// keeps the whole mapping table resident rather than paging B-tree
// nodes in on demand.
func (t *ThinDev) FindBlock(v uint64, canBlock bool) (metadatastore.LookupResult, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	d, ok := t.state.Mappings[v]
	if !ok {
		return metadatastore.LookupResult{Status: metadatastore.NotFound}, nil
	}
	shared := t.store.dataRefs[d] > 1
	return metadatastore.LookupResult{Status: metadatastore.Found, Data: d, Shared: shared}, nil
}

func (t *ThinDev) InsertBlock(v, d uint64) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if old, ok := t.state.Mappings[v]; ok && old != d {
		t.store.dropRefLocked(old)
	}
	t.state.Mappings[v] = d
	return nil
}

func (t *ThinDev) MappedCount() (uint64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return uint64(len(t.state.Mappings)), nil
}

func (t *ThinDev) HighestMapped() (uint64, bool, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if len(t.state.Mappings) == 0 {
		return 0, false, nil
	}
	vs := maps.Keys(t.state.Mappings)
	max := vs[0]
	for _, v := range vs[1:] {
		if v > max {
			max = v
		}
	}
	return max, true, nil
}
