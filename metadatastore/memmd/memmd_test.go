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

package memmd

import (
	"errors"
	"testing"

	"github.com/sneller-labs/thinpool/metadatastore"
)

func TestAllocDataBlockExhaustsAndReportsOutOfSpace(t *testing.T) {
	s, err := New(2, 1024)
	if err != nil {
		t.Fatal(err)
	}
	d1, err := s.AllocDataBlock()
	if err != nil {
		t.Fatal(err)
	}
	d2, err := s.AllocDataBlock()
	if err != nil {
		t.Fatal(err)
	}
	if d1 == d2 {
		t.Fatalf("expected distinct blocks, got %d twice", d1)
	}
	if _, err := s.AllocDataBlock(); !errors.Is(err, metadatastore.ErrOutOfSpace) {
		t.Fatalf("expected ErrOutOfSpace, got %v", err)
	}
}

func TestResizeDataDevGrowsFreeList(t *testing.T) {
	s, err := New(2, 1024)
	if err != nil {
		t.Fatal(err)
	}
	s.AllocDataBlock()
	s.AllocDataBlock()
	if err := s.ResizeDataDev(4); err != nil {
		t.Fatal(err)
	}
	free, _ := s.FreeBlockCount()
	if free != 2 {
		t.Fatalf("free blocks = %d, want 2", free)
	}
}

func TestResizeDataDevRefusesShrink(t *testing.T) {
	s, err := New(4, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.ResizeDataDev(2); err == nil {
		t.Fatal("expected error shrinking data device")
	}
}

func TestCreateSnapSharesMappings(t *testing.T) {
	s, err := New(4, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CreateThin(1); err != nil {
		t.Fatal(err)
	}
	td, err := s.OpenThin(1)
	if err != nil {
		t.Fatal(err)
	}
	d, _ := s.AllocDataBlock()
	if err := td.InsertBlock(0, d); err != nil {
		t.Fatal(err)
	}

	if err := s.CreateSnap(2, 1); err != nil {
		t.Fatal(err)
	}

	res, err := td.FindBlock(0, true)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Shared {
		t.Fatal("expected block shared with snapshot")
	}

	snap, err := s.OpenThin(2)
	if err != nil {
		t.Fatal(err)
	}
	res2, err := snap.FindBlock(0, true)
	if err != nil {
		t.Fatal(err)
	}
	if res2.Status != metadatastore.Found || res2.Data != d {
		t.Fatalf("snap mapping = %+v, want Found{%d}", res2, d)
	}
}

func TestInsertBlockOverwriteDropsOldRef(t *testing.T) {
	s, err := New(4, 1024)
	if err != nil {
		t.Fatal(err)
	}
	s.CreateThin(1)
	td, _ := s.OpenThin(1)
	d1, _ := s.AllocDataBlock()
	td.InsertBlock(0, d1)

	d2, _ := s.AllocDataBlock()
	if err := td.InsertBlock(0, d2); err != nil {
		t.Fatal(err)
	}

	res, _ := td.FindBlock(0, true)
	if res.Data != d2 {
		t.Fatalf("expected remap to %d, got %d", d2, res.Data)
	}
	// d1's only reference is gone; draining the rest of the free list
	// should recycle it.
	seen := map[uint64]bool{}
	for {
		d, err := s.AllocDataBlock()
		if err != nil {
			break
		}
		seen[d] = true
	}
	if !seen[d1] {
		t.Fatalf("expected d1=%d to be recycled, saw %v", d1, seen)
	}
}

func TestDeleteThinDropsAllRefs(t *testing.T) {
	s, err := New(2, 1024)
	if err != nil {
		t.Fatal(err)
	}
	s.CreateThin(1)
	td, _ := s.OpenThin(1)
	d, _ := s.AllocDataBlock()
	td.InsertBlock(0, d)

	if err := s.DeleteThin(1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.OpenThin(1); !errors.Is(err, metadatastore.ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice after delete, got %v", err)
	}
	free, _ := s.FreeBlockCount()
	if free != 2 {
		t.Fatalf("free blocks after delete = %d, want 2", free)
	}
}

func TestMappedCountAndHighestMapped(t *testing.T) {
	s, err := New(4, 1024)
	if err != nil {
		t.Fatal(err)
	}
	s.CreateThin(1)
	td, _ := s.OpenThin(1)

	if _, ok, _ := td.HighestMapped(); ok {
		t.Fatal("expected no highest-mapped block on an empty device")
	}

	d0, _ := s.AllocDataBlock()
	d5, _ := s.AllocDataBlock()
	td.InsertBlock(0, d0)
	td.InsertBlock(5, d5)

	n, _ := td.MappedCount()
	if n != 2 {
		t.Fatalf("mapped count = %d, want 2", n)
	}
	v, ok, _ := td.HighestMapped()
	if !ok || v != 5 {
		t.Fatalf("highest mapped = (%d, %v), want (5, true)", v, ok)
	}
}

func TestNewRejectsOversizeMetadataDevice(t *testing.T) {
	_, err := New(2, metadatastore.MaxMetadataBlocks+1)
	if !errors.Is(err, metadatastore.ErrDeviceTooLarge) {
		t.Fatalf("New with metaBlocks beyond the maximum: got %v, want ErrDeviceTooLarge", err)
	}
}

func TestSetTransactionIDRejectsStaleOld(t *testing.T) {
	s, err := New(2, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetTransactionID(0, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTransactionID(0, 2); !errors.Is(err, metadatastore.ErrBadTransaction) {
		t.Fatalf("expected ErrBadTransaction, got %v", err)
	}
}
