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

package filemd

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sneller-labs/thinpool/blockio"
	"github.com/sneller-labs/thinpool/metadatastore"
)

func newDevice(t *testing.T) *blockio.MemDevice {
	t.Helper()
	return blockio.NewMemDevice(1 << 20)
}

func TestNewFormatsAndOpenRoundTrips(t *testing.T) {
	dev := newDevice(t)
	s, err := New(dev, 16, 1<<10)
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
	d, err := s.AllocDataBlock()
	if err != nil {
		t.Fatal(err)
	}
	if err := td.InsertBlock(0, d); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dev)
	if err != nil {
		t.Fatal(err)
	}
	rtd, err := reopened.OpenThin(1)
	if err != nil {
		t.Fatal(err)
	}
	res, err := rtd.FindBlock(0, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != metadatastore.Found || res.Data != d {
		t.Fatalf("FindBlock after reopen = %+v, want Found{Data:%d}", res, d)
	}
	free, err := reopened.FreeBlockCount()
	if err != nil {
		t.Fatal(err)
	}
	if free != 15 {
		t.Fatalf("FreeBlockCount after reopen = %d, want 15", free)
	}
}

func TestOpenUnformattedDeviceFails(t *testing.T) {
	dev := newDevice(t)
	if _, err := Open(dev); err == nil {
		t.Fatal("Open on an unformatted device should fail")
	}
}

func TestCreateSnapSharesBlocksAcrossReopen(t *testing.T) {
	dev := newDevice(t)
	s, err := New(dev, 8, 1<<10)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CreateThin(1); err != nil {
		t.Fatal(err)
	}
	td, _ := s.OpenThin(1)
	d, err := s.AllocDataBlock()
	if err != nil {
		t.Fatal(err)
	}
	if err := td.InsertBlock(0, d); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateSnap(2, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dev)
	if err != nil {
		t.Fatal(err)
	}
	td1, _ := reopened.OpenThin(1)
	res1, err := td1.FindBlock(0, true)
	if err != nil {
		t.Fatal(err)
	}
	if !res1.Shared {
		t.Fatalf("FindBlock(T1,0) = %+v, want Shared after a snapshot was taken and persisted", res1)
	}
	td2, _ := reopened.OpenThin(2)
	res2, err := td2.FindBlock(0, true)
	if err != nil {
		t.Fatal(err)
	}
	if res2.Status != metadatastore.Found || res2.Data != d {
		t.Fatalf("FindBlock(T2,0) = %+v, want Found{Data:%d}", res2, d)
	}
}

// TestRepeatedCommitWithNoChangesIsByteIdentical backs spec.md §8's
// idempotent-preresume invariant at the store layer: committing twice
// with nothing mutated in between must not perturb the persisted
// bytes (map iteration order during gob encoding could otherwise make
// this flaky, which is exactly what this test guards against).
func TestRepeatedCommitWithNoChangesIsByteIdentical(t *testing.T) {
	dev := newDevice(t)
	s, err := New(dev, 8, 1<<10)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CreateThin(1); err != nil {
		t.Fatal(err)
	}
	td, _ := s.OpenThin(1)
	d, err := s.AllocDataBlock()
	if err != nil {
		t.Fatal(err)
	}
	if err := td.InsertBlock(0, d); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(); err != nil {
		t.Fatal(err)
	}
	before := dev.Snapshot()

	if err := s.Commit(); err != nil {
		t.Fatal(err)
	}
	after := dev.Snapshot()

	if !bytes.Equal(before, after) {
		t.Fatal("committing with no intervening mutation changed the on-disk superblock")
	}
}

// TestSnapLookupMatchesAcrossReopen checks that the origin and snap's
// FindBlock results carry identical Status/Data/Shared both before and
// after a reopen, using cmp.Diff rather than field-by-field assertions
// so the comparison doesn't silently skip a field a future edit adds.
func TestSnapLookupMatchesAcrossReopen(t *testing.T) {
	dev := newDevice(t)
	s, err := New(dev, 8, 1<<10)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CreateThin(1); err != nil {
		t.Fatal(err)
	}
	td, _ := s.OpenThin(1)
	d, err := s.AllocDataBlock()
	if err != nil {
		t.Fatal(err)
	}
	if err := td.InsertBlock(0, d); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateSnap(2, 1); err != nil {
		t.Fatal(err)
	}
	before, err := td.FindBlock(0, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dev)
	if err != nil {
		t.Fatal(err)
	}
	rtd, _ := reopened.OpenThin(1)
	after, err := rtd.FindBlock(0, true)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("FindBlock(T1,0) differs across reopen (-before +after):\n%s", diff)
	}
}

func TestResizeDataDevRejectsShrink(t *testing.T) {
	dev := newDevice(t)
	s, err := New(dev, 8, 1<<10)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.ResizeDataDev(4); err == nil {
		t.Fatal("ResizeDataDev should refuse to shrink the data device")
	}
}

func TestNewRejectsOversizeMetadataDevice(t *testing.T) {
	dev := newDevice(t)
	_, err := New(dev, 8, metadatastore.MaxMetadataBlocks+1)
	if !errors.Is(err, metadatastore.ErrDeviceTooLarge) {
		t.Fatalf("New with metaBlocks beyond the maximum: got %v, want ErrDeviceTooLarge", err)
	}
}

func TestDeleteThinReleasesBlocksAfterReopen(t *testing.T) {
	dev := newDevice(t)
	s, err := New(dev, 8, 1<<10)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CreateThin(1); err != nil {
		t.Fatal(err)
	}
	td, _ := s.OpenThin(1)
	d, err := s.AllocDataBlock()
	if err != nil {
		t.Fatal(err)
	}
	if err := td.InsertBlock(0, d); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteThin(1); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dev)
	if err != nil {
		t.Fatal(err)
	}
	free, err := reopened.FreeBlockCount()
	if err != nil {
		t.Fatal(err)
	}
	if free != 8 {
		t.Fatalf("FreeBlockCount after delete+reopen = %d, want 8", free)
	}
	if _, err := reopened.OpenThin(1); err != metadatastore.ErrUnknownDevice {
		t.Fatalf("OpenThin(1) after delete = %v, want ErrUnknownDevice", err)
	}
}
