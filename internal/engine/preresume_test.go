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

package engine

import (
	"bytes"
	"log"
	"testing"

	"github.com/sneller-labs/thinpool/blockio"
	"github.com/sneller-labs/thinpool/copyengine/directcopy"
	"github.com/sneller-labs/thinpool/metadatastore/filemd"
)

// newFileBackedTestPool wires a Pool to a real filemd.Store over a
// blockio.MemDevice, the combination newTestRegistry's memmd.Store
// can't give us: memmd never touches a byte-addressable device, so it
// has nothing for Postsuspend's commit invariant to leave a mark on.
func newFileBackedTestPool(t *testing.T, dataBlocks uint64) (*Pool, *blockio.MemDevice) {
	t.Helper()
	metaDev := blockio.NewMemDevice(1 << 20)
	store, err := filemd.New(metaDev, dataBlocks, 1<<16)
	if err != nil {
		t.Fatal(err)
	}
	dataDev := blockio.NewMemDevice(int64(dataBlocks) * int64(blockSize) * blockio.SectorSize)
	r := NewRegistry(log.Default())
	p, err := r.CreatePool(PoolConfig{
		Store:            store,
		Engine:           directcopy.New(4),
		DataDev:          dataDev,
		BlockSizeSectors: blockSize,
		LowWaterSectors:  0,
	})
	if err != nil {
		t.Fatal(err)
	}
	return p, metaDev
}

// TestPostsuspendTwiceWithNoMutationIsByteIdentical backs spec.md §8's
// idempotent-preresume invariant at the engine layer, mirroring
// metadatastore/filemd's own store-level TestRepeatedCommitWithNoChangesIsByteIdentical
// but going through Pool.Postsuspend rather than calling Store.Commit
// directly, since Postsuspend (not Preresume, which only commits when
// the data device actually grew) is the engine operation the worker's
// contract guarantees is commit-unconditional.
func TestPostsuspendTwiceWithNoMutationIsByteIdentical(t *testing.T) {
	p, metaDev := newFileBackedTestPool(t, 4)

	if err := p.CreateThin(1); err != nil {
		t.Fatal(err)
	}
	if err := p.Postsuspend(); err != nil {
		t.Fatal(err)
	}
	before := metaDev.Snapshot()

	if err := p.Postsuspend(); err != nil {
		t.Fatal(err)
	}
	after := metaDev.Snapshot()

	if !bytes.Equal(before, after) {
		t.Fatal("Postsuspend with no intervening mutation changed the on-disk superblock")
	}
}

// TestPreresumeIsNoopWhenDataDevUnchanged checks the other half of the
// same invariant for Preresume specifically: when the data device's
// declared size already matches the superblock's, Preresume must not
// touch the metadata device at all, so calling it repeatedly never
// perturbs bytes a concurrent reader might be inspecting.
func TestPreresumeIsNoopWhenDataDevUnchanged(t *testing.T) {
	p, metaDev := newFileBackedTestPool(t, 4)
	if err := p.Postsuspend(); err != nil {
		t.Fatal(err)
	}
	before := metaDev.Snapshot()

	if err := p.Preresume(); err != nil {
		t.Fatal(err)
	}
	if err := p.Preresume(); err != nil {
		t.Fatal(err)
	}
	after := metaDev.Snapshot()

	if !bytes.Equal(before, after) {
		t.Fatal("Preresume with an unchanged data device size modified the on-disk superblock")
	}
}
