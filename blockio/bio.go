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

package blockio

// Bio is a single unit of I/O submitted to a thin device. It carries
// enough state that the pool's worker can remap it to the data device
// and reissue it without the submitter being involved again.
//
// Bio is not safe for concurrent use; ownership passes between
// submitter, prison cell, and worker single-threadedly by construction
// (see internal/prison and internal/pool).
type Bio struct {
	Dev    Device // target device; rewritten by the mapper on remap
	Sector uint64 // target sector; rewritten by the mapper on remap
	Count  uint64 // length in sectors
	Data   []byte // payload for writes, destination buffer for reads
	Write  bool
	Flush  bool
	FUA    bool

	complete func(error)
}

// SetCompletion installs a new completion callback and returns the
// previous one, so a hook can chain to it once its own bookkeeping is
// done. This mirrors the dm_thin end-I/O override pattern of spec.md
// §4.3: a hook swaps in its own callback, then restores the original
// before finally delivering completion.
func (b *Bio) SetCompletion(f func(error)) (prior func(error)) {
	prior = b.complete
	b.complete = f
	return prior
}

// Complete invokes the currently installed completion callback, if
// any. It is a no-op if no callback has been installed, which happens
// in tests that construct bios without a submitter.
func (b *Bio) Complete(err error) {
	if b.complete != nil {
		b.complete(err)
	}
}

// Remap rewrites the bio to target dev at sector. The caller computes
// sector, including any intra-block offset it wants to keep; Remap
// stores it as given.
func (b *Bio) Remap(dev Device, sector uint64) {
	b.Dev = dev
	b.Sector = sector
}

// Issue performs the read or write against b's currently-targeted
// device and completes b with the result. It is the shared plumbing
// both the fast-path mapper (after an in-place remap, spec.md §4.5)
// and the worker's own direct-issue paths use to actually move bytes.
func (b *Bio) Issue() error {
	off := Bytes(b.Sector)
	var err error
	if b.Write {
		_, err = b.Dev.WriteAt(b.Data, off)
	} else {
		_, err = b.Dev.ReadAt(b.Data, off)
	}
	b.Complete(err)
	return err
}
