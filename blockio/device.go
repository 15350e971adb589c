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

// Package blockio defines the minimal block-device interface consumed
// by the thin-provisioning engine (metadata device, data device, and
// the thin-target's own block read/write path).
package blockio

import "io"

// SectorSize is the fixed logical sector size assumed throughout the
// engine. All offsets in Bio and Region are expressed in sectors.
const SectorSize = 512

// Device is a random-access block device. Implementations must be
// safe for concurrent use by multiple goroutines, since the mapper's
// fast path, the worker, and the copy engine may all touch the same
// device at once.
type Device interface {
	io.ReaderAt
	io.WriterAt
	// Sync flushes any buffered writes to stable storage.
	Sync() error
	// Size returns the device size in bytes.
	Size() (int64, error)
}

// Sectors converts a byte size to a sector count, rounding down.
func Sectors(bytes int64) uint64 { return uint64(bytes) / SectorSize }

// Bytes converts a sector count to a byte offset.
func Bytes(sectors uint64) int64 { return int64(sectors) * SectorSize }
