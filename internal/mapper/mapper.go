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

// Package mapper implements the fast path (spec.md §4.5, C5): the
// non-blocking per-bio map that runs on the submitter's own goroutine
// and either remaps a bio in place or defers it to the pool's worker.
//
// This is deliberately the thinnest package in the module — it holds
// no state of its own, the way tenant/dcache's read-through callers
// never own anything beyond the Cache they're handed.
package mapper

import (
	"github.com/sneller-labs/thinpool/blockio"
	"github.com/sneller-labs/thinpool/internal/pool"
	"github.com/sneller-labs/thinpool/metadatastore"
)

// Result reports what Map did with a bio.
type Result int

const (
	// Remapped means the bio was rewritten in place against the data
	// device and is the caller's responsibility to issue.
	Remapped Result = iota
	// Deferred means the bio was hand off to the pool's worker and
	// the caller must not touch it further.
	Deferred
)

// Map is the fast-path entry point. thinID identifies the thin device
// bio targets; p is the pool it is bound to; find is that thin
// device's metadata handle.
//
// Map never blocks: a lookup that would otherwise need I/O comes back
// as metadatastore.WouldBlock and is deferred exactly like a miss.
func Map(p *pool.Pool, thinID uint32, find metadatastore.ThinDev, bio *blockio.Bio) Result {
	geom := p.Geometry()

	if bio.Flush || bio.FUA {
		p.Submit(thinID, bio)
		return Deferred
	}

	block := bio.Sector >> geom.BlockShift
	res, err := find.FindBlock(block, false)
	if err != nil {
		p.Submit(thinID, bio)
		return Deferred
	}

	switch res.Status {
	case metadatastore.Found:
		if res.Shared {
			p.Submit(thinID, bio)
			return Deferred
		}
		offset := bio.Sector & geom.OffsetMask
		bio.Remap(p.DataDevice(), (res.Data<<geom.BlockShift)|offset)
		return Remapped
	case metadatastore.NotFound, metadatastore.WouldBlock:
		p.Submit(thinID, bio)
		return Deferred
	default:
		p.Submit(thinID, bio)
		return Deferred
	}
}
