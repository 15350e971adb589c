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

package pool

import (
	"github.com/sneller-labs/thinpool/blockio"
	"github.com/sneller-labs/thinpool/internal/deferredset"
)

// endioHook is the two-variant dispatch of spec.md §9's "polymorphism
// of hooks" note: a tagged enum in the C original becomes a small Go
// interface with exactly two implementations here, since that is the
// idiomatic shape for fixed, closed dispatch in Go. Neither
// implementation is exercised through the interface directly in this
// port (each is wired onto a bio's completion callback instead, via
// installOverwriteHook/installSharedReadHook below); the interface
// documents the shape spec.md §9 calls out and keeps both variants'
// firing logic symmetric.
type endioHook interface {
	fire(p *Pool, err error)
}

var (
	_ endioHook = (*overwriteHook)(nil)
	_ endioHook = (*sharedReadHook)(nil)
)

// overwriteHook observes completion of a whole-block write issued
// directly against a freshly provisioned or sharing-broken data
// block (spec.md §4.3).
type overwriteHook struct {
	rec  *Record
	pool *Pool
	orig func(error)
}

// installOverwriteHook wires an overwriteHook onto bio's completion
// callback. The bio's completion will not reach orig until the
// worker has committed rec's mapping (spec.md §4.4 step 1: "...and
// complete the overwrite bio").
func installOverwriteHook(p *Pool, bio *blockio.Bio, rec *Record) {
	h := &overwriteHook{rec: rec, pool: p}
	h.orig = bio.SetCompletion(func(err error) {
		h.fire(p, err)
	})
	rec.Bio = bio
	rec.Overwrite = true
}

func (h *overwriteHook) fire(p *Pool, err error) {
	// Restore the original completion now; the worker calls it
	// directly once the mapping is committed (or the prison fails
	// the cell, which also calls it, with an error).
	h.rec.Bio.SetCompletion(h.orig)
	if err != nil {
		h.rec.err = err
	}
	h.rec.ioDone = true
	p.tryPrepare(h.rec)
}

// sharedReadHook observes completion of a read remapped against a
// still-shared data block (spec.md §4.3).
type sharedReadHook struct {
	orig   func(error)
	handle deferredset.Handle
}

// installSharedReadHook wires a sharedReadHook onto bio's completion
// callback. On firing it calls the original completion first (the
// reader itself never waits on anything), then releases the
// deferred-set handle admitted when the read was let through.
func installSharedReadHook(p *Pool, bio *blockio.Bio, handle deferredset.Handle) {
	h := &sharedReadHook{handle: handle}
	h.orig = bio.SetCompletion(func(err error) {
		h.fire(p, err)
	})
}

func (h *sharedReadHook) fire(p *Pool, err error) {
	if h.orig != nil {
		h.orig(err)
	}
	var drained []any
	p.ds.Dec(h.handle, &drained)
	for _, item := range drained {
		rec := item.(*Record)
		rec.listLinked = false
		p.tryPrepare(rec)
	}
}

// tryPrepare transitions rec to Prepared and posts it to the prepared
// queue once both of spec.md §4.6's conditions hold. It is safe to
// call redundantly; only the transition edge matters.
func (p *Pool) tryPrepare(rec *Record) {
	if !rec.readyToPrepare() || rec.prepared() {
		return
	}
	rec.MarkPrepared()
	p.postPrepared(rec)
}
