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
	"fmt"
	"sync"

	"github.com/sneller-labs/thinpool/blockio"
	"github.com/sneller-labs/thinpool/internal/mapper"
	"github.com/sneller-labs/thinpool/metadatastore"
)

// Thin binds a thin-target device id to a Pool, the thin-target
// constructor of spec.md §6.3: "<pool_dev> <dev_id>".
type Thin struct {
	pool  *Pool
	devID uint32

	mu     sync.Mutex
	td     metadatastore.ThinDev
	closed bool
}

// BindThin opens devID against the pool registered under poolHandle
// and returns a bound Thin. It increments the pool's binding
// reference count, mirroring spec.md §5's "reference-counted pool
// handle instead of back-pointers" design note, and released again by
// Unbind.
func BindThin(r *Registry, poolHandle string, devID uint32) (*Thin, error) {
	p, ok := r.Lookup(poolHandle)
	if !ok {
		return nil, ErrUnknownPool
	}
	td, err := p.store.OpenThin(devID)
	if err != nil {
		return nil, fmt.Errorf("engine: bind thin %d: %w", devID, err)
	}
	p.pool.Incref()
	return &Thin{pool: p, devID: devID, td: td}, nil
}

// DeviceID returns the bound device id.
func (t *Thin) DeviceID() uint32 { return t.devID }

// Pool returns the thin device's bound pool.
func (t *Thin) Pool() *Pool { return t.pool }

// Submit runs bio through the fast path (internal/mapper) and, for a
// bio the mapper remapped in place, issues it directly — the
// generic-block-layer behavior of spec.md §4.5 that resubmits a
// DM_MAPIO_REMAPPED bio itself rather than handing it back to the
// worker.
func (t *Thin) Submit(bio *blockio.Bio) error {
	t.mu.Lock()
	td := t.td
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return fmt.Errorf("engine: submit to unbound thin device %d", t.devID)
	}

	switch mapper.Map(t.pool.pool, t.devID, td, bio) {
	case mapper.Remapped:
		return bio.Issue()
	default: // mapper.Deferred
		return nil
	}
}

// Unbind closes the thin device's metadata handle and decrements the
// pool's binding reference count. It is idempotent.
func (t *Thin) Unbind() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	td := t.td
	t.mu.Unlock()

	t.pool.pool.Decref()
	if td == nil {
		return nil
	}
	return td.Close()
}
