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

// Package engine implements the thin/pool lifecycle of spec.md §4.7
// (C7): binding thin devices to pools, preresume/postsuspend, and the
// runtime message surface, all fronted by a single-owner registry
// keyed by pool binding handle.
//
// This is spec.md §9's "Global pool table" design note applied
// directly: instead of a process-wide linked list of pools with
// back-pointers from every bound thin device, one Registry owns a
// map guarded by a mutex. CreatePool always inserts a new pool under a
// freshly generated handle; it does not look up an existing pool for
// the same devices, and lookup is by handle only (Lookup). It is
// grounded on tenant/manager.go's process-wide table shape in the
// teacher (a single struct holding a `map[string]*Tenant` behind a
// mutex, with a logger threaded through every tenant it creates).
package engine

import (
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
)

// ErrUnknownPool is returned when a handle does not name a bound pool.
var ErrUnknownPool = fmt.Errorf("engine: unknown pool handle")

// Registry is the process-wide pool table of spec.md §4.7: "kept in a
// process-wide table keyed by its binding handle so multiple thin
// devices map onto one pool."
type Registry struct {
	mu     sync.Mutex
	pools  map[string]*Pool
	logger *log.Logger
}

// NewRegistry creates an empty registry. A nil logger defaults to
// log.Default(), matching tenant/manager.go's constructor.
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{pools: make(map[string]*Pool), logger: logger}
}

// CreatePool constructs a new pool from cfg and registers it under a
// freshly generated binding handle (a UUID, standing in for the
// kernel's dm device-mapper table load returning a bound target
// instance). The returned Pool's Handle is stable for the pool's
// lifetime.
func (r *Registry) CreatePool(cfg PoolConfig) (*Pool, error) {
	handle := uuid.NewString()
	if cfg.Logger == nil {
		cfg.Logger = r.logger
	}
	p, err := newPool(handle, cfg)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.pools[handle] = p
	r.mu.Unlock()
	return p, nil
}

// Lookup returns the pool bound to handle, if any.
func (r *Registry) Lookup(handle string) (*Pool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[handle]
	return p, ok
}

// DestroyPool removes a pool from the registry and tears down its
// worker. It refuses while any thin device is still bound (spec.md
// §5: "Pool teardown is gated by a reference count incremented by
// thin-device bindings").
func (r *Registry) DestroyPool(handle string) error {
	r.mu.Lock()
	p, ok := r.pools[handle]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownPool
	}
	if p.pool.Refcount() > 0 {
		r.mu.Unlock()
		return fmt.Errorf("engine: pool %s still has bound thin devices", handle)
	}
	delete(r.pools, handle)
	r.mu.Unlock()

	p.pool.Close()
	return p.store.Close()
}
