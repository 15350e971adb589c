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
	"log"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/sneller-labs/thinpool/blockio"
	"github.com/sneller-labs/thinpool/copyengine"
	"github.com/sneller-labs/thinpool/internal/pool"
	"github.com/sneller-labs/thinpool/metadatastore"
)

// PoolConfig is the pool-target constructor of spec.md §6.3:
// "<metadata_dev> <data_dev> <block_size_sectors> <low_water_sectors>
// [<#feat> [skip_block_zeroing]]", expressed as Go values instead of
// a positional argument string (parsing the string form is
// cmd/thinctl's job; see config.go).
type PoolConfig struct {
	Store            metadatastore.Store
	Engine           copyengine.Engine
	DataDev          blockio.Device
	BlockSizeSectors uint64
	LowWaterSectors  uint64
	SkipBlockZeroing bool
	Logger           *log.Logger
	Tracer           trace.Tracer
}

// Pool is a bound pool instance: the metadata/data device pair plus
// the running worker (internal/pool.Pool) that drives it.
type Pool struct {
	Handle string

	pool    *pool.Pool
	store   metadatastore.Store
	dataDev blockio.Device
	geom    pool.Geometry
	logger  *log.Logger
}

func newPool(handle string, cfg PoolConfig) (*Pool, error) {
	if cfg.Store == nil || cfg.DataDev == nil {
		return nil, fmt.Errorf("engine: pool config requires a metadata store and a data device")
	}
	geom, err := pool.NewGeometry(cfg.BlockSizeSectors)
	if err != nil {
		return nil, err
	}
	lowWaterBlocks := cfg.LowWaterSectors >> geom.BlockShift

	if _, err := cfg.Store.DataDevSize(); err != nil {
		return nil, fmt.Errorf("engine: reading data device size from metadata store: %w", err)
	}

	p := pool.New(pool.Config{
		Store:            cfg.Store,
		Engine:           cfg.Engine,
		DataDev:          cfg.DataDev,
		Geometry:         geom,
		LowWaterBlocks:   lowWaterBlocks,
		SkipBlockZeroing: cfg.SkipBlockZeroing,
		Logger:           cfg.Logger,
		Tracer:           cfg.Tracer,
	})
	return &Pool{
		Handle:  handle,
		pool:    p,
		store:   cfg.Store,
		dataDev: cfg.DataDev,
		geom:    geom,
		logger:  cfg.Logger,
	}, nil
}

// Geometry returns the pool's block geometry.
func (p *Pool) Geometry() pool.Geometry { return p.geom }

// Preresume implements spec.md §4.7: "Compares the data device's
// declared length to the superblock's; if larger, resizes upward
// through the metadata store and commits. Clears the low-water latch
// and splices the retry queue back onto the deferred queue."
func (p *Pool) Preresume() error {
	declaredBytes, err := p.dataDev.Size()
	if err != nil {
		return fmt.Errorf("engine: preresume: data device size: %w", err)
	}
	declaredSectors := blockio.Sectors(declaredBytes)
	declaredBlocks := declaredSectors >> p.geom.BlockShift

	curBlocks, err := p.store.DataDevSize()
	if err != nil {
		return fmt.Errorf("engine: preresume: metadata data size: %w", err)
	}
	if declaredBlocks > curBlocks {
		if err := p.store.ResizeDataDev(declaredBlocks); err != nil {
			return fmt.Errorf("engine: preresume: resize data dev to %d blocks: %w", declaredBlocks, err)
		}
		if err := p.store.Commit(); err != nil {
			return fmt.Errorf("engine: preresume: commit after resize: %w", err)
		}
	}
	p.pool.ClearLowWater()
	p.pool.DrainRetryToDeferred()
	return nil
}

// Postsuspend implements spec.md §4.7: "Flushes the worker queue and
// commits metadata." Postsuspend is only meaningful once the caller
// has stopped submitting new bios (the device is suspended), so
// committing directly here, off the worker goroutine, is safe: there
// is by contract no concurrent worker activity left to race with.
func (p *Pool) Postsuspend() error {
	deadline := time.Now().Add(30 * time.Second)
	for p.pool.HasPendingWork() {
		if time.Now().After(deadline) {
			return fmt.Errorf("engine: postsuspend: worker queue did not drain in time")
		}
		time.Sleep(time.Millisecond)
	}
	if err := p.store.Commit(); err != nil {
		p.logger.Printf("thinpool: postsuspend commit failed: %v", err)
		return fmt.Errorf("engine: postsuspend: commit: %w", err)
	}
	return nil
}
