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
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/sneller-labs/thinpool/blockio"
	"github.com/sneller-labs/thinpool/copyengine"
	"github.com/sneller-labs/thinpool/internal/deferredset"
	"github.com/sneller-labs/thinpool/internal/prison"
	"github.com/sneller-labs/thinpool/metadatastore"
)

// Geometry describes the pool's block layout (spec.md §3, §4.5).
type Geometry struct {
	// SectorsPerBlock must be a power of two in [64 KiB, 1 GiB]
	// worth of sectors, per spec.md §4.5.
	SectorsPerBlock uint64
	BlockShift      uint
	OffsetMask      uint64
}

// NewGeometry derives BlockShift/OffsetMask from sectorsPerBlock,
// validating the power-of-two and range constraints of spec.md §4.5.
func NewGeometry(sectorsPerBlock uint64) (Geometry, error) {
	if sectorsPerBlock == 0 || sectorsPerBlock&(sectorsPerBlock-1) != 0 {
		return Geometry{}, fmt.Errorf("pool: sectors-per-block %d is not a power of two", sectorsPerBlock)
	}
	minOK := uint64(64*1024) / blockio.SectorSize
	maxOK := uint64(1<<30) / blockio.SectorSize
	if sectorsPerBlock < minOK || sectorsPerBlock > maxOK {
		return Geometry{}, fmt.Errorf("pool: sectors-per-block %d out of range [%d, %d]", sectorsPerBlock, minOK, maxOK)
	}
	shift := 0
	for v := sectorsPerBlock; v > 1; v >>= 1 {
		shift++
	}
	return Geometry{
		SectorsPerBlock: sectorsPerBlock,
		BlockShift:      uint(shift),
		OffsetMask:      sectorsPerBlock - 1,
	}, nil
}

// Config configures a new Pool.
type Config struct {
	Store            metadatastore.Store
	Engine           copyengine.Engine
	DataDev          blockio.Device
	Geometry         Geometry
	LowWaterBlocks   uint64
	SkipBlockZeroing bool
	Logger           *log.Logger
	Tracer           trace.Tracer
}

// Pool is the shared pool state of spec.md §3/§4.4.
type Pool struct {
	store  metadatastore.Store
	engine copyengine.Engine
	data   blockio.Device

	geom             Geometry
	lowWaterBlocks   uint64
	skipBlockZeroing bool

	prison *prison.Prison
	ds     *deferredset.Set

	logger *log.Logger
	tracer trace.Tracer

	// mu guards everything below, standing in for the single
	// per-pool spinlock of spec.md §5.
	mu                sync.Mutex
	deferredBios      []deferredItem
	preparedMappings  []*Record
	retryQueue        []deferredItem
	lowWaterTriggered bool
	wake              chan struct{}

	refcount int32 // atomic; thin-device bindings

	// thinDevs is touched only by the worker goroutine; see
	// Pool.thin in worker.go.
	thinDevs map[uint32]metadatastore.ThinDev

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// deferredItem is a bio deferred from the fast path onto the worker,
// tagged with the thin device it belongs to (the worker needs the
// thin id to do metadata lookups; the bio itself only knows its
// sector).
type deferredItem struct {
	thinID uint32
	bio    *blockio.Bio
}

// New creates a pool and starts its single worker goroutine.
func New(cfg Config) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/sneller-labs/thinpool/internal/pool")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		store:            cfg.Store,
		engine:           cfg.Engine,
		data:             cfg.DataDev,
		geom:             cfg.Geometry,
		lowWaterBlocks:   cfg.LowWaterBlocks,
		skipBlockZeroing: cfg.SkipBlockZeroing,
		prison:           prison.New(1024),
		ds:               deferredset.New(),
		logger:           logger,
		tracer:           tracer,
		wake:             make(chan struct{}, 1),
		ctx:              ctx,
		cancel:           cancel,
	}
	p.wg.Add(1)
	go p.runWorker()
	return p
}

// Geometry returns the pool's block geometry.
func (p *Pool) Geometry() Geometry { return p.geom }

// Store returns the pool's metadata store handle.
func (p *Pool) Store() metadatastore.Store { return p.store }

// DataDevice returns the pool's data device.
func (p *Pool) DataDevice() blockio.Device { return p.data }

// Prison returns the pool's bio prison.
func (p *Pool) Prison() *prison.Prison { return p.prison }

// HasPendingWork reports whether the worker still has prepared
// mappings to commit or deferred bios to process. Postsuspend polls
// this to know when the queue has fully drained.
func (p *Pool) HasPendingWork() bool { return p.hasWork() }

// Incref increments the binding reference count when a thin device
// binds to this pool.
func (p *Pool) Incref() { atomic.AddInt32(&p.refcount, 1) }

// Decref decrements the binding reference count when a thin device
// unbinds. It returns the count after decrementing.
func (p *Pool) Decref() int32 { return atomic.AddInt32(&p.refcount, -1) }

// Refcount returns the current binding reference count.
func (p *Pool) Refcount() int32 { return atomic.LoadInt32(&p.refcount) }

// LowWaterTriggered reports whether the low-water event has fired
// since the last ClearLowWater call (spec.md §4.5, §4.7).
func (p *Pool) LowWaterTriggered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lowWaterTriggered
}

// ClearLowWater resets the low-water latch, called on preresume
// (spec.md §4.7).
func (p *Pool) ClearLowWater() {
	p.mu.Lock()
	p.lowWaterTriggered = false
	p.mu.Unlock()
}

// DrainRetryToDeferred splices the retry queue back onto the deferred
// queue, called on preresume after the data device has grown (spec.md
// §4.7, scenario 4).
func (p *Pool) DrainRetryToDeferred() {
	p.mu.Lock()
	p.deferredBios = append(p.deferredBios, p.retryQueue...)
	p.retryQueue = nil
	p.mu.Unlock()
	p.Nudge()
}

// Submit hands a bio to the worker's deferred queue. Used by the
// mapper's fast path whenever it cannot resolve a bio without
// blocking (spec.md §4.5).
func (p *Pool) Submit(thinID uint32, bio *blockio.Bio) {
	p.mu.Lock()
	p.deferredBios = append(p.deferredBios, deferredItem{thinID: thinID, bio: bio})
	p.mu.Unlock()
	p.Nudge()
}

// Nudge wakes the worker if it is idle. It is always safe to call;
// excess wakeups are coalesced by the buffered wake channel.
func (p *Pool) Nudge() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// postPrepared appends rec to the prepared-mapping queue and wakes
// the worker. Called once both of spec.md §4.3's conditions hold:
// prepared == true and the record has been released by the deferred
// set (or never needed it).
func (p *Pool) postPrepared(rec *Record) {
	p.mu.Lock()
	p.preparedMappings = append(p.preparedMappings, rec)
	p.mu.Unlock()
	p.Nudge()
}

// retry moves item onto the out-of-space retry queue (spec.md §4.5,
// §7): detained bios wait here until the next successful preresume.
func (p *Pool) retry(item deferredItem) {
	p.mu.Lock()
	p.retryQueue = append(p.retryQueue, item)
	if !p.lowWaterTriggered {
		p.lowWaterTriggered = true
	}
	p.mu.Unlock()
}

// Close stops the worker goroutine. It does not wait for in-flight
// metadata commits beyond the current worker iteration.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
}
