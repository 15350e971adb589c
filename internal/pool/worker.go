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
// You should have received a copy of the GNU Affero License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package pool

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sneller-labs/thinpool/blockio"
	"github.com/sneller-labs/thinpool/copyengine"
	"github.com/sneller-labs/thinpool/internal/prison"
	"github.com/sneller-labs/thinpool/metadatastore"
)

// runWorker is the pool's single worker task (spec.md §4.4): it is
// the only goroutine in this package that calls into the metadata
// store, and it never holds p.mu while doing so. The mapper's
// non-blocking FindBlock and internal/engine's message and lifecycle
// operations call the store from their callers' goroutines.
func (p *Pool) runWorker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			p.drainPrepared()
			p.drainDeferred()
			return
		case <-p.wake:
		}
		for p.hasWork() {
			p.drainPrepared()
			p.drainDeferred()
		}
	}
}

func (p *Pool) hasWork() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.preparedMappings) > 0 || len(p.deferredBios) > 0
}

// drainPrepared implements spec.md §4.4 step 1.
func (p *Pool) drainPrepared() {
	p.mu.Lock()
	batch := p.preparedMappings
	p.preparedMappings = nil
	p.mu.Unlock()

	for _, rec := range batch {
		p.commitOne(rec)
	}
}

func (p *Pool) commitOne(rec *Record) {
	if rec.err != nil {
		p.logger.Printf("thinpool: record for (thin=%d, v=%d) failed before commit: %v", rec.ThinID, rec.Virt, rec.err)
		p.prison.Fail(rec.Cell, rec.err, p.failItem)
		rec.MarkFailed(rec.err)
		return
	}

	td, err := p.thin(rec.ThinID)
	if err != nil {
		p.logger.Printf("thinpool: open thin %d for commit: %v", rec.ThinID, err)
		p.prison.Fail(rec.Cell, err, p.failItem)
		rec.MarkFailed(err)
		return
	}
	err = p.withSpan("thinpool.insert_block", []attribute.KeyValue{
		attribute.Int64("thin_id", int64(rec.ThinID)),
		attribute.Int64("virtual_block", int64(rec.Virt)),
		attribute.Int64("data_block", int64(rec.Data)),
	}, func() error {
		return td.InsertBlock(rec.Virt, rec.Data)
	})
	if err != nil {
		p.logger.Printf("thinpool: insert_block(thin=%d, v=%d, d=%d) failed: %v", rec.ThinID, rec.Virt, rec.Data, err)
		p.prison.Fail(rec.Cell, err, p.failItem)
		rec.MarkFailed(err)
		return
	}
	rec.MarkCommitted()

	items := p.prison.Release(rec.Cell)
	for _, it := range items {
		bio := it.(*blockio.Bio)
		if bio == rec.Primary && rec.Overwrite {
			// About to be completed below: the overwrite hook
			// withheld its ack until exactly this commit.
			continue
		}
		p.Submit(rec.ThinID, bio)
	}
	if rec.Overwrite {
		rec.Bio.Complete(nil)
	}
	rec.MarkReleased()
}

// failItem is a prison.FailFunc that completes a detained bio with an
// I/O error (spec.md §4.1 fail, §7).
func (p *Pool) failItem(io any, err error) {
	bio := io.(*blockio.Bio)
	bio.Complete(fmt.Errorf("thinpool: %w", err))
}

// drainDeferred implements spec.md §4.4 step 2 (the slow path).
func (p *Pool) drainDeferred() {
	p.mu.Lock()
	batch := p.deferredBios
	p.deferredBios = nil
	p.mu.Unlock()

	for _, item := range batch {
		p.processBio(item)
	}
}

// processBio is the worker's per-bio slow path (spec.md §4.5).
func (p *Pool) processBio(item deferredItem) {
	bio := item.bio
	thinID := item.thinID

	if bio.Flush || bio.FUA {
		if err := p.store.Commit(); err != nil {
			p.logger.Printf("thinpool: metadata commit for flush/FUA bio failed: %v", err)
			bio.Complete(fmt.Errorf("thinpool: flush commit: %w", err))
			return
		}
	}

	block := bio.Sector >> p.geom.BlockShift
	key := prison.Key{Scope: prison.ScopeVirtual, ThinID: thinID, Block: block}
	cell, prior := p.prison.Detain(key, bio)
	if prior > 0 {
		// already being handled by whoever detained first.
		return
	}

	td, err := p.thin(thinID)
	if err != nil {
		p.prison.Fail(cell, err, p.failItem)
		return
	}

	var res metadatastore.LookupResult
	err = p.withSpan("thinpool.find_block", []attribute.KeyValue{
		attribute.Int64("thin_id", int64(thinID)),
		attribute.Int64("virtual_block", int64(block)),
	}, func() error {
		var ferr error
		res, ferr = td.FindBlock(block, true)
		return ferr
	})
	if err != nil {
		p.prison.Fail(cell, err, p.failItem)
		return
	}

	switch res.Status {
	case metadatastore.NotFound:
		p.provision(thinID, block, bio, cell)
	case metadatastore.Found:
		if !res.Shared {
			p.prison.ReleaseSingleton(cell, bio)
			p.remapAndIssue(bio, p.data, res.Data, block)
			return
		}
		if bio.Write {
			p.breakSharing(thinID, block, bio, cell, res.Data)
		} else {
			p.sharedRead(thinID, block, bio, cell, res.Data)
		}
	case metadatastore.WouldBlock:
		// the worker always calls FindBlock with canBlock=true; a
		// conforming metadata store must never return WouldBlock
		// here. Treat it as a store bug, not a user-visible error
		// class of its own.
		p.prison.Fail(cell, errors.New("thinpool: metadata store returned WouldBlock to a blocking lookup"), p.failItem)
	}
}

func (p *Pool) provision(thinID uint32, block uint64, bio *blockio.Bio, cell *prison.Cell) {
	d, err := p.allocDataBlock()
	if err != nil {
		if errors.Is(err, metadatastore.ErrOutOfSpace) {
			items := p.prison.Release(cell)
			for _, it := range items {
				p.retry(deferredItem{thinID: thinID, bio: it.(*blockio.Bio)})
			}
			return
		}
		p.prison.Fail(cell, err, p.failItem)
		return
	}
	rec := &Record{ThinID: thinID, Virt: block, Data: d, Cell: cell}
	p.scheduleZero(rec, bio)
}

func (p *Pool) breakSharing(thinID uint32, block uint64, bio *blockio.Bio, virtualCell *prison.Cell, oldData uint64) {
	// Release the virtual cell without the triggering bio: any
	// sibling writers queued behind it resume through the deferred
	// queue, but the triggering bio proceeds straight into the
	// data-keyed cell that actually protects the sharing break.
	items := p.prison.Release(virtualCell)
	for _, it := range items {
		b := it.(*blockio.Bio)
		if b == bio {
			continue
		}
		p.Submit(thinID, b)
	}

	dataKey := prison.Key{Scope: prison.ScopeData, Block: oldData}
	dataCell, prior := p.prison.Detain(dataKey, bio)
	if prior > 0 {
		return
	}

	d, err := p.allocDataBlock()
	if err != nil {
		if errors.Is(err, metadatastore.ErrOutOfSpace) {
			items := p.prison.Release(dataCell)
			for _, it := range items {
				p.retry(deferredItem{thinID: thinID, bio: it.(*blockio.Bio)})
			}
			return
		}
		p.prison.Fail(dataCell, err, p.failItem)
		return
	}
	rec := &Record{ThinID: thinID, Virt: block, Data: d, Cell: dataCell}
	p.scheduleCopy(rec, bio, oldData)
}

func (p *Pool) sharedRead(thinID uint32, block uint64, bio *blockio.Bio, cell *prison.Cell, data uint64) {
	handle := p.ds.Inc()
	installSharedReadHook(p, bio, handle)
	p.prison.ReleaseSingleton(cell, bio)
	p.remapAndIssue(bio, p.data, data, block)
}

// scheduleCopy implements spec.md §4.5 "Schedule copy".
func (p *Pool) scheduleCopy(rec *Record, bio *blockio.Bio, oldData uint64) {
	rec.Primary = bio
	deferred := p.ds.AddWork(rec)
	rec.listLinked = deferred
	rec.useDS = true
	rec.MarkScheduled()

	if coversWholeBlock(bio, p.geom) {
		installOverwriteHook(p, bio, rec)
		p.remapAndIssueTracked(bio, p.data, rec.Data, rec.Virt)
		return
	}

	srcOff := oldData * p.geom.SectorsPerBlock
	dstOff := rec.Data * p.geom.SectorsPerBlock
	src := copyengine.Region{Dev: p.data, Sector: srcOff, Count: p.geom.SectorsPerBlock}
	dst := copyengine.Region{Dev: p.data, Sector: dstOff, Count: p.geom.SectorsPerBlock}
	p.engine.Copy(p.ctx, src, dst, func(readErr, writeErr error) {
		if readErr != nil || writeErr != nil {
			rec.err = combineErr(readErr, writeErr)
		}
		// The triggering bio is not issued here: acking it before
		// the mapping is committed would let a crash between this
		// callback and the worker's later metadata commit lose an
		// already-acknowledged write. It is released back through
		// commitOne's cell-release step once the mapping is durable
		// and takes a second pass through the mapper/worker, which
		// now finds it mapped, unshared, and issues it for real.
		rec.ioDone = true
		p.tryPrepare(rec)
	})
}

// scheduleZero implements spec.md §4.5 "Schedule zero".
func (p *Pool) scheduleZero(rec *Record, bio *blockio.Bio) {
	rec.Primary = bio
	rec.MarkScheduled()

	if coversWholeBlock(bio, p.geom) || p.skipBlockZeroing {
		installOverwriteHook(p, bio, rec)
		p.remapAndIssueTracked(bio, p.data, rec.Data, rec.Virt)
		return
	}

	dstOff := rec.Data * p.geom.SectorsPerBlock
	dst := copyengine.Region{Dev: p.data, Sector: dstOff, Count: p.geom.SectorsPerBlock}
	p.engine.Zero(p.ctx, dst, func(err error) {
		if err != nil {
			rec.err = err
		}
		// See the matching comment in scheduleCopy: the triggering
		// bio is re-queued through commitOne once the mapping is
		// committed rather than issued early here.
		rec.ioDone = true
		p.tryPrepare(rec)
	})
}

// remapAndIssue rewrites bio to target the given data block and
// performs the I/O synchronously against the data device, then
// completes bio through whatever completion callback is currently
// installed (which may be the caller's original one, or none at all
// in record-driven paths that route completion through
// remapAndIssueTracked instead).
func (p *Pool) remapAndIssue(bio *blockio.Bio, dev blockio.Device, d, block uint64) {
	offset := bio.Sector & p.geom.OffsetMask
	bio.Remap(dev, (d<<p.geom.BlockShift)|offset)
	p.doIO(bio)
}

// remapAndIssueTracked is remapAndIssue for the overwrite-hook paths.
// A whole-block overwrite has a zero intra-block offset, but the
// skip-block-zeroing path also lands here with partial writes, so the
// offset is carried over the same way remapAndIssue does.
func (p *Pool) remapAndIssueTracked(bio *blockio.Bio, dev blockio.Device, d, virt uint64) {
	offset := bio.Sector & p.geom.OffsetMask
	bio.Remap(dev, (d<<p.geom.BlockShift)|offset)
	p.doIO(bio)
}

func (p *Pool) doIO(bio *blockio.Bio) {
	bio.Issue()
}

func (p *Pool) allocDataBlock() (uint64, error) {
	d, err := p.store.AllocDataBlock()
	if err != nil {
		return 0, err
	}
	if free, ferr := p.store.FreeBlockCount(); ferr == nil && free <= p.lowWaterBlocks {
		p.mu.Lock()
		p.lowWaterTriggered = true
		p.mu.Unlock()
	}
	return d, nil
}

// thin returns a cached metadatastore.ThinDev handle for id, opening
// it on first use. It is only ever called from the worker goroutine,
// so it needs no locking of its own (spec.md §5: "Metadata-store calls
// are made only in worker context").
func (p *Pool) thin(id uint32) (metadatastore.ThinDev, error) {
	if p.thinDevs == nil {
		p.thinDevs = make(map[uint32]metadatastore.ThinDev)
	}
	if td, ok := p.thinDevs[id]; ok {
		return td, nil
	}
	td, err := p.store.OpenThin(id)
	if err != nil {
		return nil, fmt.Errorf("thinpool: open thin %d: %w", id, err)
	}
	p.thinDevs[id] = td
	return td, nil
}

// forgetThin drops a cached handle, called when a thin device is
// unbound or deleted.
func (p *Pool) forgetThin(id uint32) {
	if td, ok := p.thinDevs[id]; ok {
		td.Close()
		delete(p.thinDevs, id)
	}
}

func coversWholeBlock(bio *blockio.Bio, geom Geometry) bool {
	return bio.Sector&geom.OffsetMask == 0 && bio.Count == geom.SectorsPerBlock
}

func combineErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}
