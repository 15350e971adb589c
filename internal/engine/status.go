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

	"github.com/sneller-labs/thinpool/metadatastore"
)

// InfoLine renders the Pool INFO status line of spec.md §6.3:
// "<trans_id> <free_meta_sectors> <free_data_sectors> <held_root|->".
func (p *Pool) InfoLine() (string, error) {
	transID, err := p.store.TransactionID()
	if err != nil {
		return "", fmt.Errorf("engine: pool info: transaction id: %w", err)
	}
	freeMeta, err := p.store.FreeMetadataBlockCount()
	if err != nil {
		return "", fmt.Errorf("engine: pool info: free metadata blocks: %w", err)
	}
	freeData, err := p.store.FreeBlockCount()
	if err != nil {
		return "", fmt.Errorf("engine: pool info: free data blocks: %w", err)
	}
	heldRoot := "-"
	if block, held, err := p.store.HeldMetadataRoot(); err != nil {
		return "", fmt.Errorf("engine: pool info: held metadata root: %w", err)
	} else if held {
		heldRoot = fmt.Sprintf("%d", block)
	}

	// freeMeta counts metadata blocks, whose size is fixed by spec.md
	// §4.5 independently of the pool's own data-block geometry; using
	// p.geom.SectorsPerBlock here would scale it by the wrong unit.
	freeMetaSectors := freeMeta * metadatastore.MetadataBlockSectors
	freeDataSectors := freeData * p.geom.SectorsPerBlock
	return fmt.Sprintf("%d %d %d %s", transID, freeMetaSectors, freeDataSectors, heldRoot), nil
}

// InfoLine renders the Thin INFO status line of spec.md §6.3:
// "<mapped_sectors> <highest_mapped_sector|->", or "-" if unbound.
func (t *Thin) InfoLine() (string, error) {
	t.mu.Lock()
	td := t.td
	closed := t.closed
	t.mu.Unlock()
	if closed || td == nil {
		return "-", nil
	}

	mapped, err := td.MappedCount()
	if err != nil {
		return "", fmt.Errorf("engine: thin info: mapped count: %w", err)
	}
	geom := t.pool.Geometry()
	mappedSectors := mapped * geom.SectorsPerBlock

	highest := "-"
	if v, ok, err := td.HighestMapped(); err != nil {
		return "", fmt.Errorf("engine: thin info: highest mapped: %w", err)
	} else if ok {
		highest = fmt.Sprintf("%d", (v<<geom.BlockShift)+geom.OffsetMask)
	}
	return fmt.Sprintf("%d %s", mappedSectors, highest), nil
}
