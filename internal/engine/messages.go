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

import "fmt"

// Runtime messages of spec.md §6.3/§4.7: "create_thin, create_snap,
// delete, trim, set_transaction_id. Each is parsed, validated,
// dispatched to the metadata store, and followed by a metadata
// commit; any failure is reported without mutating in-memory state."
//
// Dispatch-then-commit means a message that fails its own store call
// never reaches Commit, so nothing it half-did gets persisted; a
// message that succeeds but whose Commit fails is reported as failed
// too, even though the store's in-memory state has already moved —
// the next successful commit will simply carry that change forward.

// CreateThin handles the create_thin message.
func (p *Pool) CreateThin(id uint32) error {
	if err := p.store.CreateThin(id); err != nil {
		return fmt.Errorf("engine: create_thin %d: %w", id, err)
	}
	return p.commitOrFail("create_thin")
}

// CreateSnap handles the create_snap message.
func (p *Pool) CreateSnap(id, originID uint32) error {
	if err := p.store.CreateSnap(id, originID); err != nil {
		return fmt.Errorf("engine: create_snap %d from %d: %w", id, originID, err)
	}
	return p.commitOrFail("create_snap")
}

// DeleteThin handles the delete message.
func (p *Pool) DeleteThin(id uint32) error {
	if err := p.store.DeleteThin(id); err != nil {
		return fmt.Errorf("engine: delete %d: %w", id, err)
	}
	return p.commitOrFail("delete")
}

// TrimThin handles the trim message.
func (p *Pool) TrimThin(id uint32, newBlocks uint64) error {
	if err := p.store.TrimThin(id, newBlocks); err != nil {
		return fmt.Errorf("engine: trim %d to %d blocks: %w", id, newBlocks, err)
	}
	return p.commitOrFail("trim")
}

// SetTransactionID handles the set_transaction_id message.
func (p *Pool) SetTransactionID(old, new uint64) error {
	if err := p.store.SetTransactionID(old, new); err != nil {
		return fmt.Errorf("engine: set_transaction_id %d->%d: %w", old, new, err)
	}
	return p.commitOrFail("set_transaction_id")
}

func (p *Pool) commitOrFail(msg string) error {
	if err := p.store.Commit(); err != nil {
		return fmt.Errorf("engine: %s: commit: %w", msg, err)
	}
	return nil
}
