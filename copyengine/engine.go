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

// Package copyengine defines the asynchronous copy/zero collaborator
// consumed by the worker (spec.md §6.2). Callbacks run in completion
// context: they must not block and must not call back into the
// engine's own Copy/Zero while holding a lock the engine needs.
package copyengine

import (
	"context"

	"github.com/sneller-labs/thinpool/blockio"
)

// Region names a contiguous run of sectors on a device.
type Region struct {
	Dev    blockio.Device
	Sector uint64
	Count  uint64
}

// Engine dispatches asynchronous block copies and zero-fills.
type Engine interface {
	// Copy copies src to dst asynchronously and invokes cb once
	// both the read and the write have completed (or failed).
	Copy(ctx context.Context, src, dst Region, cb func(readErr, writeErr error))
	// Zero fills dst with zeroes asynchronously and invokes cb on
	// completion.
	Zero(ctx context.Context, dst Region, cb func(err error))
}
