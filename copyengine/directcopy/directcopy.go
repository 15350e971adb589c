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

// Package directcopy implements copyengine.Engine by performing the
// copy/zero synchronously on a bounded pool of background goroutines,
// the same dispatch shape tenant/dcache.Cache.asyncReadThrough uses in
// the teacher package: a semaphore channel bounds concurrency, and the
// callback is invoked from whichever goroutine the semaphore admitted,
// standing in for "completion context" as spec.md §9 suggests for a
// systems-language port without real interrupt-context constraints.
package directcopy

import (
	"context"
	"fmt"

	"github.com/sneller-labs/thinpool/blockio"
	"github.com/sneller-labs/thinpool/copyengine"
)

// Engine is a copyengine.Engine backed by goroutines bounded by a
// semaphore of the given width.
type Engine struct {
	sem chan struct{}
}

// New returns an Engine that runs at most parallel copies/zeroes
// concurrently.
func New(parallel int) *Engine {
	if parallel < 1 {
		parallel = 1
	}
	return &Engine{sem: make(chan struct{}, parallel)}
}

func (e *Engine) acquire() { e.sem <- struct{}{} }
func (e *Engine) release() { <-e.sem }

// Copy implements copyengine.Engine.
func (e *Engine) Copy(ctx context.Context, src, dst copyengine.Region, cb func(readErr, writeErr error)) {
	e.acquire()
	go func() {
		defer e.release()
		buf := make([]byte, blockio.Bytes(src.Count))
		_, readErr := src.Dev.ReadAt(buf, blockio.Bytes(src.Sector))
		if readErr != nil {
			cb(fmt.Errorf("directcopy: read: %w", readErr), nil)
			return
		}
		_, writeErr := dst.Dev.WriteAt(buf, blockio.Bytes(dst.Sector))
		if writeErr != nil {
			cb(nil, fmt.Errorf("directcopy: write: %w", writeErr))
			return
		}
		cb(nil, nil)
	}()
}

// Zero implements copyengine.Engine.
func (e *Engine) Zero(ctx context.Context, dst copyengine.Region, cb func(err error)) {
	e.acquire()
	go func() {
		defer e.release()
		buf := make([]byte, blockio.Bytes(dst.Count))
		_, err := dst.Dev.WriteAt(buf, blockio.Bytes(dst.Sector))
		if err != nil {
			cb(fmt.Errorf("directcopy: zero: %w", err))
			return
		}
		cb(nil)
	}()
}
