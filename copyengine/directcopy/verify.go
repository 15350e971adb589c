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

package directcopy

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/sneller-labs/thinpool/blockio"
	"github.com/sneller-labs/thinpool/copyengine"
)

// ReadRegion reads r's full extent into memory, for test assertions
// and for Equal and CompressedDump below.
func ReadRegion(r copyengine.Region) ([]byte, error) {
	buf := make([]byte, blockio.Bytes(r.Count))
	if _, err := r.Dev.ReadAt(buf, blockio.Bytes(r.Sector)); err != nil {
		return nil, fmt.Errorf("directcopy: read region: %w", err)
	}
	return buf, nil
}

// Equal reports whether a and b hold identical bytes, used by tests to
// check that Copy actually reproduced the source region rather than
// just invoking its callback with a nil error.
func Equal(a, b copyengine.Region) (bool, error) {
	if a.Count != b.Count {
		return false, nil
	}
	da, err := ReadRegion(a)
	if err != nil {
		return false, err
	}
	db, err := ReadRegion(b)
	if err != nil {
		return false, err
	}
	if len(da) != len(db) {
		return false, nil
	}
	for i := range da {
		if da[i] != db[i] {
			return false, nil
		}
	}
	return true, nil
}

// CompressBytes zstd-compresses raw in one shot. It backs
// CompressedDump below, and is also called directly by cmd/thinctl's
// dump subcommand, which reads a thin device's blocks through the
// normal mapped-read path (so COW sharing is respected) before
// compressing the result itself.
func CompressBytes(raw []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("directcopy: new zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

// DecompressBytes reverses CompressBytes.
func DecompressBytes(compressed []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("directcopy: new zstd decoder: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("directcopy: decode dump: %w", err)
	}
	return raw, nil
}

// CompressedDump zstd-compresses r's contents in one shot: ReadRegion
// plus CompressBytes combined into a single call, used by tests.
// cmd/thinctl's own dump subcommand does not use this helper or
// ReadRegion: it reads through the thin device's mapped-read path and
// calls CompressBytes on the result.
func CompressedDump(r copyengine.Region) ([]byte, error) {
	raw, err := ReadRegion(r)
	if err != nil {
		return nil, err
	}
	return CompressBytes(raw)
}

// RestoreDump decompresses a CompressedDump back into raw block bytes.
// It is DecompressBytes under a name that matches CompressedDump; test
// code that produces a CompressedDump uses this to verify round-trips.
func RestoreDump(compressed []byte) ([]byte, error) {
	return DecompressBytes(compressed)
}
