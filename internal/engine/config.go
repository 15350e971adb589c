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
	"strconv"
	"strings"
)

// PoolTableArgs is a parsed pool-target constructor line (spec.md
// §6.3): "<metadata_dev> <data_dev> <block_size_sectors>
// <low_water_sectors> [<#feat> [skip_block_zeroing]]".
type PoolTableArgs struct {
	MetadataDev      string
	DataDev          string
	BlockSizeSectors uint64
	LowWaterSectors  uint64
	SkipBlockZeroing bool
}

// ParsePoolTableArgs parses a pool-target argument line the way a
// device-mapper target constructor does: a fixed positional prefix
// followed by an optional feature count and feature list.
func ParsePoolTableArgs(fields []string) (PoolTableArgs, error) {
	if len(fields) < 4 {
		return PoolTableArgs{}, fmt.Errorf("engine: pool table args: expected at least 4 fields, got %d", len(fields))
	}
	var a PoolTableArgs
	a.MetadataDev = fields[0]
	a.DataDev = fields[1]

	blockSize, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return PoolTableArgs{}, fmt.Errorf("engine: pool table args: block_size_sectors: %w", err)
	}
	a.BlockSizeSectors = blockSize

	lowWater, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return PoolTableArgs{}, fmt.Errorf("engine: pool table args: low_water_sectors: %w", err)
	}
	a.LowWaterSectors = lowWater

	rest := fields[4:]
	if len(rest) == 0 {
		return a, nil
	}
	nFeatures, err := strconv.Atoi(rest[0])
	if err != nil {
		return PoolTableArgs{}, fmt.Errorf("engine: pool table args: #feat: %w", err)
	}
	features := rest[1:]
	if len(features) != nFeatures {
		return PoolTableArgs{}, fmt.Errorf("engine: pool table args: #feat=%d but %d feature arg(s) given", nFeatures, len(features))
	}
	for _, f := range features {
		switch f {
		case "skip_block_zeroing":
			a.SkipBlockZeroing = true
		default:
			return PoolTableArgs{}, fmt.Errorf("engine: pool table args: unknown feature %q", f)
		}
	}
	return a, nil
}

// String renders a back the pool TABLE status line format of
// spec.md §6.3.
func (a PoolTableArgs) String() string {
	fields := []string{a.MetadataDev, a.DataDev,
		strconv.FormatUint(a.BlockSizeSectors, 10),
		strconv.FormatUint(a.LowWaterSectors, 10)}
	if a.SkipBlockZeroing {
		fields = append(fields, "1", "skip_block_zeroing")
	} else {
		fields = append(fields, "0")
	}
	return strings.Join(fields, " ")
}

// ThinTableArgs is a parsed thin-target constructor line (spec.md
// §6.3): "<pool_dev> <dev_id>".
type ThinTableArgs struct {
	PoolDev string
	DevID   uint32
}

// ParseThinTableArgs parses a thin-target argument line.
func ParseThinTableArgs(fields []string) (ThinTableArgs, error) {
	if len(fields) != 2 {
		return ThinTableArgs{}, fmt.Errorf("engine: thin table args: expected 2 fields, got %d", len(fields))
	}
	id, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return ThinTableArgs{}, fmt.Errorf("engine: thin table args: dev_id: %w", err)
	}
	return ThinTableArgs{PoolDev: fields[0], DevID: uint32(id)}, nil
}

// String renders the thin TABLE status line format of spec.md §6.3.
func (a ThinTableArgs) String() string {
	return fmt.Sprintf("%s %d", a.PoolDev, a.DevID)
}
