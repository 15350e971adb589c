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

package main

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// Config is thinctl's static pool-definition file: a table of named
// pools and the files backing their metadata/data devices, the CLI
// analogue of the table line a real dm-thin setup would load via
// dmsetup. sigs.k8s.io/yaml lets the same struct tags serve both a
// YAML file (the expected format) and plain JSON, the way sigs.k8s.io/
// yaml is meant to be used: convert YAML to JSON, then decode with the
// ordinary encoding/json struct tags below.
type Config struct {
	Pools map[string]PoolDef `json:"pools"`
}

// PoolDef is one pool's entry in a Config.
type PoolDef struct {
	MetadataDev      string `json:"metadataDev"`
	DataDev          string `json:"dataDev"`
	BlockSizeSectors uint64 `json:"blockSizeSectors"`
	LowWaterSectors  uint64 `json:"lowWaterSectors"`
	SkipBlockZeroing bool   `json:"skipBlockZeroing,omitempty"`
}

// LoadConfig reads and parses a pool-definition file at path.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("thinctl: read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("thinctl: parse config %s: %w", path, err)
	}
	if cfg.Pools == nil {
		return nil, fmt.Errorf("thinctl: config %s defines no pools", path)
	}
	return &cfg, nil
}

// Pool looks up a pool definition by name.
func (c *Config) Pool(name string) (PoolDef, error) {
	p, ok := c.Pools[name]
	if !ok {
		return PoolDef{}, fmt.Errorf("thinctl: no pool named %q in config", name)
	}
	return p, nil
}
