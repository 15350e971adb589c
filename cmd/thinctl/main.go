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

// thinctl is a standalone driver for the thin-provisioning engine,
// standing in for the dmsetup/device-mapper-message plumbing a real
// kernel target would sit behind (spec.md §6.3). Every invocation
// opens its pool's metadata and data files fresh, runs one command,
// and exits; persistence across invocations comes entirely from
// metadatastore/filemd's on-disk superblock, not from any daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/sneller-labs/thinpool/blockio"
	"github.com/sneller-labs/thinpool/blockio/fileio"
	"github.com/sneller-labs/thinpool/copyengine/directcopy"
	"github.com/sneller-labs/thinpool/internal/engine"
	"github.com/sneller-labs/thinpool/metadatastore/filemd"
)

// metadataFileBytes is the fixed backing-file size thinctl formats a
// new metadata device to. filemd keeps its whole table resident and
// rewrites it wholesale on every commit, so this isn't a hard
// capacity limit the way a real B-tree's block count would be; it
// only needs to be larger than the largest superblock thinctl will
// ever write in one run.
const metadataFileBytes = 64 << 20

// metadataBlockCapacity is the FreeMetadataBlockCount() budget a
// freshly formatted pool reports, standing in for the real metadata
// space-map accounting a production B-tree layer would maintain.
const metadataBlockCapacity = 1 << 16

var (
	dashConfig string
	dashV      bool
)

func init() {
	flag.StringVar(&dashConfig, "c", "thinpool.yaml", "pool definition config file")
	flag.BoolVar(&dashV, "v", false, "verbose")
}

func exitf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f+"\n", args...)
	os.Exit(1)
}

func logf(f string, args ...interface{}) {
	if dashV {
		log.Printf(f, args...)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "    %s [-c config.yaml] create-pool <pool> <data-size-bytes>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "    %s [-c config.yaml] create-thin <pool> <dev-id>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "    %s [-c config.yaml] create-snap <pool> <dev-id> <origin-id>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "    %s [-c config.yaml] delete <pool> <dev-id>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "    %s [-c config.yaml] trim <pool> <dev-id> <new-blocks>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "    %s [-c config.yaml] set-transaction-id <pool> <old> <new>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "    %s [-c config.yaml] pool-status <pool>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "    %s [-c config.yaml] pool-table <pool>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "    %s [-c config.yaml] thin-status <pool> <dev-id>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "    %s [-c config.yaml] thin-table <pool> <dev-id>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "    %s [-c config.yaml] dump <pool> <dev-id> <sector> <count> <outfile>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "    %s [-c config.yaml] restore <pool> <dev-id> <sector> <count> <infile>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "    %s [-c config.yaml] resize <pool> <new-data-size-bytes>\n", os.Args[0])
	flag.Usage()
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	tp := initTracing()
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logf("tracer shutdown: %v", err)
		}
	}()

	var err error
	switch args[0] {
	case "create-pool":
		err = requireArgs(args, 3, createPool)
	case "create-thin":
		err = requireArgs(args, 3, createThin)
	case "create-snap":
		err = requireArgs(args, 4, createSnap)
	case "delete":
		err = requireArgs(args, 3, deleteThin)
	case "trim":
		err = requireArgs(args, 4, trimThin)
	case "set-transaction-id":
		err = requireArgs(args, 4, setTransactionID)
	case "pool-status":
		err = requireArgs(args, 2, poolStatus)
	case "pool-table":
		err = requireArgs(args, 2, poolTable)
	case "thin-status":
		err = requireArgs(args, 3, thinStatus)
	case "thin-table":
		err = requireArgs(args, 3, thinTable)
	case "dump":
		err = requireArgs(args, 6, dump)
	case "restore":
		err = requireArgs(args, 6, restore)
	case "resize":
		err = requireArgs(args, 3, resize)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		exitf("thinctl: %s: %v", args[0], err)
	}
}

// requireArgs checks args has exactly n entries (including args[0],
// the subcommand name) before invoking cmd with the remaining
// positional arguments.
func requireArgs(args []string, n int, cmd func([]string) error) error {
	if len(args) != n {
		usage()
		os.Exit(1)
	}
	return cmd(args[1:])
}

func parseUint(s, what string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", what, s, err)
	}
	return v, nil
}

func parseUint32(s, what string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", what, s, err)
	}
	return uint32(v), nil
}

// createPool formats fresh metadata and data files for a pool named
// in the config file; filemd.New writes the initial superblock. It
// does not bind the pool.
func createPool(args []string) error {
	cfg, err := LoadConfig(dashConfig)
	if err != nil {
		return err
	}
	def, err := cfg.Pool(args[0])
	if err != nil {
		return err
	}
	dataSizeBytes, err := parseUint(args[1], "data-size-bytes")
	if err != nil {
		return err
	}
	if def.BlockSizeSectors == 0 {
		return fmt.Errorf("pool %q: blockSizeSectors must be nonzero", args[0])
	}

	dataFile, err := fileio.Open(def.DataDev, true, int64(dataSizeBytes))
	if err != nil {
		return fmt.Errorf("format data device: %w", err)
	}
	defer dataFile.Close()

	metaFile, err := fileio.Open(def.MetadataDev, true, metadataFileBytes)
	if err != nil {
		return fmt.Errorf("format metadata device: %w", err)
	}
	defer metaFile.Close()

	dataBlocks := dataSizeBytes / (def.BlockSizeSectors * blockio.SectorSize)
	store, err := filemd.New(metaFile, dataBlocks, metadataBlockCapacity)
	if err != nil {
		return fmt.Errorf("format superblock: %w", err)
	}
	defer store.Close()

	logf("formatted pool %q: %d data blocks at %d sectors/block", args[0], dataBlocks, def.BlockSizeSectors)
	return nil
}

// resize grows a pool's data file and runs the same preresume path a
// real dm-thin target runs on table reload after the backing LV has
// been extended (spec.md §4.7): compare declared vs. superblock size,
// grow+commit the metadata, clear the low-water latch, and retry
// anything parked in the out-of-space retry queue.
func resize(args []string) error {
	cfg, err := LoadConfig(dashConfig)
	if err != nil {
		return err
	}
	def, err := cfg.Pool(args[0])
	if err != nil {
		return err
	}
	newSizeBytes, err := parseUint(args[1], "new-data-size-bytes")
	if err != nil {
		return err
	}

	dataFile, err := fileio.Open(def.DataDev, false, 0)
	if err != nil {
		return fmt.Errorf("open data device: %w", err)
	}
	defer dataFile.Close()
	if err := dataFile.Truncate(int64(newSizeBytes)); err != nil {
		return fmt.Errorf("grow data device: %w", err)
	}

	metaFile, err := fileio.Open(def.MetadataDev, false, 0)
	if err != nil {
		return fmt.Errorf("open metadata device: %w", err)
	}
	defer metaFile.Close()
	store, err := filemd.Open(metaFile)
	if err != nil {
		return fmt.Errorf("open superblock: %w", err)
	}
	defer store.Close()

	r := engine.NewRegistry(log.Default())
	p, err := r.CreatePool(engine.PoolConfig{
		Store:            store,
		Engine:           directcopy.New(4),
		DataDev:          dataFile,
		BlockSizeSectors: def.BlockSizeSectors,
		LowWaterSectors:  def.LowWaterSectors,
		SkipBlockZeroing: def.SkipBlockZeroing,
	})
	if err != nil {
		return fmt.Errorf("bind pool: %w", err)
	}
	if err := p.Preresume(); err != nil {
		return fmt.Errorf("preresume: %w", err)
	}
	logf("resized pool %q data device to %d bytes", args[0], newSizeBytes)
	return nil
}

// bindPool opens an already-formatted pool's backing files and binds
// it into a fresh, process-local engine.Registry. Callers must call
// the returned closer once done.
func bindPool(poolName string) (*engine.Registry, *engine.Pool, func(), error) {
	cfg, err := LoadConfig(dashConfig)
	if err != nil {
		return nil, nil, nil, err
	}
	def, err := cfg.Pool(poolName)
	if err != nil {
		return nil, nil, nil, err
	}
	dataFile, err := fileio.Open(def.DataDev, false, 0)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open data device: %w", err)
	}
	metaFile, err := fileio.Open(def.MetadataDev, false, 0)
	if err != nil {
		dataFile.Close()
		return nil, nil, nil, fmt.Errorf("open metadata device: %w", err)
	}
	store, err := filemd.Open(metaFile)
	if err != nil {
		dataFile.Close()
		metaFile.Close()
		return nil, nil, nil, fmt.Errorf("open superblock: %w", err)
	}

	r := engine.NewRegistry(log.Default())
	p, err := r.CreatePool(engine.PoolConfig{
		Store:            store,
		Engine:           directcopy.New(4),
		DataDev:          dataFile,
		BlockSizeSectors: def.BlockSizeSectors,
		LowWaterSectors:  def.LowWaterSectors,
		SkipBlockZeroing: def.SkipBlockZeroing,
	})
	if err != nil {
		store.Close()
		dataFile.Close()
		metaFile.Close()
		return nil, nil, nil, fmt.Errorf("bind pool: %w", err)
	}
	closer := func() {
		store.Close()
		dataFile.Close()
		metaFile.Close()
	}
	return r, p, closer, nil
}

func createThin(args []string) error {
	_, p, closer, err := bindPool(args[0])
	if err != nil {
		return err
	}
	defer closer()
	id, err := parseUint32(args[1], "dev-id")
	if err != nil {
		return err
	}
	return p.CreateThin(id)
}

func createSnap(args []string) error {
	_, p, closer, err := bindPool(args[0])
	if err != nil {
		return err
	}
	defer closer()
	id, err := parseUint32(args[1], "dev-id")
	if err != nil {
		return err
	}
	origin, err := parseUint32(args[2], "origin-id")
	if err != nil {
		return err
	}
	return p.CreateSnap(id, origin)
}

func deleteThin(args []string) error {
	_, p, closer, err := bindPool(args[0])
	if err != nil {
		return err
	}
	defer closer()
	id, err := parseUint32(args[1], "dev-id")
	if err != nil {
		return err
	}
	return p.DeleteThin(id)
}

func trimThin(args []string) error {
	_, p, closer, err := bindPool(args[0])
	if err != nil {
		return err
	}
	defer closer()
	id, err := parseUint32(args[1], "dev-id")
	if err != nil {
		return err
	}
	newBlocks, err := parseUint(args[2], "new-blocks")
	if err != nil {
		return err
	}
	return p.TrimThin(id, newBlocks)
}

func setTransactionID(args []string) error {
	_, p, closer, err := bindPool(args[0])
	if err != nil {
		return err
	}
	defer closer()
	old, err := parseUint(args[1], "old")
	if err != nil {
		return err
	}
	new, err := parseUint(args[2], "new")
	if err != nil {
		return err
	}
	return p.SetTransactionID(old, new)
}

func poolStatus(args []string) error {
	_, p, closer, err := bindPool(args[0])
	if err != nil {
		return err
	}
	defer closer()
	line, err := p.InfoLine()
	if err != nil {
		return err
	}
	fmt.Println(line)
	return nil
}

func poolTable(args []string) error {
	cfg, err := LoadConfig(dashConfig)
	if err != nil {
		return err
	}
	def, err := cfg.Pool(args[0])
	if err != nil {
		return err
	}
	t := engine.PoolTableArgs{
		MetadataDev:      def.MetadataDev,
		DataDev:          def.DataDev,
		BlockSizeSectors: def.BlockSizeSectors,
		LowWaterSectors:  def.LowWaterSectors,
		SkipBlockZeroing: def.SkipBlockZeroing,
	}
	fmt.Println(t.String())
	return nil
}

func thinStatus(args []string) error {
	r, p, closer, err := bindPool(args[0])
	if err != nil {
		return err
	}
	defer closer()
	id, err := parseUint32(args[1], "dev-id")
	if err != nil {
		return err
	}
	thin, err := engine.BindThin(r, p.Handle, id)
	if err != nil {
		return err
	}
	defer thin.Unbind()
	line, err := thin.InfoLine()
	if err != nil {
		return err
	}
	fmt.Println(line)
	return nil
}

func thinTable(args []string) error {
	id, err := parseUint32(args[1], "dev-id")
	if err != nil {
		return err
	}
	t := engine.ThinTableArgs{PoolDev: args[0], DevID: id}
	fmt.Println(t.String())
	return nil
}

// submitAndWait blocks until bio completes, for the one-shot
// read/write thinctl issues per dump/restore invocation.
func submitAndWait(thin *engine.Thin, bio *blockio.Bio) error {
	done := make(chan error, 1)
	bio.SetCompletion(func(err error) { done <- err })
	if err := thin.Submit(bio); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-time.After(30 * time.Second):
		return fmt.Errorf("timed out waiting for bio completion")
	}
}

func dump(args []string) error {
	r, p, closer, err := bindPool(args[0])
	if err != nil {
		return err
	}
	defer closer()
	id, err := parseUint32(args[1], "dev-id")
	if err != nil {
		return err
	}
	sector, err := parseUint(args[2], "sector")
	if err != nil {
		return err
	}
	count, err := parseUint(args[3], "count")
	if err != nil {
		return err
	}
	thin, err := engine.BindThin(r, p.Handle, id)
	if err != nil {
		return err
	}
	defer thin.Unbind()

	bio := &blockio.Bio{Sector: sector, Count: count, Data: make([]byte, blockio.Bytes(count))}
	if err := submitAndWait(thin, bio); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	compressed, err := directcopy.CompressBytes(bio.Data)
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[4], compressed, 0640); err != nil {
		return fmt.Errorf("write dump file: %w", err)
	}
	logf("dumped %d sectors starting at %d to %s (%d bytes compressed)", count, sector, args[4], len(compressed))
	return nil
}

func restore(args []string) error {
	r, p, closer, err := bindPool(args[0])
	if err != nil {
		return err
	}
	defer closer()
	id, err := parseUint32(args[1], "dev-id")
	if err != nil {
		return err
	}
	sector, err := parseUint(args[2], "sector")
	if err != nil {
		return err
	}
	count, err := parseUint(args[3], "count")
	if err != nil {
		return err
	}
	compressed, err := os.ReadFile(args[4])
	if err != nil {
		return fmt.Errorf("read dump file: %w", err)
	}
	raw, err := directcopy.DecompressBytes(compressed)
	if err != nil {
		return err
	}
	if want := int64(blockio.Bytes(count)); int64(len(raw)) != want {
		return fmt.Errorf("dump file decompresses to %d bytes, want %d for %d sectors", len(raw), want, count)
	}

	thin, err := engine.BindThin(r, p.Handle, id)
	if err != nil {
		return err
	}
	defer thin.Unbind()

	bio := &blockio.Bio{Sector: sector, Count: count, Write: true, Data: raw}
	if err := submitAndWait(thin, bio); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	logf("restored %d sectors starting at %d from %s", count, sector, args[4])
	return nil
}
