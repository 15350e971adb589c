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

// Package fileio implements blockio.Device over a regular file or
// block special file using raw pread/pwrite/fsync, in the same style
// the teacher package uses golang.org/x/sys/unix for cgroup and unix
// socket I/O rather than the higher-level os.File Read/WriteAt, so
// that the data path never goes through Go's internal file-offset
// locking.
package fileio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// File is a blockio.Device backed by an *os.File.
type File struct {
	f  *os.File
	fd int
}

// Open opens path for direct block I/O. If create is true, the file is
// created if it does not already exist and is then truncated to size
// bytes, whether it was new or not.
func Open(path string, create bool, size int64) (*File, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0640)
	if err != nil {
		return nil, fmt.Errorf("fileio: open %s: %w", path, err)
	}
	if create {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("fileio: truncate %s: %w", path, err)
		}
	}
	return &File{f: f, fd: int(f.Fd())}, nil
}

// ReadAt implements blockio.Device.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	n, err := unix.Pread(f.fd, p, off)
	if err != nil {
		return n, fmt.Errorf("fileio: pread: %w", err)
	}
	return n, nil
}

// WriteAt implements blockio.Device.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	n, err := unix.Pwrite(f.fd, p, off)
	if err != nil {
		return n, fmt.Errorf("fileio: pwrite: %w", err)
	}
	return n, nil
}

// Sync implements blockio.Device.
func (f *File) Sync() error {
	if err := unix.Fsync(f.fd); err != nil {
		return fmt.Errorf("fileio: fsync: %w", err)
	}
	return nil
}

// Size implements blockio.Device.
func (f *File) Size() (int64, error) {
	fi, err := f.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("fileio: stat: %w", err)
	}
	return fi.Size(), nil
}

// Truncate grows or shrinks the backing file, used when the pool's
// data device needs to be resized (spec.md §4.7 preresume).
func (f *File) Truncate(size int64) error {
	if err := f.f.Truncate(size); err != nil {
		return fmt.Errorf("fileio: truncate: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (f *File) Close() error {
	return f.f.Close()
}
