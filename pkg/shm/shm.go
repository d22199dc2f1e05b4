// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package shm provides shared memory files mapped into the address space.
//
// A Region is backed either by an anonymous memfd, for peers in the same
// process, or by a named file (typically under /dev/shm), for peers in
// different processes. Both the IVC queues and the DMA arena live in Regions.
package shm

import (
	"fmt"
	"math/bits"
	"os"

	"golang.org/x/sys/unix"
)

var (
	pageSize = os.Getpagesize()
	pageMask = pageSize - 1
)

func init() {
	if bits.OnesCount(uint(pageSize)) != 1 {
		// This is depended on by RoundUpToPage().
		panic(fmt.Sprintf("system page size (%d) is not a power of 2", pageSize))
	}
}

// RoundUpToPage rounds x up to a multiple of the page size.
func RoundUpToPage(x int) int {
	return (x + pageMask) &^ pageMask
}

// Region is a shared memory file and its mapping.
type Region struct {
	fd   int
	path string
	data []byte
}

// NewMemfd creates an anonymous shared memory region of at least size bytes.
// The file is sealed against shrinking so that no holder can make another
// fault on access.
func NewMemfd(name string, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid size: %d", size)
	}
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("failed to create memfd: %v", err)
	}
	size = RoundUpToPage(size)
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate failed: %v", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_SEAL); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to apply memfd seals: %v", err)
	}
	return mapFD(fd, "", size)
}

// Create creates (or truncates) the file at path to at least size bytes and
// maps it.
func Create(path string, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid size: %d", size)
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create %q: %v", path, err)
	}
	size = RoundUpToPage(size)
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate %q failed: %v", path, err)
	}
	return mapFD(fd, path, size)
}

// Open maps an existing shared memory file in full.
func Open(path string) (*Region, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %q: %w", path, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("fstat %q failed: %v", path, err)
	}
	if st.Size <= 0 {
		unix.Close(fd)
		// The creator has not sized it yet.
		return nil, fmt.Errorf("%q is empty: %w", path, os.ErrNotExist)
	}
	return mapFD(fd, path, int(st.Size))
}

func mapFD(fd int, path string, size int) (*Region, error) {
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap failed: %v", err)
	}
	return &Region{fd: fd, path: path, data: data}, nil
}

// Bytes returns the mapped memory. The peer may modify it concurrently.
func (r *Region) Bytes() []byte {
	return r.data
}

// Len returns the size of the mapping.
func (r *Region) Len() int {
	return len(r.data)
}

// FD returns the file descriptor of the backing file.
func (r *Region) FD() int {
	return r.fd
}

// Path returns the backing file's path, or "" for a memfd.
func (r *Region) Path() string {
	return r.path
}

// Close unmaps the region and closes the backing file. The file itself is
// not removed.
func (r *Region) Close() error {
	var err error
	if r.data != nil {
		err = unix.Munmap(r.data)
		r.data = nil
	}
	if r.fd >= 0 {
		if cerr := unix.Close(r.fd); err == nil {
			err = cerr
		}
		r.fd = -1
	}
	return err
}
