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

// Package dma provides device-visible memory for the security engine: an
// arena in shared memory whose offsets are exposed to the remote engine as
// 32-bit bus addresses, and mapping bookkeeping per transfer direction.
package dma

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"vse.dev/vse/pkg/log"
	"vse.dev/vse/pkg/shm"
	"vse.dev/vse/pkg/vse/seerr"
)

// Direction is the direction of a DMA transfer, relative to the device.
type Direction int

// Transfer directions, numbered as the Linux DMA API numbers them.
const (
	Bidirectional Direction = 0
	ToDevice      Direction = 1
	FromDevice    Direction = 2
)

func (d Direction) String() string {
	switch d {
	case Bidirectional:
		return "bidirectional"
	case ToDevice:
		return "to-device"
	case FromDevice:
		return "from-device"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Align is the allocation granularity of an Arena.
const Align = 64

// Segment is one physically contiguous piece of a buffer.
type Segment interface {
	Len() int
}

// extent is a free range of arena offsets.
type extent struct {
	off, len int
}

func extentLess(a, b extent) bool {
	return a.off < b.off
}

// Arena is device-visible memory. Buffers are carved out of it first-fit;
// free space is kept as coalesced extents ordered by offset.
//
// Arena is safe for concurrent use.
type Arena struct {
	region *shm.Region
	base   uint64
	owned  bool

	mu sync.Mutex
	// +checklocks:mu
	free *btree.BTreeG[extent]
	// mapped counts the live mappings of each buffer.
	// +checklocks:mu
	mapped map[*Buffer]mapping
	// +checklocks:mu
	inUse int
}

type mapping struct {
	dir   Direction
	count int
}

// NewArena manages r as device memory at bus address base. The whole region
// must be addressable with 32 bits.
func NewArena(r *shm.Region, base uint64) (*Arena, error) {
	if base+uint64(r.Len()) > 1<<32 {
		return nil, fmt.Errorf("arena [%#x, %#x) does not fit 32-bit bus addresses", base, base+uint64(r.Len()))
	}
	a := &Arena{
		region: r,
		base:   base,
		free:   btree.NewG[extent](8, extentLess),
		mapped: make(map[*Buffer]mapping),
	}
	usable := r.Len() &^ (Align - 1)
	if usable > 0 {
		a.free.ReplaceOrInsert(extent{off: 0, len: usable})
	}
	return a, nil
}

// NewAnonymous returns an arena of size bytes in anonymous shared memory.
func NewAnonymous(size int, base uint64) (*Arena, error) {
	r, err := shm.NewMemfd("dma", size)
	if err != nil {
		return nil, err
	}
	a, err := NewArena(r, base)
	if err != nil {
		r.Close()
		return nil, err
	}
	a.owned = true
	return a, nil
}

// Create returns an arena backed by a new or existing file at path.
func Create(path string, size int, base uint64) (*Arena, error) {
	r, err := shm.Create(path, size)
	if err != nil {
		return nil, err
	}
	a, err := NewArena(r, base)
	if err != nil {
		r.Close()
		return nil, err
	}
	a.owned = true
	return a, nil
}

// Open returns an arena backed by the existing file at path.
func Open(path string, base uint64) (*Arena, error) {
	r, err := shm.Open(path)
	if err != nil {
		return nil, err
	}
	a, err := NewArena(r, base)
	if err != nil {
		r.Close()
		return nil, err
	}
	a.owned = true
	return a, nil
}

// Close releases the backing memory if the arena created it. Buffers must
// not be used afterwards.
func (a *Arena) Close() error {
	if !a.owned {
		return nil
	}
	return a.region.Close()
}

// Base returns the bus address of the first byte of the arena.
func (a *Arena) Base() uint64 {
	return a.base
}

// Size returns the arena size in bytes.
func (a *Arena) Size() int {
	return a.region.Len()
}

// InUse returns the number of allocated bytes, rounded to Align.
func (a *Arena) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// Mappings returns the number of buffers with live mappings.
func (a *Arena) Mappings() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.mapped)
}

// Alloc returns a zeroed buffer of n bytes.
func (a *Arena) Alloc(n int) (*Buffer, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative allocation %d", seerr.ErrInvalidArgument, n)
	}
	size := (n + Align - 1) &^ (Align - 1)
	if size == 0 {
		size = Align
	}

	a.mu.Lock()
	var found extent
	ok := false
	a.free.Ascend(func(e extent) bool {
		if e.len >= size {
			found, ok = e, true
			return false
		}
		return true
	})
	if !ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: no %d byte extent in dma arena (%d of %d bytes in use)", seerr.ErrResourceExhausted, size, a.inUse, a.Size())
	}
	a.free.Delete(found)
	if found.len > size {
		a.free.ReplaceOrInsert(extent{off: found.off + size, len: found.len - size})
	}
	a.inUse += size
	a.mu.Unlock()

	b := &Buffer{arena: a, off: found.off, n: n, size: size}
	clear(b.Bytes())
	return b, nil
}

// release returns b's extent to the free index, merging it with adjacent
// free extents.
func (a *Arena) release(b *Buffer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.mapped[b]; ok {
		log.Warningf("dma: freeing buffer at %#x with %d live %v mappings", b.Addr(), m.count, m.dir)
		delete(a.mapped, b)
	}
	e := extent{off: b.off, len: b.size}
	if prev, ok := a.lowerNeighbor(e); ok && prev.off+prev.len == e.off {
		a.free.Delete(prev)
		e = extent{off: prev.off, len: prev.len + e.len}
	}
	if next, ok := a.free.Get(extent{off: e.off + e.len}); ok {
		a.free.Delete(next)
		e.len += next.len
	}
	a.free.ReplaceOrInsert(e)
	a.inUse -= b.size
}

// +checklocks:a.mu
func (a *Arena) lowerNeighbor(e extent) (extent, bool) {
	var prev extent
	ok := false
	a.free.DescendLessOrEqual(e, func(p extent) bool {
		prev, ok = p, true
		return false
	})
	return prev, ok
}

// Map makes seg visible to the device for dir and returns its bus address.
// seg must be a live *Buffer of this arena.
func (a *Arena) Map(seg Segment, dir Direction) (uint64, error) {
	b, ok := seg.(*Buffer)
	if !ok || b.arena != a {
		return 0, fmt.Errorf("%w: %T is not a buffer of this arena", seerr.ErrMappingFailed, seg)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if b.freed {
		return 0, fmt.Errorf("%w: buffer at offset %#x was freed", seerr.ErrMappingFailed, b.off)
	}
	m := a.mapped[b]
	if m.count > 0 && m.dir != dir {
		return 0, fmt.Errorf("%w: buffer at %#x already mapped %v", seerr.ErrMappingFailed, b.Addr(), m.dir)
	}
	a.mapped[b] = mapping{dir: dir, count: m.count + 1}
	return b.Addr(), nil
}

// Unmap drops one mapping of seg made by Map.
func (a *Arena) Unmap(seg Segment, dir Direction) {
	b, ok := seg.(*Buffer)
	if !ok || b.arena != a {
		log.Warningf("dma: unmapping foreign segment %T", seg)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.mapped[b]
	if !ok {
		log.Warningf("dma: unmapping buffer at %#x that is not mapped", b.Addr())
		return
	}
	if m.dir != dir {
		log.Warningf("dma: unmapping buffer at %#x as %v, mapped %v", b.Addr(), dir, m.dir)
	}
	if m.count == 1 {
		delete(a.mapped, b)
		return
	}
	m.count--
	a.mapped[b] = m
}

// Slice returns the arena bytes at bus address addr. It is how the device
// side resolves addresses found in requests.
func (a *Arena) Slice(addr uint64, n int) ([]byte, error) {
	if addr < a.base || n < 0 || addr-a.base+uint64(n) > uint64(a.region.Len()) {
		return nil, fmt.Errorf("%w: [%#x, +%d) outside dma arena", seerr.ErrInvalidArgument, addr, n)
	}
	off := int(addr - a.base)
	return a.region.Bytes()[off : off+n], nil
}

// Buffer is an allocation in an Arena. It is one Segment.
type Buffer struct {
	arena *Arena
	off   int
	n     int
	size  int
	freed bool
}

// Len implements Segment.Len.
func (b *Buffer) Len() int {
	return b.n
}

// Bytes returns the buffer contents.
func (b *Buffer) Bytes() []byte {
	return b.arena.region.Bytes()[b.off : b.off+b.n]
}

// Addr returns the bus address of the buffer.
func (b *Buffer) Addr() uint64 {
	return b.arena.base + uint64(b.off)
}

// Free returns the buffer to its arena. Freeing twice is a no-op.
func (b *Buffer) Free() {
	b.arena.mu.Lock()
	freed := b.freed
	b.freed = true
	b.arena.mu.Unlock()
	if !freed {
		b.arena.release(b)
	}
}
