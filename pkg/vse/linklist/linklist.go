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

// Package linklist builds the bounded (address, length) lists that describe
// a scatter/gather buffer to the remote engine's DMA.
package linklist

import (
	"errors"
	"fmt"

	"vse.dev/vse/pkg/dma"
	"vse.dev/vse/pkg/vse/seerr"
	"vse.dev/vse/pkg/vse/wire"
)

// MaxTransfer is the largest single transfer the remote DMA accepts.
const MaxTransfer = 0x1000000

// Segment is one physically contiguous region of a buffer.
type Segment = dma.Segment

// Mapper makes segments visible to the device.
type Mapper interface {
	// Map returns the bus address of seg, mapped for dir.
	Map(seg Segment, dir dma.Direction) (uint64, error)

	// Unmap releases a mapping made by Map.
	Unmap(seg Segment, dir dma.Direction)
}

// List is a built linked list and the mappings backing it.
type List struct {
	m       Mapper
	dir     dma.Direction
	entries []wire.Addr
	mapped  []Segment
}

// Build maps segs in order until total bytes are covered and returns the
// list describing them. Segments longer than MaxTransfer are split into
// entries of MaxTransfer-blockSize bytes followed by the remainder.
//
// On failure every segment mapped by Build has been unmapped. On success the
// caller owns the mappings and must call List.Unmap.
func Build(m Mapper, segs []Segment, total, maxEntries, blockSize int, dir dma.Direction) (*List, error) {
	if blockSize <= 0 || blockSize >= MaxTransfer {
		return nil, fmt.Errorf("%w: block size %d", seerr.ErrInvalidArgument, blockSize)
	}
	l := &List{m: m, dir: dir}
	left := total
	for i, seg := range segs {
		if left <= 0 {
			break
		}
		addr, err := m.Map(seg, dir)
		if err != nil {
			l.Unmap()
			return nil, fmt.Errorf("segment %d: %w", i, wrapMapping(err))
		}
		l.mapped = append(l.mapped, seg)

		n := min(seg.Len(), left)
		left -= n
		for n >= MaxTransfer {
			if err := l.emit(maxEntries, addr, MaxTransfer-blockSize); err != nil {
				return nil, err
			}
			addr += uint64(MaxTransfer - blockSize)
			n -= MaxTransfer - blockSize
		}
		if n > 0 {
			if err := l.emit(maxEntries, addr, n); err != nil {
				return nil, err
			}
		}
	}
	if left > 0 {
		l.Unmap()
		return nil, fmt.Errorf("%w: scatter list is %d bytes short of %d", seerr.ErrInvalidArgument, left, total)
	}
	return l, nil
}

func wrapMapping(err error) error {
	if errors.Is(err, seerr.ErrMappingFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", seerr.ErrMappingFailed, err)
}

func (l *List) emit(maxEntries int, addr uint64, n int) error {
	if len(l.entries) >= maxEntries {
		l.Unmap()
		return fmt.Errorf("%w: more than %d entries", seerr.ErrTooManyEntries, maxEntries)
	}
	l.entries = append(l.entries, wire.Addr{Lo: uint32(addr), Hi: uint32(n)})
	return nil
}

// Entries returns the list entries.
func (l *List) Entries() []wire.Addr {
	return l.entries
}

// Len returns the number of bytes the list covers.
func (l *List) Len() int {
	n := 0
	for _, e := range l.entries {
		n += int(e.Hi)
	}
	return n
}

// Unmap unmaps every mapped segment, most recent first. It is idempotent.
func (l *List) Unmap() {
	for i := len(l.mapped) - 1; i >= 0; i-- {
		l.m.Unmap(l.mapped[i], l.dir)
	}
	l.mapped = nil
}
