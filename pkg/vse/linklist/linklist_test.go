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

package linklist

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"vse.dev/vse/pkg/dma"
	"vse.dev/vse/pkg/vse/seerr"
	"vse.dev/vse/pkg/vse/wire"
)

type region struct {
	addr uint64
	n    int
}

func (r *region) Len() int { return r.n }

// fakeMapper hands out the regions' own addresses and records calls.
type fakeMapper struct {
	live   map[Segment]int
	maps   int
	unmaps int
	// failAt fails the Map call with this index, if non-negative.
	failAt int
}

func newFakeMapper() *fakeMapper {
	return &fakeMapper{live: make(map[Segment]int), failAt: -1}
}

func (m *fakeMapper) Map(seg Segment, dir dma.Direction) (uint64, error) {
	if m.maps == m.failAt {
		return 0, errors.New("iommu fault")
	}
	m.maps++
	m.live[seg]++
	return seg.(*region).addr, nil
}

func (m *fakeMapper) Unmap(seg Segment, dir dma.Direction) {
	m.unmaps++
	m.live[seg]--
	if m.live[seg] == 0 {
		delete(m.live, seg)
	}
}

func segments(lens ...int) []Segment {
	segs := make([]Segment, len(lens))
	addr := uint64(0x1000)
	for i, n := range lens {
		segs[i] = &region{addr: addr, n: n}
		addr += uint64(n) + 0x1000
	}
	return segs
}

func TestBuildSimple(t *testing.T) {
	m := newFakeMapper()
	segs := segments(100, 200, 300)
	l, err := Build(m, segs, 350, wire.AESMaxLL, 16, dma.ToDevice)
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	want := []wire.Addr{
		{Lo: 0x1000, Hi: 100},
		{Lo: uint32(segs[1].(*region).addr), Hi: 200},
		{Lo: uint32(segs[2].(*region).addr), Hi: 50},
	}
	if diff := cmp.Diff(want, l.Entries()); diff != "" {
		t.Errorf("Entries() mismatch (-want +got):\n%s", diff)
	}
	if m.maps != 3 {
		t.Errorf("Build() mapped %d segments, want 3", m.maps)
	}
	l.Unmap()
	l.Unmap()
	if len(m.live) != 0 || m.unmaps != 3 {
		t.Errorf("after Unmap(): %d live mappings, %d unmaps, want 0, 3", len(m.live), m.unmaps)
	}
}

func TestBuildStopsAtTotal(t *testing.T) {
	m := newFakeMapper()
	l, err := Build(m, segments(64, 64, 64), 64, wire.AESMaxLL, 16, dma.Bidirectional)
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	defer l.Unmap()
	if m.maps != 1 {
		t.Errorf("Build() mapped %d segments, want 1", m.maps)
	}
	if len(l.Entries()) != 1 {
		t.Errorf("Build() made %d entries, want 1", len(l.Entries()))
	}
}

func TestBuildSplitsLargeSegment(t *testing.T) {
	m := newFakeMapper()
	const size = 32 << 20
	l, err := Build(m, segments(size), size, wire.AESMaxLL, 16, dma.ToDevice)
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	defer l.Unmap()
	want := []wire.Addr{
		{Lo: 0x1000, Hi: MaxTransfer - 16},
		{Lo: 0x1000 + MaxTransfer - 16, Hi: MaxTransfer - 16},
		{Lo: 0x1000 + 2*(MaxTransfer-16), Hi: 32},
	}
	if diff := cmp.Diff(want, l.Entries()); diff != "" {
		t.Errorf("Entries() mismatch (-want +got):\n%s", diff)
	}
	if l.Len() != size {
		t.Errorf("Len() = %d, want %d", l.Len(), size)
	}
}

// TestBuildCoverage checks on random inputs that entries cover exactly the
// requested length, in segment order, with no entry above MaxTransfer.
func TestBuildCoverage(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for iter := 0; iter < 200; iter++ {
		var lens []int
		sum := 0
		for i := rng.Intn(6) + 1; i > 0; i-- {
			n := rng.Intn(3*MaxTransfer) + 1
			lens = append(lens, n)
			sum += n
		}
		total := rng.Intn(sum) + 1
		m := newFakeMapper()
		l, err := Build(m, segments(lens...), total, 1000, 64, dma.ToDevice)
		if err != nil {
			t.Fatalf("Build(%v, %d) failed: %v", lens, total, err)
		}
		if l.Len() != total {
			t.Errorf("Build(%v, %d) covers %d bytes", lens, total, l.Len())
		}
		var prev uint32
		for i, e := range l.Entries() {
			if e.Hi > MaxTransfer || e.Hi == 0 {
				t.Errorf("Build(%v, %d) entry %d has length %d", lens, total, i, e.Hi)
			}
			if e.Lo < prev {
				t.Errorf("Build(%v, %d) entry %d out of order", lens, total, i)
			}
			prev = e.Lo
		}
		l.Unmap()
		if len(m.live) != 0 {
			t.Errorf("Build(%v, %d) left %d mappings", lens, total, len(m.live))
		}
	}
}

func TestBuildTooManyEntries(t *testing.T) {
	for _, tc := range []struct {
		name string
		lens []int
		max  int
	}{
		{"segments", []int{16, 16, 16, 16}, 3},
		{"split", []int{16, 2 * MaxTransfer}, 2},
		{"sha", make26Plus1(), wire.SHAMaxLL},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := newFakeMapper()
			total := 0
			for _, n := range tc.lens {
				total += n
			}
			_, err := Build(m, segments(tc.lens...), total, tc.max, 16, dma.ToDevice)
			if !errors.Is(err, seerr.ErrTooManyEntries) {
				t.Fatalf("Build() = %v, want ErrTooManyEntries", err)
			}
			if len(m.live) != 0 || m.maps != m.unmaps {
				t.Errorf("Build() left %d mappings (%d maps, %d unmaps)", len(m.live), m.maps, m.unmaps)
			}
		})
	}
}

func make26Plus1() []int {
	lens := make([]int, wire.SHAMaxLL+1)
	for i := range lens {
		lens[i] = 64
	}
	return lens
}

func TestBuildMappingFailed(t *testing.T) {
	m := newFakeMapper()
	m.failAt = 2
	_, err := Build(m, segments(16, 16, 16, 16), 64, wire.AESMaxLL, 16, dma.ToDevice)
	if !errors.Is(err, seerr.ErrMappingFailed) {
		t.Fatalf("Build() = %v, want ErrMappingFailed", err)
	}
	if len(m.live) != 0 || m.unmaps != 2 {
		t.Errorf("Build() left %d mappings after %d unmaps, want 0 after 2", len(m.live), m.unmaps)
	}
}

func TestBuildShortList(t *testing.T) {
	m := newFakeMapper()
	_, err := Build(m, segments(16, 16), 64, wire.AESMaxLL, 16, dma.ToDevice)
	if !errors.Is(err, seerr.ErrInvalidArgument) {
		t.Fatalf("Build() = %v, want ErrInvalidArgument", err)
	}
	if len(m.live) != 0 {
		t.Errorf("Build() left %d mappings", len(m.live))
	}
}

func TestBuildWithArena(t *testing.T) {
	a, err := dma.NewAnonymous(1<<16, 0x4000_0000)
	if err != nil {
		t.Fatalf("NewAnonymous() failed: %v", err)
	}
	defer a.Close()
	sl, err := a.AllocScatter(1000, 256)
	if err != nil {
		t.Fatalf("AllocScatter() failed: %v", err)
	}
	defer sl.Free()
	l, err := Build(a, sl.Segments(), sl.Len(), wire.AESMaxLL, 16, dma.Bidirectional)
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	if got := a.Mappings(); got != len(sl) {
		t.Errorf("Mappings() = %d, want %d", got, len(sl))
	}
	if got := l.Entries()[1].Lo; uint64(got) != sl[1].Addr() {
		t.Errorf("entry 1 address = %#x, want %#x", got, sl[1].Addr())
	}
	l.Unmap()
	if got := a.Mappings(); got != 0 {
		t.Errorf("Mappings() = %d after Unmap, want 0", got)
	}
}
