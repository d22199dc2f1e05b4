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

package dma

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"vse.dev/vse/pkg/vse/seerr"
)

const testBase = 0x8000_0000

func newArena(t *testing.T, size int) *Arena {
	t.Helper()
	a, err := NewAnonymous(size, testBase)
	if err != nil {
		t.Fatalf("NewAnonymous() failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func (a *Arena) freeExtents() []extent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var es []extent
	a.free.Ascend(func(e extent) bool {
		es = append(es, e)
		return true
	})
	return es
}

func TestAllocAddresses(t *testing.T) {
	a := newArena(t, 4096)
	b1, err := a.Alloc(10)
	if err != nil {
		t.Fatalf("Alloc(10) failed: %v", err)
	}
	b2, err := a.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc(100) failed: %v", err)
	}
	if got, want := b1.Addr(), uint64(testBase); got != want {
		t.Errorf("first Addr() = %#x, want %#x", got, want)
	}
	if got, want := b2.Addr(), uint64(testBase+Align); got != want {
		t.Errorf("second Addr() = %#x, want %#x", got, want)
	}
	if got, want := a.InUse(), Align+2*Align; got != want {
		t.Errorf("InUse() = %d, want %d", got, want)
	}
	if b2.Len() != 100 || len(b2.Bytes()) != 100 {
		t.Errorf("Len() = %d, len(Bytes()) = %d, want 100", b2.Len(), len(b2.Bytes()))
	}
}

func TestFreeCoalesces(t *testing.T) {
	a := newArena(t, 4096)
	var bufs []*Buffer
	for i := 0; i < 4; i++ {
		b, err := a.Alloc(Align)
		if err != nil {
			t.Fatalf("Alloc() failed: %v", err)
		}
		bufs = append(bufs, b)
	}
	bufs[1].Free()
	bufs[3].Free()
	want := []extent{{off: Align, len: Align}, {off: 3 * Align, len: 4096 - 3*Align}}
	if diff := cmp.Diff(want, a.freeExtents(), cmp.AllowUnexported(extent{})); diff != "" {
		t.Errorf("free extents mismatch (-want +got):\n%s", diff)
	}
	bufs[2].Free()
	bufs[0].Free()
	bufs[0].Free()
	want = []extent{{off: 0, len: 4096}}
	if diff := cmp.Diff(want, a.freeExtents(), cmp.AllowUnexported(extent{})); diff != "" {
		t.Errorf("free extents mismatch (-want +got):\n%s", diff)
	}
	if a.InUse() != 0 {
		t.Errorf("InUse() = %d after freeing everything", a.InUse())
	}
}

func TestAllocExhausted(t *testing.T) {
	a := newArena(t, 4096)
	if _, err := a.Alloc(4097); !errors.Is(err, seerr.ErrResourceExhausted) {
		t.Errorf("Alloc(4097) = %v, want ErrResourceExhausted", err)
	}
}

func TestMapUnmap(t *testing.T) {
	a := newArena(t, 4096)
	b, err := a.Alloc(32)
	if err != nil {
		t.Fatalf("Alloc() failed: %v", err)
	}
	addr, err := a.Map(b, ToDevice)
	if err != nil {
		t.Fatalf("Map() failed: %v", err)
	}
	if addr != b.Addr() {
		t.Errorf("Map() = %#x, want %#x", addr, b.Addr())
	}
	if _, err := a.Map(b, FromDevice); !errors.Is(err, seerr.ErrMappingFailed) {
		t.Errorf("Map() in a second direction = %v, want ErrMappingFailed", err)
	}
	if a.Mappings() != 1 {
		t.Errorf("Mappings() = %d, want 1", a.Mappings())
	}
	a.Unmap(b, ToDevice)
	if a.Mappings() != 0 {
		t.Errorf("Mappings() = %d after Unmap, want 0", a.Mappings())
	}

	b.Free()
	if _, err := a.Map(b, ToDevice); !errors.Is(err, seerr.ErrMappingFailed) {
		t.Errorf("Map() of freed buffer = %v, want ErrMappingFailed", err)
	}
	other := newArena(t, 4096)
	ob, err := other.Alloc(16)
	if err != nil {
		t.Fatalf("Alloc() failed: %v", err)
	}
	if _, err := a.Map(ob, ToDevice); !errors.Is(err, seerr.ErrMappingFailed) {
		t.Errorf("Map() of foreign buffer = %v, want ErrMappingFailed", err)
	}
}

func TestSlice(t *testing.T) {
	a := newArena(t, 4096)
	b, err := a.Alloc(8)
	if err != nil {
		t.Fatalf("Alloc() failed: %v", err)
	}
	copy(b.Bytes(), "abcdefgh")
	got, err := a.Slice(b.Addr()+2, 4)
	if err != nil {
		t.Fatalf("Slice() failed: %v", err)
	}
	if string(got) != "cdef" {
		t.Errorf("Slice() = %q, want %q", got, "cdef")
	}
	if _, err := a.Slice(testBase+4090, 16); err == nil {
		t.Errorf("Slice() past the end succeeded")
	}
	if _, err := a.Slice(testBase-1, 1); err == nil {
		t.Errorf("Slice() below the base succeeded")
	}
}

func TestScatterList(t *testing.T) {
	a := newArena(t, 8192)
	data := []byte("the quick brown fox jumps over the lazy dog")
	sl, err := a.Scatter(data, 10)
	if err != nil {
		t.Fatalf("Scatter() failed: %v", err)
	}
	if len(sl) != 5 {
		t.Errorf("Scatter() made %d buffers, want 5", len(sl))
	}
	if got := sl.Bytes(len(data)); !bytes.Equal(got, data) {
		t.Errorf("Bytes() = %q, want %q", got, data)
	}
	p := make([]byte, 7)
	if n := sl.ReadAt(p, 8); n != 7 || string(p) != "k brown" {
		t.Errorf("ReadAt(8) = %d, %q, want 7, %q", n, p, "k brown")
	}

	dst, err := a.AllocScatter(len(data), 16)
	if err != nil {
		t.Fatalf("AllocScatter() failed: %v", err)
	}
	if err := Copy(dst, sl, len(data)); err != nil {
		t.Fatalf("Copy() failed: %v", err)
	}
	if got := dst.Bytes(len(data)); !bytes.Equal(got, data) {
		t.Errorf("copied Bytes() = %q, want %q", got, data)
	}
	if Same(sl, dst) || !Same(sl, sl) {
		t.Errorf("Same() is wrong")
	}
	sl.Free()
	dst.Free()
	if a.InUse() != 0 {
		t.Errorf("InUse() = %d after Free", a.InUse())
	}
}
