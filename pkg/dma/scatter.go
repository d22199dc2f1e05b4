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

import "fmt"

// ScatterList is a buffer made of discontiguous arena buffers, in order.
type ScatterList []*Buffer

// AllocScatter returns a zeroed scatter list of n bytes split into buffers of at
// most chunk bytes. A chunk of 0 allocates a single buffer.
func (a *Arena) AllocScatter(n, chunk int) (ScatterList, error) {
	if chunk <= 0 || chunk > n {
		chunk = n
	}
	var sl ScatterList
	for left := n; left > 0 || len(sl) == 0; {
		c := min(chunk, left)
		b, err := a.Alloc(c)
		if err != nil {
			sl.Free()
			return nil, err
		}
		sl = append(sl, b)
		left -= c
		if c == 0 {
			break
		}
	}
	return sl, nil
}

// Scatter copies data into a new scatter list with chunk byte buffers.
func (a *Arena) Scatter(data []byte, chunk int) (ScatterList, error) {
	sl, err := a.AllocScatter(len(data), chunk)
	if err != nil {
		return nil, err
	}
	sl.WriteAt(data, 0)
	return sl, nil
}

// Len returns the total length of the list.
func (sl ScatterList) Len() int {
	n := 0
	for _, b := range sl {
		n += b.Len()
	}
	return n
}

// Segments returns the list as Segments.
func (sl ScatterList) Segments() []Segment {
	segs := make([]Segment, len(sl))
	for i, b := range sl {
		segs[i] = b
	}
	return segs
}

// Free frees every buffer of the list.
func (sl ScatterList) Free() {
	for _, b := range sl {
		b.Free()
	}
}

// ReadAt copies bytes starting at offset off into p and returns the number
// of bytes copied.
func (sl ScatterList) ReadAt(p []byte, off int) int {
	done := 0
	for _, b := range sl {
		if len(p) == done {
			break
		}
		if off >= b.Len() {
			off -= b.Len()
			continue
		}
		done += copy(p[done:], b.Bytes()[off:])
		off = 0
	}
	return done
}

// WriteAt copies p into the list starting at offset off and returns the
// number of bytes copied.
func (sl ScatterList) WriteAt(p []byte, off int) int {
	done := 0
	for _, b := range sl {
		if len(p) == done {
			break
		}
		if off >= b.Len() {
			off -= b.Len()
			continue
		}
		done += copy(b.Bytes()[off:], p[done:])
		off = 0
	}
	return done
}

// Bytes returns a copy of the first n bytes of the list.
func (sl ScatterList) Bytes(n int) []byte {
	p := make([]byte, n)
	return p[:sl.ReadAt(p, 0)]
}

// Copy copies the first n bytes of src into dst.
func Copy(dst, src ScatterList, n int) error {
	if src.Len() < n || dst.Len() < n {
		return fmt.Errorf("copying %d bytes between lists of %d and %d bytes", n, src.Len(), dst.Len())
	}
	buf := make([]byte, 0, 4096)
	for off := 0; off < n; {
		c := min(cap(buf), n-off)
		p := buf[:c]
		src.ReadAt(p, off)
		dst.WriteAt(p, off)
		off += c
	}
	return nil
}

// Same reports whether a and b are the same buffers in the same order.
func Same(a, b ScatterList) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
