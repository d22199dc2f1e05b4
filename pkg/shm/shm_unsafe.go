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

package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Uint32 returns an atomic view of the 32-bit word at off.
//
// Preconditions: off is 4-byte aligned and off+4 <= r.Len().
func (r *Region) Uint32(off int) *atomic.Uint32 {
	if off%4 != 0 || off < 0 || off+4 > len(r.data) {
		panic(fmt.Sprintf("misaligned or out of range word offset %d in region of %d bytes", off, len(r.data)))
	}
	return (*atomic.Uint32)(unsafe.Pointer(&r.data[off]))
}
