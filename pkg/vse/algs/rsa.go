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

package algs

import (
	"fmt"
	"sync"

	"vse.dev/vse/pkg/dma"
	"vse.dev/vse/pkg/vse/keyslot"
	"vse.dev/vse/pkg/vse/seerr"
	"vse.dev/vse/pkg/vse/wire"
)

// RSA operand sizes in bytes.
const (
	RSAMinSize = 64
	RSAMaxSize = 256
)

// RSA runs raw modular exponentiation with a key held in an RSA slot.
type RSA struct {
	env  *Env
	size int
	ctx  *keyslot.Context

	mu sync.Mutex
	// +checklocks:mu
	expLen int
	// +checklocks:mu
	modLen int
}

// NewRSA returns an RSA driver for size byte operands, allocating its slot
// from slots.
func NewRSA(env *Env, slots *keyslot.Manager, size int) (*RSA, error) {
	if size < RSAMinSize || size > RSAMaxSize || size%RSAMinSize != 0 {
		return nil, fmt.Errorf("%w: %d byte RSA operand", seerr.ErrInvalidArgument, size)
	}
	return &RSA{env: env, size: size, ctx: keyslot.NewContext(slots)}, nil
}

// Size returns the operand size.
func (r *RSA) Size() int {
	return r.size
}

// KeyLen packs exponent and modulus lengths the way SetKey takes them.
func KeyLen(expLen, modLen int) uint32 {
	return uint32(expLen)&0xffff | uint32(modLen)<<16
}

// SetKey loads a key. keyLen carries the exponent length in its low 16 bits
// and the modulus length in its high 16 bits; key holds the exponent
// followed by the modulus. A part with zero length is not uploaded, but its
// stored length is reset to zero, so Digest needs a later SetKey that
// loads the modulus again.
func (r *RSA) SetKey(key []byte, keyLen uint32) error {
	expLen := int(keyLen & 0xffff)
	modLen := int(keyLen >> 16)
	if len(key) < expLen+modLen {
		return fmt.Errorf("%w: %d byte key for %d+%d byte parts", seerr.ErrInvalidArgument, len(key), expLen, modLen)
	}
	slot, err := r.ctx.Ensure()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expLen = expLen
	r.modLen = modLen
	m := r.ctx.Manager()
	if expLen != 0 {
		if err := m.SetRSAKey(slot, keyslot.RSAExponent, key[:expLen]); err != nil {
			return err
		}
	}
	if modLen != 0 {
		if err := m.SetRSAKey(slot, keyslot.RSAModulus, key[expLen:expLen+modLen]); err != nil {
			return err
		}
	}
	return nil
}

// Digest computes src^e mod n over the first n bytes of src into out. src
// must be a single region.
func (r *RSA) Digest(src dma.ScatterList, n int, out []byte) error {
	slot, ok := r.ctx.Slot()
	if !ok {
		return fmt.Errorf("%w: RSA key not set", seerr.ErrNoKey)
	}
	if n < RSAMinSize || n > RSAMaxSize || src.Len() < n || len(out) < n {
		return fmt.Errorf("%w: %d byte RSA operand", seerr.ErrInvalidArgument, n)
	}
	if segs := segments(src, n); segs != 1 {
		return fmt.Errorf("%w: RSA operand in %d regions", seerr.ErrInvalidArgument, segs)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if n != r.modLen {
		return fmt.Errorf("%w: %d byte operand for %d byte modulus", seerr.ErrInvalidArgument, n, r.modLen)
	}

	in, err := r.env.Arena.Map(src[0], dma.ToDevice)
	if err != nil {
		return err
	}
	defer r.env.Arena.Unmap(src[0], dma.ToDevice)
	res, err := r.env.alloc(n, dma.FromDevice)
	if err != nil {
		return err
	}
	defer res.release()

	op := &wire.RSAOp{
		Src:       in,
		Dst:       res.addr,
		ModLength: uint32(r.modLen),
		ExpLength: uint32(r.expLen),
		StreamID:  r.env.StreamID,
		KeySlot:   slot,
	}
	if _, err := r.env.do(wire.RSA, wire.CmdRSAEncDec, op); err != nil {
		return fmt.Errorf("RSA operation: %w", err)
	}
	copy(out, res.bytes())
	return nil
}

// Close releases the key slot. Release failures are logged, not returned.
func (r *RSA) Close() {
	r.ctx.Teardown()
}
