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
	"vse.dev/vse/pkg/vse/linklist"
	"vse.dev/vse/pkg/vse/seerr"
	"vse.dev/vse/pkg/vse/wire"
)

// CMACSize is the AES-CMAC digest size.
const CMACSize = 16

// cmacRb is the constant xor-ed into a subkey when the shifted out bit is
// set.
const cmacRb = 0x87

// CMAC computes AES-CMAC on AES1. The whole message is presented to
// Final: Update only records it.
type CMAC struct {
	env *Env
	ctx *keyslot.Context

	mu sync.Mutex
	// +checklocks:mu
	keyLen int
	// +checklocks:mu
	k1, k2 [16]byte
	// +checklocks:mu
	msg dma.ScatterList
	// +checklocks:mu
	n int
}

// NewCMAC returns a CMAC allocating its slot from slots, which must be an
// AES engine's manager.
func NewCMAC(env *Env, slots *keyslot.Manager) *CMAC {
	return &CMAC{env: env, ctx: keyslot.NewContext(slots)}
}

// Size returns the digest size.
func (c *CMAC) Size() int {
	return CMACSize
}

// shiftLeft shifts b left by one bit and returns the bit shifted out.
func shiftLeft(b *[16]byte) byte {
	msb := b[0] >> 7
	for i := 0; i < len(b)-1; i++ {
		b[i] = b[i]<<1 | b[i+1]>>7
	}
	b[len(b)-1] <<= 1
	return msb
}

// subkeys derives K1 and K2 from L, the encryption of the zero block.
func subkeys(l [16]byte) (k1, k2 [16]byte) {
	k1 = l
	if shiftLeft(&k1) != 0 {
		k1[15] ^= cmacRb
	}
	k2 = k1
	if shiftLeft(&k2) != 0 {
		k2[15] ^= cmacRb
	}
	return k1, k2
}

// SetKey loads key, with a zero original IV, and derives the subkeys by
// encrypting one zero block on the engine.
func (c *CMAC) SetKey(key []byte) error {
	if !keyslot.ValidAESKeyLen(len(key)) {
		return fmt.Errorf("%w: %d byte AES key", seerr.ErrInvalidArgument, len(key))
	}
	slot, err := c.ctx.Ensure()
	if err != nil {
		return err
	}
	m := c.ctx.Manager()
	c.mu.Lock()
	defer c.mu.Unlock()
	// The slot stops holding the old key with the first upload. Final
	// reports ErrNoKey until the subkeys of the new key are in place.
	c.keyLen = 0
	if err := m.SetKeyIV(slot, key, nil, nil, wire.KeyTypeKey); err != nil {
		return err
	}
	if err := m.SetKeyIV(slot, nil, make([]byte, 16), nil, wire.KeyTypeOIV); err != nil {
		return err
	}

	buf, err := c.env.alloc(16, dma.Bidirectional)
	if err != nil {
		return err
	}
	defer buf.release()
	op := &wire.AESOp{
		StreamID:   c.env.StreamID,
		KeySlot:    slot,
		KeyLength:  uint8(len(key)),
		Mode:       wire.ModeCBC,
		IVSel:      wire.IVOriginal,
		DataLength: 16,
	}
	op.SetSrc([]wire.Addr{buf.entry()})
	op.SetDst([]wire.Addr{buf.entry()})
	if _, err := c.env.do(m.Engine(), wire.CmdAESEncrypt, op); err != nil {
		return fmt.Errorf("deriving CMAC subkeys: %w", err)
	}
	var l [16]byte
	copy(l[:], buf.bytes())
	c.k1, c.k2 = subkeys(l)
	c.keyLen = len(key)
	return nil
}

// Init starts a new message.
func (c *CMAC) Init() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msg, c.n = nil, 0
}

// Update sets the message to the first n bytes of src. The list is
// referenced, not copied, until Final.
func (c *CMAC) Update(src dma.ScatterList, n int) error {
	if n < 0 || src.Len() < n {
		return fmt.Errorf("%w: %d byte message in %d byte list", seerr.ErrInvalidArgument, n, src.Len())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msg, c.n = src, n
	return nil
}

// Final writes the CMAC of the message into out.
func (c *CMAC) Final(out []byte) error {
	if len(out) < CMACSize {
		return fmt.Errorf("%w: %d byte digest buffer", seerr.ErrInvalidArgument, len(out))
	}
	slot, ok := c.ctx.Slot()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !ok || c.keyLen == 0 {
		return fmt.Errorf("%w: CMAC key not set", seerr.ErrNoKey)
	}
	if n := segments(c.msg, c.n); n > wire.CMACMaxLL {
		return fmt.Errorf("%w: %d regions, at most %d", seerr.ErrTooManyEntries, n, wire.CMACMaxLL)
	}
	m := c.ctx.Manager()

	// Every block but the last goes through the chain first. A message that
	// ends on a block boundary keeps its last full block for the final
	// step; otherwise the partial tail is padded.
	blocks := c.n / 16
	last := c.n % 16
	padded := last != 0 || blocks == 0
	if !padded {
		blocks--
		last = 16
	}

	piv, err := c.env.alloc(16, dma.FromDevice)
	if err != nil {
		return err
	}
	defer piv.release()

	op := &wire.AESCMAC{
		StreamID:  c.env.StreamID,
		KeySlot:   slot,
		KeyLength: uint8(c.keyLen),
		IVSel:     wire.IVOriginal,
	}
	if blocks > 0 {
		total := blocks * 16
		l, err := linklist.Build(c.env.Arena, c.msg.Segments(), total, wire.CMACMaxLL, 16, dma.ToDevice)
		if err != nil {
			return err
		}
		op.SetSrc(l.Entries())
		op.DataLength = uint32(total)
		op.Dst = piv.addr
		_, err = c.env.do(m.Engine(), wire.CmdAESCMAC, op)
		l.Unmap()
		if err != nil {
			return fmt.Errorf("CMAC over %d blocks: %w", blocks, err)
		}
		op.IVSel = wire.IVUpdated
		if err := m.SetKeyIV(slot, nil, nil, piv.bytes(), wire.KeyTypeUIV); err != nil {
			return err
		}
	}

	lastBuf, err := c.env.alloc(16, dma.ToDevice)
	if err != nil {
		return err
	}
	defer lastBuf.release()
	b := lastBuf.bytes()
	c.msg.ReadAt(b[:last], c.n-last)
	k := &c.k1
	if padded {
		b[last] = 0x80
		clear(b[last+1:])
		k = &c.k2
	}
	for i := range b {
		b[i] ^= k[i]
	}

	res, err := c.env.alloc(CMACSize, dma.FromDevice)
	if err != nil {
		return err
	}
	defer res.release()
	op.SetSrc([]wire.Addr{lastBuf.entry()})
	op.DataLength = 16
	op.Dst = res.addr
	if _, err := c.env.do(m.Engine(), wire.CmdAESCMAC, op); err != nil {
		return fmt.Errorf("CMAC final block: %w", err)
	}
	copy(out, res.bytes())
	return nil
}

// Digest is Init, Update and Final.
func (c *CMAC) Digest(src dma.ScatterList, n int, out []byte) error {
	c.Init()
	if err := c.Update(src, n); err != nil {
		return err
	}
	return c.Final(out)
}

// Close releases the key slot. Release failures are logged, not returned.
func (c *CMAC) Close() {
	c.ctx.Teardown()
}
