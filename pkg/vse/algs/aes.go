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
	"errors"
	"fmt"
	"sync"

	"vse.dev/vse/pkg/dma"
	"vse.dev/vse/pkg/vse/engine"
	"vse.dev/vse/pkg/vse/keyslot"
	"vse.dev/vse/pkg/vse/seerr"
	"vse.dev/vse/pkg/vse/wire"
)

// AESCipher is an AES block cipher in one mode. Requests go through the
// batching engine; the key lives in a slot owned by the cipher.
type AESCipher struct {
	mode wire.AESMode
	eng  *engine.Engine
	ctx  *keyslot.Context

	mu sync.Mutex
	// +checklocks:mu
	keyLen int
}

var _ engine.Key = (*AESCipher)(nil)

// NewAESCipher returns a cipher in mode that allocates its slot from slots
// and queues on e.
func NewAESCipher(mode wire.AESMode, slots *keyslot.Manager, e *engine.Engine) *AESCipher {
	return &AESCipher{mode: mode, eng: e, ctx: keyslot.NewContext(slots)}
}

// Mode returns the cipher mode.
func (c *AESCipher) Mode() wire.AESMode {
	return c.mode
}

// SetKey allocates a slot on first use and loads key into it.
func (c *AESCipher) SetKey(key []byte) error {
	if !keyslot.ValidAESKeyLen(len(key)) {
		return fmt.Errorf("%w: %d byte AES key", seerr.ErrInvalidArgument, len(key))
	}
	slot, err := c.ctx.Ensure()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ctx.Manager().SetKeyIV(slot, key, nil, nil, wire.KeyTypeKey); err != nil {
		return err
	}
	c.keyLen = len(key)
	return nil
}

// KeySlot implements engine.Key.KeySlot.
func (c *AESCipher) KeySlot() (uint8, int, bool) {
	slot, ok := c.ctx.Slot()
	c.mu.Lock()
	defer c.mu.Unlock()
	return slot, c.keyLen, ok && c.keyLen != 0
}

// Submit queues r with this cipher's key and mode. It returns like
// engine.Engine.Enqueue.
func (c *AESCipher) Submit(encrypt bool, r *engine.CipherRequest) error {
	r.Key = c
	r.Mode = c.mode
	r.Encrypt = encrypt
	return c.eng.Enqueue(r)
}

// Encrypt encrypts n bytes of src into dst and waits for the result. A nil
// dst encrypts in place. A nil iv uses the slot's original IV.
func (c *AESCipher) Encrypt(iv []byte, src, dst dma.ScatterList, n int) error {
	return c.crypt(true, iv, src, dst, n)
}

// Decrypt is the inverse of Encrypt.
func (c *AESCipher) Decrypt(iv []byte, src, dst dma.ScatterList, n int) error {
	return c.crypt(false, iv, src, dst, n)
}

func (c *AESCipher) crypt(encrypt bool, iv []byte, src, dst dma.ScatterList, n int) error {
	done := make(chan error, 1)
	r := &engine.CipherRequest{
		IV:         iv,
		Src:        src,
		Dst:        dst,
		NBytes:     n,
		MayBacklog: true,
		Complete: func(err error) {
			if !errors.Is(err, seerr.ErrInProgress) {
				done <- err
			}
		},
	}
	if err := c.Submit(encrypt, r); err != nil && !errors.Is(err, seerr.ErrBacklogged) {
		return err
	}
	return <-done
}

// Close releases the key slot. Release failures are logged, not returned.
func (c *AESCipher) Close() {
	c.ctx.Teardown()
}
