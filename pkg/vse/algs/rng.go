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
	"vse.dev/vse/pkg/vse/seerr"
	"vse.dev/vse/pkg/vse/wire"
)

// RNG block and seed sizes.
const (
	RNGBlockSize = 16
	RNGSeedSize  = 48
)

// RNG reads the engine's DRBG on AES0, one block per request.
type RNG struct {
	env *Env

	// mu serializes generation. buf is the device's output block.
	mu  sync.Mutex
	buf *mapped
}

// NewRNG returns an RNG with its own output block.
func NewRNG(env *Env) (*RNG, error) {
	buf, err := env.alloc(RNGBlockSize, dma.FromDevice)
	if err != nil {
		return nil, err
	}
	return &RNG{env: env, buf: buf}, nil
}

// SeedSize returns the seed size Seed takes.
func (r *RNG) SeedSize() int {
	return RNGSeedSize
}

// Seed is accepted and ignored: the remote DRBG seeds itself.
func (r *RNG) Seed([]byte) error {
	return nil
}

// Generate fills out with random bytes.
func (r *RNG) Generate(out []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buf == nil {
		return fmt.Errorf("%w: rng closed", seerr.ErrShutdown)
	}
	op := &wire.AESRNG{
		StreamID:   r.env.StreamID,
		DataLength: RNGBlockSize,
		Dst:        r.buf.addr,
	}
	for off := 0; off < len(out); off += RNGBlockSize {
		if _, err := r.env.do(wire.AES0, wire.CmdAESRNG, op); err != nil {
			return fmt.Errorf("reading DRBG block %d: %w", off/RNGBlockSize, err)
		}
		copy(out[off:], r.buf.bytes())
	}
	return nil
}

// Read implements io.Reader.
func (r *RNG) Read(p []byte) (int, error) {
	if err := r.Generate(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close frees the output block.
func (r *RNG) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buf != nil {
		r.buf.release()
		r.buf = nil
	}
}
