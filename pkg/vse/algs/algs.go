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

// Package algs contains the algorithm drivers: AES block cipher modes,
// AES-CMAC, SHA digests, RSA modular exponentiation and the DRBG. Each is a
// thin adapter over key slots, linked lists and the transport, or over the
// batching engine for block cipher requests.
package algs

import (
	"vse.dev/vse/pkg/dma"
	"vse.dev/vse/pkg/vse/transport"
	"vse.dev/vse/pkg/vse/wire"
)

// Env is what the drivers share.
type Env struct {
	// RT carries single-request frames.
	RT transport.RoundTripper

	// Arena holds the transient buffers drivers hand to the engine, and
	// maps caller buffers.
	Arena *dma.Arena

	// StreamID is set on every operation.
	StreamID uint8
}

func (env *Env) do(e wire.Engine, cmd wire.Command, args wire.Args) (wire.Response, error) {
	resps, err := env.RT.RoundTrip(wire.NewFrame(wire.Request{Engine: e, Cmd: cmd, Args: args}))
	if err != nil {
		return wire.Response{}, err
	}
	return resps[0], nil
}

// mapped is a transient arena buffer mapped for one request.
type mapped struct {
	a    *dma.Arena
	b    *dma.Buffer
	dir  dma.Direction
	addr uint64
}

func (env *Env) alloc(n int, dir dma.Direction) (*mapped, error) {
	b, err := env.Arena.Alloc(n)
	if err != nil {
		return nil, err
	}
	addr, err := env.Arena.Map(b, dir)
	if err != nil {
		b.Free()
		return nil, err
	}
	return &mapped{a: env.Arena, b: b, dir: dir, addr: addr}, nil
}

func (m *mapped) bytes() []byte {
	return m.b.Bytes()
}

func (m *mapped) entry() wire.Addr {
	return wire.Addr{Lo: uint32(m.addr), Hi: uint32(m.b.Len())}
}

func (m *mapped) release() {
	m.a.Unmap(m.b, m.dir)
	m.b.Free()
}

// segments returns how many leading buffers of sl hold the first n bytes.
func segments(sl dma.ScatterList, n int) int {
	count := 0
	for _, b := range sl {
		if n <= 0 {
			break
		}
		count++
		n -= b.Len()
	}
	return count
}
