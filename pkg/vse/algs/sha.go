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
	"encoding/hex"
	"fmt"
	"sync"

	"vse.dev/vse/pkg/dma"
	"vse.dev/vse/pkg/vse/linklist"
	"vse.dev/vse/pkg/vse/seerr"
	"vse.dev/vse/pkg/vse/wire"
)

type shaParams struct {
	mode      wire.SHAMode
	blockSize int
	// empty is the digest of the empty message. The engine rejects zero
	// length operations.
	empty string
}

var shaBySize = map[int]shaParams{
	20: {wire.SHA1, 64, "da39a3ee5e6b4b0d3255bfef95601890afd80709"},
	28: {wire.SHA224, 64, "d14a028c2a3a2bc9476102bb288234c415a2b01f828ea62ac5b3e42f"},
	32: {wire.SHA256, 64, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
	48: {wire.SHA384, 128, "38b060a751ac96384cd9327eb1b1e36a21fdb71114be07434c0cc7bf63f6e1da274edebfe76f65fbd51ad2f14898b95b"},
	64: {wire.SHA512, 128, "cf83e1357eefb8bdf1542850d66d8007d620e4050b5715dc83f4a921d36ce9ce47d0d13c5d85f2b0ff8318d2877eec2f63b931bd47417a81a538327af927da3e"},
}

// SHA computes one digest size on the SHA engine. The whole message is
// presented to Final: Update only records it.
type SHA struct {
	env    *Env
	size   int
	params shaParams

	mu sync.Mutex
	// +checklocks:mu
	msg dma.ScatterList
	// +checklocks:mu
	n int
}

// NewSHA returns a SHA driver for digests of size bytes: 20, 28, 32, 48 or
// 64.
func NewSHA(env *Env, size int) (*SHA, error) {
	p, ok := shaBySize[size]
	if !ok {
		return nil, fmt.Errorf("%w: no SHA digest of %d bytes", seerr.ErrInvalidArgument, size)
	}
	return &SHA{env: env, size: size, params: p}, nil
}

// Size returns the digest size.
func (s *SHA) Size() int {
	return s.size
}

// BlockSize returns the hash block size.
func (s *SHA) BlockSize() int {
	return s.params.blockSize
}

// Init starts a new message.
func (s *SHA) Init() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msg, s.n = nil, 0
}

// Update sets the message to the first n bytes of src.
func (s *SHA) Update(src dma.ScatterList, n int) error {
	if n < 0 || src.Len() < n {
		return fmt.Errorf("%w: %d byte message in %d byte list", seerr.ErrInvalidArgument, n, src.Len())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msg, s.n = src, n
	return nil
}

// Final writes the digest of the message into out.
func (s *SHA) Final(out []byte) error {
	if len(out) < s.size {
		return fmt.Errorf("%w: %d byte digest buffer", seerr.ErrInvalidArgument, len(out))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n == 0 {
		_, err := hex.Decode(out, []byte(s.params.empty))
		return err
	}
	if n := segments(s.msg, s.n); n > wire.SHAMaxLL {
		return fmt.Errorf("%w: %d regions, at most %d", seerr.ErrInvalidArgument, n, wire.SHAMaxLL)
	}

	res, err := s.env.alloc(s.size, dma.FromDevice)
	if err != nil {
		return err
	}
	defer res.release()
	l, err := linklist.Build(s.env.Arena, s.msg.Segments(), s.n, wire.SHAMaxLL, s.params.blockSize, dma.ToDevice)
	if err != nil {
		return err
	}
	defer l.Unmap()

	op := &wire.SHAOp{
		BlockLength: uint32(s.n),
		TotalLength: uint32(s.n),
		LeftLength:  uint32(s.n),
		Mode:        s.params.mode,
		StreamID:    s.env.StreamID,
		Dst:         res.addr,
	}
	op.SetSrc(l.Entries())
	if _, err := s.env.do(wire.SHA, wire.CmdSHAHash, op); err != nil {
		return fmt.Errorf("hashing %d bytes: %w", s.n, err)
	}
	copy(out, res.bytes())
	return nil
}

// Digest is Init, Update and Final.
func (s *SHA) Digest(src dma.ScatterList, n int, out []byte) error {
	s.Init()
	if err := s.Update(src, n); err != nil {
		return err
	}
	return s.Final(out)
}
