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

// Package keyslot manages key slots on the remote engine: allocation, key
// and IV upload, and release, plus the per-transform ownership of a slot.
package keyslot

import (
	"fmt"

	"vse.dev/vse/pkg/metric"
	"vse.dev/vse/pkg/vse/seerr"
	"vse.dev/vse/pkg/vse/transport"
	"vse.dev/vse/pkg/vse/wire"
)

// Counters counts slot traffic. A nil *Counters counts nothing.
type Counters struct {
	Allocated *metric.Uint64Metric
	Released  *metric.Uint64Metric
}

// NewCounters registers the key slot counters in r.
func NewCounters(r *metric.Registry) *Counters {
	engines := metric.NewField("engine", []string{"aes0", "aes1", "rsa", "sha"})
	return &Counters{
		Allocated: r.MustGetOrCreateUint64Metric("vse_keyslots_allocated_total", "Key slots allocated.", engines),
		Released:  r.MustGetOrCreateUint64Metric("vse_keyslots_released_total", "Key slot releases issued, successful or not.", engines),
	}
}

// Manager issues key slot requests for one engine.
type Manager struct {
	rt     transport.RoundTripper
	engine wire.Engine

	// Counters, if set, counts allocations and releases.
	Counters *Counters
}

// NewManager returns a Manager for engine over rt.
func NewManager(rt transport.RoundTripper, engine wire.Engine) *Manager {
	return &Manager{rt: rt, engine: engine}
}

// Engine returns the engine the manager targets.
func (m *Manager) Engine() wire.Engine {
	return m.engine
}

func (m *Manager) do(cmd wire.Command, args wire.Args) (wire.Response, error) {
	resps, err := m.rt.RoundTrip(wire.NewFrame(wire.Request{Engine: m.engine, Cmd: cmd, Args: args}))
	if err != nil {
		return wire.Response{}, err
	}
	return resps[0], nil
}

// Alloc allocates a key slot.
func (m *Manager) Alloc() (uint8, error) {
	var (
		cmd  wire.Command
		args wire.Args
	)
	switch m.engine.Family() {
	case wire.FamilyAES:
		cmd, args = wire.CmdAESAllocKey, &wire.AESAllocKey{}
	case wire.FamilyRSA:
		cmd, args = wire.CmdRSAAllocKey, &wire.RSAAllocKey{}
	default:
		return 0, fmt.Errorf("%w: engine %v has no key slots", seerr.ErrInvalidArgument, m.engine)
	}
	resp, err := m.do(cmd, args)
	if err != nil {
		return 0, fmt.Errorf("allocating %v key slot: %w", m.engine, err)
	}
	if m.Counters != nil {
		m.Counters.Allocated.Increment(m.engine.String())
	}
	return resp.KeySlot, nil
}

// SetKeyIV writes the key material selected by which into an AES slot. key
// may be 16, 24 or 32 bytes; oiv and uiv are 16 bytes when selected.
func (m *Manager) SetKeyIV(slot uint8, key, oiv, uiv []byte, which wire.KeyType) error {
	if m.engine.Family() != wire.FamilyAES {
		return fmt.Errorf("%w: engine %v takes no AES keys", seerr.ErrInvalidArgument, m.engine)
	}
	args := &wire.AESKeyIV{Slot: slot, Type: which}
	if which&wire.KeyTypeKey != 0 {
		if !ValidAESKeyLen(len(key)) {
			return fmt.Errorf("%w: %d byte AES key", seerr.ErrInvalidArgument, len(key))
		}
		args.Length = uint8(len(key))
		copy(args.Key[:], key)
	}
	if which&wire.KeyTypeOIV != 0 {
		if len(oiv) != len(args.OIV) {
			return fmt.Errorf("%w: %d byte original IV", seerr.ErrInvalidArgument, len(oiv))
		}
		copy(args.OIV[:], oiv)
	}
	if which&wire.KeyTypeUIV != 0 {
		if len(uiv) != len(args.UIV) {
			return fmt.Errorf("%w: %d byte updated IV", seerr.ErrInvalidArgument, len(uiv))
		}
		copy(args.UIV[:], uiv)
	}
	if _, err := m.do(wire.CmdAESSetKey, args); err != nil {
		return fmt.Errorf("setting key material in %v slot %d: %w", m.engine, slot, err)
	}
	return nil
}

// ValidAESKeyLen reports whether n is an AES key length.
func ValidAESKeyLen(n int) bool {
	return n == 16 || n == 24 || n == 32
}

// RSAPart selects which half of an RSA key SetRSAKey uploads.
type RSAPart int

// RSA key parts.
const (
	RSAExponent RSAPart = iota
	RSAModulus
)

// ReverseWords returns b with the order of its 4-byte words reversed. The
// bytes within each word keep their order. This is the engine's layout for
// RSA key material.
func ReverseWords(b []byte) []byte {
	n := len(b) / 4
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		copy(out[(n-1-i)*4:(n-i)*4], b[i*4:(i+1)*4])
	}
	return out
}

// SetRSAKey uploads one part of an RSA key. data is in the caller's byte
// order and is sent word-reversed.
func (m *Manager) SetRSAKey(slot uint8, part RSAPart, data []byte) error {
	if m.engine.Family() != wire.FamilyRSA {
		return fmt.Errorf("%w: engine %v takes no RSA keys", seerr.ErrInvalidArgument, m.engine)
	}
	args := &wire.RSAKey{Slot: slot, Length: uint32(len(data))}
	if len(data) == 0 || len(data)%4 != 0 || len(data) > len(args.Data) {
		return fmt.Errorf("%w: %d byte RSA key part", seerr.ErrInvalidArgument, len(data))
	}
	copy(args.Data[:], ReverseWords(data))
	cmd := wire.CmdRSASetExpKey
	if part == RSAModulus {
		cmd = wire.CmdRSASetModKey
	}
	if _, err := m.do(cmd, args); err != nil {
		return fmt.Errorf("uploading RSA key part %d to slot %d: %w", part, slot, err)
	}
	return nil
}

// Release returns a key slot to the engine.
func (m *Manager) Release(slot uint8) error {
	var (
		cmd  wire.Command
		args wire.Args
	)
	switch m.engine.Family() {
	case wire.FamilyAES:
		cmd, args = wire.CmdAESReleaseKey, &wire.AESReleaseKey{Slot: slot}
	case wire.FamilyRSA:
		cmd, args = wire.CmdRSAReleaseKey, &wire.RSAReleaseKey{Slot: slot}
	default:
		return fmt.Errorf("%w: engine %v has no key slots", seerr.ErrInvalidArgument, m.engine)
	}
	if m.Counters != nil {
		m.Counters.Released.Increment(m.engine.String())
	}
	if _, err := m.do(cmd, args); err != nil {
		return fmt.Errorf("releasing %v key slot %d: %w", m.engine, slot, err)
	}
	return nil
}
