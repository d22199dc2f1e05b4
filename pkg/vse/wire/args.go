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

package wire

import "reflect"

// Args is the command-specific part of a request slot. The concrete type is
// fixed by the request's engine family and command; see argsFor.
type Args interface {
	isArgs()
}

// AESAllocKey asks an AES engine for a free key slot. The slot number comes
// back in Response.KeySlot.
type AESAllocKey struct{}

// AESReleaseKey returns a key slot to an AES engine.
type AESReleaseKey struct {
	Slot uint8
}

// AESKeyIV writes key material into an AES key slot. Type selects which of
// Key, OIV and UIV the engine stores.
type AESKeyIV struct {
	Slot   uint8
	Length uint8
	Type   KeyType
	Key    [32]uint8
	OIV    [16]uint8
	UIV    [16]uint8
}

// AESOp is a block cipher encrypt or decrypt.
type AESOp struct {
	StreamID   uint8
	KeySlot    uint8
	KeyLength  uint8
	Mode       AESMode
	IVSel      IVSel
	LCtr       [16]uint8
	CtrCntn    uint8
	_          [2]uint8
	DataLength uint32
	SrcNum     uint8
	_          [3]uint8
	Src        [AESMaxLL]Addr
	DstNum     uint8
	_          [3]uint8
	Dst        [AESMaxLL]Addr
}

// AESCMAC runs the CMAC chain over Src and writes the resulting block to
// Dst.
type AESCMAC struct {
	StreamID   uint8
	KeySlot    uint8
	KeyLength  uint8
	IVSel      IVSel
	DataLength uint32
	Dst        uint64
	SrcNum     uint8
	_          [3]uint8
	Src        [CMACMaxLL]Addr
}

// AESRNG asks the DRBG for DataLength bytes at Dst.
type AESRNG struct {
	StreamID   uint8
	_          [3]uint8
	DataLength uint32
	Dst        uint64
}

// SHAOp hashes the message described by Src and writes the digest to Dst.
type SHAOp struct {
	BlockLength uint32
	TotalLength uint32
	LeftLength  uint32
	Mode        SHAMode
	StreamID    uint8
	_           [2]uint8
	Hash        [16]uint32
	Dst         uint64
	SrcNum      uint8
	_           [3]uint8
	Src         [SHAMaxLL]Addr
}

// RSAAllocKey asks the RSA engine for a free key slot.
type RSAAllocKey struct{}

// RSAReleaseKey returns an RSA key slot.
type RSAReleaseKey struct {
	Slot uint8
}

// RSAKey uploads an exponent or a modulus, depending on the command.
type RSAKey struct {
	Slot   uint8
	_      [3]uint8
	Length uint32
	Data   [256]uint8
}

// RSAOp computes Src^exp mod n into Dst.
type RSAOp struct {
	Src       uint64
	Dst       uint64
	ModLength uint32
	ExpLength uint32
	StreamID  uint8
	KeySlot   uint8
}

func (*AESAllocKey) isArgs()   {}
func (*AESReleaseKey) isArgs() {}
func (*AESKeyIV) isArgs()      {}
func (*AESOp) isArgs()         {}
func (*AESCMAC) isArgs()       {}
func (*AESRNG) isArgs()        {}
func (*SHAOp) isArgs()         {}
func (*RSAAllocKey) isArgs()   {}
func (*RSAReleaseKey) isArgs() {}
func (*RSAKey) isArgs()        {}
func (*RSAOp) isArgs()         {}

// SetSrc copies a linked list into the source fields.
func (a *AESOp) SetSrc(l []Addr) {
	a.SrcNum = uint8(copy(a.Src[:], l))
}

// SetDst copies a linked list into the destination fields.
func (a *AESOp) SetDst(l []Addr) {
	a.DstNum = uint8(copy(a.Dst[:], l))
}

// SetSrc copies a linked list into the source fields.
func (a *AESCMAC) SetSrc(l []Addr) {
	a.SrcNum = uint8(copy(a.Src[:], l))
}

// SetSrc copies a linked list into the source fields.
func (a *SHAOp) SetSrc(l []Addr) {
	a.SrcNum = uint8(copy(a.Src[:], l))
}

type argKey struct {
	family Family
	cmd    Command
}

// argTypes is the discriminant table: the only argument type allowed for
// each (family, command) pair.
var argTypes = map[argKey]reflect.Type{
	{FamilyAES, CmdAESAllocKey}:   reflect.TypeOf(AESAllocKey{}),
	{FamilyAES, CmdAESReleaseKey}: reflect.TypeOf(AESReleaseKey{}),
	{FamilyAES, CmdAESSetKey}:     reflect.TypeOf(AESKeyIV{}),
	{FamilyAES, CmdAESEncrypt}:    reflect.TypeOf(AESOp{}),
	{FamilyAES, CmdAESDecrypt}:    reflect.TypeOf(AESOp{}),
	{FamilyAES, CmdAESCMAC}:       reflect.TypeOf(AESCMAC{}),
	{FamilyAES, CmdAESRNG}:        reflect.TypeOf(AESRNG{}),
	{FamilyRSA, CmdRSAAllocKey}:   reflect.TypeOf(RSAAllocKey{}),
	{FamilyRSA, CmdRSAReleaseKey}: reflect.TypeOf(RSAReleaseKey{}),
	{FamilyRSA, CmdRSASetExpKey}:  reflect.TypeOf(RSAKey{}),
	{FamilyRSA, CmdRSASetModKey}:  reflect.TypeOf(RSAKey{}),
	{FamilyRSA, CmdRSAEncDec}:     reflect.TypeOf(RSAOp{}),
	{FamilySHA, CmdSHAHash}:       reflect.TypeOf(SHAOp{}),
}

// argsFor returns a new zero Args of the type selected by (e, cmd).
func argsFor(e Engine, cmd Command) (Args, bool) {
	t, ok := argTypes[argKey{e.Family(), cmd}]
	if !ok {
		return nil, false
	}
	return reflect.New(t).Interface().(Args), true
}

// argsMatch reports whether a has the type selected by (e, cmd).
func argsMatch(e Engine, cmd Command, a Args) bool {
	t, ok := argTypes[argKey{e.Family(), cmd}]
	if !ok || a == nil {
		return false
	}
	v := reflect.ValueOf(a)
	return v.Kind() == reflect.Ptr && !v.IsNil() && v.Elem().Type() == t
}
