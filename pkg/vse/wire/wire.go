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

// Package wire defines the fixed-layout frames exchanged with the remote
// security engine over an IVC channel.
//
// A frame is a 64 byte header followed by MaxBatch slots of SlotSize bytes.
// A request slot carries an engine, a tag, a command and command-specific
// arguments starting at offset 8. The remote engine answers in the same
// frame format, reinterpreting each slot as a Response. Arguments are a
// closed set of variant types selected by the (engine family, command) pair;
// they are only ever produced and consumed through Encode and Decode.
package wire

import "fmt"

// Frame geometry. These match the remote service ABI bit for bit.
const (
	HeaderSize = 64
	SlotSize   = 320
	MaxBatch   = 32
	FrameSize  = HeaderSize + MaxBatch*SlotSize

	// argsOffset is where the argument union starts within a request slot.
	argsOffset = 8

	// argsSize is the size of the argument union.
	argsSize = SlotSize - argsOffset
)

// Linked-list capacities per command.
const (
	SHAMaxLL  = 26
	AESMaxLL  = 17
	CMACMaxLL = 36
)

// Engine identifies a logical remote engine.
type Engine uint8

// Remote engines.
const (
	AES0 Engine = 0
	AES1 Engine = 1
	RSA  Engine = 2
	SHA  Engine = 3

	// NumEngines is the number of engine ids.
	NumEngines = 4
)

func (e Engine) String() string {
	switch e {
	case AES0:
		return "aes0"
	case AES1:
		return "aes1"
	case RSA:
		return "rsa"
	case SHA:
		return "sha"
	default:
		return fmt.Sprintf("engine(%d)", uint8(e))
	}
}

// ParseEngine parses the names produced by Engine.String.
func ParseEngine(s string) (Engine, error) {
	for e := Engine(0); e < NumEngines; e++ {
		if e.String() == s {
			return e, nil
		}
	}
	return 0, fmt.Errorf("unknown engine %q", s)
}

// Family groups engines that share a command set.
type Family uint8

// Engine families.
const (
	FamilyAES Family = iota
	FamilyRSA
	FamilySHA
	familyInvalid
)

// Family returns the command family of e.
func (e Engine) Family() Family {
	switch e {
	case AES0, AES1:
		return FamilyAES
	case RSA:
		return FamilyRSA
	case SHA:
		return FamilySHA
	default:
		return familyInvalid
	}
}

// Command is a per-family command code.
type Command uint8

// AES family commands.
const (
	CmdAESAllocKey   Command = 1
	CmdAESReleaseKey Command = 2
	CmdAESSetKey     Command = 3
	CmdAESEncrypt    Command = 4
	CmdAESDecrypt    Command = 5
	CmdAESCMAC       Command = 6
	CmdAESRNG        Command = 7
)

// RSA family commands.
const (
	CmdRSAAllocKey   Command = 1
	CmdRSAReleaseKey Command = 2
	CmdRSASetExpKey  Command = 3
	CmdRSASetModKey  Command = 4
	CmdRSAEncDec     Command = 5
)

// SHA family commands.
const (
	CmdSHAHash Command = 1
)

// AESMode is the block cipher mode of an AES operation.
type AESMode uint8

// AES modes.
const (
	ModeCBC AESMode = 0
	ModeECB AESMode = 1
	ModeCTR AESMode = 2
	ModeOFB AESMode = 3
)

func (m AESMode) String() string {
	switch m {
	case ModeCBC:
		return "cbc"
	case ModeECB:
		return "ecb"
	case ModeCTR:
		return "ctr"
	case ModeOFB:
		return "ofb"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// IVSel selects which IV the remote engine uses.
type IVSel uint8

// IV selectors.
const (
	IVOriginal IVSel = 0
	IVUpdated  IVSel = 1
	IVRegister IVSel = 2

	// IVFromCounter is or-ed into IVOriginal to make the engine take the IV
	// from the request's counter field.
	IVFromCounter IVSel = 0x80
)

// KeyType is the bitmask of key table fields a SetKey request writes.
type KeyType uint8

// Key table fields.
const (
	KeyTypeKey KeyType = 1
	KeyTypeOIV KeyType = 2
	KeyTypeUIV KeyType = 4
)

// SHAMode is the hash algorithm of a SHA operation.
type SHAMode uint8

// SHA modes.
const (
	SHA1   SHAMode = 0
	SHA224 SHAMode = 4
	SHA256 SHAMode = 5
	SHA384 SHAMode = 6
	SHA512 SHAMode = 7
)

// Addr is one linked-list entry. Lo holds the bus address, Hi the length.
type Addr struct {
	Lo uint32
	Hi uint32
}

// Header starts every frame.
type Header struct {
	NumReqs uint32
	Tag     [16]uint8
	Status  uint32
	_       [40]uint8
}

// Request is one request slot.
type Request struct {
	Engine Engine
	Tag    uint8
	Cmd    Command
	Args   Args
}

// Response is one response slot.
type Response struct {
	Engine  Engine
	Tag     uint8
	Status  uint8
	KeySlot uint8
}
