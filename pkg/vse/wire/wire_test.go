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

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	vbinary "vse.dev/vse/pkg/binary"
	"vse.dev/vse/pkg/vse/seerr"
)

var ignorePad = cmpopts.IgnoreUnexported(Header{}, AESOp{}, AESCMAC{}, AESRNG{}, SHAOp{}, RSAKey{})

func TestFrameSize(t *testing.T) {
	if FrameSize != 10304 {
		t.Errorf("FrameSize = %d, want 10304", FrameSize)
	}
	if got := vbinary.Size(&Header{}); got != HeaderSize {
		t.Errorf("header size = %d, want %d", got, HeaderSize)
	}
}

func TestArgSizes(t *testing.T) {
	for _, tc := range []struct {
		args Args
		want int
	}{
		{&AESAllocKey{}, 0},
		{&AESReleaseKey{}, 1},
		{&AESKeyIV{}, 67},
		{&AESOp{}, 308},
		{&AESCMAC{}, 308},
		{&AESRNG{}, 16},
		{&SHAOp{}, 300},
		{&RSAKey{}, 264},
		{&RSAOp{}, 26},
	} {
		got := vbinary.Size(tc.args)
		if got != tc.want {
			t.Errorf("Size(%T) = %d, want %d", tc.args, got, tc.want)
		}
		if got > argsSize {
			t.Errorf("Size(%T) = %d exceeds the %d byte argument area", tc.args, got, argsSize)
		}
	}
}

func encodeOne(t *testing.T, r Request) []byte {
	t.Helper()
	buf, err := NewFrame(r).Encode()
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	return buf
}

func TestAESOpLayout(t *testing.T) {
	op := &AESOp{
		StreamID:   1,
		KeySlot:    2,
		KeyLength:  32,
		Mode:       ModeCTR,
		IVSel:      IVOriginal | IVFromCounter,
		CtrCntn:    1,
		DataLength: 0x11223344,
	}
	op.LCtr[0] = 0xc0
	op.SetSrc([]Addr{{Lo: 0xa0a0a0a0, Hi: 64}})
	op.SetDst(make([]Addr, AESMaxLL))
	op.Dst[AESMaxLL-1] = Addr{Lo: 0xd0d0d0d0, Hi: 0x10}
	buf := encodeOne(t, Request{Engine: AES1, Cmd: CmdAESEncrypt, Args: op})

	s := buf[HeaderSize:]
	le := binary.LittleEndian
	for _, c := range []struct {
		name string
		got  uint32
		want uint32
	}{
		{"num_reqs", le.Uint32(buf[0:]), 1},
		{"engine", uint32(s[0]), uint32(AES1)},
		{"tag", uint32(s[1]), 0},
		{"cmd", uint32(s[2]), uint32(CmdAESEncrypt)},
		{"streamid", uint32(s[8]), 1},
		{"keyslot", uint32(s[9]), 2},
		{"key_length", uint32(s[10]), 32},
		{"mode", uint32(s[11]), uint32(ModeCTR)},
		{"ivsel", uint32(s[12]), 0x80},
		{"lctr[0]", uint32(s[13]), 0xc0},
		{"ctr_cntn", uint32(s[29]), 1},
		{"data_length", le.Uint32(s[32:]), 0x11223344},
		{"src_ll_num", uint32(s[36]), 1},
		{"src_addr[0].lo", le.Uint32(s[40:]), 0xa0a0a0a0},
		{"src_addr[0].hi", le.Uint32(s[44:]), 64},
		{"dst_ll_num", uint32(s[176]), AESMaxLL},
		{"dst_addr[16].lo", le.Uint32(s[308:]), 0xd0d0d0d0},
		{"dst_addr[16].hi", le.Uint32(s[312:]), 0x10},
	} {
		if c.got != c.want {
			t.Errorf("%s = %#x, want %#x", c.name, c.got, c.want)
		}
	}
	if buf[HeaderSize+SlotSize] != 0 {
		t.Errorf("second slot is not zero")
	}
}

func TestCMACLayout(t *testing.T) {
	op := &AESCMAC{KeySlot: 3, IVSel: IVUpdated, DataLength: 16, Dst: 0x1_0000_0040}
	op.SetSrc(make([]Addr, CMACMaxLL))
	op.Src[CMACMaxLL-1] = Addr{Lo: 7, Hi: 16}
	s := encodeOne(t, Request{Engine: AES1, Cmd: CmdAESCMAC, Args: op})[HeaderSize:]
	le := binary.LittleEndian
	if got := s[11]; got != uint8(IVUpdated) {
		t.Errorf("ivsel = %d, want %d", got, IVUpdated)
	}
	if got := le.Uint32(s[12:]); got != 16 {
		t.Errorf("data_length = %d, want 16", got)
	}
	if got := le.Uint64(s[16:]); got != 0x1_0000_0040 {
		t.Errorf("dst = %#x, want 0x100000040", got)
	}
	if got := s[24]; got != CMACMaxLL {
		t.Errorf("src.number = %d, want %d", got, CMACMaxLL)
	}
	if got := le.Uint32(s[308:]); got != 7 {
		t.Errorf("src.addr[35].lo = %d, want 7", got)
	}
}

func TestSHALayout(t *testing.T) {
	op := &SHAOp{BlockLength: 100, TotalLength: 100, LeftLength: 100, Mode: SHA384, StreamID: 5, Dst: 0xabc}
	op.Hash[0] = 0xdeadbeef
	op.SetSrc([]Addr{{Lo: 0x1000, Hi: 100}})
	s := encodeOne(t, Request{Engine: SHA, Cmd: CmdSHAHash, Args: op})[HeaderSize:]
	le := binary.LittleEndian
	if got := le.Uint32(s[8+4:]); got != 100 {
		t.Errorf("msg_total_length = %d, want 100", got)
	}
	if got := s[8+12]; got != uint8(SHA384) {
		t.Errorf("mode = %d, want %d", got, SHA384)
	}
	if got := s[8+13]; got != 5 {
		t.Errorf("streamid = %d, want 5", got)
	}
	if got := le.Uint32(s[8+16:]); got != 0xdeadbeef {
		t.Errorf("hash[0] = %#x, want 0xdeadbeef", got)
	}
	if got := le.Uint64(s[8+80:]); got != 0xabc {
		t.Errorf("dst = %#x, want 0xabc", got)
	}
	if got := s[8+88]; got != 1 {
		t.Errorf("src.number = %d, want 1", got)
	}
	if got := le.Uint32(s[8+92:]); got != 0x1000 {
		t.Errorf("src.addr[0].lo = %#x, want 0x1000", got)
	}
}

func TestRSALayout(t *testing.T) {
	key := &RSAKey{Slot: 4, Length: 256}
	key.Data[0] = 0x11
	s := encodeOne(t, Request{Engine: RSA, Cmd: CmdRSASetModKey, Args: key})[HeaderSize:]
	le := binary.LittleEndian
	if s[8] != 4 || le.Uint32(s[12:]) != 256 || s[16] != 0x11 {
		t.Errorf("rsa key fields at wrong offsets: slot %d length %d data[0] %#x", s[8], le.Uint32(s[12:]), s[16])
	}

	op := &RSAOp{Src: 1, Dst: 2, ModLength: 256, ExpLength: 4, StreamID: 6, KeySlot: 4}
	s = encodeOne(t, Request{Engine: RSA, Cmd: CmdRSAEncDec, Args: op})[HeaderSize:]
	if le.Uint64(s[8:]) != 1 || le.Uint64(s[16:]) != 2 || le.Uint32(s[24:]) != 256 || le.Uint32(s[28:]) != 4 || s[32] != 6 || s[33] != 4 {
		t.Errorf("rsa op fields at wrong offsets: % x", s[8:34])
	}
}

func TestRequestRoundTrip(t *testing.T) {
	key := &AESKeyIV{Slot: 9, Length: 16, Type: KeyTypeKey | KeyTypeOIV}
	copy(key.Key[:], "0123456789abcdef")
	op := &AESOp{KeySlot: 9, KeyLength: 16, Mode: ModeCBC, IVSel: IVRegister, DataLength: 64}
	op.SetSrc([]Addr{{Lo: 0x100, Hi: 64}})
	op.SetDst([]Addr{{Lo: 0x100, Hi: 64}})
	want := NewFrame(
		Request{Engine: AES1, Cmd: CmdAESAllocKey, Args: &AESAllocKey{}},
		Request{Engine: AES1, Cmd: CmdAESSetKey, Args: key},
		Request{Engine: AES1, Cmd: CmdAESDecrypt, Args: op},
		Request{Engine: AES0, Cmd: CmdAESRNG, Args: &AESRNG{DataLength: 16, Dst: 0x200}},
		Request{Engine: RSA, Cmd: CmdRSAReleaseKey, Args: &RSAReleaseKey{Slot: 2}},
	)
	want.Header.Tag[0] = 0x5a
	buf, err := want.Encode()
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	hdr, reqs, err := DecodeRequests(buf)
	if err != nil {
		t.Fatalf("DecodeRequests() failed: %v", err)
	}
	if hdr.NumReqs != 5 || hdr.Tag[0] != 0x5a {
		t.Errorf("header = %+v, want 5 requests and tag 0x5a", hdr)
	}
	if diff := cmp.Diff(want.Requests, reqs, ignorePad); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeRejects(t *testing.T) {
	for _, tc := range []struct {
		name string
		reqs []Request
	}{
		{"empty", nil},
		{"too many", make([]Request, MaxBatch+1)},
		{"wrong args", []Request{{Engine: SHA, Cmd: CmdSHAHash, Args: &AESOp{}}}},
		{"nil args", []Request{{Engine: AES1, Cmd: CmdAESEncrypt}}},
		{"unknown command", []Request{{Engine: RSA, Cmd: 9, Args: &RSAOp{}}}},
		{"bad engine", []Request{{Engine: 7, Cmd: CmdSHAHash, Args: &SHAOp{}}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := EncodeRequests(make([]byte, FrameSize), Header{}, tc.reqs)
			if !errors.Is(err, seerr.ErrInvalidArgument) {
				t.Errorf("EncodeRequests() = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestDecodeRejectsUnknownDiscriminant(t *testing.T) {
	buf := encodeOne(t, Request{Engine: SHA, Cmd: CmdSHAHash, Args: &SHAOp{}})
	buf[HeaderSize+offCmd] = 2
	if _, _, err := DecodeRequests(buf); !errors.Is(err, seerr.ErrInvalidArgument) {
		t.Errorf("DecodeRequests() = %v, want ErrInvalidArgument", err)
	}
}

func TestResponsesOverlayRequests(t *testing.T) {
	buf := encodeOne(t, Request{Engine: AES1, Cmd: CmdAESEncrypt, Args: &AESOp{KeySlot: 1, DataLength: 48}})
	argsBefore := append([]byte(nil), buf[HeaderSize+argsOffset:HeaderSize+SlotSize]...)

	want := []Response{{Engine: AES1, Tag: 0, Status: 0, KeySlot: 5}}
	if err := EncodeResponses(buf, Header{Status: 3}, want); err != nil {
		t.Fatalf("EncodeResponses() failed: %v", err)
	}
	hdr, got, err := DecodeResponses(buf, 1)
	if err != nil {
		t.Fatalf("DecodeResponses() failed: %v", err)
	}
	if hdr.Status != 3 {
		t.Errorf("header status = %d, want 3", hdr.Status)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("responses mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(argsBefore, buf[HeaderSize+argsOffset:HeaderSize+SlotSize]); diff != "" {
		t.Errorf("response clobbered request arguments (-want +got):\n%s", diff)
	}
}
