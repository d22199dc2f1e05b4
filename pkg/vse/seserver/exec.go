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

package seserver

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"math/big"

	"vse.dev/vse/pkg/vse/keyslot"
	"vse.dev/vse/pkg/vse/wire"
)

// +checklocks:s.mu
func (s *Server) allocAES() (uint8, uint8) {
	for i := range s.aes {
		if !s.aes[i].used {
			s.aes[i] = aesSlot{used: true}
			return uint8(i), StatusOK
		}
	}
	return 0, StatusNoSlot
}

// +checklocks:s.mu
func (s *Server) aesSlot(slot uint8) (*aesSlot, error) {
	if int(slot) >= len(s.aes) || !s.aes[slot].used {
		return nil, fmt.Errorf("AES key slot %d not allocated", slot)
	}
	return &s.aes[slot], nil
}

// +checklocks:s.mu
func (s *Server) releaseAES(slot uint8) error {
	ks, err := s.aesSlot(slot)
	if err != nil {
		return err
	}
	*ks = aesSlot{}
	return nil
}

// +checklocks:s.mu
func (s *Server) setKeyIV(a *wire.AESKeyIV) error {
	ks, err := s.aesSlot(a.Slot)
	if err != nil {
		return err
	}
	if a.Type&wire.KeyTypeKey != 0 {
		if !keyslot.ValidAESKeyLen(int(a.Length)) {
			return fmt.Errorf("%d byte AES key", a.Length)
		}
		ks.key = append([]byte(nil), a.Key[:a.Length]...)
	}
	if a.Type&wire.KeyTypeOIV != 0 {
		ks.oiv = a.OIV
	}
	if a.Type&wire.KeyTypeUIV != 0 {
		ks.uiv = a.UIV
	}
	return nil
}

func (ks *aesSlot) block() (cipher.Block, error) {
	if ks.key == nil {
		return nil, fmt.Errorf("no key in slot")
	}
	return aes.NewCipher(ks.key)
}

// iv returns the IV selected by sel. The counter field wins when the
// request asks for it or continues a counter.
func (ks *aesSlot) iv(sel wire.IVSel, lctr [16]byte, ctrCntn uint8) []byte {
	switch {
	case ctrCntn == 1, sel&wire.IVFromCounter != 0, sel == wire.IVRegister:
		return lctr[:]
	case sel == wire.IVUpdated:
		return ks.uiv[:]
	default:
		return ks.oiv[:]
	}
}

// +checklocks:s.mu
func (s *Server) cipher(encrypt bool, a *wire.AESOp) error {
	ks, err := s.aesSlot(a.KeySlot)
	if err != nil {
		return err
	}
	blk, err := ks.block()
	if err != nil {
		return err
	}
	n := int(a.DataLength)
	if n%aes.BlockSize != 0 || int(a.SrcNum) > len(a.Src) || int(a.DstNum) > len(a.Dst) {
		return fmt.Errorf("malformed AES op: %d bytes, %d/%d entries", n, a.SrcNum, a.DstNum)
	}
	data, err := s.gather(a.Src[:a.SrcNum], n)
	if err != nil {
		return err
	}
	iv := ks.iv(a.IVSel, a.LCtr, a.CtrCntn)
	out := make([]byte, n)
	switch a.Mode {
	case wire.ModeCBC:
		if encrypt {
			cipher.NewCBCEncrypter(blk, iv).CryptBlocks(out, data)
			copy(ks.uiv[:], out[n-aes.BlockSize:])
		} else {
			cipher.NewCBCDecrypter(blk, iv).CryptBlocks(out, data)
			copy(ks.uiv[:], data[n-aes.BlockSize:])
		}
	case wire.ModeECB:
		for off := 0; off < n; off += aes.BlockSize {
			if encrypt {
				blk.Encrypt(out[off:], data[off:])
			} else {
				blk.Decrypt(out[off:], data[off:])
			}
		}
	case wire.ModeCTR:
		cipher.NewCTR(blk, iv).XORKeyStream(out, data)
	case wire.ModeOFB:
		cipher.NewOFB(blk, iv).XORKeyStream(out, data)
	default:
		return fmt.Errorf("unknown AES mode %v", a.Mode)
	}
	return s.scatter(a.Dst[:a.DstNum], out)
}

// cmac runs the CBC-MAC chain over the source and stores the final chain
// block at Dst.
//
// +checklocks:s.mu
func (s *Server) cmac(a *wire.AESCMAC) error {
	ks, err := s.aesSlot(a.KeySlot)
	if err != nil {
		return err
	}
	blk, err := ks.block()
	if err != nil {
		return err
	}
	n := int(a.DataLength)
	if n == 0 || n%aes.BlockSize != 0 || int(a.SrcNum) > len(a.Src) {
		return fmt.Errorf("malformed CMAC op: %d bytes, %d entries", n, a.SrcNum)
	}
	data, err := s.gather(a.Src[:a.SrcNum], n)
	if err != nil {
		return err
	}
	iv := ks.iv(a.IVSel, [16]byte{}, 0)
	out := make([]byte, n)
	cipher.NewCBCEncrypter(blk, iv).CryptBlocks(out, data)
	return s.store(a.Dst, out[n-aes.BlockSize:])
}

// +checklocks:s.mu
func (s *Server) rng(a *wire.AESRNG) error {
	out := make([]byte, a.DataLength)
	if _, err := rand.Read(out); err != nil {
		return err
	}
	return s.store(a.Dst, out)
}

func newHash(m wire.SHAMode) (hash.Hash, error) {
	switch m {
	case wire.SHA1:
		return sha1.New(), nil
	case wire.SHA224:
		return sha256.New224(), nil
	case wire.SHA256:
		return sha256.New(), nil
	case wire.SHA384:
		return sha512.New384(), nil
	case wire.SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("unknown SHA mode %d", m)
	}
}

// +checklocks:s.mu
func (s *Server) hash(a *wire.SHAOp) error {
	h, err := newHash(a.Mode)
	if err != nil {
		return err
	}
	if a.TotalLength == 0 || int(a.SrcNum) > len(a.Src) {
		return fmt.Errorf("malformed SHA op: %d bytes, %d entries", a.TotalLength, a.SrcNum)
	}
	data, err := s.gather(a.Src[:a.SrcNum], int(a.TotalLength))
	if err != nil {
		return err
	}
	h.Write(data)
	return s.store(a.Dst, h.Sum(nil))
}

// +checklocks:s.mu
func (s *Server) allocRSA() (uint8, uint8) {
	for i := range s.rsa {
		if !s.rsa[i].used {
			s.rsa[i] = rsaSlot{used: true}
			return uint8(i), StatusOK
		}
	}
	return 0, StatusNoSlot
}

// +checklocks:s.mu
func (s *Server) rsaSlot(slot uint8) (*rsaSlot, error) {
	if int(slot) >= len(s.rsa) || !s.rsa[slot].used {
		return nil, fmt.Errorf("RSA key slot %d not allocated", slot)
	}
	return &s.rsa[slot], nil
}

// +checklocks:s.mu
func (s *Server) releaseRSA(slot uint8) error {
	ks, err := s.rsaSlot(slot)
	if err != nil {
		return err
	}
	*ks = rsaSlot{}
	return nil
}

// setRSAKey stores a key part. Parts arrive word-reversed.
//
// +checklocks:s.mu
func (s *Server) setRSAKey(exponent bool, a *wire.RSAKey) error {
	ks, err := s.rsaSlot(a.Slot)
	if err != nil {
		return err
	}
	if a.Length == 0 || a.Length%4 != 0 || int(a.Length) > len(a.Data) {
		return fmt.Errorf("%d byte RSA key part", a.Length)
	}
	part := keyslot.ReverseWords(a.Data[:a.Length])
	if exponent {
		ks.exp = part
	} else {
		ks.mod = part
	}
	return nil
}

// +checklocks:s.mu
func (s *Server) modExp(a *wire.RSAOp) error {
	ks, err := s.rsaSlot(a.KeySlot)
	if err != nil {
		return err
	}
	if ks.exp == nil || ks.mod == nil || int(a.ModLength) != len(ks.mod) {
		return fmt.Errorf("RSA slot %d has no key of %d bytes", a.KeySlot, a.ModLength)
	}
	in, err := s.arena.Slice(a.Src, int(a.ModLength))
	if err != nil {
		return err
	}
	mod := new(big.Int).SetBytes(ks.mod)
	if mod.Sign() == 0 {
		return fmt.Errorf("zero RSA modulus")
	}
	r := new(big.Int).Exp(new(big.Int).SetBytes(in), new(big.Int).SetBytes(ks.exp), mod)
	out := make([]byte, a.ModLength)
	r.FillBytes(out)
	return s.store(a.Dst, out)
}
