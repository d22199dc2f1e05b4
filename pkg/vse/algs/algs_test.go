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
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"vse.dev/vse/pkg/dma"
	"vse.dev/vse/pkg/vse/engine"
	"vse.dev/vse/pkg/vse/keyslot"
	"vse.dev/vse/pkg/vse/seerr"
	"vse.dev/vse/pkg/vse/seserver"
	"vse.dev/vse/pkg/vse/transport"
	"vse.dev/vse/pkg/vse/wire"
)

// recorder passes frames to rt and records their requests.
type recorder struct {
	rt transport.RoundTripper

	mu   sync.Mutex
	reqs []wire.Request
}

func (r *recorder) RoundTrip(f *wire.Frame) ([]wire.Response, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, f.Requests...)
	r.mu.Unlock()
	return r.rt.RoundTrip(f)
}

func (r *recorder) cmds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var cmds []string
	for _, req := range r.reqs {
		cmds = append(cmds, fmt.Sprintf("%v/%d", req.Engine, req.Cmd))
	}
	return cmds
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = nil
}

type fixture struct {
	env   *Env
	arena *dma.Arena
	rec   *recorder
	aes   *keyslot.Manager
	rsa   *keyslot.Manager
	eng   *engine.Engine
}

func newFixture(t *testing.T, opts seserver.Options) *fixture {
	t.Helper()
	a, err := dma.NewAnonymous(4<<20, 0x1000_0000)
	if err != nil {
		t.Fatalf("NewAnonymous() failed: %v", err)
	}
	rec := &recorder{rt: seserver.New(a, opts)}
	f := &fixture{
		env:   &Env{RT: rec, Arena: a, StreamID: 1},
		arena: a,
		rec:   rec,
		aes:   keyslot.NewManager(rec, wire.AES1),
		rsa:   keyslot.NewManager(rec, wire.RSA),
		eng:   engine.New(wire.AES1, rec, a, engine.Options{StreamID: 1}),
	}
	t.Cleanup(func() {
		f.eng.Close()
		if n := a.Mappings(); n != 0 {
			t.Errorf("%d buffers left mapped", n)
		}
		a.Close()
	})
	return f
}

func (f *fixture) scatter(t *testing.T, data []byte, chunk int) dma.ScatterList {
	t.Helper()
	sl, err := f.arena.Scatter(data, chunk)
	if err != nil {
		t.Fatalf("Scatter() failed: %v", err)
	}
	t.Cleanup(sl.Free)
	return sl
}

func randBytes(r *rand.Rand, n int) []byte {
	b := make([]byte, n)
	r.Read(b)
	return b
}

func stdlibCrypt(t *testing.T, mode wire.AESMode, encrypt bool, key, iv, in []byte) []byte {
	t.Helper()
	blk, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes.NewCipher() failed: %v", err)
	}
	if iv == nil {
		iv = make([]byte, 16)
	}
	out := make([]byte, len(in))
	switch mode {
	case wire.ModeCBC:
		if encrypt {
			cipher.NewCBCEncrypter(blk, iv).CryptBlocks(out, in)
		} else {
			cipher.NewCBCDecrypter(blk, iv).CryptBlocks(out, in)
		}
	case wire.ModeECB:
		for i := 0; i < len(in); i += 16 {
			if encrypt {
				blk.Encrypt(out[i:], in[i:])
			} else {
				blk.Decrypt(out[i:], in[i:])
			}
		}
	case wire.ModeCTR:
		cipher.NewCTR(blk, iv).XORKeyStream(out, in)
	case wire.ModeOFB:
		cipher.NewOFB(blk, iv).XORKeyStream(out, in)
	}
	return out
}

func TestAESModes(t *testing.T) {
	f := newFixture(t, seserver.Options{})
	r := rand.New(rand.NewSource(1))
	for _, mode := range []wire.AESMode{wire.ModeCBC, wire.ModeECB, wire.ModeCTR, wire.ModeOFB} {
		for _, keyLen := range []int{16, 24, 32} {
			t.Run(fmt.Sprintf("%v-%d", mode, keyLen*8), func(t *testing.T) {
				key := randBytes(r, keyLen)
				iv := randBytes(r, 16)
				plain := randBytes(r, 160)
				c := NewAESCipher(mode, f.aes, f.eng)
				defer c.Close()
				if err := c.SetKey(key); err != nil {
					t.Fatalf("SetKey() failed: %v", err)
				}

				src := f.scatter(t, plain, 48)
				dst := f.scatter(t, make([]byte, len(plain)), 64)
				if err := c.Encrypt(iv, src, dst, len(plain)); err != nil {
					t.Fatalf("Encrypt() failed: %v", err)
				}
				want := stdlibCrypt(t, mode, true, key, iv, plain)
				if got := dst.Bytes(len(plain)); !bytes.Equal(got, want) {
					t.Fatalf("Encrypt() = %x, want %x", got, want)
				}
				if got := src.Bytes(len(plain)); !bytes.Equal(got, plain) {
					t.Errorf("Encrypt() modified its source")
				}

				if err := c.Decrypt(iv, dst, nil, len(plain)); err != nil {
					t.Fatalf("Decrypt() failed: %v", err)
				}
				if got := dst.Bytes(len(plain)); !bytes.Equal(got, plain) {
					t.Errorf("Decrypt() = %x, want %x", got, plain)
				}
			})
		}
	}
}

func TestAESOriginalIV(t *testing.T) {
	f := newFixture(t, seserver.Options{})
	key := bytes.Repeat([]byte{9}, 16)
	plain := bytes.Repeat([]byte("0123456789abcdef"), 2)
	c := NewAESCipher(wire.ModeCBC, f.aes, f.eng)
	defer c.Close()
	if err := c.SetKey(key); err != nil {
		t.Fatalf("SetKey() failed: %v", err)
	}
	buf := f.scatter(t, plain, 0)
	if err := c.Encrypt(nil, buf, nil, len(plain)); err != nil {
		t.Fatalf("Encrypt() failed: %v", err)
	}
	if got, want := buf.Bytes(len(plain)), stdlibCrypt(t, wire.ModeCBC, true, key, nil, plain); !bytes.Equal(got, want) {
		t.Errorf("Encrypt() = %x, want %x", got, want)
	}
}

func TestAESWithoutKey(t *testing.T) {
	f := newFixture(t, seserver.Options{})
	c := NewAESCipher(wire.ModeECB, f.aes, f.eng)
	defer c.Close()
	buf := f.scatter(t, make([]byte, 16), 0)
	if err := c.Encrypt(nil, buf, nil, 16); !errors.Is(err, seerr.ErrNoKey) {
		t.Errorf("Encrypt() without key = %v, want ErrNoKey", err)
	}
	if err := c.SetKey(make([]byte, 20)); !errors.Is(err, seerr.ErrInvalidArgument) {
		t.Errorf("SetKey(20 bytes) = %v, want ErrInvalidArgument", err)
	}
	if diff := cmp.Diff([]string(nil), f.rec.cmds()); diff != "" {
		t.Errorf("unexpected requests (-want +got):\n%s", diff)
	}
}

func TestAESConcurrent(t *testing.T) {
	f := newFixture(t, seserver.Options{})
	key := bytes.Repeat([]byte{3}, 32)
	c := NewAESCipher(wire.ModeCTR, f.aes, f.eng)
	defer c.Close()
	if err := c.SetKey(key); err != nil {
		t.Fatalf("SetKey() failed: %v", err)
	}
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		plain := bytes.Repeat([]byte{byte(i)}, 64)
		iv := bytes.Repeat([]byte{byte(i + 1)}, 16)
		want := stdlibCrypt(t, wire.ModeCTR, true, key, iv, plain)
		g.Go(func() error {
			for j := 0; j < 10; j++ {
				buf, err := f.arena.Scatter(plain, 0)
				if err != nil {
					return err
				}
				err = c.Encrypt(iv, buf, nil, len(plain))
				got := buf.Bytes(len(plain))
				buf.Free()
				if err != nil {
					return err
				}
				if !bytes.Equal(got, want) {
					return fmt.Errorf("Encrypt() = %x, want %x", got, want)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestAESCloseReleasesSlot(t *testing.T) {
	f := newFixture(t, seserver.Options{})
	c := NewAESCipher(wire.ModeECB, f.aes, f.eng)
	if err := c.SetKey(make([]byte, 16)); err != nil {
		t.Fatalf("SetKey() failed: %v", err)
	}
	if err := c.SetKey(make([]byte, 24)); err != nil {
		t.Fatalf("SetKey() failed: %v", err)
	}
	c.Close()
	c.Close()
	want := []string{"aes1/1", "aes1/3", "aes1/3", "aes1/2"}
	if diff := cmp.Diff(want, f.rec.cmds()); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
	if _, _, ok := c.KeySlot(); ok {
		t.Errorf("KeySlot() reports a key after Close()")
	}
}

func TestSHA(t *testing.T) {
	f := newFixture(t, seserver.Options{})
	msg := randBytes(rand.New(rand.NewSource(2)), 1000)
	for _, tc := range []struct {
		size int
		sum  func([]byte) []byte
	}{
		{20, func(b []byte) []byte { s := sha1.Sum(b); return s[:] }},
		{28, func(b []byte) []byte { s := sha256.Sum224(b); return s[:] }},
		{32, func(b []byte) []byte { s := sha256.Sum256(b); return s[:] }},
		{48, func(b []byte) []byte { s := sha512.Sum384(b); return s[:] }},
		{64, func(b []byte) []byte { s := sha512.Sum512(b); return s[:] }},
	} {
		t.Run(fmt.Sprint(tc.size), func(t *testing.T) {
			s, err := NewSHA(f.env, tc.size)
			if err != nil {
				t.Fatalf("NewSHA() failed: %v", err)
			}
			for _, n := range []int{0, 1, 64, 1000} {
				f.rec.reset()
				out := make([]byte, s.Size())
				src := f.scatter(t, msg, 100)
				if err := s.Digest(src, n, out); err != nil {
					t.Fatalf("Digest(%d bytes) failed: %v", n, err)
				}
				if want := tc.sum(msg[:n]); !bytes.Equal(out, want) {
					t.Errorf("Digest(%d bytes) = %x, want %x", n, out, want)
				}
				wantCalls := 1
				if n == 0 {
					wantCalls = 0
				}
				if got := len(f.rec.cmds()); got != wantCalls {
					t.Errorf("Digest(%d bytes) sent %d requests, want %d", n, got, wantCalls)
				}
			}
		})
	}
	if _, err := NewSHA(f.env, 16); !errors.Is(err, seerr.ErrInvalidArgument) {
		t.Errorf("NewSHA(16) = %v, want ErrInvalidArgument", err)
	}
}

func TestSHATooManyRegions(t *testing.T) {
	f := newFixture(t, seserver.Options{})
	s, err := NewSHA(f.env, 32)
	if err != nil {
		t.Fatalf("NewSHA() failed: %v", err)
	}
	src := f.scatter(t, make([]byte, (wire.SHAMaxLL+1)*8), 8)
	out := make([]byte, 32)
	if err := s.Digest(src, src.Len(), out); !errors.Is(err, seerr.ErrInvalidArgument) {
		t.Errorf("Digest() over %d regions = %v, want ErrInvalidArgument", len(src), err)
	}
	if err := s.Digest(src, wire.SHAMaxLL*8, out); err != nil {
		t.Errorf("Digest() over %d regions failed: %v", wire.SHAMaxLL, err)
	}
}

func TestRSASetKeyRequests(t *testing.T) {
	f := newFixture(t, seserver.Options{})
	r, err := NewRSA(f.env, f.rsa, 256)
	if err != nil {
		t.Fatalf("NewRSA() failed: %v", err)
	}
	defer r.Close()
	key := randBytes(rand.New(rand.NewSource(3)), 512)
	if err := r.SetKey(key, KeyLen(256, 256)); err != nil {
		t.Fatalf("SetKey() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"rsa/1", "rsa/3", "rsa/4"}, f.rec.cmds()); diff != "" {
		t.Fatalf("requests mismatch (-want +got):\n%s", diff)
	}
	for i, part := range [][]byte{key[:256], key[256:]} {
		args := f.rec.reqs[i+1].Args.(*wire.RSAKey)
		if args.Length != 256 || !bytes.Equal(args.Data[:], keyslot.ReverseWords(part)) {
			t.Errorf("part %d uploaded as %d bytes %x", i, args.Length, args.Data[:16])
		}
	}

	// A second key reuses the slot.
	f.rec.reset()
	if err := r.SetKey(key[:8], KeyLen(4, 4)); err != nil {
		t.Fatalf("SetKey() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"rsa/3", "rsa/4"}, f.rec.cmds()); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
}

func TestRSADigest(t *testing.T) {
	f := newFixture(t, seserver.Options{})
	r, err := NewRSA(f.env, f.rsa, 64)
	if err != nil {
		t.Fatalf("NewRSA() failed: %v", err)
	}
	defer r.Close()

	rnd := rand.New(rand.NewSource(4))
	mod := randBytes(rnd, 64)
	mod[0] |= 0x80
	mod[63] |= 1
	exp := []byte{0, 1, 0, 1}
	msg := randBytes(rnd, 64)
	msg[0] = 0
	out := make([]byte, 64)

	if err := r.Digest(f.scatter(t, msg, 0), 64, out); !errors.Is(err, seerr.ErrNoKey) {
		t.Errorf("Digest() without key = %v, want ErrNoKey", err)
	}
	if err := r.SetKey(append(exp, mod...), KeyLen(len(exp), len(mod))); err != nil {
		t.Fatalf("SetKey() failed: %v", err)
	}
	if err := r.Digest(f.scatter(t, msg, 0), 64, out); err != nil {
		t.Fatalf("Digest() failed: %v", err)
	}
	want := new(big.Int).Exp(new(big.Int).SetBytes(msg), big.NewInt(65537), new(big.Int).SetBytes(mod)).FillBytes(make([]byte, 64))
	if !bytes.Equal(out, want) {
		t.Errorf("Digest() = %x, want %x", out, want)
	}

	for _, tc := range []struct {
		name string
		src  dma.ScatterList
		n    int
	}{
		{"short", f.scatter(t, msg[:32], 0), 32},
		{"long", f.scatter(t, make([]byte, 260), 0), 260},
		{"two regions", f.scatter(t, msg, 32), 64},
	} {
		if err := r.Digest(tc.src, tc.n, make([]byte, tc.n)); !errors.Is(err, seerr.ErrInvalidArgument) {
			t.Errorf("%s: Digest() = %v, want ErrInvalidArgument", tc.name, err)
		}
	}

	// Loading only the exponent resets the stored modulus length.
	if err := r.SetKey(exp, KeyLen(len(exp), 0)); err != nil {
		t.Fatalf("SetKey() failed: %v", err)
	}
	if err := r.Digest(f.scatter(t, msg, 0), 64, out); !errors.Is(err, seerr.ErrInvalidArgument) {
		t.Errorf("Digest() after exponent-only SetKey() = %v, want ErrInvalidArgument", err)
	}
	if err := r.SetKey(append(exp, mod...), KeyLen(len(exp), len(mod))); err != nil {
		t.Fatalf("SetKey() failed: %v", err)
	}
	if err := r.Digest(f.scatter(t, msg, 0), 64, out); err != nil {
		t.Fatalf("Digest() after reloading the key failed: %v", err)
	}
	if !bytes.Equal(out, want) {
		t.Errorf("Digest() = %x, want %x", out, want)
	}
}

func TestRSACloseIgnoresReleaseFailure(t *testing.T) {
	f := newFixture(t, seserver.Options{Inject: func(r *wire.Request) uint8 {
		if r.Engine == wire.RSA && r.Cmd == wire.CmdRSAReleaseKey {
			return 5
		}
		return 0
	}})
	r, err := NewRSA(f.env, f.rsa, 64)
	if err != nil {
		t.Fatalf("NewRSA() failed: %v", err)
	}
	if err := r.SetKey(make([]byte, 8), KeyLen(4, 4)); err != nil {
		t.Fatalf("SetKey() failed: %v", err)
	}
	r.Close()
	r.Close()
	if got := r.ctx.State(); got != keyslot.Released {
		t.Errorf("state after Close() = %v, want %v", got, keyslot.Released)
	}
	if diff := cmp.Diff([]string{"rsa/1", "rsa/3", "rsa/4", "rsa/2"}, f.rec.cmds()); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
}

func TestRNG(t *testing.T) {
	f := newFixture(t, seserver.Options{})
	r, err := NewRNG(f.env)
	if err != nil {
		t.Fatalf("NewRNG() failed: %v", err)
	}
	defer r.Close()
	for _, n := range []int{0, 1, 16, 17, 100} {
		f.rec.reset()
		out := make([]byte, n)
		if err := r.Generate(out); err != nil {
			t.Fatalf("Generate(%d) failed: %v", n, err)
		}
		if got, want := len(f.rec.cmds()), (n+15)/16; got != want {
			t.Errorf("Generate(%d) sent %d requests, want %d", n, got, want)
		}
		for _, req := range f.rec.reqs {
			if req.Engine != wire.AES0 || req.Cmd != wire.CmdAESRNG {
				t.Errorf("Generate(%d) sent %v command %d", n, req.Engine, req.Cmd)
			}
		}
	}
	out := make([]byte, 64)
	if err := r.Generate(out); err != nil {
		t.Fatalf("Generate() failed: %v", err)
	}
	if bytes.Equal(out, make([]byte, 64)) {
		t.Errorf("Generate() returned zeros")
	}
	if r.SeedSize() != 48 || r.Seed(make([]byte, 48)) != nil {
		t.Errorf("seeding is not accepted")
	}
}
