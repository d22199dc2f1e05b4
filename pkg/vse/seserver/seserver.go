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

// Package seserver is a software security engine that answers request
// frames the way the remote service does. Buffers named in requests are
// resolved through a shared DMA arena.
//
// It backs end-to-end tests and the serve command; it is not hardened
// against a hostile frontend.
package seserver

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
	"vse.dev/vse/pkg/dma"
	"vse.dev/vse/pkg/log"
	"vse.dev/vse/pkg/metric"
	"vse.dev/vse/pkg/vse/seerr"
	"vse.dev/vse/pkg/vse/wire"
)

// Slot statuses reported by the server.
const (
	StatusOK      uint8 = 0
	StatusInvalid       = uint8(unix.EINVAL)
	StatusNoSlot        = uint8(unix.ENOSPC)
)

// NumKeySlots is the number of key slots per engine family.
const NumKeySlots = 16

type aesSlot struct {
	used bool
	key  []byte
	oiv  [16]byte
	uiv  [16]byte
}

type rsaSlot struct {
	used bool
	exp  []byte
	mod  []byte
}

// Options configures a Server.
type Options struct {
	// Inject, if set, is consulted before each request. A nonzero result
	// is reported as the request's status and the request is not run.
	Inject func(r *wire.Request) uint8

	Metrics *metric.Registry
}

// Server executes request frames.
type Server struct {
	arena *dma.Arena
	opts  Options

	requests *metric.Uint64Metric
	failures *metric.Uint64Metric

	// mu serializes frames.
	mu sync.Mutex
	// +checklocks:mu
	aes [NumKeySlots]aesSlot
	// +checklocks:mu
	rsa [NumKeySlots]rsaSlot
}

// New returns a Server resolving bus addresses in a.
func New(a *dma.Arena, opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = metric.NewRegistry()
	}
	engines := metric.NewField("engine", []string{"aes0", "aes1", "rsa", "sha"})
	return &Server{
		arena:    a,
		opts:     opts,
		requests: opts.Metrics.MustGetOrCreateUint64Metric("vse_server_requests_total", "Requests executed by the simulated engine.", engines),
		failures: opts.Metrics.MustGetOrCreateUint64Metric("vse_server_failures_total", "Requests the simulated engine failed.", engines),
	}
}

// Process answers the request frame in buf in place.
func (s *Server) Process(buf []byte) error {
	hdr, reqs, err := wire.DecodeRequests(buf)
	if err != nil {
		log.Warningf("seserver: rejecting frame: %v", err)
		n := min(max(int(hdr.NumReqs), 1), wire.MaxBatch)
		hdr.Status = uint32(StatusInvalid)
		return wire.EncodeResponses(buf, hdr, make([]wire.Response, n))
	}
	hdr, resps := s.Handle(hdr, reqs)
	return wire.EncodeResponses(buf, hdr, resps)
}

// Handle executes reqs in order. The returned header carries the first
// nonzero slot status.
func (s *Server) Handle(hdr wire.Header, reqs []wire.Request) (wire.Header, []wire.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resps := make([]wire.Response, len(reqs))
	hdr.Status = 0
	for i := range reqs {
		r := &reqs[i]
		resp := &resps[i]
		resp.Engine = r.Engine
		resp.Tag = r.Tag
		if s.opts.Inject != nil {
			resp.Status = s.opts.Inject(r)
		}
		if resp.Status == StatusOK {
			resp.KeySlot, resp.Status = s.exec(r)
		}
		s.requests.Increment(r.Engine.String())
		if resp.Status != StatusOK {
			s.failures.Increment(r.Engine.String())
			log.Debugf("seserver: %v command %d failed with status %d", r.Engine, r.Cmd, resp.Status)
			if hdr.Status == 0 {
				hdr.Status = uint32(resp.Status)
			}
		}
	}
	return hdr, resps
}

// RoundTrip runs f through the wire encoding and Process, so a Server can
// stand in for a transport within one process.
func (s *Server) RoundTrip(f *wire.Frame) ([]wire.Response, error) {
	buf, err := f.Encode()
	if err != nil {
		return nil, err
	}
	if err := s.Process(buf); err != nil {
		return nil, err
	}
	hdr, resps, err := wire.DecodeResponses(buf, len(f.Requests))
	if err != nil {
		return nil, err
	}
	return resps, seerr.Remote(hdr.Status)
}

// +checklocks:s.mu
func (s *Server) exec(r *wire.Request) (keySlot uint8, status uint8) {
	var err error
	switch a := r.Args.(type) {
	case *wire.AESAllocKey:
		return s.allocAES()
	case *wire.AESReleaseKey:
		err = s.releaseAES(a.Slot)
	case *wire.AESKeyIV:
		err = s.setKeyIV(a)
	case *wire.AESOp:
		err = s.cipher(r.Cmd == wire.CmdAESEncrypt, a)
	case *wire.AESCMAC:
		err = s.cmac(a)
	case *wire.AESRNG:
		err = s.rng(a)
	case *wire.SHAOp:
		err = s.hash(a)
	case *wire.RSAAllocKey:
		return s.allocRSA()
	case *wire.RSAReleaseKey:
		err = s.releaseRSA(a.Slot)
	case *wire.RSAKey:
		err = s.setRSAKey(r.Cmd == wire.CmdRSASetExpKey, a)
	case *wire.RSAOp:
		err = s.modExp(a)
	default:
		err = fmt.Errorf("unhandled arguments %T", r.Args)
	}
	if err != nil {
		log.Debugf("seserver: %v: %v", r.Engine, err)
		return 0, StatusInvalid
	}
	return 0, StatusOK
}

// gather copies the bytes described by list, up to n bytes.
func (s *Server) gather(list []wire.Addr, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for _, e := range list {
		b, err := s.arena.Slice(uint64(e.Lo), int(e.Hi))
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	if len(out) < n {
		return nil, fmt.Errorf("list covers %d bytes, need %d", len(out), n)
	}
	return out[:n], nil
}

// scatter copies data into the buffers described by list.
func (s *Server) scatter(list []wire.Addr, data []byte) error {
	for _, e := range list {
		if len(data) == 0 {
			break
		}
		b, err := s.arena.Slice(uint64(e.Lo), int(e.Hi))
		if err != nil {
			return err
		}
		data = data[copy(b, data):]
	}
	if len(data) != 0 {
		return fmt.Errorf("list too short by %d bytes", len(data))
	}
	return nil
}

// store copies data to the buffer at addr.
func (s *Server) store(addr uint64, data []byte) error {
	b, err := s.arena.Slice(addr, len(data))
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}
