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
	"fmt"

	"vse.dev/vse/pkg/binary"
	"vse.dev/vse/pkg/vse/seerr"
)

// Slot offsets shared by requests and responses.
const (
	offEngine  = 0
	offTag     = 1
	offCmd     = 2
	offStatus  = 2
	offKeySlot = 3
)

// Frame is a request frame: a header and 1..MaxBatch request slots.
type Frame struct {
	Header   Header
	Requests []Request
}

// NewFrame returns a frame carrying reqs, with the slot tags set to their
// positions.
func NewFrame(reqs ...Request) *Frame {
	f := &Frame{Requests: reqs}
	for i := range f.Requests {
		f.Requests[i].Tag = uint8(i)
	}
	return f
}

// Encode returns the FrameSize byte representation of f. Header.NumReqs is
// taken from len(f.Requests).
func (f *Frame) Encode() ([]byte, error) {
	buf := make([]byte, FrameSize)
	if err := EncodeRequests(buf, f.Header, f.Requests); err != nil {
		return nil, err
	}
	return buf, nil
}

func checkFrame(buf []byte, n int) error {
	if len(buf) < FrameSize {
		return fmt.Errorf("%w: frame buffer is %d bytes, need %d", seerr.ErrInvalidArgument, len(buf), FrameSize)
	}
	if n < 1 || n > MaxBatch {
		return fmt.Errorf("%w: %d requests in frame, want 1..%d", seerr.ErrInvalidArgument, n, MaxBatch)
	}
	return nil
}

func slot(buf []byte, i int) []byte {
	off := HeaderSize + i*SlotSize
	return buf[off : off+SlotSize]
}

// EncodeRequests writes hdr and reqs into buf, which must be at least
// FrameSize long. Unused slots are zeroed.
func EncodeRequests(buf []byte, hdr Header, reqs []Request) error {
	if err := checkFrame(buf, len(reqs)); err != nil {
		return err
	}
	clear(buf[:FrameSize])
	hdr.NumReqs = uint32(len(reqs))
	if _, err := binary.Encode(buf, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	for i := range reqs {
		if err := encodeRequest(slot(buf, i), &reqs[i]); err != nil {
			return fmt.Errorf("slot %d: %w", i, err)
		}
	}
	return nil
}

func encodeRequest(s []byte, r *Request) error {
	if !argsMatch(r.Engine, r.Cmd, r.Args) {
		return fmt.Errorf("%w: arguments %T do not match engine %v command %d", seerr.ErrInvalidArgument, r.Args, r.Engine, r.Cmd)
	}
	s[offEngine] = uint8(r.Engine)
	s[offTag] = r.Tag
	s[offCmd] = uint8(r.Cmd)
	_, err := binary.Encode(s[argsOffset:], binary.LittleEndian, r.Args)
	return err
}

// DecodeRequests parses a request frame. It is the remote engine's half of
// EncodeRequests.
func DecodeRequests(buf []byte) (Header, []Request, error) {
	var hdr Header
	if len(buf) < FrameSize {
		return hdr, nil, fmt.Errorf("%w: frame buffer is %d bytes, need %d", seerr.ErrInvalidArgument, len(buf), FrameSize)
	}
	if _, err := binary.Decode(buf, binary.LittleEndian, &hdr); err != nil {
		return hdr, nil, err
	}
	if err := checkFrame(buf, int(hdr.NumReqs)); err != nil {
		return hdr, nil, err
	}
	reqs := make([]Request, hdr.NumReqs)
	for i := range reqs {
		s := slot(buf, i)
		r := &reqs[i]
		r.Engine = Engine(s[offEngine])
		r.Tag = s[offTag]
		r.Cmd = Command(s[offCmd])
		args, ok := argsFor(r.Engine, r.Cmd)
		if !ok {
			return hdr, reqs[:i], fmt.Errorf("slot %d: %w: unknown engine %v command %d", i, seerr.ErrInvalidArgument, r.Engine, r.Cmd)
		}
		if _, err := binary.Decode(s[argsOffset:], binary.LittleEndian, args); err != nil {
			return hdr, reqs[:i], err
		}
		r.Args = args
	}
	return hdr, reqs, nil
}

// EncodeResponses writes a response frame into buf. Request bytes outside
// the response fields are left in place, as the remote engine answers in
// the buffer it was given.
func EncodeResponses(buf []byte, hdr Header, resps []Response) error {
	if err := checkFrame(buf, len(resps)); err != nil {
		return err
	}
	hdr.NumReqs = uint32(len(resps))
	if _, err := binary.Encode(buf, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	for i, r := range resps {
		s := slot(buf, i)
		s[offEngine] = uint8(r.Engine)
		s[offTag] = r.Tag
		s[offStatus] = r.Status
		s[offKeySlot] = r.KeySlot
	}
	return nil
}

// DecodeHeader parses the header of the frame in buf.
func DecodeHeader(buf []byte) (Header, error) {
	var hdr Header
	if len(buf) < HeaderSize {
		return hdr, fmt.Errorf("%w: frame buffer is %d bytes, need %d", seerr.ErrInvalidArgument, len(buf), HeaderSize)
	}
	_, err := binary.Decode(buf, binary.LittleEndian, &hdr)
	return hdr, err
}

// DecodeResponses parses the header and the first n response slots of buf.
// Slot i answers request i; n comes from the request frame, not from the
// response header.
func DecodeResponses(buf []byte, n int) (Header, []Response, error) {
	var hdr Header
	if err := checkFrame(buf, n); err != nil {
		return hdr, nil, err
	}
	if _, err := binary.Decode(buf, binary.LittleEndian, &hdr); err != nil {
		return hdr, nil, err
	}
	resps := make([]Response, n)
	for i := range resps {
		s := slot(buf, i)
		resps[i] = Response{
			Engine:  Engine(s[offEngine]),
			Tag:     s[offTag],
			Status:  s[offStatus],
			KeySlot: s[offKeySlot],
		}
	}
	return hdr, resps, nil
}
