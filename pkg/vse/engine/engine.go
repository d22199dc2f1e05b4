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

// Package engine implements the per-engine request batching queue: block
// cipher requests are queued, drained by one worker per engine and sent to
// the remote engine up to MaxBatch at a time in a single frame.
package engine

import (
	"errors"
	"fmt"
	"sync"

	"vse.dev/vse/pkg/dma"
	"vse.dev/vse/pkg/log"
	"vse.dev/vse/pkg/metric"
	"vse.dev/vse/pkg/vse/linklist"
	"vse.dev/vse/pkg/vse/seerr"
	"vse.dev/vse/pkg/vse/transport"
	"vse.dev/vse/pkg/vse/wire"
)

// BlockSize is the AES block size.
const BlockSize = 16

// Defaults for Options.
const (
	DefaultQueueLength = 50
	DefaultMaxBatch    = wire.MaxBatch
)

// Key resolves the key slot a request runs under.
type Key interface {
	// KeySlot returns the slot and key length, and false if no slot is
	// allocated.
	KeySlot() (slot uint8, keyLen int, ok bool)
}

// CipherRequest is one block cipher operation.
type CipherRequest struct {
	Key     Key
	Mode    wire.AESMode
	Encrypt bool

	// IV, if set, is the 16 byte IV or initial counter for this request.
	// Without it the slot's original IV is used.
	IV []byte

	// Src and Dst are the input and output. A nil Dst means in place.
	Src, Dst dma.ScatterList
	NBytes   int

	// MayBacklog allows the request to be accepted when the queue is full.
	MayBacklog bool

	// Complete is called once with the outcome. A backlogged request is
	// first called with seerr.ErrInProgress when it leaves the backlog.
	Complete func(err error)
}

func (r *CipherRequest) dst() dma.ScatterList {
	if r.Dst == nil {
		return r.Src
	}
	return r.Dst
}

// Options configures an Engine. Zero fields take their defaults.
type Options struct {
	QueueLength int
	MaxBatch    int
	StreamID    uint8

	// PerSlotStatus completes request i with the status of response slot i
	// when the frame as a whole succeeded. Without it only the header
	// status is used, for every request of the batch.
	PerSlotStatus bool

	Metrics *metric.Registry
}

func (o *Options) setDefaults() {
	if o.QueueLength <= 0 {
		o.QueueLength = DefaultQueueLength
	}
	if o.MaxBatch <= 0 || o.MaxBatch > wire.MaxBatch {
		o.MaxBatch = DefaultMaxBatch
	}
	if o.Metrics == nil {
		o.Metrics = metric.NewRegistry()
	}
}

// Engine queues and batches cipher requests for one remote engine.
type Engine struct {
	id     wire.Engine
	rt     transport.RoundTripper
	mapper linklist.Mapper
	opts   Options

	batches    *metric.Uint64Metric
	requests   *metric.Uint64Metric
	backlogged *metric.Uint64Metric
	batchSize  *metric.DistributionMetric

	// mu protects the queue and the worker state.
	mu sync.Mutex
	// +checklocks:mu
	queue cryptoQueue
	// busy is set while a worker is scheduled or draining.
	// +checklocks:mu
	busy bool
	// +checklocks:mu
	closed bool

	// drain serializes workers. batch is only touched with drain held.
	drain sync.Mutex
	batch []*CipherRequest

	workers sync.WaitGroup
}

// New returns an Engine sending to id through rt and mapping buffers with m.
func New(id wire.Engine, rt transport.RoundTripper, m linklist.Mapper, opts Options) *Engine {
	opts.setDefaults()
	e := &Engine{
		id:     id,
		rt:     rt,
		mapper: m,
		opts:   opts,
		queue:  cryptoQueue{capacity: opts.QueueLength},
		batch:  make([]*CipherRequest, 0, opts.MaxBatch),
	}
	engines := metric.NewField("engine", []string{"aes0", "aes1", "rsa", "sha"})
	e.batches = opts.Metrics.MustGetOrCreateUint64Metric("vse_batches_total", "Batched frames sent.", engines)
	e.requests = opts.Metrics.MustGetOrCreateUint64Metric("vse_requests_total", "Cipher requests sent in batches.", engines)
	e.backlogged = opts.Metrics.MustGetOrCreateUint64Metric("vse_backlogged_total", "Cipher requests accepted into the backlog.", engines)
	e.batchSize = opts.Metrics.MustGetOrCreateDistributionMetric("vse_batch_size", "Requests per batched frame.", metric.NewExponentialBucketer(6, 0, 1, 2), engines)
	return e
}

// ID returns the engine id.
func (e *Engine) ID() wire.Engine {
	return e.id
}

// Enqueue validates r and queues it. It returns nil if r was queued,
// seerr.ErrBacklogged if it was queued into the backlog, and an error
// without queuing otherwise. r.Complete is called for queued requests only.
func (e *Engine) Enqueue(r *CipherRequest) error {
	if r.NBytes%BlockSize != 0 {
		return fmt.Errorf("%w: %d bytes is not a multiple of the block size", seerr.ErrInvalidArgument, r.NBytes)
	}
	if r.NBytes == 0 || len(r.Src) == 0 {
		return fmt.Errorf("%w: empty request", seerr.ErrInvalidArgument)
	}
	if r.Src.Len() < r.NBytes || r.dst().Len() < r.NBytes {
		return fmt.Errorf("%w: buffers shorter than %d bytes", seerr.ErrInvalidArgument, r.NBytes)
	}
	if r.IV != nil && len(r.IV) != BlockSize {
		return fmt.Errorf("%w: %d byte IV", seerr.ErrInvalidArgument, len(r.IV))
	}
	if r.Key == nil || r.Complete == nil {
		return fmt.Errorf("%w: request without key or completion", seerr.ErrInvalidArgument)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return seerr.ErrShutdown
	}
	err := e.queue.enqueue(r)
	if errors.Is(err, seerr.ErrQueueFull) {
		e.mu.Unlock()
		return err
	}
	idle := !e.busy
	e.busy = true
	if idle {
		e.workers.Add(1)
	}
	e.mu.Unlock()

	if err != nil {
		e.backlogged.Increment(e.id.String())
	}
	if idle {
		go e.work()
	}
	return err
}

// work drains the queue.
func (e *Engine) work() {
	defer e.workers.Done()
	e.drain.Lock()
	defer e.drain.Unlock()
	for {
		e.mu.Lock()
		backlog := e.queue.backlog()
		r := e.queue.dequeue()
		more := e.queue.len() > 0
		if r == nil {
			e.busy = false
		}
		e.mu.Unlock()

		if backlog != nil {
			backlog.Complete(seerr.ErrInProgress)
		}
		if r == nil {
			return
		}
		e.accumulate(r, more)
	}
}

// accumulate adds r to the batch and sends the batch once the queue is
// empty or the batch is full.
func (e *Engine) accumulate(r *CipherRequest, more bool) {
	if _, _, ok := r.Key.KeySlot(); !ok {
		r.Complete(fmt.Errorf("%w: AES key slot not allocated", seerr.ErrNoKey))
	} else {
		e.batch = append(e.batch, r)
	}
	if len(e.batch) == 0 || (more && len(e.batch) < e.opts.MaxBatch) {
		return
	}
	e.flush()
}

func (e *Engine) op(r *CipherRequest) wire.Request {
	slot, keyLen, _ := r.Key.KeySlot()
	op := &wire.AESOp{
		StreamID:   e.opts.StreamID,
		KeySlot:    slot,
		KeyLength:  uint8(keyLen),
		Mode:       r.Mode,
		IVSel:      wire.IVOriginal,
		DataLength: uint32(r.NBytes),
	}
	if r.IV != nil {
		copy(op.LCtr[:], r.IV)
		switch r.Mode {
		case wire.ModeCTR:
			op.CtrCntn = 1
		case wire.ModeCBC:
			op.IVSel = wire.IVRegister
		default:
			op.IVSel = wire.IVOriginal | wire.IVFromCounter
		}
	}
	cmd := wire.CmdAESDecrypt
	if r.Encrypt {
		cmd = wire.CmdAESEncrypt
	}
	return wire.Request{Engine: e.id, Cmd: cmd, Args: op}
}

// flush sends the batch as one frame and completes every request in it.
func (e *Engine) flush() {
	batch := e.batch
	defer func() {
		clear(e.batch)
		e.batch = e.batch[:0]
	}()

	reqs := make([]wire.Request, 0, len(batch))
	lists := make([]*linklist.List, 0, len(batch))
	var err error
	for _, r := range batch {
		dst := r.dst()
		if !dma.Same(r.Src, dst) {
			// The engine runs in place: the output buffer is also the input.
			if err = dma.Copy(dst, r.Src, r.NBytes); err != nil {
				err = fmt.Errorf("%w: %v", seerr.ErrInvalidArgument, err)
				break
			}
		}
		var l *linklist.List
		l, err = linklist.Build(e.mapper, dst.Segments(), r.NBytes, wire.AESMaxLL, BlockSize, dma.Bidirectional)
		if err != nil {
			break
		}
		lists = append(lists, l)
		req := e.op(r)
		op := req.Args.(*wire.AESOp)
		op.SetDst(l.Entries())
		op.SetSrc(l.Entries())
		reqs = append(reqs, req)
	}

	var resps []wire.Response
	if err == nil {
		log.Debugf("vse: %v sending batch of %d requests", e.id, len(reqs))
		resps, err = e.rt.RoundTrip(wire.NewFrame(reqs...))
		e.batches.Increment(e.id.String())
		e.requests.IncrementBy(uint64(len(reqs)), e.id.String())
		e.batchSize.AddSample(int64(len(reqs)), e.id.String())
	} else {
		log.Warningf("vse: %v failed to assemble batch of %d requests: %v", e.id, len(batch), err)
	}
	for _, l := range lists {
		l.Unmap()
	}

	for i, r := range batch {
		rerr := err
		if rerr == nil && e.opts.PerSlotStatus && i < len(resps) {
			rerr = seerr.Remote(uint32(resps[i].Status))
		}
		r.Complete(rerr)
	}
}

// Close stops accepting requests and waits for queued requests to complete.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.workers.Wait()
}
