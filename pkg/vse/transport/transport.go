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

// Package transport exchanges frames with the remote security engine over
// one shared channel. Every round trip holds a single mutex from send to
// receive: the remote engine serves one frame at a time, so responses are
// attributed to the only frame in flight.
//
// RoundTrip stamps a sequence number into the header tag, which the remote
// engine echoes. A response that arrives after its round trip timed out
// carries an old tag and is dropped by the next round trip.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"vse.dev/vse/pkg/binary"
	"vse.dev/vse/pkg/ivc"
	"vse.dev/vse/pkg/log"
	"vse.dev/vse/pkg/metric"
	"vse.dev/vse/pkg/vse/seerr"
	"vse.dev/vse/pkg/vse/wire"
)

// Channel is the endpoint the transport drives. *ivc.Channel implements it.
type Channel interface {
	// Notified advances the reset handshake and reports whether the channel
	// is established.
	Notified() bool

	// CanWrite reports whether a frame can be written without blocking.
	CanWrite() bool

	// Write sends one frame.
	Write(frame []byte) error

	// Read receives one frame. It returns ivc.ErrWouldBlock while no frame
	// is pending.
	Read(frame []byte) error

	// Wait blocks for at most d, returning early if the peer signals.
	Wait(d time.Duration)
}

var _ Channel = (*ivc.Channel)(nil)

// RoundTripper sends a request frame and returns the response slots.
type RoundTripper interface {
	RoundTrip(f *wire.Frame) ([]wire.Response, error)
}

// Default wait parameters.
const (
	DefaultTimeout     = time.Second
	DefaultInitialPoll = 10 * time.Microsecond
	DefaultMaxPoll     = time.Millisecond
)

// Options configures a Transport. Zero fields take their defaults.
type Options struct {
	// Timeout bounds each wait: for the handshake, for write space and for
	// the response.
	Timeout time.Duration

	// InitialPoll and MaxPoll bound the exponential interval between
	// readiness checks while waiting for the peer's doorbell.
	InitialPoll time.Duration
	MaxPoll     time.Duration

	// Metrics receives the transport counters. A nil registry keeps them
	// private.
	Metrics *metric.Registry
}

func (o *Options) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.InitialPoll <= 0 {
		o.InitialPoll = DefaultInitialPoll
	}
	if o.MaxPoll < o.InitialPoll {
		o.MaxPoll = max(DefaultMaxPoll, o.InitialPoll)
	}
	if o.Metrics == nil {
		o.Metrics = metric.NewRegistry()
	}
}

// Transport serializes frame exchanges on a Channel.
type Transport struct {
	opts Options
	warn log.Logger

	frames       *metric.Uint64Metric
	timeouts     *metric.Uint64Metric
	remoteErrors *metric.Uint64Metric
	stale        *metric.Uint64Metric
	latency      *metric.DistributionMetric

	// seq numbers round trips. Zero is never used.
	seq atomic.Uint64

	// mu serializes all channel access.
	mu sync.Mutex
	// +checklocks:mu
	ch Channel
}

// New returns a Transport over ch.
func New(ch Channel, opts Options) *Transport {
	opts.setDefaults()
	return &Transport{
		opts: opts,
		warn: log.BasicRateLimitedLogger(time.Second),
		ch:   ch,
		frames: opts.Metrics.MustGetOrCreateUint64Metric("vse_frames_total",
			"Frames exchanged with the security engine."),
		timeouts: opts.Metrics.MustGetOrCreateUint64Metric("vse_transport_timeouts_total",
			"Channel waits that ran out of time.", metric.NewField("wait", []string{"reset", "write", "read"})),
		remoteErrors: opts.Metrics.MustGetOrCreateUint64Metric("vse_remote_errors_total",
			"Frames answered with a nonzero header status."),
		stale: opts.Metrics.MustGetOrCreateUint64Metric("vse_stale_frames_total",
			"Late responses dropped because their round trip had timed out."),
		latency: opts.Metrics.MustGetOrCreateDistributionMetric("vse_roundtrip_microseconds",
			"Round trip time of one frame.", metric.NewExponentialBucketer(20, 0, 1, 2)),
	}
}

// Timeout returns the configured wait budget.
func (t *Transport) Timeout() time.Duration {
	return t.opts.Timeout
}

// await polls ready until it reports true, sleeping on the channel doorbell
// between polls, for at most the configured timeout.
//
// +checklocks:t.mu
func (t *Transport) await(what string, ready func() bool) error {
	if ready() {
		return nil
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval: t.opts.InitialPoll,
		Multiplier:      2,
		MaxInterval:     t.opts.MaxPoll,
		MaxElapsedTime:  t.opts.Timeout,
		Clock:           backoff.SystemClock,
	}
	b.Reset()
	for {
		d := b.NextBackOff()
		if d == backoff.Stop {
			break
		}
		t.ch.Wait(d)
		if ready() {
			return nil
		}
	}
	// One last look, the doorbell may have raced the deadline.
	if ready() {
		return nil
	}
	t.timeouts.Increment(what)
	t.warn.Warningf("vse: timed out after %v waiting for channel %s", t.opts.Timeout, what)
	return fmt.Errorf("%w: waiting %v for channel %s", seerr.ErrTimeout, t.opts.Timeout, what)
}

// +checklocks:t.mu
func (t *Transport) send(frame []byte) error {
	if err := t.await("reset", t.ch.Notified); err != nil {
		return err
	}
	if err := t.await("write", t.ch.CanWrite); err != nil {
		return err
	}
	if err := t.ch.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// +checklocks:t.mu
func (t *Transport) recv(frame []byte) error {
	var readErr error
	err := t.await("read", func() bool {
		err := t.ch.Read(frame)
		if errors.Is(err, ivc.ErrWouldBlock) {
			return false
		}
		readErr = err
		return true
	})
	if err != nil {
		return err
	}
	if readErr != nil {
		return fmt.Errorf("reading frame: %w", readErr)
	}
	return nil
}

// recvTagged reads frames into frame until one carries tag, dropping the
// others. The whole search shares one wait budget.
//
// +checklocks:t.mu
func (t *Transport) recvTagged(frame []byte, tag [16]uint8) error {
	var readErr error
	err := t.await("read", func() bool {
		for {
			err := t.ch.Read(frame)
			if errors.Is(err, ivc.ErrWouldBlock) {
				return false
			}
			if err != nil {
				readErr = err
				return true
			}
			hdr, err := wire.DecodeHeader(frame)
			if err != nil {
				readErr = err
				return true
			}
			if hdr.Tag == tag {
				return true
			}
			t.stale.Increment()
			t.warn.Warningf("vse: dropped late response frame %d", seqOf(hdr.Tag))
		}
	})
	if err != nil {
		return err
	}
	if readErr != nil {
		return fmt.Errorf("reading frame: %w", readErr)
	}
	return nil
}

func seqOf(tag [16]uint8) uint64 {
	return binary.LittleEndian.Uint64(tag[:8])
}

// Send writes one frame once the channel is established and has room.
func (t *Transport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.send(frame)
}

// Recv reads one frame into frame.
func (t *Transport) Recv(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recv(frame)
}

// RoundTrip encodes f, sends it and waits for the response frame, holding
// the channel for the whole exchange. Response slot i answers request i.
// The header tag of f is replaced by the round trip's sequence number; f
// itself is not modified.
//
// A nonzero header status is returned as a *seerr.RemoteError together with
// the decoded slots.
func (t *Transport) RoundTrip(f *wire.Frame) ([]wire.Response, error) {
	hdr := f.Header
	hdr.Tag = [16]uint8{}
	binary.LittleEndian.PutUint64(hdr.Tag[:8], t.seq.Add(1))
	buf := make([]byte, wire.FrameSize)
	if err := wire.EncodeRequests(buf, hdr, f.Requests); err != nil {
		return nil, err
	}
	start := time.Now()
	t.mu.Lock()
	err := t.send(buf)
	if err == nil {
		err = t.recvTagged(buf, hdr.Tag)
	}
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	t.frames.Increment()
	t.latency.AddSample(time.Since(start).Microseconds())

	rhdr, resps, err := wire.DecodeResponses(buf, len(f.Requests))
	if err != nil {
		return nil, err
	}
	if err := seerr.Remote(rhdr.Status); err != nil {
		t.remoteErrors.Increment()
		t.warn.Warningf("vse: remote engine failed frame of %d requests: %v", len(f.Requests), err)
		return resps, err
	}
	return resps, nil
}
