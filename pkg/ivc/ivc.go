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

// Package ivc implements an inter-VM communication channel: a pair of
// single-producer single-consumer frame queues in shared memory, one per
// direction, with a reset handshake and a doorbell per endpoint.
//
// Each queue starts with a header whose first cache line holds the writer's
// w_count and state, and whose second cache line holds the reader's r_count.
// Frames follow the header. A queue is empty when w_count == r_count and full
// when w_count - r_count == nframes; counters wrap.
//
// Channel methods are not safe for concurrent use. Callers serialize access.
package ivc

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
	"vse.dev/vse/pkg/eventfd"
	"vse.dev/vse/pkg/log"
	"vse.dev/vse/pkg/shm"
)

const (
	// Align is the alignment of queue headers and frames.
	Align = 64

	offWCount   = 0
	offState    = 4
	offRCount   = Align
	queueHeader = 2 * Align
)

// State is an endpoint's position in the reset handshake.
type State uint32

// Handshake states.
const (
	StateEstablished State = 0
	StateSync        State = 1
	StateAck         State = 2
)

func (s State) String() string {
	switch s {
	case StateEstablished:
		return "established"
	case StateSync:
		return "sync"
	case StateAck:
		return "ack"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

var (
	// ErrWouldBlock is returned by Read on an empty queue and by Write on a
	// full one.
	ErrWouldBlock = errors.New("ivc: would block")

	// ErrReset is returned while the reset handshake has not completed.
	ErrReset = errors.New("ivc: channel reset in progress")

	// ErrReserved is returned when another process holds the endpoint.
	ErrReserved = errors.New("ivc: endpoint reserved by another process")
)

// Side selects which queue an endpoint transmits on.
type Side int

// Endpoint sides. The frontend is the guest driver, the backend is the
// security engine service.
const (
	Frontend Side = iota
	Backend
)

func (s Side) String() string {
	if s == Frontend {
		return "frontend"
	}
	return "backend"
}

// Config is the channel geometry. Both endpoints must agree on it.
type Config struct {
	// NFrames is the number of frames per queue.
	NFrames int

	// FrameSize is the maximum frame payload in bytes.
	FrameSize int
}

func align(n int) int {
	return (n + Align - 1) &^ (Align - 1)
}

func (c Config) queueSize() int {
	return queueHeader + c.NFrames*align(c.FrameSize)
}

// RegionSize returns the shared memory size needed for a channel.
func (c Config) RegionSize() int {
	return 2 * c.queueSize()
}

func (c Config) validate() error {
	if c.NFrames <= 0 || c.FrameSize <= 0 {
		return fmt.Errorf("invalid channel geometry: %d frames of %d bytes", c.NFrames, c.FrameSize)
	}
	return nil
}

// Doorbell is the notification mechanism of one endpoint.
type Doorbell interface {
	Notify() error
	WaitTimeout(d time.Duration) (bool, error)
}

// sleeper is the doorbell of endpoints in different processes, which have no
// shared eventfd. Waiting degrades to sleeping.
type sleeper struct{}

func (sleeper) Notify() error { return nil }

func (sleeper) WaitTimeout(d time.Duration) (bool, error) {
	time.Sleep(d)
	return false, nil
}

type queue struct {
	r    *shm.Region
	base int
}

func (q queue) wCount() uint32 { return q.r.Uint32(q.base + offWCount).Load() }
func (q queue) rCount() uint32 { return q.r.Uint32(q.base + offRCount).Load() }
func (q queue) state() State   { return State(q.r.Uint32(q.base + offState).Load()) }

func (q queue) setWCount(v uint32) { q.r.Uint32(q.base + offWCount).Store(v) }
func (q queue) setRCount(v uint32) { q.r.Uint32(q.base + offRCount).Store(v) }
func (q queue) setState(s State)   { q.r.Uint32(q.base + offState).Store(uint32(s)) }

// Channel is one endpoint of an IVC channel.
type Channel struct {
	cfg    Config
	side   Side
	region *shm.Region
	tx, rx queue

	// wPos and rPos are the frame indexes of the next write and read.
	wPos, rPos int

	self Doorbell
	peer Doorbell

	// closers run on Close, in order.
	closers []func() error
}

func newChannel(r *shm.Region, cfg Config, side Side, self, peer Doorbell) *Channel {
	q0 := queue{r: r, base: 0}
	q1 := queue{r: r, base: cfg.queueSize()}
	c := &Channel{cfg: cfg, side: side, region: r, self: self, peer: peer}
	if side == Frontend {
		c.tx, c.rx = q0, q1
	} else {
		c.tx, c.rx = q1, q0
	}
	return c
}

// NewPair returns the two endpoints of a channel in anonymous shared memory,
// connected by eventfd doorbells.
func NewPair(cfg Config) (front, back *Channel, err error) {
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}
	r, err := shm.NewMemfd("ivc", cfg.RegionSize())
	if err != nil {
		return nil, nil, err
	}
	frontBell, err := eventfd.Create()
	if err != nil {
		r.Close()
		return nil, nil, err
	}
	backBell, err := eventfd.Create()
	if err != nil {
		frontBell.Close()
		r.Close()
		return nil, nil, err
	}
	front = newChannel(r, cfg, Frontend, frontBell, backBell)
	back = newChannel(r, cfg, Backend, backBell, frontBell)
	front.closers = []func() error{frontBell.Close}
	back.closers = []func() error{backBell.Close, r.Close}
	return front, back, nil
}

// Open attaches to the channel file at path as the given side, reserving the
// side with an exclusive lock on path+"."+side+".lock". The backend creates
// the file if needed.
func Open(path string, cfg Config, side Side) (*Channel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	lock := flock.New(fmt.Sprintf("%s.%s.lock", path, side))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s endpoint of %q: %w", side, path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%s endpoint of %q: %w", side, path, ErrReserved)
	}

	var r *shm.Region
	if side == Backend {
		r, err = shm.Create(path, cfg.RegionSize())
	} else {
		r, err = shm.Open(path)
	}
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if r.Len() < cfg.RegionSize() {
		r.Close()
		lock.Unlock()
		return nil, fmt.Errorf("channel file %q is %d bytes, geometry needs %d", path, r.Len(), cfg.RegionSize())
	}
	c := newChannel(r, cfg, side, sleeper{}, sleeper{})
	c.closers = []func() error{r.Close, lock.Unlock}
	log.Debugf("ivc: attached to %q as %s", path, side)
	return c, nil
}

// Remove deletes a channel file and its lock files.
func Remove(path string) {
	for _, p := range []string{path, path + ".frontend.lock", path + ".backend.lock"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Warningf("ivc: removing %q: %v", p, err)
		}
	}
}

// Close releases the endpoint. The peer is not notified.
func (c *Channel) Close() error {
	var first error
	for _, f := range c.closers {
		if err := f(); err != nil && first == nil {
			first = err
		}
	}
	c.closers = nil
	return first
}

// Config returns the channel geometry.
func (c *Channel) Config() Config {
	return c.cfg
}

func (c *Channel) notify() {
	if err := c.peer.Notify(); err != nil {
		log.Warningf("ivc: notifying peer: %v", err)
	}
}

// Reset starts the reset handshake. The channel is unusable until Notified
// reports true.
func (c *Channel) Reset() {
	c.tx.setState(StateSync)
	c.notify()
}

// Notified advances the reset handshake in response to the peer's state and
// reports whether the channel is established. It must be called whenever
// the peer may have changed state.
func (c *Channel) Notified() bool {
	peer := c.rx.state()
	local := c.tx.state()
	switch {
	case peer == StateSync:
		// The peer restarted. Our counters are not in use until we ack.
		c.resetCounters()
		c.tx.setState(StateAck)
		c.notify()
	case local == StateSync && peer == StateAck:
		c.resetCounters()
		c.tx.setState(StateEstablished)
		c.notify()
	case local == StateAck:
		// The peer is in ack or established and has cleared its counters.
		c.tx.setState(StateEstablished)
		c.notify()
	}
	return c.tx.state() == StateEstablished
}

func (c *Channel) resetCounters() {
	c.tx.setWCount(0)
	c.rx.setRCount(0)
	c.wPos = 0
	c.rPos = 0
}

// State returns the local handshake state.
func (c *Channel) State() State {
	return c.tx.state()
}

func (c *Channel) empty(q queue) bool {
	w, r := q.wCount(), q.rCount()
	// An over-full queue can only come from a misbehaving peer. Treat it as
	// silent rather than believing it holds more frames than fit.
	if w-r > uint32(c.cfg.NFrames) {
		return true
	}
	return w == r
}

func (c *Channel) full(q queue) bool {
	return q.wCount()-q.rCount() >= uint32(c.cfg.NFrames)
}

func (c *Channel) frame(q queue, pos int) []byte {
	off := q.base + queueHeader + pos*align(c.cfg.FrameSize)
	return c.region.Bytes()[off : off+c.cfg.FrameSize]
}

// CanWrite reports whether Write would succeed.
func (c *Channel) CanWrite() bool {
	return c.tx.state() == StateEstablished && !c.full(c.tx)
}

// CanRead reports whether Read would succeed.
func (c *Channel) CanRead() bool {
	return c.tx.state() == StateEstablished && !c.empty(c.rx)
}

// Write copies data into the next transmit frame and publishes it. Bytes of
// the frame past len(data) are zeroed.
func (c *Channel) Write(data []byte) error {
	if len(data) > c.cfg.FrameSize {
		return fmt.Errorf("ivc: %d byte write exceeds %d byte frame", len(data), c.cfg.FrameSize)
	}
	if c.tx.state() != StateEstablished {
		return ErrReset
	}
	if c.full(c.tx) {
		return ErrWouldBlock
	}
	f := c.frame(c.tx, c.wPos)
	n := copy(f, data)
	clear(f[n:])
	c.tx.setWCount(c.tx.wCount() + 1)
	c.wPos = (c.wPos + 1) % c.cfg.NFrames
	if c.tx.wCount()-c.tx.rCount() == 1 {
		c.notify()
	}
	return nil
}

// Read copies the next receive frame into buf and releases the frame.
func (c *Channel) Read(buf []byte) error {
	if c.tx.state() != StateEstablished {
		return ErrReset
	}
	if c.empty(c.rx) {
		return ErrWouldBlock
	}
	copy(buf, c.frame(c.rx, c.rPos))
	c.rx.setRCount(c.rx.rCount() + 1)
	c.rPos = (c.rPos + 1) % c.cfg.NFrames
	if c.rx.wCount()-c.rx.rCount() == uint32(c.cfg.NFrames)-1 {
		c.notify()
	}
	return nil
}

// Wait blocks until the peer rings this endpoint's doorbell or d elapses.
func (c *Channel) Wait(d time.Duration) {
	if _, err := c.self.WaitTimeout(d); err != nil {
		log.Warningf("ivc: waiting for doorbell: %v", err)
		time.Sleep(d)
	}
}
