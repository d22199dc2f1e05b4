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

// Package device binds the security engine drivers to a channel and exposes
// them as named algorithms.
//
// Engines are probed one at a time, as platform enumeration finds them. The
// first probe reserves the channel and resets it; every engine then shares
// that channel. Which algorithms a probe registers depends on the engine:
//
//	aes0: rng_drbg
//	aes1: cbc(aes), ecb(aes), ctr(aes), ofb(aes), cmac(aes)
//	sha:  sha1, sha224, sha256, sha384, sha512
//	rsa:  rsa512, rsa1024, rsa1536, rsa2048
package device

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"vse.dev/vse/pkg/dma"
	"vse.dev/vse/pkg/log"
	"vse.dev/vse/pkg/metric"
	"vse.dev/vse/pkg/vse/algs"
	"vse.dev/vse/pkg/vse/config"
	"vse.dev/vse/pkg/vse/engine"
	"vse.dev/vse/pkg/vse/keyslot"
	"vse.dev/vse/pkg/vse/seerr"
	"vse.dev/vse/pkg/vse/transport"
	"vse.dev/vse/pkg/vse/wire"
)

// Kind is the type of transform an algorithm creates.
type Kind int

// Algorithm kinds.
const (
	KindCipher Kind = iota
	KindCMAC
	KindHash
	KindRSA
	KindRNG
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindCipher:
		return "skcipher"
	case KindCMAC, KindHash, KindRSA:
		return "ahash"
	case KindRNG:
		return "rng"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Algorithm describes a registered algorithm.
type Algorithm struct {
	Name     string
	Driver   string
	Kind     Kind
	Engine   wire.Engine
	Priority int

	// Size is the digest or modulus size in bytes, or the seed size for
	// the RNG. Ciphers leave it zero.
	Size int

	mode wire.AESMode
}

func cipherAlgs() []Algorithm {
	var out []Algorithm
	for _, m := range []wire.AESMode{wire.ModeCBC, wire.ModeECB, wire.ModeCTR, wire.ModeOFB} {
		out = append(out, Algorithm{
			Name:     fmt.Sprintf("%v(aes)", m),
			Driver:   fmt.Sprintf("%v-aes-vse", m),
			Kind:     KindCipher,
			Engine:   wire.AES1,
			Priority: 300,
			mode:     m,
		})
	}
	return append(out, Algorithm{
		Name:     "cmac(aes)",
		Driver:   "vse-cmac(aes)",
		Kind:     KindCMAC,
		Engine:   wire.AES1,
		Priority: 300,
		Size:     algs.CMACSize,
	})
}

func shaAlgs() []Algorithm {
	var out []Algorithm
	for _, s := range []struct {
		bits, size int
	}{{1, 20}, {224, 28}, {256, 32}, {384, 48}, {512, 64}} {
		name := fmt.Sprintf("sha%d", s.bits)
		out = append(out, Algorithm{
			Name:     name,
			Driver:   "vse-" + name,
			Kind:     KindHash,
			Engine:   wire.SHA,
			Priority: 300,
			Size:     s.size,
		})
	}
	return out
}

func rsaAlgs() []Algorithm {
	var out []Algorithm
	for size := algs.RSAMinSize; size <= algs.RSAMaxSize; size += algs.RSAMinSize {
		name := fmt.Sprintf("rsa%d", size*8)
		out = append(out, Algorithm{
			Name:     name,
			Driver:   "vse-" + name,
			Kind:     KindRSA,
			Engine:   wire.RSA,
			Priority: 100,
			Size:     size,
		})
	}
	return out
}

var rngAlg = Algorithm{
	Name:     "rng_drbg",
	Driver:   "rng_drbg-aes-vse",
	Kind:     KindRNG,
	Engine:   wire.AES0,
	Priority: 100,
	Size:     algs.RNGSeedSize,
}

// Transform is an allocated algorithm instance.
type Transform interface {
	Close()
}

// Device is the set of probed engines sharing one channel.
type Device struct {
	cfg     *config.Config
	opener  ChannelOpener
	arena   *dma.Arena
	metrics *metric.Registry

	mu sync.Mutex
	// +checklocks:mu
	ch Channel
	// +checklocks:mu
	channelID int
	// +checklocks:mu
	rt *transport.Transport
	// +checklocks:mu
	env *algs.Env
	// +checklocks:mu
	probed map[wire.Engine]bool
	// +checklocks:mu
	algs map[string]Algorithm
	// +checklocks:mu
	queue *engine.Engine
	// +checklocks:mu
	aesSlots *keyslot.Manager
	// +checklocks:mu
	rsaSlots *keyslot.Manager
	// +checklocks:mu
	rng *algs.RNG
	// transforms holds every transform handed out, closed by Remove.
	//
	// +checklocks:mu
	transforms []Transform
	// +checklocks:mu
	removed bool
}

// New returns a Device with no engines. It keeps a private copy of cfg.
// Buffers the engines address are taken from arena.
func New(cfg *config.Config, opener ChannelOpener, arena *dma.Arena) *Device {
	return &Device{
		cfg:       cfg.Copy(),
		opener:    opener,
		arena:     arena,
		metrics:   metric.NewRegistry(),
		channelID: -1,
		probed:    make(map[wire.Engine]bool),
		algs:      make(map[string]Algorithm),
	}
}

// Metrics returns the registry holding the device's counters.
func (d *Device) Metrics() *metric.Registry {
	return d.metrics
}

// ProbeAll probes every engine the configuration lists on its channel.
func (d *Device) ProbeAll(ctx context.Context) error {
	ids, err := d.cfg.EngineIDs()
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return d.Probe(id, d.cfg.Channel.ID)
		})
	}
	return g.Wait()
}

// Probe attaches engine, reached over channel channelID. The first probe
// reserves and resets the channel. Every engine shares that channel: a
// later probe naming another channel is logged and attached to the first
// one.
func (d *Device) Probe(id wire.Engine, channelID int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed {
		return fmt.Errorf("probing %v: %w", id, seerr.ErrShutdown)
	}
	if d.probed[id] {
		return fmt.Errorf("%w: engine %v already probed", seerr.ErrInvalidArgument, id)
	}
	if err := d.attachLocked(channelID); err != nil {
		return err
	}
	log.Infof("vse: probing engine %v, stream id %d", id, d.cfg.StreamID)

	var registered []Algorithm
	switch id {
	case wire.AES0:
		rng, err := algs.NewRNG(d.env)
		if err != nil {
			return fmt.Errorf("probing %v: %w", id, err)
		}
		d.rng = rng
		registered = []Algorithm{rngAlg}
	case wire.AES1:
		d.aesSlots = d.slotsFor(wire.AES1)
		d.queue = engine.New(wire.AES1, d.rt, d.arena, engine.Options{
			QueueLength:   d.cfg.Queue.Length,
			MaxBatch:      d.cfg.Queue.MaxBatch,
			StreamID:      d.cfg.StreamID,
			PerSlotStatus: d.cfg.PerSlotStatus,
			Metrics:       d.metrics,
		})
		registered = cipherAlgs()
	case wire.SHA:
		registered = shaAlgs()
	case wire.RSA:
		d.rsaSlots = d.slotsFor(wire.RSA)
		registered = rsaAlgs()
	default:
		return fmt.Errorf("%w: unknown engine %v", seerr.ErrInvalidArgument, id)
	}
	for _, a := range registered {
		d.algs[a.Name] = a
		log.Debugf("vse: registered %s (%s) on %v", a.Name, a.Driver, id)
	}
	d.probed[id] = true
	return nil
}

// +checklocks:d.mu
func (d *Device) attachLocked(channelID int) error {
	if d.ch != nil {
		if channelID != d.channelID {
			log.Warningf("vse: ignoring channel %d, engines share channel %d", channelID, d.channelID)
		}
		return nil
	}
	ch, err := d.opener.OpenChannel(channelID)
	if err != nil {
		return err
	}
	ch.Reset()
	log.Infof("vse: reserved channel %d", channelID)
	d.ch = ch
	d.channelID = channelID
	d.rt = transport.New(ch, transport.Options{
		Timeout:     d.cfg.Transport.Timeout,
		InitialPoll: d.cfg.Transport.InitialPoll,
		MaxPoll:     d.cfg.Transport.MaxPoll,
		Metrics:     d.metrics,
	})
	d.env = &algs.Env{RT: d.rt, Arena: d.arena, StreamID: d.cfg.StreamID}
	return nil
}

// +checklocks:d.mu
func (d *Device) slotsFor(id wire.Engine) *keyslot.Manager {
	m := keyslot.NewManager(d.rt, id)
	m.Counters = keyslot.NewCounters(d.metrics)
	return m
}

// Algorithms returns the registered algorithms sorted by name.
func (d *Device) Algorithms() []Algorithm {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Algorithm, 0, len(d.algs))
	for _, a := range d.algs {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// lookupLocked finds a registered algorithm of the given kind.
//
// +checklocks:d.mu
func (d *Device) lookupLocked(name string, kind Kind) (Algorithm, error) {
	if d.removed {
		return Algorithm{}, fmt.Errorf("allocating %s: %w", name, seerr.ErrShutdown)
	}
	a, ok := d.algs[name]
	if !ok || a.Kind != kind {
		return Algorithm{}, fmt.Errorf("%w: no %v algorithm %q registered", seerr.ErrInvalidArgument, kind, name)
	}
	return a, nil
}

// NewCipher allocates a block cipher transform, such as "cbc(aes)".
func (d *Device) NewCipher(name string) (*algs.AESCipher, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, err := d.lookupLocked(name, KindCipher)
	if err != nil {
		return nil, err
	}
	c := algs.NewAESCipher(a.mode, d.aesSlots, d.queue)
	d.transforms = append(d.transforms, c)
	return c, nil
}

// NewCMAC allocates a cmac(aes) transform.
func (d *Device) NewCMAC() (*algs.CMAC, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.lookupLocked("cmac(aes)", KindCMAC); err != nil {
		return nil, err
	}
	c := algs.NewCMAC(d.env, d.aesSlots)
	d.transforms = append(d.transforms, c)
	return c, nil
}

// NewHash allocates a SHA transform, such as "sha256".
func (d *Device) NewHash(name string) (*algs.SHA, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, err := d.lookupLocked(name, KindHash)
	if err != nil {
		return nil, err
	}
	return algs.NewSHA(d.env, a.Size)
}

// NewRSA allocates an RSA transform, such as "rsa2048".
func (d *Device) NewRSA(name string) (*algs.RSA, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, err := d.lookupLocked(name, KindRSA)
	if err != nil {
		return nil, err
	}
	r, err := algs.NewRSA(d.env, d.rsaSlots, a.Size)
	if err != nil {
		return nil, err
	}
	d.transforms = append(d.transforms, r)
	return r, nil
}

// RNG returns the device's random number generator. It is shared by all
// callers.
func (d *Device) RNG() (*algs.RNG, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.lookupLocked(rngAlg.Name, KindRNG); err != nil {
		return nil, err
	}
	return d.rng, nil
}

// Alloc allocates any registered algorithm by name and reports the result
// as a crypto framework would: 0 or a negative errno.
func (d *Device) Alloc(name string) (Transform, int) {
	d.mu.Lock()
	a, ok := d.algs[name]
	d.mu.Unlock()
	if !ok {
		return nil, seerr.Errno(fmt.Errorf("%w: %q", seerr.ErrInvalidArgument, name))
	}
	var (
		t   Transform
		err error
	)
	switch a.Kind {
	case KindCipher:
		t, err = d.NewCipher(name)
	case KindCMAC:
		t, err = d.NewCMAC()
	case KindHash:
		var h *algs.SHA
		h, err = d.NewHash(name)
		t = hashTransform{h}
	case KindRSA:
		t, err = d.NewRSA(name)
	case KindRNG:
		// The RNG belongs to the device and is closed by Remove.
		var r *algs.RNG
		r, err = d.RNG()
		t = sharedRNG{r}
	}
	if err != nil {
		log.Warningf("vse: allocating %s: %v", name, err)
		return nil, seerr.Errno(err)
	}
	return t, 0
}

// hashTransform gives a SHA driver, which holds no engine state, a Close.
type hashTransform struct {
	*algs.SHA
}

func (hashTransform) Close() {}

type sharedRNG struct {
	*algs.RNG
}

func (sharedRNG) Close() {}

// Remove stops the block cipher worker, releases the key slots of every
// transform still open and detaches from the channel. Failures are logged.
// The device cannot be probed again.
//
// d.mu is not held while the worker drains, so completions may call back
// into the device.
func (d *Device) Remove() {
	d.mu.Lock()
	if d.removed {
		d.mu.Unlock()
		return
	}
	d.removed = true
	queue, transforms, rng := d.queue, d.transforms, d.rng
	ch, channelID := d.ch, d.channelID
	d.transforms = nil
	d.algs = make(map[string]Algorithm)
	d.mu.Unlock()

	if queue != nil {
		queue.Close()
	}
	for _, t := range transforms {
		t.Close()
	}
	if rng != nil {
		rng.Close()
	}
	if ch != nil {
		if err := ch.Close(); err != nil {
			log.Warningf("vse: closing channel %d: %v", channelID, err)
		}
	}
	log.Infof("vse: removed")
}
