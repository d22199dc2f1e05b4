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

// Package config holds the frontend configuration, read from TOML and
// overridden by command line flags.
package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"vse.dev/vse/pkg/vse/wire"
)

// Channel locates the shared-memory channel to the engine service.
type Channel struct {
	// ID is the channel the engines are probed on. All engines share it.
	ID int `toml:"id"`

	// Path is the channel's shared-memory file. Reservation locks live
	// next to it.
	Path string `toml:"path"`

	// Frames is the number of frames per queue.
	Frames int `toml:"frames"`
}

// DMA describes the DMA arena shared with the engine service.
type DMA struct {
	Path string `toml:"path"`
	Size int    `toml:"size"`
	// Base is the bus address of the first arena byte.
	Base uint64 `toml:"base"`
}

// Transport bounds channel waits.
type Transport struct {
	Timeout     time.Duration `toml:"timeout"`
	InitialPoll time.Duration `toml:"initial_poll"`
	MaxPoll     time.Duration `toml:"max_poll"`
}

// Queue sizes the block cipher queue.
type Queue struct {
	Length   int `toml:"length"`
	MaxBatch int `toml:"max_batch"`
}

// Log configures logging.
type Log struct {
	// Level is one of "warning", "info" or "debug".
	Level string `toml:"level"`
	// Format is "text" or "json".
	Format string `toml:"format"`
	// File, if set, receives logs instead of stderr.
	File string `toml:"file"`
}

// Config is the frontend configuration.
type Config struct {
	Channel   Channel   `toml:"channel"`
	DMA       DMA       `toml:"dma"`
	Transport Transport `toml:"transport"`

	// Engines lists the engines to probe, by name.
	Engines []string `toml:"engines"`

	Queue    Queue `toml:"queue"`
	StreamID uint8 `toml:"stream_id"`

	// PerSlotStatus completes batched requests with their own slot status
	// when the frame succeeds. The engine service must report it.
	PerSlotStatus bool `toml:"per_slot_status"`

	Log Log `toml:"log"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Channel: Channel{Frames: 2},
		DMA:     DMA{Size: 16 << 20, Base: 0x8000_0000},
		Transport: Transport{
			Timeout:     time.Second,
			InitialPoll: 10 * time.Microsecond,
			MaxPoll:     time.Millisecond,
		},
		Engines: []string{"aes0", "aes1", "rsa", "sha"},
		Queue:   Queue{Length: 50, MaxBatch: wire.MaxBatch},
		Log:     Log{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults and validates the result. Unknown keys
// are an error.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config %q: unknown keys %v", path, undecoded)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return c, nil
}

// Copy returns a deep copy of c.
func (c *Config) Copy() *Config {
	return deepcopy.Copy(c).(*Config)
}

// EngineIDs parses Engines.
func (c *Config) EngineIDs() ([]wire.Engine, error) {
	ids := make([]wire.Engine, 0, len(c.Engines))
	seen := make(map[wire.Engine]bool)
	for _, name := range c.Engines {
		id, err := wire.ParseEngine(name)
		if err != nil {
			return nil, err
		}
		if seen[id] {
			return nil, fmt.Errorf("engine %q listed twice", name)
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}

// Validate checks c for consistency.
func (c *Config) Validate() error {
	if c.Channel.ID < 0 {
		return fmt.Errorf("channel.id %d is negative", c.Channel.ID)
	}
	if c.Channel.Frames <= 0 {
		return fmt.Errorf("channel.frames must be positive, got %d", c.Channel.Frames)
	}
	if c.DMA.Size <= 0 || c.DMA.Base+uint64(c.DMA.Size) > 1<<32 {
		return fmt.Errorf("dma arena [%#x, +%d) must be non-empty and below 4GiB", c.DMA.Base, c.DMA.Size)
	}
	t := c.Transport
	if t.Timeout <= 0 || t.InitialPoll <= 0 || t.MaxPoll < t.InitialPoll {
		return fmt.Errorf("transport waits must be positive with initial_poll <= max_poll, got %+v", t)
	}
	if _, err := c.EngineIDs(); err != nil {
		return err
	}
	if c.Queue.Length <= 0 {
		return fmt.Errorf("queue.length must be positive, got %d", c.Queue.Length)
	}
	if c.Queue.MaxBatch < 1 || c.Queue.MaxBatch > wire.MaxBatch {
		return fmt.Errorf("queue.max_batch must be in [1, %d], got %d", wire.MaxBatch, c.Queue.MaxBatch)
	}
	switch c.Log.Level {
	case "warning", "info", "debug":
	default:
		return fmt.Errorf("unknown log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	return nil
}

// RegisterFlags registers the flags that Override applies.
func RegisterFlags(fs *flag.FlagSet) {
	d := Default()
	fs.String("channel-path", d.Channel.Path, "shared-memory file of the engine channel.")
	fs.Int("channel-id", d.Channel.ID, "channel id the engines are probed on.")
	fs.String("dma-path", d.DMA.Path, "shared-memory file of the DMA arena.")
	fs.Duration("timeout", d.Transport.Timeout, "bound on each channel wait.")
	fs.String("engines", strings.Join(d.Engines, ","), "comma-separated engines to probe.")
	fs.Int("queue-length", d.Queue.Length, "block cipher queue length.")
	fs.Int("max-batch", d.Queue.MaxBatch, "most block cipher requests per frame.")
	fs.Uint("stream-id", uint(d.StreamID), "stream id set on every operation.")
	fs.Bool("per-slot-status", d.PerSlotStatus, "complete batched requests with their own slot status.")
	fs.String("log-level", d.Log.Level, "log level: warning, info or debug.")
	fs.String("log-format", d.Log.Format, "log format: text or json.")
	fs.String("log-file", d.Log.File, "file logs are written to instead of stderr.")
}

var overrides = map[string]func(c *Config, v string) error{
	"channel-path": func(c *Config, v string) error { c.Channel.Path = v; return nil },
	"channel-id": func(c *Config, v string) (err error) {
		c.Channel.ID, err = strconv.Atoi(v)
		return err
	},
	"dma-path": func(c *Config, v string) error { c.DMA.Path = v; return nil },
	"timeout": func(c *Config, v string) (err error) {
		c.Transport.Timeout, err = time.ParseDuration(v)
		return err
	},
	"engines": func(c *Config, v string) error {
		c.Engines = strings.Split(v, ",")
		return nil
	},
	"queue-length": func(c *Config, v string) (err error) {
		c.Queue.Length, err = strconv.Atoi(v)
		return err
	},
	"max-batch": func(c *Config, v string) (err error) {
		c.Queue.MaxBatch, err = strconv.Atoi(v)
		return err
	},
	"stream-id": func(c *Config, v string) error {
		id, err := strconv.ParseUint(v, 0, 8)
		c.StreamID = uint8(id)
		return err
	},
	"per-slot-status": func(c *Config, v string) (err error) {
		c.PerSlotStatus, err = strconv.ParseBool(v)
		return err
	},
	"log-level":  func(c *Config, v string) error { c.Log.Level = v; return nil },
	"log-format": func(c *Config, v string) error { c.Log.Format = v; return nil },
	"log-file":   func(c *Config, v string) error { c.Log.File = v; return nil },
}

// Override applies the flags registered by RegisterFlags that were set on
// the command line, then validates c.
func (c *Config) Override(fs *flag.FlagSet) error {
	var err error
	fs.Visit(func(f *flag.Flag) {
		set, ok := overrides[f.Name]
		if !ok || err != nil {
			return
		}
		if serr := set(c, f.Value.String()); serr != nil {
			err = fmt.Errorf("flag --%s=%q: %w", f.Name, f.Value.String(), serr)
		}
	})
	if err != nil {
		return err
	}
	return c.Validate()
}
