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

// Package cmd holds implementations of the vsectl commands.
package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	"vse.dev/vse/pkg/dma"
	"vse.dev/vse/pkg/ivc"
	"vse.dev/vse/pkg/log"
	"vse.dev/vse/pkg/vse/config"
	"vse.dev/vse/pkg/vse/device"
	"vse.dev/vse/pkg/vse/seserver"
	"vse.dev/vse/pkg/vse/wire"
)

// Errorf logs to stderr and returns subcommands.ExitFailure.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "vsectl: "+format+"\n", args...)
	log.Warningf(format, args...)
	return subcommands.ExitFailure
}

// session is a probed device and the resources behind it.
type session struct {
	dev   *device.Device
	arena *dma.Arena

	// closers run in reverse order on close.
	closers []func()
}

func (s *session) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// attach probes the configured engines. Without a channel path it starts an
// engine service in process and talks to it over an anonymous channel.
func attach(ctx context.Context, conf *config.Config) (*session, error) {
	s := &session{}
	if conf.Channel.Path == "" {
		if err := s.serveLocal(ctx, conf); err != nil {
			s.close()
			return nil, err
		}
	} else {
		if conf.DMA.Path == "" {
			return nil, fmt.Errorf("channel path %q given without a DMA path", conf.Channel.Path)
		}
		a, err := dma.Open(conf.DMA.Path, conf.DMA.Base)
		if err != nil {
			return nil, fmt.Errorf("attaching DMA arena (is vsectl serve running?): %w", err)
		}
		s.arena = a
		s.closers = append(s.closers, func() { a.Close() })
		opener := &device.FileOpener{
			Path:   conf.Channel.Path,
			Frames: conf.Channel.Frames,
			Wait:   conf.Transport.Timeout,
		}
		s.dev = device.New(conf, opener, a)
	}
	s.closers = append(s.closers, s.dev.Remove)
	if err := s.dev.ProbeAll(ctx); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) serveLocal(ctx context.Context, conf *config.Config) error {
	a, err := dma.NewAnonymous(conf.DMA.Size, conf.DMA.Base)
	if err != nil {
		return err
	}
	s.arena = a
	s.closers = append(s.closers, func() { a.Close() })

	front, back, err := ivc.NewPair(ivc.Config{NFrames: conf.Channel.Frames, FrameSize: wire.FrameSize})
	if err != nil {
		return err
	}
	s.closers = append(s.closers, func() { back.Close() })

	srv := seserver.New(a, seserver.Options{})
	ctx, cancel := context.WithCancel(ctx)
	var g errgroup.Group
	g.Go(func() error { return srv.Serve(ctx, back) })
	s.closers = append(s.closers, func() {
		cancel()
		if err := g.Wait(); err != nil {
			log.Warningf("in-process engine service: %v", err)
		}
	})
	s.dev = device.New(conf, device.OpenerFunc(func(int) (device.Channel, error) {
		return front, nil
	}), a)
	log.Debugf("no channel path, serving the engines in process")
	return nil
}

// scatter copies data into the arena.
func (s *session) scatter(data []byte) (dma.ScatterList, error) {
	return s.arena.Scatter(data, 0)
}

// readInput reads the named file, or stdin for "" or "-".
func readInput(name string) ([]byte, error) {
	if name == "" || name == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(name)
}

// writeOutput writes b as a hex line, or raw when raw is set and w is not a
// terminal.
func writeOutput(w io.Writer, b []byte, raw bool) error {
	if raw && !isTerminal(w) {
		_, err := w.Write(b)
		return err
	}
	_, err := fmt.Fprintln(w, hex.EncodeToString(b))
	return err
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// parseHex decodes a hex flag value, ignoring spaces and colons.
func parseHex(name, s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("flag -%s: %w", name, err)
	}
	return b, nil
}
