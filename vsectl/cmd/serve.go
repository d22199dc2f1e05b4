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

package cmd

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"vse.dev/vse/pkg/dma"
	"vse.dev/vse/pkg/ivc"
	"vse.dev/vse/pkg/log"
	"vse.dev/vse/pkg/metric"
	"vse.dev/vse/pkg/vse/config"
	"vse.dev/vse/pkg/vse/seserver"
	"vse.dev/vse/pkg/vse/wire"
)

// Serve implements subcommands.Command for the "serve" command.
type Serve struct {
	metricsInterval time.Duration
}

// Name implements subcommands.Command.Name.
func (*Serve) Name() string {
	return "serve"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Serve) Synopsis() string {
	return "run a simulated security engine service"
}

// Usage implements subcommands.Command.Usage.
func (*Serve) Usage() string {
	return `serve [-metrics-interval=10s] - creates the channel and DMA files and answers frames until interrupted.

Readiness and shutdown are reported to systemd when NOTIFY_SOCKET is set.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Serve) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&s.metricsInterval, "metrics-interval", 10*time.Second, "how often the metrics file next to the channel is rewritten.")
}

// metricsPath is where serve publishes its counters.
func metricsPath(conf *config.Config) string {
	return conf.Channel.Path + ".metrics"
}

// Execute implements subcommands.Command.Execute.
func (s *Serve) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.metricsInterval <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if conf.Channel.Path == "" || conf.DMA.Path == "" {
		return Errorf("serve needs channel and DMA paths: pass -dir, or -channel-path and -dma-path")
	}
	if err := serve(ctx, conf, s.metricsInterval); err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

func serve(ctx context.Context, conf *config.Config, interval time.Duration) error {
	arena, err := dma.Create(conf.DMA.Path, conf.DMA.Size, conf.DMA.Base)
	if err != nil {
		return fmt.Errorf("creating DMA arena: %w", err)
	}
	defer func() {
		arena.Close()
		if err := os.Remove(conf.DMA.Path); err != nil {
			log.Warningf("removing %q: %v", conf.DMA.Path, err)
		}
	}()

	ch, err := ivc.Open(conf.Channel.Path, ivc.Config{NFrames: conf.Channel.Frames, FrameSize: wire.FrameSize}, ivc.Backend)
	if err != nil {
		return fmt.Errorf("creating channel: %w", err)
	}
	defer func() {
		if err := ch.Close(); err != nil {
			log.Warningf("closing channel: %v", err)
		}
		ivc.Remove(conf.Channel.Path)
	}()
	ch.Reset()

	reg := metric.NewRegistry()
	srv := seserver.New(arena, seserver.Options{Metrics: reg})
	log.Infof("serving %q, DMA arena %q [%#x, +%#x)", conf.Channel.Path, conf.DMA.Path, conf.DMA.Base, conf.DMA.Size)
	notify(daemon.SdNotifyReady)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ctx, ch) })
	g.Go(func() error {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				publishMetrics(reg, metricsPath(conf))
			case <-ctx.Done():
				return nil
			}
		}
	})
	err = g.Wait()
	notify(daemon.SdNotifyStopping)
	publishMetrics(reg, metricsPath(conf))
	log.Infof("engine service stopped")
	return err
}

func notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		log.Warningf("notifying systemd of %q: %v", state, err)
	case sent:
		log.Debugf("notified systemd: %s", state)
	}
}

// publishMetrics replaces path with the registry's text exposition.
func publishMetrics(reg *metric.Registry, path string) {
	var buf bytes.Buffer
	if _, err := reg.WriteText(&buf); err != nil {
		log.Warningf("exporting metrics: %v", err)
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		log.Warningf("writing metrics: %v", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		log.Warningf("publishing metrics: %v", err)
	}
}
