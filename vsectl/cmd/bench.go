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
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"vse.dev/vse/pkg/vse/config"
	"vse.dev/vse/pkg/vse/engine"
)

// Bench implements subcommands.Command for the "bench" command.
type Bench struct {
	opts    benchOptions
	metrics bool
}

type benchOptions struct {
	alg  string
	size int
	n    int
	jobs int
	// rate caps requests per second over all jobs. Zero is unlimited.
	rate float64
}

type benchResult struct {
	ops     int64
	bytes   int64
	elapsed time.Duration
}

// String implements fmt.Stringer.
func (r benchResult) String() string {
	secs := r.elapsed.Seconds()
	return fmt.Sprintf("%d ops, %d bytes in %v: %.0f ops/s, %.2f MiB/s",
		r.ops, r.bytes, r.elapsed.Round(time.Millisecond), float64(r.ops)/secs, float64(r.bytes)/secs/(1<<20))
}

// Name implements subcommands.Command.Name.
func (*Bench) Name() string {
	return "bench"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Bench) Synopsis() string {
	return "measure block cipher throughput from concurrent callers"
}

// Usage implements subcommands.Command.Usage.
func (*Bench) Usage() string {
	return `bench [-alg=cbc(aes)] [-size=4096] [-n=1000] [-jobs=8] [-rate=0] [-metrics] - encrypts n buffers from jobs goroutines.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Bench) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.opts.alg, "alg", "cbc(aes)", "cipher to run.")
	f.IntVar(&b.opts.size, "size", 4096, "bytes per request, a multiple of 16.")
	f.IntVar(&b.opts.n, "n", 1000, "total requests.")
	f.IntVar(&b.opts.jobs, "jobs", 8, "concurrent callers, each with its own key.")
	f.Float64Var(&b.opts.rate, "rate", 0, "requests per second over all callers, 0 for no limit.")
	f.BoolVar(&b.metrics, "metrics", false, "print the frontend counters afterwards.")
}

// Execute implements subcommands.Command.Execute.
func (b *Bench) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || b.opts.size <= 0 || b.opts.n <= 0 || b.opts.jobs <= 0 || b.opts.rate < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	s, err := attach(ctx, conf)
	if err != nil {
		return Errorf("%v", err)
	}
	defer s.close()
	res, err := s.bench(ctx, b.opts)
	if err != nil {
		return Errorf("bench: %v", err)
	}
	fmt.Println(res)
	if b.metrics {
		if _, err := s.dev.Metrics().WriteText(os.Stdout); err != nil {
			return Errorf("writing metrics: %v", err)
		}
	}
	return subcommands.ExitSuccess
}

func (s *session) bench(ctx context.Context, opts benchOptions) (benchResult, error) {
	limit := rate.Inf
	if opts.rate > 0 {
		limit = rate.Limit(opts.rate)
	}
	limiter := rate.NewLimiter(limit, opts.jobs)
	var next atomic.Int64

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.jobs; i++ {
		g.Go(func() error {
			c, err := s.dev.NewCipher(opts.alg)
			if err != nil {
				return err
			}
			defer c.Close()
			key := make([]byte, 32)
			if _, err := io.ReadFull(rand.Reader, key); err != nil {
				return err
			}
			if err := c.SetKey(key); err != nil {
				return err
			}
			sl, err := s.arena.AllocScatter(opts.size, 0)
			if err != nil {
				return err
			}
			defer sl.Free()
			iv := make([]byte, engine.BlockSize)
			for next.Add(1) <= int64(opts.n) {
				if err := limiter.Wait(ctx); err != nil {
					return err
				}
				if err := c.Encrypt(iv, sl, nil, opts.size); err != nil {
					return err
				}
			}
			return nil
		})
	}
	err := g.Wait()
	done := min(next.Load(), int64(opts.n))
	if err != nil {
		return benchResult{}, err
	}
	return benchResult{
		ops:     done,
		bytes:   done * int64(opts.size),
		elapsed: time.Since(start),
	}, nil
}
