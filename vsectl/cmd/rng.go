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
	"flag"
	"os"

	"github.com/google/subcommands"
	"vse.dev/vse/pkg/vse/config"
)

// RNG implements subcommands.Command for the "rng" command.
type RNG struct {
	n int
}

// Name implements subcommands.Command.Name.
func (*RNG) Name() string {
	return "rng"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*RNG) Synopsis() string {
	return "read the DRBG of the aes0 engine"
}

// Usage implements subcommands.Command.Usage.
func (*RNG) Usage() string {
	return `rng [-n=32] - writes n random bytes to stdout, in hex on a terminal.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *RNG) SetFlags(f *flag.FlagSet) {
	f.IntVar(&r.n, "n", 32, "number of bytes.")
}

// Execute implements subcommands.Command.Execute.
func (r *RNG) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || r.n < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	s, err := attach(ctx, conf)
	if err != nil {
		return Errorf("%v", err)
	}
	defer s.close()
	out, err := s.random(r.n)
	if err != nil {
		return Errorf("rng_drbg: %v", err)
	}
	if err := writeOutput(os.Stdout, out, true); err != nil {
		return Errorf("writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

func (s *session) random(n int) ([]byte, error) {
	rng, err := s.dev.RNG()
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if err := rng.Generate(out); err != nil {
		return nil, err
	}
	return out, nil
}
