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

// Hash implements subcommands.Command for the "hash" command.
type Hash struct {
	alg string
	raw bool
}

// Name implements subcommands.Command.Name.
func (*Hash) Name() string {
	return "hash"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Hash) Synopsis() string {
	return "compute a SHA digest on the SHA engine"
}

// Usage implements subcommands.Command.Usage.
func (*Hash) Usage() string {
	return `hash [-alg=sha256] [-raw] [file] - prints the digest of file, or of stdin.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (h *Hash) SetFlags(f *flag.FlagSet) {
	f.StringVar(&h.alg, "alg", "sha256", "digest: sha1, sha224, sha256, sha384 or sha512.")
	f.BoolVar(&h.raw, "raw", false, "write the digest as bytes when stdout is not a terminal.")
}

// Execute implements subcommands.Command.Execute.
func (h *Hash) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() > 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	data, err := readInput(f.Arg(0))
	if err != nil {
		return Errorf("reading input: %v", err)
	}
	s, err := attach(ctx, conf)
	if err != nil {
		return Errorf("%v", err)
	}
	defer s.close()
	sum, err := s.hash(h.alg, data)
	if err != nil {
		return Errorf("%s: %v", h.alg, err)
	}
	if err := writeOutput(os.Stdout, sum, h.raw); err != nil {
		return Errorf("writing digest: %v", err)
	}
	return subcommands.ExitSuccess
}

func (s *session) hash(alg string, data []byte) ([]byte, error) {
	h, err := s.dev.NewHash(alg)
	if err != nil {
		return nil, err
	}
	src, err := s.scatter(data)
	if err != nil {
		return nil, err
	}
	defer src.Free()
	sum := make([]byte, h.Size())
	if err := h.Digest(src, len(data), sum); err != nil {
		return nil, err
	}
	return sum, nil
}
