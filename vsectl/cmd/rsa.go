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
	"fmt"
	"os"

	"github.com/google/subcommands"
	"vse.dev/vse/pkg/vse/algs"
	"vse.dev/vse/pkg/vse/config"
)

// RSA implements subcommands.Command for the "rsa" command.
type RSA struct {
	alg string
	exp string
	mod string
	raw bool
}

// Name implements subcommands.Command.Name.
func (*RSA) Name() string {
	return "rsa"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*RSA) Synopsis() string {
	return "raise a value to a key's exponent on the rsa engine"
}

// Usage implements subcommands.Command.Usage.
func (*RSA) Usage() string {
	return `rsa [-alg=rsa2048] -exp=<hex> -mod=<hex> [-raw] [file] - prints input^exp mod mod.

The input, a big-endian number read from file or stdin, is zero-extended to
the modulus length.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *RSA) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.alg, "alg", "rsa2048", "key size: rsa512, rsa1024, rsa1536 or rsa2048.")
	f.StringVar(&r.exp, "exp", "010001", "exponent in big-endian hex.")
	f.StringVar(&r.mod, "mod", "", "modulus in big-endian hex.")
	f.BoolVar(&r.raw, "raw", false, "write the result as bytes when stdout is not a terminal.")
}

// Execute implements subcommands.Command.Execute.
func (r *RSA) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() > 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	exp, err := parseHex("exp", r.exp)
	if err != nil {
		return Errorf("%v", err)
	}
	mod, err := parseHex("mod", r.mod)
	if err != nil {
		return Errorf("%v", err)
	}
	data, err := readInput(f.Arg(0))
	if err != nil {
		return Errorf("reading input: %v", err)
	}
	s, err := attach(ctx, conf)
	if err != nil {
		return Errorf("%v", err)
	}
	defer s.close()
	out, err := s.rsa(r.alg, exp, mod, data)
	if err != nil {
		return Errorf("%s: %v", r.alg, err)
	}
	if err := writeOutput(os.Stdout, out, r.raw); err != nil {
		return Errorf("writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

func (s *session) rsa(alg string, exp, mod, data []byte) ([]byte, error) {
	if len(data) > len(mod) {
		return nil, fmt.Errorf("%d byte input for a %d byte modulus", len(data), len(mod))
	}
	r, err := s.dev.NewRSA(alg)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	// Key parts travel in whole words.
	if pad := -len(exp) & 3; pad != 0 {
		exp = append(make([]byte, pad), exp...)
	}
	key := append(append([]byte(nil), exp...), mod...)
	if err := r.SetKey(key, algs.KeyLen(len(exp), len(mod))); err != nil {
		return nil, err
	}
	operand := make([]byte, len(mod))
	copy(operand[len(mod)-len(data):], data)
	src, err := s.scatter(operand)
	if err != nil {
		return nil, err
	}
	defer src.Free()
	out := make([]byte, len(mod))
	if err := r.Digest(src, len(operand), out); err != nil {
		return nil, err
	}
	return out, nil
}
