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

// CMAC implements subcommands.Command for the "cmac" command.
type CMAC struct {
	key string
	raw bool
}

// Name implements subcommands.Command.Name.
func (*CMAC) Name() string {
	return "cmac"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*CMAC) Synopsis() string {
	return "compute an AES-CMAC on the aes1 engine"
}

// Usage implements subcommands.Command.Usage.
func (*CMAC) Usage() string {
	return `cmac -key=<hex> [-raw] [file] - prints the CMAC of file, or of stdin.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *CMAC) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.key, "key", "", "AES key in hex: 16, 24 or 32 bytes.")
	f.BoolVar(&c.raw, "raw", false, "write the MAC as bytes when stdout is not a terminal.")
}

// Execute implements subcommands.Command.Execute.
func (c *CMAC) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() > 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	key, err := parseHex("key", c.key)
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
	mac, err := s.cmac(key, data)
	if err != nil {
		return Errorf("cmac(aes): %v", err)
	}
	if err := writeOutput(os.Stdout, mac, c.raw); err != nil {
		return Errorf("writing MAC: %v", err)
	}
	return subcommands.ExitSuccess
}

func (s *session) cmac(key, data []byte) ([]byte, error) {
	m, err := s.dev.NewCMAC()
	if err != nil {
		return nil, err
	}
	defer m.Close()
	if err := m.SetKey(key); err != nil {
		return nil, err
	}
	src, err := s.scatter(data)
	if err != nil {
		return nil, err
	}
	defer src.Free()
	mac := make([]byte, m.Size())
	if err := m.Digest(src, len(data), mac); err != nil {
		return nil, err
	}
	return mac, nil
}
