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
	"vse.dev/vse/pkg/vse/config"
)

// Cipher implements subcommands.Command for the "encrypt" and "decrypt"
// commands.
type Cipher struct {
	encrypt bool
	alg     string
	key     string
	iv      string
}

// NewEncrypt returns the "encrypt" command.
func NewEncrypt() *Cipher {
	return &Cipher{encrypt: true}
}

// NewDecrypt returns the "decrypt" command.
func NewDecrypt() *Cipher {
	return &Cipher{}
}

// Name implements subcommands.Command.Name.
func (c *Cipher) Name() string {
	if c.encrypt {
		return "encrypt"
	}
	return "decrypt"
}

// Synopsis implements subcommands.Command.Synopsis.
func (c *Cipher) Synopsis() string {
	return c.Name() + " with AES on the aes1 engine"
}

// Usage implements subcommands.Command.Usage.
func (c *Cipher) Usage() string {
	return fmt.Sprintf(`%s [-alg=cbc(aes)] -key=<hex> [-iv=<hex>] [file] - writes the %sed file, or stdin, to stdout.
`, c.Name(), c.Name())
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Cipher) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.alg, "alg", "cbc(aes)", "cipher: cbc(aes), ecb(aes), ctr(aes) or ofb(aes).")
	f.StringVar(&c.key, "key", "", "AES key in hex: 16, 24 or 32 bytes.")
	f.StringVar(&c.iv, "iv", "", "16 byte IV in hex. Without it the key slot's original IV is used.")
}

// Execute implements subcommands.Command.Execute.
func (c *Cipher) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() > 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	key, err := parseHex("key", c.key)
	if err != nil {
		return Errorf("%v", err)
	}
	var iv []byte
	if c.iv != "" {
		if iv, err = parseHex("iv", c.iv); err != nil {
			return Errorf("%v", err)
		}
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
	out, err := s.crypt(c.alg, c.encrypt, key, iv, data)
	if err != nil {
		return Errorf("%s: %v", c.alg, err)
	}
	if _, err := os.Stdout.Write(out); err != nil {
		return Errorf("writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

func (s *session) crypt(alg string, encrypt bool, key, iv, data []byte) ([]byte, error) {
	c, err := s.dev.NewCipher(alg)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	if err := c.SetKey(key); err != nil {
		return nil, err
	}
	sl, err := s.scatter(data)
	if err != nil {
		return nil, err
	}
	defer sl.Free()
	if encrypt {
		err = c.Encrypt(iv, sl, nil, len(data))
	} else {
		err = c.Decrypt(iv, sl, nil, len(data))
	}
	if err != nil {
		return nil, err
	}
	return sl.Bytes(len(data)), nil
}
