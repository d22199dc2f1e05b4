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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/go-cmp/cmp"
)

func TestDefault(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() failed: %v", err)
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vse.toml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, `
engines = ["aes1", "sha"]
stream_id = 7
per_slot_status = true

[channel]
path = "/dev/shm/vse.ivc"
frames = 4

[transport]
timeout = "250ms"

[log]
level = "debug"
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	want := Default()
	want.Engines = []string{"aes1", "sha"}
	want.StreamID = 7
	want.PerSlotStatus = true
	want.Channel.Path = "/dev/shm/vse.ivc"
	want.Channel.Frames = 4
	want.Transport.Timeout = 250 * time.Millisecond
	want.Log.Level = "debug"
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	c := Default()
	c.DMA.Path = "/dev/shm/vse.dma"
	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(c); err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	got, err := Load(writeFile(t, sb.String()))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if diff := cmp.Diff(c, got); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRejects(t *testing.T) {
	for _, tc := range []struct {
		name string
		body string
	}{
		{"unknown key", "colour = 1"},
		{"unknown engine", `engines = ["des"]`},
		{"duplicate engine", `engines = ["sha", "sha"]`},
		{"batch too large", "[queue]\nmax_batch = 33"},
		{"arena above 4GiB", "[dma]\nbase = 0xffff0000\nsize = 0x20000"},
		{"polls inverted", "[transport]\ninitial_poll = \"1s\"\nmax_poll = \"1ms\""},
		{"log level", "[log]\nlevel = \"trace\""},
	} {
		if _, err := Load(writeFile(t, tc.body)); err == nil {
			t.Errorf("%s: Load() succeeded", tc.name)
		}
	}
}

func TestCopy(t *testing.T) {
	c := Default()
	cp := c.Copy()
	cp.Engines[0] = "sha"
	cp.Log.Level = "debug"
	if c.Engines[0] != "aes0" || c.Log.Level != "info" {
		t.Errorf("Copy() shares state with the original: %+v", c)
	}
}

func TestOverride(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"--engines=rsa", "--stream-id=3", "--timeout=2s", "--per-slot-status"}); err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	c := Default()
	c.Channel.Path = "/from/file"
	if err := c.Override(fs); err != nil {
		t.Fatalf("Override() failed: %v", err)
	}
	if c.Channel.Path != "/from/file" {
		t.Errorf("unset flag overrode channel.path: %q", c.Channel.Path)
	}
	if diff := cmp.Diff([]string{"rsa"}, c.Engines); diff != "" {
		t.Errorf("engines mismatch (-want +got):\n%s", diff)
	}
	if c.StreamID != 3 || c.Transport.Timeout != 2*time.Second || !c.PerSlotStatus {
		t.Errorf("Override() = %+v", c)
	}

	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"--max-batch=64"}); err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if err := Default().Override(fs); err == nil {
		t.Errorf("Override() accepted --max-batch=64")
	}
}
