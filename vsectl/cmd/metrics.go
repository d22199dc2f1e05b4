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

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct{}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "print the engine service's counters in Prometheus format"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics - prints the counters vsectl serve last published next to the channel.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Metrics) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Metrics) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if conf.Channel.Path == "" {
		return Errorf("metrics are published by vsectl serve: pass its -dir or -channel-path")
	}
	b, err := os.ReadFile(metricsPath(conf))
	if err != nil {
		return Errorf("reading metrics: %v", err)
	}
	if _, err := os.Stdout.Write(b); err != nil {
		return Errorf("writing output: %v", err)
	}
	return subcommands.ExitSuccess
}
