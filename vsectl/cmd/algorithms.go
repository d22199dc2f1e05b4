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
	"text/tabwriter"

	"github.com/google/subcommands"
	"vse.dev/vse/pkg/vse/config"
)

// Algorithms implements subcommands.Command for the "algorithms" command.
type Algorithms struct{}

// Name implements subcommands.Command.Name.
func (*Algorithms) Name() string {
	return "algorithms"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Algorithms) Synopsis() string {
	return "list the algorithms the probed engines register"
}

// Usage implements subcommands.Command.Usage.
func (*Algorithms) Usage() string {
	return "algorithms\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Algorithms) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Algorithms) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	s, err := attach(ctx, conf)
	if err != nil {
		return Errorf("%v", err)
	}
	defer s.close()
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "NAME\tDRIVER\tTYPE\tENGINE\tPRIORITY\tSIZE\n")
	for _, a := range s.dev.Algorithms() {
		fmt.Fprintf(w, "%s\t%s\t%v\t%v\t%d\t%d\n", a.Name, a.Driver, a.Kind, a.Engine, a.Priority, a.Size)
	}
	if err := w.Flush(); err != nil {
		return Errorf("writing output: %v", err)
	}
	return subcommands.ExitSuccess
}
