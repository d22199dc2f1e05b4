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

// Package cli is the main entrypoint for vsectl.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"vse.dev/vse/pkg/log"
	"vse.dev/vse/pkg/vse/config"
	"vse.dev/vse/vsectl/cmd"
)

var (
	configPath = flag.String("config", "", "TOML configuration file. Flags override its values.")
	dir        = flag.String("dir", "", "directory holding the engine service's channel and DMA files. Sets channel-path and dma-path unless they are given.")
)

// Main is the main entrypoint.
func Main() {
	forEachCmd(subcommands.Register)
	config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	conf, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vsectl: %v\n", err)
		os.Exit(2)
	}

	out := io.Writer(os.Stderr)
	if conf.Log.File != "" {
		f, err := log.OpenFile(conf.Log.File)
		if err != nil {
			fmt.Fprintf(os.Stderr, "vsectl: %v\n", err)
			os.Exit(2)
		}
		out = f
	}
	log.SetTarget(newEmitter(conf.Log.Format, out))
	level, err := log.ParseLevel(conf.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vsectl: %v\n", err)
		os.Exit(2)
	}
	log.SetLevel(level)
	if err := log.CopyStandardLogTo(log.Info); err != nil {
		log.Warningf("redirecting the standard logger: %v", err)
	}
	log.Debugf("vsectl %s, %d CPUs, PID %d, args %v", runtime.Version(), runtime.NumCPU(), os.Getpid(), os.Args)
	log.Debugf("config: %+v", conf)

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	status := subcommands.Execute(ctx, conf)
	stop()
	os.Exit(int(status))
}

// loadConfig reads the configuration file, if any, and applies the flags set
// on the command line.
func loadConfig() (*config.Config, error) {
	conf := config.Default()
	if *configPath != "" {
		var err error
		if conf, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	if err := conf.Override(flag.CommandLine); err != nil {
		return nil, err
	}
	if *dir != "" {
		if conf.Channel.Path == "" {
			conf.Channel.Path = filepath.Join(*dir, "vse.ivc")
		}
		if conf.DMA.Path == "" {
			conf.DMA.Path = filepath.Join(*dir, "vse.dma")
		}
	}
	return conf, nil
}

// forEachCmd invokes the passed callback for each command supported by vsectl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	const cryptoGroup = "crypto"
	cb(new(cmd.Hash), cryptoGroup)
	cb(new(cmd.CMAC), cryptoGroup)
	cb(cmd.NewEncrypt(), cryptoGroup)
	cb(cmd.NewDecrypt(), cryptoGroup)
	cb(new(cmd.RNG), cryptoGroup)
	cb(new(cmd.RSA), cryptoGroup)

	const serviceGroup = "service"
	cb(new(cmd.Serve), serviceGroup)
	cb(new(cmd.Algorithms), serviceGroup)
	cb(new(cmd.Bench), serviceGroup)
	cb(new(cmd.Metrics), serviceGroup)
}

func newEmitter(format string, w io.Writer) log.Emitter {
	switch format {
	case "json":
		return log.NewJSONEmitter(w)
	default:
		return log.NewLogrusEmitter(w)
	}
}
