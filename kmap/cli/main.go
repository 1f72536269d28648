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

// Package cli is the main entrypoint for kmap.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"gvisor.dev/kmap/kmap/cmd"
	"gvisor.dev/kmap/kmap/config"
	"gvisor.dev/kmap/pkg/log"
)

var (
	configPath = flag.String("config", "", "machine description, TOML or YAML by extension. Empty uses a QEMU virt machine with 1G of memory.")
	logPath    = flag.String("log", "", "file path where logs are written, default is stderr.")
	logFormat  = flag.String("log-format", "text", "log format: text (default), json or logfmt.")
	debug      = flag.Bool("debug", false, "enable debug logging.")
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	var logFile io.Writer = os.Stderr
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", *logPath, err)
		}
		logFile = f
	}
	log.SetTarget(newEmitter(*logFormat, logFile))
	if *debug {
		log.SetLevel(log.Debug)
	}

	conf := config.Default()
	if *configPath != "" {
		var err error
		if conf, err = config.Load(*configPath); err != nil {
			cmd.Fatalf("%v", err)
		}
	}
	if err := conf.ApplyFlags(flag.CommandLine); err != nil {
		cmd.Fatalf("%v", err)
	}

	log.Debugf("kmap %s/%s, %s, args %v", runtime.GOOS, runtime.GOARCH, runtime.Version(), os.Args)
	conf.Log()

	// Call the subcommand and pass in the configuration.
	status := subcommands.Execute(context.Background(), conf)
	os.Exit(int(status))
}

// forEachCmd invokes the passed callback for each command supported by kmap.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Build), "")
	cb(new(cmd.Dump), "")
	cb(new(cmd.Lookup), "")
	cb(new(cmd.Check), "")

	const debugGroup = "debug"
	cb(new(cmd.Metrics), debugGroup)
	cb(new(cmd.Info), debugGroup)
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Emitter: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}, Tag: "kmap"}
	case "logfmt":
		lr := logrus.New()
		lr.Out = logFile
		lr.Formatter = &logrus.TextFormatter{DisableColors: true, FullTimestamp: true}
		lr.SetLevel(logrus.DebugLevel)
		return log.LogrusEmitter{Logger: lr}
	}
	cmd.Fatalf("invalid log format %q, must be 'text', 'json' or 'logfmt'", format)
	panic("unreachable")
}
