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
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"gvisor.dev/kmap/kmap/config"
	"gvisor.dev/kmap/pkg/log"
)

// Check implements subcommands.Command for the "check" command.
type Check struct {
	jobs int
}

// Name implements subcommands.Command.Name.
func (*Check) Name() string {
	return "check"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Check) Synopsis() string {
	return "build the memory map for several machine descriptions"
}

// Usage implements subcommands.Command.Usage.
func (*Check) Usage() string {
	return `check [-j=N] <config file>... - load, validate and build each config, reporting every failure
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Check) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.jobs, "j", runtime.NumCPU(), "number of configs checked in parallel.")
}

// Execute implements subcommands.Command.Execute.
func (c *Check) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	errs, err := checkFiles(ctx, f.Args(), c.jobs)
	if err != nil {
		Fatalf("%v", err)
	}
	if !report(os.Stdout, f.Args(), errs) {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// checkFiles builds the map for each file, at most jobs at a time. The
// result holds one error, or nil, per file.
func checkFiles(ctx context.Context, paths []string, jobs int) ([]error, error) {
	errs := make([]error, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	if jobs > 0 {
		g.SetLimit(jobs)
	}
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			errs[i] = checkFile(path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return errs, nil
}

// checkFile builds the map for one file. Fatal conditions that panic during
// boot are reported as errors.
func checkFile(path string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fatal: %v", r)
		}
	}()
	conf, err := config.Load(path)
	if err != nil {
		return err
	}
	p, err := build(conf)
	if err != nil {
		return err
	}
	if r := p.Report(); len(r.Skipped) > 0 {
		log.Infof("%s: skipped %v", path, r.Skipped)
	}
	return nil
}

func report(w io.Writer, paths []string, errs []error) bool {
	ok := true
	for i, path := range paths {
		i, path := i, path
		if errs[i] != nil {
			ok = false
			fmt.Fprintf(w, "FAIL %s: %v\n", path, errs[i])
			continue
		}
		fmt.Fprintf(w, "ok   %s\n", path)
	}
	return ok
}
