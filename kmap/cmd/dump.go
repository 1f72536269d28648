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

	"github.com/google/subcommands"

	"gvisor.dev/kmap/kmap/config"
	"gvisor.dev/kmap/pkg/ring0/pagetables"
)

// Dump implements subcommands.Command for the "dump" command.
type Dump struct {
	raw bool
}

// Name implements subcommands.Command.Name.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dump) Synopsis() string {
	return "print every installed mapping"
}

// Usage implements subcommands.Command.Usage.
func (*Dump) Usage() string {
	return `dump [-raw] - build the memory map and print its mappings, merging adjacent ones with the same attributes unless -raw is set
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Dump) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&d.raw, "raw", false, "print one line per block or page.")
}

// Execute implements subcommands.Command.Execute.
func (d *Dump) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	p := mustBuild(args[0].(*config.Config))
	ms := p.PageTables().Mappings()
	if !d.raw {
		ms = pagetables.Coalesce(ms)
	}
	if err := writeMappings(os.Stdout, ms); err != nil {
		Fatalf("writing mappings: %v", err)
	}
	return subcommands.ExitSuccess
}

func writeMappings(w io.Writer, ms []pagetables.Mapping) error {
	for _, m := range ms {
		if _, err := fmt.Fprintf(w, "%#016x-%#016x %#012x %8s %v\n", m.Virt, m.End(), m.Phys, sizeString(m.Size), m.Opts); err != nil {
			return err
		}
	}
	return nil
}

func sizeString(size uintptr) string {
	for _, u := range []struct {
		shift  uint
		suffix string
	}{{30, "G"}, {20, "M"}, {10, "K"}} {
		if size >= 1<<u.shift && size&(1<<u.shift-1) == 0 {
			return fmt.Sprintf("%d%s", size>>u.shift, u.suffix)
		}
	}
	return fmt.Sprintf("%d", size)
}
