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
	"gvisor.dev/kmap/pkg/paging"
)

// Lookup implements subcommands.Command for the "lookup" command.
type Lookup struct {
	phys bool
}

// Name implements subcommands.Command.Name.
func (*Lookup) Name() string {
	return "lookup"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Lookup) Synopsis() string {
	return "check whether kernel addresses are mapped"
}

// Usage implements subcommands.Command.Usage.
func (*Lookup) Usage() string {
	return `lookup [-phys] <address>... - build the memory map and report the translation of each address
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Lookup) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&l.phys, "phys", false, "addresses are physical; look up their linear map address.")
}

// Execute implements subcommands.Command.Execute.
func (l *Lookup) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	addrs := make([]uintptr, 0, f.NArg())
	for _, arg := range f.Args() {
		var h config.Hex
		if err := h.UnmarshalText([]byte(arg)); err != nil {
			Fatalf("%v", err)
		}
		addrs = append(addrs, uintptr(h))
	}

	p := mustBuild(args[0].(*config.Config))
	if l.phys {
		for i, a := range addrs {
			addrs[i] = p.PhysToVirt(a)
		}
	}
	if !lookup(os.Stdout, p, addrs) {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// lookup prints one line per address and returns whether all were valid.
func lookup(w io.Writer, p *paging.Paging, addrs []uintptr) bool {
	ok := true
	for _, virt := range addrs {
		if !p.KernAddrValid(virt) {
			ok = false
			if phys, opts, mapped := p.PageTables().Lookup(virt); mapped {
				fmt.Fprintf(w, "%#016x: not memory (%#x %v)\n", virt, phys, opts)
			} else {
				fmt.Fprintf(w, "%#016x: invalid\n", virt)
			}
			continue
		}
		phys, opts, _ := p.PageTables().Lookup(virt)
		fmt.Fprintf(w, "%#016x: %#x %v\n", virt, phys, opts)
	}
	return ok
}
