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
	"text/tabwriter"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"gvisor.dev/kmap/pkg/hostarch"
	"gvisor.dev/kmap/pkg/prot"
	"gvisor.dev/kmap/pkg/ring0/pagetables"
)

// Info implements subcommands.Command for the "info" command.
type Info struct{}

// Name implements subcommands.Command.Name.
func (*Info) Name() string {
	return "info"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Info) Synopsis() string {
	return "describe the supported geometries and the host"
}

// Usage implements subcommands.Command.Usage.
func (*Info) Usage() string {
	return `info - print the supported page table geometries, cache policies and the host's page size
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Info) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Info) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		Fatalf("uname: %v", err)
	}
	fmt.Printf("host: %s %s %s, page size %#x\n", unix.ByteSliceToString(uts.Sysname[:]), unix.ByteSliceToString(uts.Release[:]), unix.ByteSliceToString(uts.Machine[:]), unix.Getpagesize())
	if unix.Getpagesize() != hostarch.PageSize {
		fmt.Printf("note: the host page size differs from the %#x granule\n", hostarch.PageSize)
	}
	fmt.Println()
	if err := writeGeometries(os.Stdout); err != nil {
		Fatalf("%v", err)
	}
	fmt.Println()
	if err := writeCachePolicies(os.Stdout); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func writeGeometries(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "GEOMETRY\tVA BITS\tLEVELS\tBLOCK\tINITIAL SPAN\tKERNEL BASE")
	for _, name := range pagetables.GeometryNames() {
		g, err := pagetables.LookupGeometry(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%#x\n", g.Name, g.VABits(), len(g.Levels), sizeString(g.BlockSize()), sizeString(g.InitialSpan()), g.KernelBase())
	}
	return tw.Flush()
}

func writeCachePolicies(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "CACHE POLICY\tMAIR\tTCR")
	for _, cp := range prot.CachePolicies() {
		fmt.Fprintf(tw, "%s\t%#02x\t%#x\n", cp.Name, cp.MAIR, cp.TCR)
	}
	return tw.Flush()
}
