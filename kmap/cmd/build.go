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
	"gopkg.in/yaml.v3"

	"gvisor.dev/kmap/kmap/config"
	"gvisor.dev/kmap/pkg/paging"
)

// Build implements subcommands.Command for the "build" command.
type Build struct {
	format string
}

// Name implements subcommands.Command.Name.
func (*Build) Name() string {
	return "build"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Build) Synopsis() string {
	return "build the memory map and print a summary"
}

// Usage implements subcommands.Command.Usage.
func (*Build) Usage() string {
	return `build [-format=text|yaml] - build the memory map for the configured machine and print which regions were mapped
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Build) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.format, "format", "text", "output format: text or yaml.")
}

// Execute implements subcommands.Command.Execute.
func (b *Build) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	p := mustBuild(conf)

	s := newSummary(p)
	var err error
	switch b.format {
	case "text":
		err = s.writeText(os.Stdout)
	case "yaml":
		err = yaml.NewEncoder(os.Stdout).Encode(s)
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err != nil {
		Fatalf("writing summary: %v", err)
	}
	return subcommands.ExitSuccess
}

// summary is the printable result of a build.
type summary struct {
	Geometry    string          `yaml:"geometry"`
	Root        config.Hex      `yaml:"root"`
	ZeroPage    config.Hex      `yaml:"zero_page"`
	EarlyIO     config.Hex      `yaml:"early_io,omitempty"`
	CachePolicy string          `yaml:"cache_policy,omitempty"`
	Memory      config.Hex      `yaml:"memory"`
	Mapped      []config.Region `yaml:"mapped"`
	Skipped     []config.Region `yaml:"skipped,omitempty"`
	Tables      int             `yaml:"tables"`
	Blocks      int             `yaml:"blocks"`
	Pages       int             `yaml:"pages"`
	Splits      int             `yaml:"splits"`
	Rejected    int             `yaml:"rejected"`
}

func newSummary(p *paging.Paging) summary {
	pt := p.PageTables()
	st := pt.Stats()
	s := summary{
		Geometry: pt.Geometry().Name,
		Root:     config.Hex(pt.RootPhysical()),
		ZeroPage: config.Hex(p.ZeroPage()),
		EarlyIO:  config.Hex(p.EarlyIO()),
		Memory:   config.Hex(p.Memblock().TotalSize()),
		Tables:   st.Tables,
		Blocks:   st.Blocks,
		Pages:    st.Pages,
		Splits:   st.Splits,
		Rejected: st.Rejected,
	}
	if cp := p.CachePolicy(); cp != nil {
		s.CachePolicy = cp.Name
	}
	r := p.Report()
	for _, m := range r.Mapped {
		s.Mapped = append(s.Mapped, config.Region{Base: config.Hex(m.Base), Size: config.Hex(m.Size)})
	}
	for _, m := range r.Skipped {
		s.Skipped = append(s.Skipped, config.Region{Base: config.Hex(m.Base), Size: config.Hex(m.Size)})
	}
	return s
}

func (s summary) writeText(w io.Writer) error {
	fmt.Fprintf(w, "geometry:     %s\n", s.Geometry)
	fmt.Fprintf(w, "root table:   %v\n", s.Root)
	fmt.Fprintf(w, "zero page:    %v\n", s.ZeroPage)
	if s.EarlyIO != 0 {
		fmt.Fprintf(w, "early I/O:    %v\n", s.EarlyIO)
	}
	if s.CachePolicy != "" {
		fmt.Fprintf(w, "cache policy: %s\n", s.CachePolicy)
	}
	fmt.Fprintf(w, "memory:       %v\n", s.Memory)
	for _, r := range s.Mapped {
		fmt.Fprintf(w, "mapped:       [%v, %#x)\n", r.Base, uintptr(r.Base+r.Size))
	}
	for _, r := range s.Skipped {
		fmt.Fprintf(w, "skipped:      [%v, %#x)\n", r.Base, uintptr(r.Base+r.Size))
	}
	_, err := fmt.Fprintf(w, "tables %d, blocks %d, pages %d, splits %d, rejected %d\n", s.Tables, s.Blocks, s.Pages, s.Splits, s.Rejected)
	return err
}
