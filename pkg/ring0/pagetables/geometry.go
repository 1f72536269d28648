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

package pagetables

import (
	"fmt"
	"sort"

	"gvisor.dev/kmap/pkg/bits"
	"gvisor.dev/kmap/pkg/hostarch"
)

// Every level of a 4K-granule hierarchy indexes 9 bits of the address.
const (
	entriesShift   = 9
	entriesPerPage = 1 << entriesShift
)

// Level describes one level of the hierarchy.
type Level struct {
	// Shift is the lowest address bit indexed by this level; an entry
	// spans 1<<Shift bytes.
	Shift uint

	// Block is set when the level may hold block mappings.
	Block bool
}

// Geometry is the shape of a page table hierarchy: its levels from the top
// directory down to the leaf.
type Geometry struct {
	Name   string
	Levels []Level
}

var geometries = map[string]Geometry{
	"4k-39": {
		Name: "4k-39",
		Levels: []Level{
			{Shift: 30},
			{Shift: 21, Block: true},
			{Shift: 12},
		},
	},
	"4k-48": {
		Name: "4k-48",
		Levels: []Level{
			{Shift: 39},
			{Shift: 30},
			{Shift: 21, Block: true},
			{Shift: 12},
		},
	},
}

// LookupGeometry returns the named geometry.
func LookupGeometry(name string) (Geometry, error) {
	g, ok := geometries[name]
	if !ok {
		return Geometry{}, fmt.Errorf("unknown geometry %q, supported: %v", name, GeometryNames())
	}
	return g, nil
}

// GeometryNames returns the supported geometry names in sorted order.
func GeometryNames() []string {
	names := make([]string, 0, len(geometries))
	for name := range geometries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that the levels describe a 4K-granule hierarchy with a
// single block level directly above the leaf.
func (g Geometry) Validate() error {
	n := len(g.Levels)
	if n < 2 {
		return fmt.Errorf("geometry %q: %d levels", g.Name, n)
	}
	if g.Levels[n-1].Shift != hostarch.PageShift {
		return fmt.Errorf("geometry %q: leaf shift %d is not the page shift", g.Name, g.Levels[n-1].Shift)
	}
	for i := 0; i < n-1; i++ {
		if g.Levels[i].Shift != g.Levels[i+1].Shift+entriesShift {
			return fmt.Errorf("geometry %q: level %d shift %d does not cover level %d", g.Name, i, g.Levels[i].Shift, i+1)
		}
		if g.Levels[i].Block != (i == n-2) {
			return fmt.Errorf("geometry %q: only level %d may hold blocks", g.Name, n-2)
		}
	}
	if g.Levels[n-1].Block {
		return fmt.Errorf("geometry %q: leaf level cannot hold blocks", g.Name)
	}
	return nil
}

// leafLevel returns the index of the leaf level.
func (g Geometry) leafLevel() int {
	return len(g.Levels) - 1
}

// blockLevel returns the index of the level that holds blocks.
func (g Geometry) blockLevel() int {
	return len(g.Levels) - 2
}

// size returns the span of one entry at the given level.
func (g Geometry) size(level int) uintptr {
	return uintptr(1) << g.Levels[level].Shift
}

// index returns the index of va's entry in a directory at the given level.
func (g Geometry) index(level int, va uintptr) int {
	return int(bits.Extract(va, g.Levels[level].Shift, entriesShift))
}

// BlockSize is the span of a block mapping.
func (g Geometry) BlockSize() uintptr {
	return g.size(g.blockLevel())
}

// TopSpan is the span of one entry in the top directory.
func (g Geometry) TopSpan() uintptr {
	return g.size(0)
}

// InitialSpan is the span of one entry of the directory directly above the
// block level: how much a single bootstrap directory can map with blocks.
func (g Geometry) InitialSpan() uintptr {
	return g.size(g.blockLevel() - 1)
}

// VABits is the number of translated virtual address bits.
func (g Geometry) VABits() uint {
	return g.Levels[0].Shift + entriesShift
}

// KernelBase is the lowest address of the kernel half of the address space.
func (g Geometry) KernelBase() uintptr {
	return ^uintptr(0) << g.VABits()
}

// String implements fmt.Stringer.
func (g Geometry) String() string {
	return fmt.Sprintf("%s (%d levels, %d-bit VA, %#x blocks)", g.Name, len(g.Levels), g.VABits(), g.BlockSize())
}
