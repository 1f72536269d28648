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

// Package memblock describes physical memory during early boot: the banks
// that exist, and the ranges within them that are already spoken for.
//
// Both sets are kept sorted and coalesced, so iteration is always in
// ascending address order.
package memblock

import (
	"fmt"

	"github.com/google/btree"
)

// Region is a contiguous range of physical addresses.
type Region struct {
	// Base is the first physical address of the region.
	Base uintptr

	// Size is the length of the region in bytes.
	Size uintptr
}

// End returns the exclusive end of the region.
func (r Region) End() uintptr {
	return r.Base + r.Size
}

// Contains returns true if phys is inside r.
func (r Region) Contains(phys uintptr) bool {
	return r.Base <= phys && phys-r.Base < r.Size
}

// String implements fmt.Stringer.String.
func (r Region) String() string {
	return fmt.Sprintf("[%#x-%#x]", r.Base, r.End()-1)
}

func lessRegion(a, b Region) bool {
	return a.Base < b.Base
}

// btreeDegree is the branching factor of the region trees. Boot-time region
// counts are small, so any reasonable value works.
const btreeDegree = 8

// regionSet is a set of non-overlapping, non-adjacent regions.
type regionSet struct {
	tree *btree.BTreeG[Region]
}

func newRegionSet() regionSet {
	return regionSet{tree: btree.NewG(btreeDegree, lessRegion)}
}

// add inserts [base, base+size), merging with any overlapping or adjacent
// regions.
func (s *regionSet) add(base, size uintptr) {
	if size == 0 {
		return
	}
	end := base + size
	if end < base {
		// Cap at the top of the address space.
		end = ^uintptr(0)
	}

	var merge []Region
	// The closest region starting at or below base may overlap or touch.
	s.tree.DescendLessOrEqual(Region{Base: base}, func(r Region) bool {
		if r.End() >= base {
			merge = append(merge, r)
		}
		return false
	})
	s.tree.AscendGreaterOrEqual(Region{Base: base}, func(r Region) bool {
		if r.Base > end {
			return false
		}
		merge = append(merge, r)
		return true
	})
	for _, r := range merge {
		s.tree.Delete(r)
		if r.Base < base {
			base = r.Base
		}
		if r.End() > end {
			end = r.End()
		}
	}
	s.tree.ReplaceOrInsert(Region{Base: base, Size: end - base})
}

// find returns the region containing phys.
func (s *regionSet) find(phys uintptr) (Region, bool) {
	var (
		found Region
		ok    bool
	)
	s.tree.DescendLessOrEqual(Region{Base: phys}, func(r Region) bool {
		found, ok = r, r.Contains(phys)
		return false
	})
	return found, ok
}

func (s *regionSet) ascend(fn func(Region) bool) {
	s.tree.Ascend(btree.ItemIteratorG[Region](fn))
}

func (s *regionSet) slice() []Region {
	rs := make([]Region, 0, s.tree.Len())
	s.ascend(func(r Region) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

// Memblock is the early physical memory description.
//
// Memblock is not safe for concurrent use; it is only used by the single
// boot thread.
type Memblock struct {
	memory   regionSet
	reserved regionSet
}

// New returns an empty Memblock.
func New() *Memblock {
	return &Memblock{
		memory:   newRegionSet(),
		reserved: newRegionSet(),
	}
}

// AddMemory registers a bank of physical memory.
func (m *Memblock) AddMemory(base, size uintptr) {
	m.memory.add(base, size)
}

// Reserve marks a physical range as in use. The range need not be inside a
// registered memory bank.
func (m *Memblock) Reserve(base, size uintptr) {
	m.reserved.add(base, size)
}

// Memory returns the memory banks in ascending order.
func (m *Memblock) Memory() []Region {
	return m.memory.slice()
}

// Reserved returns the reserved ranges in ascending order.
func (m *Memblock) Reserved() []Region {
	return m.reserved.slice()
}

// ForEachMemory calls fn for each memory bank in ascending order until fn
// returns false.
func (m *Memblock) ForEachMemory(fn func(Region) bool) {
	m.memory.ascend(fn)
}

// IsMemory returns true if phys lies inside a registered memory bank.
func (m *Memblock) IsMemory(phys uintptr) bool {
	_, ok := m.memory.find(phys)
	return ok
}

// IsReserved returns true if phys lies inside a reserved range.
func (m *Memblock) IsReserved(phys uintptr) bool {
	_, ok := m.reserved.find(phys)
	return ok
}

// TotalSize returns the number of bytes of registered memory.
func (m *Memblock) TotalSize() uintptr {
	var total uintptr
	m.memory.ascend(func(r Region) bool {
		total += r.Size
		return true
	})
	return total
}

// ForEachFree calls fn for every maximal range that is memory and not
// reserved, in ascending order, until fn returns false.
func (m *Memblock) ForEachFree(fn func(Region) bool) {
	reserved := m.reserved.slice()
	m.memory.ascend(func(mem Region) bool {
		start, end := mem.Base, mem.End()
		for _, r := range reserved {
			if r.End() <= start {
				continue
			}
			if r.Base >= end {
				break
			}
			if r.Base > start {
				if !fn(Region{Base: start, Size: r.Base - start}) {
					return false
				}
			}
			start = r.End()
			if start >= end {
				return true
			}
		}
		if start < end {
			return fn(Region{Base: start, Size: end - start})
		}
		return true
	})
}
