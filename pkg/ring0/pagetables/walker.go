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
)

// addrEnd returns the next boundary of size after addr, or end if that
// comes earlier.
func addrEnd(addr, end, size uintptr) uintptr {
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}

// blockFunc is called for each block-level entry covering part of a walked
// range, with the covered sub-range [start, end).
type blockFunc func(start, end uintptr, pte *PTE) error

// walk calls fn for every block-level entry covering [start, end).
//
// If alloc is set, a directory entry above the block level that is invalid
// or not a table reference is given a fresh directory. Otherwise the range
// under such an entry is skipped. Allocation errors are returned wrapped in
// ErrNoMemory.
//
// Precondition: start < end, both page aligned.
func (p *PageTables) walk(start, end uintptr, alloc bool, fn blockFunc) error {
	return p.walkLevel(p.root, 0, start, end, alloc, fn)
}

// walkLevel walks the entries of one directory at the given level.
func (p *PageTables) walkLevel(ptes *PTEs, level int, start, end uintptr, alloc bool, fn blockFunc) error {
	g := p.Opts.Geometry
	for start < end {
		next := addrEnd(start, end, g.size(level))
		pte := &ptes[g.index(level, start)]
		if level == g.blockLevel() {
			if err := fn(start, next, pte); err != nil {
				return err
			}
			start = next
			continue
		}

		var child *PTEs
		switch {
		case pte.IsTable():
			child = p.getPageTable(pte, start, level)
		case !alloc:
			// Skip over this entry.
			start = next
			continue
		default:
			// Invalid, or a stale mapping where a directory belongs.
			old := pte.bits()
			var err error
			if child, err = p.newTable(pte); err != nil {
				return fmt.Errorf("level %d directory for %#x: %w (%w)", level+1, start, ErrNoMemory, err)
			}
			if old != 0 {
				p.flushTLB()
			}
		}
		if err := p.walkLevel(child, level+1, start, next, alloc, fn); err != nil {
			return err
		}
		start = next
	}
	return nil
}

// entryAt returns the entry at the given level that translates virt, without
// allocating. It returns nil if a directory on the way is missing.
func (p *PageTables) entryAt(virt uintptr, level int) *PTE {
	g := p.Opts.Geometry
	ptes := p.root
	for l := 0; l < level; l++ {
		pte := &ptes[g.index(l, virt)]
		if !pte.IsTable() {
			return nil
		}
		ptes = p.getPageTable(pte, virt, l)
	}
	return &ptes[g.index(level, virt)]
}
