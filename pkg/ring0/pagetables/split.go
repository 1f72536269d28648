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

	"gvisor.dev/kmap/pkg/hostarch"
)

// splitBlock replaces the block-level entry pte, which covers va, with a
// leaf table. A block mapping keeps its translation and attributes for every
// page. An invalid entry gets linear mappings for [start, end) only.
func (p *PageTables) splitBlock(pte *PTE, start, end uintptr) {
	g := p.Opts.Geometry
	leaf := g.leafLevel()

	switch {
	case pte.IsBlock():
		base, opts := pte.Address(), pte.Opts()
		ptes := new(PTEs)
		for i := range ptes {
			ptes[i].SetPage(base+uintptr(i)*hostarch.PageSize, opts)
		}
		p.installSplit(pte, ptes, start)
		p.stats.Splits++
		blocksSplit.Increment()
		// The old block may still be cached.
		p.flushTLB()

	case pte.bits() == 0:
		ptes := new(PTEs)
		for va := start; va < end; va += hostarch.PageSize {
			ptes[g.index(leaf, va)].SetPage(va-p.Offset, p.Policy.Classify(va))
		}
		p.installSplit(pte, ptes, start)
		n := int((end - start) / hostarch.PageSize)
		p.stats.Pages += n
		mappings.IncrementBy(uint64(n), "page")

	default:
		panic(fmt.Sprintf("pagetables: cannot split %v at %#x", pte, start))
	}
}

// installSplit copies a populated leaf into a newly allocated directory and
// references it from pte in a single store.
func (p *PageTables) installSplit(pte *PTE, filled *PTEs, va uintptr) {
	ptes, err := p.Allocator.NewPTEs()
	if err != nil {
		panic(fmt.Sprintf("pagetables: splitting %#x: %v", va, err))
	}
	for i := range filled {
		ptes[i].store(filled[i].bits())
	}
	p.setPageTable(pte, ptes)
	p.stats.Tables++
	tablesAllocated.Increment()
}

// SplitToPages makes every address in [virt, virt+length) translate through
// a leaf table. Blocks are split, unmapped block-level entries get linear
// page mappings, and existing leaf tables are left alone, so calling it
// twice has no further effect.
//
// SplitToPages returns false if the request was dropped.
func (p *PageTables) SplitToPages(virt, length uintptr) bool {
	start, end, ok := p.pageRange("split", virt, length)
	if !ok {
		return false
	}
	err := p.walk(start, end, true, func(s, e uintptr, pte *PTE) error {
		if !pte.IsTable() {
			p.splitBlock(pte, s, e)
		}
		return nil
	})
	if err != nil {
		panic(fmt.Sprintf("pagetables: splitting [%#x, %#x): %v", start, end, err))
	}
	return true
}

// ClearBlocks removes the block-level entries for [virt, virt+length), block
// mappings and leaf tables alike, so the range can be mapped again at page
// granularity. An entry only partly inside the range is split instead, so
// that addresses outside the range keep their translation.
//
// ClearBlocks returns false if the request was dropped.
func (p *PageTables) ClearBlocks(virt, length uintptr) bool {
	start, end, ok := p.pageRange("clear", virt, length)
	if !ok {
		return false
	}
	var (
		g       = p.Opts.Geometry
		mask    = g.BlockSize() - 1
		cleared bool
	)
	err := p.walk(start, end, false, func(s, e uintptr, pte *PTE) error {
		switch {
		case pte.bits() == 0:
		case s&mask != 0 || e&mask != 0:
			if pte.IsBlock() {
				p.splitBlock(pte, s, e)
			}
		case pte.IsTable():
			p.clearPageTable(pte, s, g.blockLevel())
			cleared = true
		default:
			pte.Clear()
			cleared = true
		}
		return nil
	})
	if err != nil {
		panic(fmt.Sprintf("pagetables: clearing [%#x, %#x): %v", start, end, err))
	}
	if cleared {
		p.flushTLB()
	}
	return true
}
