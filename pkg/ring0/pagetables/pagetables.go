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

// Package pagetables builds the kernel's multi-level translation tables.
//
// The tables are populated once, during boot, by a single writer. Requests
// outside the configured virtual window are logged and dropped, running out
// of memory on the boot path panics, and so does any inconsistency found in
// the tables themselves.
package pagetables

import (
	"errors"
	"fmt"
	"time"

	"gvisor.dev/kmap/pkg/hostarch"
	"gvisor.dev/kmap/pkg/log"
	"gvisor.dev/kmap/pkg/metric"
)

var (
	// ErrNoMemory is returned by the fallible population paths when a
	// directory or backing block cannot be allocated.
	ErrNoMemory = errors.New("out of memory for page tables")

	// ErrOutsideWindow is returned for requests outside the window.
	ErrOutsideWindow = errors.New("address range outside the mapping window")
)

var (
	tablesAllocated = metric.MustCreateNewUint64Metric("/kmap/tables", true, "Number of page table directories allocated.")
	mappings        = metric.MustCreateNewUint64Metric("/kmap/mappings", true, "Number of mappings installed.", metric.NewField("granularity", "block", "page"))
	blocksSplit     = metric.MustCreateNewUint64Metric("/kmap/splits", true, "Number of block mappings replaced by page tables.")
	rejected        = metric.MustCreateNewUint64Metric("/kmap/rejected", true, "Number of requests dropped for addresses outside the window.")
)

// Policy chooses the attributes of new mappings.
type Policy interface {
	// Classify returns the attributes for a kernel mapping of virt.
	Classify(virt uintptr) MapOpts

	// Default returns the plain kernel data attributes.
	Default() MapOpts

	// Device returns the attributes for device I/O.
	Device() MapOpts
}

// TLB is where translation cache invalidations are sent.
type TLB interface {
	FlushTLBAll()
}

// Memory reports whether a physical address is backed by memory.
type Memory interface {
	IsMemory(phys uintptr) bool
}

// Opts are the construction options for PageTables.
type Opts struct {
	Geometry Geometry

	// WindowStart and WindowEnd bound the virtual addresses that may be
	// populated. WindowEnd is exclusive.
	WindowStart uintptr
	WindowEnd   uintptr

	// Offset is the distance of the linear map: a physical address p is
	// mapped at p+Offset.
	Offset uintptr

	Policy Policy
	TLB    TLB
	Memory Memory
}

// Stats counts what one set of tables did.
type Stats struct {
	Tables   int
	Blocks   int
	Pages    int
	Splits   int
	Rejected int
}

// PageTables is a set of page tables.
type PageTables struct {
	// Allocator is used to allocate nodes.
	Allocator Allocator

	Opts

	// root is the top directory. It is allocated first, so it comes from
	// the static area when the allocator starts out with one.
	root         *PTEs
	rootPhysical uintptr

	// owners records the entry that references each directory, keyed by
	// the directory's physical address.
	owners map[uintptr]*PTE

	warn  *log.RateLimited
	stats Stats
}

// New returns new PageTables.
func New(a Allocator, opts Opts) (*PageTables, error) {
	if err := opts.Geometry.Validate(); err != nil {
		return nil, err
	}
	if opts.WindowEnd <= opts.WindowStart || opts.WindowStart < opts.Geometry.KernelBase() {
		return nil, fmt.Errorf("window [%#x, %#x) is not inside the %d-bit kernel half", opts.WindowStart, opts.WindowEnd, opts.Geometry.VABits())
	}
	p := &PageTables{
		Allocator: a,
		Opts:      opts,
		owners:    make(map[uintptr]*PTE),
		warn:      log.BasicRateLimitedLogger(time.Second),
	}
	root, err := a.NewPTEs()
	if err != nil {
		return nil, fmt.Errorf("allocating top directory: %w", err)
	}
	p.root = root
	p.rootPhysical = a.PhysicalFor(root)
	return p, nil
}

// RootPhysical returns the physical address of the top directory.
func (p *PageTables) RootPhysical() uintptr {
	return p.rootPhysical
}

// Stats returns the counts accumulated so far.
func (p *PageTables) Stats() Stats {
	return p.stats
}

// Geometry returns the shape of the hierarchy.
func (p *PageTables) Geometry() Geometry {
	return p.Opts.Geometry
}

// Window is the range of virtual addresses that may be populated.
func (p *PageTables) Window() hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.Addr(p.WindowStart), End: hostarch.Addr(p.WindowEnd)}
}

// reject counts and logs a dropped request.
func (p *PageTables) reject(op string, virt, length uintptr) {
	p.stats.Rejected++
	rejected.Increment()
	p.warn.Warningf("pagetables: ignoring %s of [%#x, +%#x): outside window %v", op, virt, length, p.Window())
}

// pageRange page-aligns a request and checks it against the window.
func (p *PageTables) pageRange(op string, virt, length uintptr) (start, end uintptr, ok bool) {
	r := hostarch.AddrRange{Start: hostarch.Addr(virt).RoundDown()}
	r.End, ok = hostarch.Addr(virt).AddLength(length)
	if ok {
		r.End, ok = r.End.RoundUp()
	}
	if !ok || !p.Window().IsSupersetOf(r) {
		p.reject(op, virt, length)
		return 0, 0, false
	}
	return uintptr(r.Start), uintptr(r.End), true
}

// flushTLB invalidates cached translations after a live entry changed.
func (p *PageTables) flushTLB() {
	if p.TLB != nil {
		p.TLB.FlushTLBAll()
	}
}

// newTable allocates a directory and references it from pte.
func (p *PageTables) newTable(pte *PTE) (*PTEs, error) {
	ptes, err := p.Allocator.NewPTEs()
	if err != nil {
		return nil, err
	}
	p.setPageTable(pte, ptes)
	p.stats.Tables++
	tablesAllocated.Increment()
	return ptes, nil
}

// setPageTable points pte at child. A directory has exactly one owner.
func (p *PageTables) setPageTable(pte *PTE, child *PTEs) {
	phys := p.Allocator.PhysicalFor(child)
	if owner, ok := p.owners[phys]; ok {
		panic(fmt.Sprintf("pagetables: directory %#x already referenced by %v", phys, owner))
	}
	p.owners[phys] = pte
	pte.setTable(phys)
}

// getPageTable returns the directory referenced by pte, which must be a
// table reference.
func (p *PageTables) getPageTable(pte *PTE, va uintptr, level int) *PTEs {
	phys := pte.Address()
	child := p.Allocator.LookupPTEs(phys)
	if child == nil || p.owners[phys] != pte {
		panic(fmt.Sprintf("pagetables: level %d entry for %#x references unknown directory %#x", level, va, phys))
	}
	return child
}

// clearPageTable clears pte, then drops the directory it referenced.
func (p *PageTables) clearPageTable(pte *PTE, va uintptr, level int) {
	child := p.getPageTable(pte, va, level)
	pte.Clear()
	p.releasePageTable(child)
}

// releasePageTable forgets the owner of child and frees it. The owning entry
// must already point elsewhere.
func (p *PageTables) releasePageTable(child *PTEs) {
	delete(p.owners, p.Allocator.PhysicalFor(child))
	p.Allocator.FreePTEs(child)
}

// Map installs a linear mapping of [virt, virt+length) to phys.
//
// Blocks are used wherever virtual address, physical address and the
// remaining length allow it, unless forcePages is set. Missing directories
// are allocated, and failure to do so panics. Pages requested inside an
// existing block split that block first.
//
// Map returns false if the request was dropped.
func (p *PageTables) Map(phys, virt, length uintptr, forcePages bool) bool {
	start, end, ok := p.pageRange("map", virt, length)
	if !ok {
		return false
	}
	phys &^= hostarch.PageSize - 1

	var (
		g         = p.Opts.Geometry
		blockMask = g.BlockSize() - 1
		leaf      = g.leafLevel()
		stale     bool
	)
	err := p.walk(start, end, true, func(s, e uintptr, pte *PTE) error {
		pa := phys + (s - start)
		if !forcePages && (s|e|pa)&blockMask == 0 {
			old := pte.bits()
			var child *PTEs
			if pte.IsTable() {
				child = p.getPageTable(pte, s, g.blockLevel())
			}
			// One store replaces the old entry. The leaf is freed after.
			pte.SetBlock(pa, p.Policy.Classify(s))
			if child != nil {
				p.releasePageTable(child)
			}
			p.stats.Blocks++
			mappings.Increment("block")
			if old != 0 {
				p.flushTLB()
			}
			return nil
		}

		var ptes *PTEs
		switch {
		case pte.IsTable():
			ptes = p.getPageTable(pte, s, g.blockLevel())
		case pte.bits() == 0:
			var err error
			if ptes, err = p.newTable(pte); err != nil {
				return err
			}
		case pte.IsBlock():
			// Pages inside an existing block: split it so the rest of the
			// block keeps its translation, then overwrite the range.
			p.splitBlock(pte, s, e)
			ptes = p.getPageTable(pte, s, g.blockLevel())
		default:
			panic(fmt.Sprintf("pagetables: cannot map pages at %#x over %v", s, pte))
		}
		for va := s; va < e; va, pa = va+hostarch.PageSize, pa+hostarch.PageSize {
			entry := &ptes[g.index(leaf, va)]
			old := entry.bits()
			if old != 0 && old&typeValid == 0 {
				panic(fmt.Sprintf("pagetables: corrupt leaf entry %v at %#x", entry, va))
			}
			entry.SetPage(pa, p.Policy.Classify(va))
			if old != 0 && old != entry.bits() {
				stale = true
			}
		}
		n := int((e - s) / hostarch.PageSize)
		p.stats.Pages += n
		mappings.IncrementBy(uint64(n), "page")
		return nil
	})
	if err != nil {
		panic(fmt.Sprintf("pagetables: mapping [%#x, %#x): %v", start, end, err))
	}
	if stale {
		p.flushTLB()
	}
	return true
}

// Prepare allocates the directories above the block level for virt without
// installing any mapping.
func (p *PageTables) Prepare(virt uintptr) error {
	bs := p.Opts.Geometry.BlockSize()
	start := virt &^ (bs - 1)
	end, ok := hostarch.Addr(start).AddLength(bs)
	if !ok || !p.Window().IsSupersetOf(hostarch.AddrRange{Start: hostarch.Addr(start), End: end}) {
		return fmt.Errorf("preparing %#x: %w", virt, ErrOutsideWindow)
	}
	return p.walk(start, start+bs, true, func(uintptr, uintptr, *PTE) error { return nil })
}
