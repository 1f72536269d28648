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

// Package paging builds the kernel's linear map of physical memory during
// boot.
//
// Init runs the whole sequence: it programs the cache policy, builds the
// bootstrap tables inside the kernel image, maps every memory region, applies
// page-granular remaps, allocates the zero page and populates the memory map.
package paging

import (
	"errors"
	"fmt"

	"gvisor.dev/kmap/pkg/bits"
	"gvisor.dev/kmap/pkg/bootmem"
	"gvisor.dev/kmap/pkg/hostarch"
	"gvisor.dev/kmap/pkg/log"
	"gvisor.dev/kmap/pkg/memblock"
	"gvisor.dev/kmap/pkg/prot"
	"gvisor.dev/kmap/pkg/ring0"
	"gvisor.dev/kmap/pkg/ring0/pagetables"
)

// MaxContiguousAreas is the number of contiguous allocation areas that can be
// registered.
const MaxContiguousAreas = 8

// ErrTooManyAreas is returned when more than MaxContiguousAreas contiguous
// areas are registered.
var ErrTooManyAreas = errors.New("too many contiguous allocation areas")

// Config describes the machine and the kernel image.
type Config struct {
	Geometry pagetables.Geometry

	// PhysOffset is the physical address of the start of RAM.
	PhysOffset uintptr

	// PageOffset is the virtual address PhysOffset is mapped at.
	PageOffset uintptr

	// WindowStart and WindowEnd bound the virtual addresses that may be
	// mapped.
	WindowStart uintptr
	WindowEnd   uintptr

	// Memory and Reserved are the physical memory regions and the parts of
	// them already in use (firmware, device tree, initrd).
	Memory   []memblock.Region
	Reserved []memblock.Region

	// Layout holds the image zones; ImageEnd is the virtual end of the
	// image. The bootstrap tables follow the image.
	Layout   prot.ImageLayout
	ImageEnd uintptr

	// StaticTablePages is the number of pages reserved after the image for
	// the bootstrap tables. Zero picks enough for the geometry.
	StaticTablePages int

	// EarlyIOVirt is where the early console is mapped. EarlyIOPhys is its
	// device address; zero disables the mapping but still prepares the
	// directories when EarlyIOVirt is set.
	EarlyIOVirt uintptr
	EarlyIOPhys uintptr

	// VmemmapStart is the virtual base of the page descriptor array, and
	// DescriptorSize the size of one descriptor.
	VmemmapStart   uintptr
	DescriptorSize uintptr

	// ContiguousAreas are physical ranges that must be mapped with pages.
	ContiguousAreas []memblock.Region

	CachePolicy      string
	StrictProtection bool
	ForcePages       bool
	Memmap           bool
	SMP              bool
}

// MapReport lists which memory regions were mapped.
type MapReport struct {
	Mapped  []memblock.Region
	Skipped []memblock.Region
}

// Paging is the state of the boot-time memory map.
type Paging struct {
	cfg Config

	mb     *memblock.Memblock
	mem    *bootmem.Allocator
	arena  *pagetables.Arena
	static *pagetables.StaticFrames
	cpu    *ring0.CPU
	policy *prot.Policy
	pt     *pagetables.PageTables

	cache      *prot.CachePolicy
	contiguous []memblock.Region
	report     MapReport
	earlyIO    uintptr
	zeroPage   uintptr
}

// PhysToVirt returns the linear map address of phys.
func (p *Paging) PhysToVirt(phys uintptr) uintptr {
	return phys - p.cfg.PhysOffset + p.cfg.PageOffset
}

// VirtToPhys returns the physical address behind a linear map address.
func (p *Paging) VirtToPhys(virt uintptr) uintptr {
	return virt - p.cfg.PageOffset + p.cfg.PhysOffset
}

// New prepares the memory description, the CPU and the bootstrap tables, but
// does not map memory yet. Most callers want Init.
func New(cfg Config) (*Paging, error) {
	if err := cfg.Layout.Validate(); err != nil {
		return nil, err
	}
	if cfg.ImageEnd < cfg.Layout.InitEnd {
		return nil, fmt.Errorf("image end %#x is below init end %#x", cfg.ImageEnd, cfg.Layout.InitEnd)
	}
	if len(cfg.ContiguousAreas) > MaxContiguousAreas {
		return nil, fmt.Errorf("%d areas: %w", len(cfg.ContiguousAreas), ErrTooManyAreas)
	}
	for _, r := range cfg.Memory {
		if r.Base < cfg.PhysOffset {
			return nil, fmt.Errorf("memory region %v is below the start of RAM %#x", r, cfg.PhysOffset)
		}
	}
	if cfg.StaticTablePages == 0 {
		cfg.StaticTablePages = 2 * len(cfg.Geometry.Levels)
	}

	p := &Paging{
		cfg: cfg,
		mb:  memblock.New(),
		cpu: ring0.NewCPU(),
	}
	for _, r := range cfg.Memory {
		p.mb.AddMemory(r.Base, r.Size)
	}
	for _, r := range cfg.Reserved {
		p.mb.Reserve(r.Base, r.Size)
	}
	imageStart, tablesStart, tablesEnd := p.imageBounds()
	p.mb.Reserve(imageStart, tablesEnd-imageStart)
	p.mem = bootmem.New(p.mb)

	if cfg.CachePolicy != "" {
		// An unknown policy leaves the reset values in place.
		if cp, err := prot.SelectCachePolicy(p.cpu, cfg.CachePolicy); err == nil {
			p.cache = &cp
		}
	}

	p.policy = &prot.Policy{
		Layout: cfg.Layout,
		Strict: cfg.StrictProtection,
		SMP:    cfg.SMP,
		Memory: p.mb,
	}

	p.static = pagetables.NewStaticFrames(tablesStart, tablesEnd-tablesStart)
	p.arena = pagetables.NewArena(p.static)
	pt, err := pagetables.New(p.arena, pagetables.Opts{
		Geometry:    cfg.Geometry,
		WindowStart: cfg.WindowStart,
		WindowEnd:   cfg.WindowEnd,
		Offset:      cfg.PageOffset - cfg.PhysOffset,
		Policy:      p.policy,
		TLB:         p.cpu,
		Memory:      p.mb,
	})
	if err != nil {
		return nil, err
	}
	p.pt = pt

	for _, r := range cfg.ContiguousAreas {
		if err := p.ReserveContiguous(r.Base, r.Size); err != nil {
			return nil, err
		}
	}

	if err := p.bootstrap(); err != nil {
		return nil, err
	}
	p.arena.SetSource(&mappedFrames{p: p})
	return p, nil
}

// imageBounds returns the physical start of the image and the bounds of the
// bootstrap table area that follows it.
func (p *Paging) imageBounds() (imageStart, tablesStart, tablesEnd uintptr) {
	imageStart = bits.AlignDown(p.VirtToPhys(p.cfg.Layout.Text), hostarch.PageSize)
	tablesStart = bits.AlignUp(p.VirtToPhys(p.cfg.ImageEnd), hostarch.PageSize)
	tablesEnd = tablesStart + uintptr(p.cfg.StaticTablePages)*hostarch.PageSize
	return imageStart, tablesStart, tablesEnd
}

// bootstrap builds what the kernel entry code builds before any allocator
// exists: the image mapped with blocks and the directories for the early
// console, all from the static table area.
func (p *Paging) bootstrap() error {
	imageStart, _, tablesEnd := p.imageBounds()
	bs := p.cfg.Geometry.BlockSize()
	start := bits.AlignDown(imageStart, bs)
	end := bits.AlignUp(tablesEnd, bs)
	if !p.pt.Map(start, p.PhysToVirt(start), end-start, false) {
		return fmt.Errorf("kernel image [%#x, %#x) is outside the mapping window", start, end)
	}
	if p.cfg.EarlyIOVirt != 0 {
		if err := p.pt.Prepare(p.cfg.EarlyIOVirt); err != nil {
			return fmt.Errorf("early I/O directories: %w", err)
		}
		if p.cfg.EarlyIOPhys != 0 {
			virt, ok := p.pt.MapEarlyIO(p.cfg.EarlyIOPhys, p.cfg.EarlyIOVirt)
			if !ok {
				return fmt.Errorf("early I/O window at %#x", p.cfg.EarlyIOVirt)
			}
			p.earlyIO = virt
		}
	}
	p.cpu.SetTTBR1(p.pt.RootPhysical())
	log.Debugf("Bootstrap tables: image [%#x, %#x), %d static pages left", start, end, p.static.Remaining())
	return nil
}

// mappedFrames hands out memory from the boot allocator. While the allocator
// is limited to the initial window, every frame must already be reachable
// through the linear map, since the new directory is written through it.
type mappedFrames struct {
	p *Paging
}

// Alloc implements pagetables.FrameSource.Alloc.
func (m *mappedFrames) Alloc(size uintptr) (uintptr, error) {
	phys, err := m.p.mem.Alloc(size)
	if err != nil {
		return 0, err
	}
	if m.p.mem.Limit() != bootmem.LimitAnywhere {
		for _, a := range []uintptr{phys, phys + size - 1} {
			if got, _, ok := m.p.pt.Lookup(m.p.PhysToVirt(a)); !ok || got != a {
				panic(fmt.Sprintf("paging: frame %#x allocated below limit %#x is not mapped", a, m.p.mem.Limit()))
			}
		}
	}
	return phys, nil
}

// Init builds the complete boot-time memory map.
func Init(cfg Config) (*Paging, error) {
	p, err := New(cfg)
	if err != nil {
		return nil, err
	}

	p.MapMemory()
	if err := p.RemapContiguous(); err != nil {
		return nil, err
	}
	if cfg.ForcePages {
		p.RemapAllPages()
	}

	// Everything written so far must be visible to the table walker.
	p.cpu.FlushCacheAll()
	p.cpu.FlushTLBAll()

	zero, err := p.mem.Alloc(hostarch.PageSize)
	if err != nil {
		panic(fmt.Sprintf("paging: allocating the zero page: %v", err))
	}
	p.zeroPage = zero

	if cfg.Memmap {
		if err := p.PopulateMemmap(); err != nil {
			return nil, err
		}
	}

	// Nothing may be walked through the lower half from now on.
	p.cpu.SetReservedTTBR0(p.zeroPage)
	p.cpu.FlushTLBAll()

	s := p.pt.Stats()
	log.Infof("Memory map: %d regions mapped, %d skipped, %d tables, %d blocks, %d pages", len(p.report.Mapped), len(p.report.Skipped), s.Tables, s.Blocks, s.Pages)
	return p, nil
}

// MapMemory maps every memory region at its linear address.
//
// Until the first region is mapped, directories may only come from the
// initial window that the bootstrap tables can reach. A region that cannot
// be mapped is skipped and reported.
func (p *Paging) MapMemory() MapReport {
	bs := p.cfg.Geometry.BlockSize()
	span := p.cfg.Geometry.InitialSpan()
	limit := bits.AlignDown(p.cfg.PhysOffset, span) + span
	p.mem.SetLimit(limit)

	first := true
	p.mb.ForEachMemory(func(r memblock.Region) bool {
		start, end := r.Base, r.End()
		if start >= end {
			return true
		}
		if first {
			first = false
			if start < limit {
				start = bits.AlignUp(start, bs)
			}
			if end < limit {
				limit = end &^ (bs - 1)
				p.mem.SetLimit(limit)
			}
		}
		if start >= end {
			log.Warningf("Memory region %v has no block-aligned part, not mapping it", r)
			p.report.Skipped = append(p.report.Skipped, r)
			return true
		}
		if !p.pt.Map(start, p.PhysToVirt(start), end-start, false) {
			log.Warningf("Memory region %v is outside the mapping window, skipping it", r)
			p.report.Skipped = append(p.report.Skipped, r)
			return true
		}
		p.report.Mapped = append(p.report.Mapped, memblock.Region{Base: start, Size: end - start})
		return true
	})

	p.mem.SetLimit(bootmem.LimitAnywhere)
	return p.report
}

// RemapAsPages replaces the linear mapping of [phys, phys+size) with page
// mappings. Block entries for the range are dropped first so that no block
// alias of the range survives.
func (p *Paging) RemapAsPages(phys, size uintptr) bool {
	virt := p.PhysToVirt(phys)
	if !p.pt.ClearBlocks(virt, size) {
		return false
	}
	return p.pt.Map(phys, virt, size, true)
}

// ReserveContiguous registers a contiguous allocation area. It is remapped
// with pages by RemapContiguous.
func (p *Paging) ReserveContiguous(base, size uintptr) error {
	if len(p.contiguous) >= MaxContiguousAreas {
		return fmt.Errorf("area [%#x, +%#x): %w", base, size, ErrTooManyAreas)
	}
	p.contiguous = append(p.contiguous, memblock.Region{Base: base, Size: size})
	return nil
}

// RemapContiguous maps every registered contiguous area with pages.
func (p *Paging) RemapContiguous() error {
	for _, r := range p.contiguous {
		if !p.RemapAsPages(r.Base, r.Size) {
			return fmt.Errorf("remapping contiguous area %v: %w", r, pagetables.ErrOutsideWindow)
		}
		log.Debugf("Remapped contiguous area %v with pages", r)
	}
	return nil
}

// RemapAllPages splits the mapping of every mapped region down to pages.
func (p *Paging) RemapAllPages() {
	for _, r := range p.report.Mapped {
		p.pt.SplitToPages(p.PhysToVirt(r.Base), r.Size)
	}
}

// PopulateMemmap backs the page descriptors of every memory region.
func (p *Paging) PopulateMemmap() error {
	base := p.cfg.PhysOffset >> hostarch.PageShift
	var err error
	p.mb.ForEachMemory(func(r memblock.Region) bool {
		start := p.cfg.VmemmapStart + ((r.Base>>hostarch.PageShift)-base)*p.cfg.DescriptorSize
		end := p.cfg.VmemmapStart + ((r.End()>>hostarch.PageShift)-base)*p.cfg.DescriptorSize
		if err = p.pt.PopulateMetadata(start, end); err != nil {
			err = fmt.Errorf("memory map for %v: %w", r, err)
			return false
		}
		return true
	})
	return err
}

// KernAddrValid returns true if virt is a mapped kernel address backed by
// memory.
func (p *Paging) KernAddrValid(virt uintptr) bool {
	// Entries outside the window may alias populated slots.
	if !p.pt.Window().Contains(hostarch.Addr(virt)) {
		return false
	}
	phys, _, ok := p.pt.Lookup(virt)
	return ok && p.mb.IsMemory(phys)
}

// FreeInitMem releases the init zone: it becomes plain data, and its pages
// are rewritten with the new attributes.
func (p *Paging) FreeInitMem() bool {
	p.policy.ReleaseInit()
	l := p.cfg.Layout
	if l.InitEnd == l.InitBegin {
		return true
	}
	size := l.InitEnd - l.InitBegin
	return p.pt.SplitToPages(l.InitBegin, size) && p.pt.Map(p.VirtToPhys(l.InitBegin), l.InitBegin, size, true)
}

// PhysMemAccess returns the attributes for mapping phys through the memory
// device.
func (p *Paging) PhysMemAccess(phys uintptr, sync bool) pagetables.MapOpts {
	return p.policy.PhysMemAccess(phys, sync, p.policy.Default())
}

// ZeroPage returns the physical address of the zero page.
func (p *Paging) ZeroPage() uintptr {
	return p.zeroPage
}

// EarlyIO returns the virtual address of the early console, or zero.
func (p *Paging) EarlyIO() uintptr {
	return p.earlyIO
}

// Report returns the result of MapMemory.
func (p *Paging) Report() MapReport {
	return p.report
}

// CachePolicy returns the selected cache policy, or nil if none was.
func (p *Paging) CachePolicy() *prot.CachePolicy {
	return p.cache
}

// PageTables returns the kernel page tables.
func (p *Paging) PageTables() *pagetables.PageTables {
	return p.pt
}

// CPU returns the boot CPU.
func (p *Paging) CPU() *ring0.CPU {
	return p.cpu
}

// Memblock returns the physical memory description.
func (p *Paging) Memblock() *memblock.Memblock {
	return p.mb
}

// Allocator returns the boot allocator.
func (p *Paging) Allocator() *bootmem.Allocator {
	return p.mem
}

// Policy returns the protection policy.
func (p *Paging) Policy() *prot.Policy {
	return p.policy
}
