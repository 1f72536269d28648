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

package paging

import (
	"errors"
	"fmt"
	"testing"

	"gvisor.dev/kmap/pkg/hostarch"
	"gvisor.dev/kmap/pkg/log"
	"gvisor.dev/kmap/pkg/memblock"
	"gvisor.dev/kmap/pkg/prot"
	"gvisor.dev/kmap/pkg/ring0/pagetables"
)

const (
	physOffset = 0x80000000
	pageOffset = 0xffffffc000000000
	windowEnd  = 0xffffffffffe00000
	ioVirt     = 0xfffffffffe000000
	ioPhys     = 0x09000000
	vmemmap    = 0xffffffbc00000000

	blockSize = hostarch.HugePageSize
	pageSize  = hostarch.PageSize
)

// testConfig describes 256M of RAM at the start of physical memory and 64M
// plus three pages above 4G. The image zones are block aligned.
func testConfig(t *testing.T, geometry string) Config {
	t.Helper()
	g, err := pagetables.LookupGeometry(geometry)
	if err != nil {
		t.Fatalf("LookupGeometry: %v", err)
	}
	text := uintptr(pageOffset + blockSize)
	return Config{
		Geometry:    g,
		PhysOffset:  physOffset,
		PageOffset:  pageOffset,
		WindowStart: g.KernelBase(),
		WindowEnd:   windowEnd,
		Memory: []memblock.Region{
			{Base: physOffset, Size: 256 << 20},
			{Base: 0x100000000, Size: 64<<20 + 3*pageSize},
		},
		Reserved: []memblock.Region{
			{Base: physOffset, Size: 0x10000},
		},
		Layout: prot.ImageLayout{
			Text:      text,
			Rodata:    text + 2*blockSize,
			InitBegin: text + 3*blockSize,
			InitEnd:   text + 4*blockSize,
		},
		ImageEnd:         text + 5*blockSize,
		EarlyIOVirt:      ioVirt,
		EarlyIOPhys:      ioPhys,
		VmemmapStart:     vmemmap,
		DescriptorSize:   64,
		StrictProtection: true,
		SMP:              true,
	}
}

// logToTest sends global log output to t for the rest of the test.
func logToTest(t *testing.T) {
	prev := log.Log().Emitter
	log.SetTarget(&log.TestEmitter{TestLogger: t})
	t.Cleanup(func() { log.SetTarget(prev) })
}

func mustInit(t *testing.T, cfg Config) *Paging {
	t.Helper()
	logToTest(t)
	p, err := Init(cfg)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return p
}

func TestCoverage(t *testing.T) {
	for _, geometry := range pagetables.GeometryNames() {
		t.Run(geometry, func(t *testing.T) {
			cfg := testConfig(t, geometry)
			p := mustInit(t, cfg)
			for _, r := range cfg.Memory {
				for phys := r.Base; phys < r.End(); phys += pageSize {
					virt := p.PhysToVirt(phys)
					got, _, ok := p.PageTables().Lookup(virt)
					if !ok || got != phys {
						t.Fatalf("Lookup(%#x) = %#x, %t, want %#x", virt, got, ok, phys)
					}
					if !p.KernAddrValid(virt) {
						t.Fatalf("KernAddrValid(%#x) = false", virt)
					}
				}
			}
		})
	}
}

func TestMapReport(t *testing.T) {
	cfg := testConfig(t, "4k-39")
	far := memblock.Region{Base: 0x4080000000, Size: blockSize}
	cfg.Memory = append(cfg.Memory, far)
	p := mustInit(t, cfg)

	r := p.Report()
	if len(r.Mapped) != 2 {
		t.Errorf("mapped %v, want the two low regions", r.Mapped)
	}
	if len(r.Skipped) != 1 || r.Skipped[0] != far {
		t.Errorf("skipped %v, want [%v]", r.Skipped, far)
	}
}

func TestOnlyFirstRegionAlignedUp(t *testing.T) {
	cfg := testConfig(t, "4k-39")
	cfg.Reserved = nil
	cfg.Memory = []memblock.Region{
		{Base: physOffset + pageSize, Size: 256<<20 - pageSize},
		{Base: 0xa0000000 + pageSize, Size: 8 << 20},
	}
	p := mustInit(t, cfg)

	mapped := p.Report().Mapped
	if len(mapped) != 2 {
		t.Fatalf("mapped %v, want both regions", mapped)
	}
	if got := mapped[0].Base; got != physOffset+blockSize {
		t.Errorf("first region mapped from %#x, want %#x", got, physOffset+blockSize)
	}
	if p.KernAddrValid(p.PhysToVirt(physOffset + pageSize)) {
		t.Errorf("first page of the first region is mapped")
	}
	if got := mapped[1].Base; got != 0xa0000000+pageSize {
		t.Errorf("second region mapped from %#x, want %#x", got, 0xa0000000+pageSize)
	}
	if !p.KernAddrValid(p.PhysToVirt(0xa0000000 + pageSize)) {
		t.Errorf("first page of the second region is not mapped")
	}
}

func TestLargeFirstRegion(t *testing.T) {
	// The first region runs past the initial window, so a directory for
	// the next gigabyte is allocated while the limit is in force.
	for _, geometry := range pagetables.GeometryNames() {
		t.Run(geometry, func(t *testing.T) {
			cfg := testConfig(t, geometry)
			cfg.Memory = []memblock.Region{{Base: physOffset, Size: 1<<30 + blockSize + pageSize}}
			p := mustInit(t, cfg)
			last := uintptr(physOffset + 1<<30 + blockSize)
			if !p.KernAddrValid(p.PhysToVirt(last)) {
				t.Errorf("last page %#x is not mapped", last)
			}
		})
	}
}

func TestRegionEndsInsideImageBlock(t *testing.T) {
	// The image ends at 12M, so the bootstrap maps [12M, 14M) as a block
	// for the static tables. Memory stops at 13M, and the tail has to be
	// mapped with pages inside that block.
	for _, geometry := range pagetables.GeometryNames() {
		t.Run(geometry, func(t *testing.T) {
			cfg := testConfig(t, geometry)
			cfg.Memory = []memblock.Region{{Base: physOffset, Size: 13 << 20}}
			p := mustInit(t, cfg)
			for _, phys := range []uintptr{physOffset + 12<<20, physOffset + 13<<20 - pageSize} {
				if !p.KernAddrValid(p.PhysToVirt(phys)) {
					t.Errorf("KernAddrValid(%#x) = false, want true", p.PhysToVirt(phys))
				}
			}
			if p.KernAddrValid(p.PhysToVirt(physOffset + 13<<20)) {
				t.Errorf("address past the end of memory is valid")
			}
			if got := p.PageTables().Stats().Splits; got != 1 {
				t.Errorf("Splits = %d, want 1", got)
			}
		})
	}
}

func TestFrameOutsideMappedWindowPanics(t *testing.T) {
	p, err := New(testConfig(t, "4k-39"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Only the image is mapped; the top of the first region is not.
	p.Allocator().SetLimit(physOffset + 256<<20)
	defer func() {
		if recover() == nil {
			t.Errorf("allocating an unmapped directory frame did not panic")
		}
	}()
	p.PageTables().Map(0x100000000, p.PhysToVirt(0x100000000), pageSize, false)
}

func TestKernAddrValid(t *testing.T) {
	cfg := testConfig(t, "4k-39")
	p := mustInit(t, cfg)
	for _, tc := range []struct {
		virt uintptr
		want bool
	}{
		{pageOffset, true},
		{pageOffset + 256<<20 - 1, true},
		{pageOffset + 256<<20, false},
		{cfg.WindowStart - 1, false},
		{cfg.WindowStart, false},
		{windowEnd, false},
		{^uintptr(0), false},
		// Mapped, but not memory.
		{ioVirt, false},
	} {
		if got := p.KernAddrValid(tc.virt); got != tc.want {
			t.Errorf("KernAddrValid(%#x) = %t, want %t", tc.virt, got, tc.want)
		}
	}
}

func TestKernAddrValidOutsideWindow(t *testing.T) {
	// With 39 address bits, an address one window size below pageOffset
	// has the index bits of pageOffset, so a bare walk from the root finds
	// the first memory block there.
	p := mustInit(t, testConfig(t, "4k-39"))
	alias := uintptr(pageOffset - 1<<39)
	if p.PageTables().Window().Contains(hostarch.Addr(alias)) {
		t.Fatalf("%#x is inside the window %v", alias, p.PageTables().Window())
	}
	if phys, _, ok := p.PageTables().Lookup(alias); !ok || phys != physOffset {
		t.Fatalf("Lookup(%#x) = %#x, %t, want the block at %#x", alias, phys, ok, uintptr(physOffset))
	}
	if p.KernAddrValid(alias) {
		t.Errorf("KernAddrValid(%#x) = true for an address outside the window", alias)
	}
}

func TestZeroPage(t *testing.T) {
	p := mustInit(t, testConfig(t, "4k-48"))
	zero := p.ZeroPage()
	if zero == 0 || zero%pageSize != 0 || !p.Memblock().IsReserved(zero) {
		t.Errorf("ZeroPage() = %#x, want a reserved page", zero)
	}
	if p.CPU().TTBR0() != zero {
		t.Errorf("TTBR0 = %#x, want the zero page %#x", p.CPU().TTBR0(), zero)
	}
	if p.CPU().TTBR1() != p.PageTables().RootPhysical() {
		t.Errorf("TTBR1 = %#x, want the root %#x", p.CPU().TTBR1(), p.PageTables().RootPhysical())
	}
	if p.CPU().CacheFlushes() == 0 || p.CPU().TLBFlushes() < 2 {
		t.Errorf("Init did not flush: %d cache, %d TLB", p.CPU().CacheFlushes(), p.CPU().TLBFlushes())
	}
}

func TestRootIsStatic(t *testing.T) {
	cfg := testConfig(t, "4k-39")
	p := mustInit(t, cfg)
	_, tablesStart, tablesEnd := p.imageBounds()
	if root := p.PageTables().RootPhysical(); root != tablesStart {
		t.Errorf("root at %#x, want the first static page %#x (area ends %#x)", root, tablesStart, tablesEnd)
	}
}

func TestEarlyIO(t *testing.T) {
	p := mustInit(t, testConfig(t, "4k-39"))
	if p.EarlyIO() != ioVirt {
		t.Fatalf("EarlyIO() = %#x, want %#x", p.EarlyIO(), uintptr(ioVirt))
	}
	phys, opts, ok := p.PageTables().Lookup(ioVirt + 0x40)
	if !ok || phys != ioPhys+0x40 || opts.MemoryType != hostarch.MemoryTypeDeviceNGnRE {
		t.Errorf("Lookup(early I/O) = %#x, %v, %t", phys, opts, ok)
	}
}

func TestCachePolicy(t *testing.T) {
	cfg := testConfig(t, "4k-39")
	cfg.CachePolicy = "writethrough"
	p := mustInit(t, cfg)
	if cp := p.CachePolicy(); cp == nil || cp.Name != "writethrough" {
		t.Errorf("CachePolicy() = %v, want writethrough", cp)
	}
	if got := p.CPU().MAIRAttr(hostarch.MemoryTypeNormal); got != 0xaa {
		t.Errorf("normal MAIR attr = %#x, want 0xaa", got)
	}

	cfg.CachePolicy = "bogus"
	p = mustInit(t, cfg)
	if cp := p.CachePolicy(); cp != nil {
		t.Errorf("CachePolicy() = %v for an unknown name", cp)
	}
}

func TestStrictZoning(t *testing.T) {
	cfg := testConfig(t, "4k-39")
	p := mustInit(t, cfg)
	l := cfg.Layout
	for _, tc := range []struct {
		virt uintptr
		want hostarch.AccessType
	}{
		{pageOffset, hostarch.ReadWrite},
		{l.Text, hostarch.ReadExecute},
		{l.Rodata, hostarch.Read},
		{l.InitBegin, hostarch.ReadExecute},
		{l.InitEnd, hostarch.ReadWrite},
	} {
		_, opts, ok := p.PageTables().Lookup(tc.virt)
		if !ok || opts.AccessType != tc.want {
			t.Errorf("Lookup(%#x) = %v, %t, want %v", tc.virt, opts.AccessType, ok, tc.want)
		}
	}

	if !p.FreeInitMem() {
		t.Fatalf("FreeInitMem dropped")
	}
	_, opts, _ := p.PageTables().Lookup(l.InitBegin + pageSize)
	if opts.AccessType != hostarch.ReadWrite {
		t.Errorf("init zone after release = %v, want %v", opts.AccessType, hostarch.ReadWrite)
	}
	_, opts, _ = p.PageTables().Lookup(l.Text)
	if opts.AccessType != hostarch.ReadExecute {
		t.Errorf("text after init release = %v, want %v", opts.AccessType, hostarch.ReadExecute)
	}
}

// mappingsIn returns the mappings intersecting [start, end).
func mappingsIn(p *Paging, start, end uintptr) []pagetables.Mapping {
	var ms []pagetables.Mapping
	p.PageTables().ForEachMapping(start, end, func(m pagetables.Mapping) bool {
		ms = append(ms, m)
		return true
	})
	return ms
}

func TestRemapContiguous(t *testing.T) {
	cfg := testConfig(t, "4k-39")
	area := memblock.Region{Base: physOffset + 64<<20, Size: 4 << 20}
	cfg.ContiguousAreas = []memblock.Region{area}
	p := mustInit(t, cfg)

	start := p.PhysToVirt(area.Base)
	ms := mappingsIn(p, start, start+area.Size)
	if len(ms) != int(area.Size/pageSize) {
		t.Errorf("contiguous area has %d mappings, want %d pages", len(ms), area.Size/pageSize)
	}
	for _, m := range ms {
		if m.Size != pageSize || m.Phys != p.VirtToPhys(m.Virt) {
			t.Fatalf("bad mapping %+v in contiguous area", m)
		}
	}
	// Neighbours are still blocks.
	if ms := mappingsIn(p, start-blockSize, start); len(ms) != 1 || ms[0].Size != blockSize {
		t.Errorf("mapping below the area = %+v, want one block", ms)
	}
}

func TestTooManyContiguousAreas(t *testing.T) {
	cfg := testConfig(t, "4k-39")
	for i := 0; i <= MaxContiguousAreas; i++ {
		cfg.ContiguousAreas = append(cfg.ContiguousAreas, memblock.Region{Base: physOffset + uintptr(i+8)*blockSize, Size: blockSize})
	}
	if _, err := New(cfg); !errors.Is(err, ErrTooManyAreas) {
		t.Errorf("New = %v, want ErrTooManyAreas", err)
	}

	cfg.ContiguousAreas = cfg.ContiguousAreas[:MaxContiguousAreas]
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.ReserveContiguous(physOffset+64<<20, blockSize); !errors.Is(err, ErrTooManyAreas) {
		t.Errorf("ReserveContiguous = %v, want ErrTooManyAreas", err)
	}
}

func TestForcePages(t *testing.T) {
	cfg := testConfig(t, "4k-48")
	cfg.ForcePages = true
	cfg.Memmap = true
	p := mustInit(t, cfg)
	for _, r := range p.Report().Mapped {
		for _, m := range mappingsIn(p, p.PhysToVirt(r.Base), p.PhysToVirt(r.End())) {
			if m.Size != pageSize {
				t.Fatalf("block %+v left in %v", m, r)
			}
		}
	}
	if !p.KernAddrValid(pageOffset + 100<<20) {
		t.Errorf("memory not mapped after forcing pages")
	}
	// Forcing pages covers the linear map only. The page descriptor array
	// is still backed by blocks.
	ms := mappingsIn(p, vmemmap, vmemmap+1<<30)
	if len(ms) == 0 {
		t.Fatalf("no memory map")
	}
	for _, m := range ms {
		if m.Size != blockSize {
			t.Errorf("memory map mapping %+v is not a block", m)
		}
	}
}

func TestPopulateMemmap(t *testing.T) {
	cfg := testConfig(t, "4k-39")
	cfg.Memmap = true
	p := mustInit(t, cfg)

	ms := mappingsIn(p, vmemmap, vmemmap+1<<30)
	// 64K descriptors for the first region fill two blocks; the second
	// region's descriptors fit in one.
	if len(ms) != 3 {
		t.Fatalf("memory map has %d blocks, want 3: %+v", len(ms), ms)
	}
	second := uintptr(vmemmap + ((0x100000000-physOffset)>>hostarch.PageShift)*64)
	if ms[0].Virt != vmemmap || ms[2].Virt != second {
		t.Errorf("memory map blocks at %#x and %#x, want %#x and %#x", ms[0].Virt, ms[2].Virt, uintptr(vmemmap), second)
	}
	for _, m := range ms {
		if m.Size != blockSize || !p.Memblock().IsReserved(m.Phys) {
			t.Errorf("bad memory map block %+v", m)
		}
	}
}

func TestPopulateMemmapOutOfMemory(t *testing.T) {
	cfg := testConfig(t, "4k-39")
	cfg.Memory = []memblock.Region{{Base: physOffset, Size: 16 << 20}}
	cfg.Memmap = true
	// Leave less than one free block.
	cfg.Reserved = []memblock.Region{
		{Base: physOffset, Size: blockSize - 16*pageSize},
		{Base: physOffset + 12<<20, Size: 4 << 20},
	}
	_, err := Init(cfg)
	if !errors.Is(err, pagetables.ErrNoMemory) {
		t.Errorf("Init = %v, want ErrNoMemory", err)
	}
}

func TestPhysMemAccess(t *testing.T) {
	p := mustInit(t, testConfig(t, "4k-39"))
	if got := p.PhysMemAccess(ioPhys, false).MemoryType; got != hostarch.MemoryTypeDeviceNGnRnE {
		t.Errorf("device frame = %v, want uncached", got)
	}
	if got := p.PhysMemAccess(physOffset+0x100000, true).MemoryType; got != hostarch.MemoryTypeWriteCombine {
		t.Errorf("sync memory frame = %v, want write-combine", got)
	}
}

func TestConfigErrors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
	}{
		{"layout", func(c *Config) { c.Layout.Rodata = c.Layout.Text - 1 }},
		{"image end", func(c *Config) { c.ImageEnd = c.Layout.InitBegin }},
		{"memory below RAM", func(c *Config) { c.Memory = append(c.Memory, memblock.Region{Base: 0x1000, Size: pageSize}) }},
		{"window", func(c *Config) { c.WindowStart = 0 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t, "4k-39")
			tc.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Errorf("New accepted a bad %s", tc.name)
			}
		})
	}
}

func ExamplePaging_PhysToVirt() {
	p := &Paging{cfg: Config{PhysOffset: physOffset, PageOffset: pageOffset}}
	fmt.Printf("%#x\n", p.PhysToVirt(0x80200000))
	// Output: 0xffffffc000200000
}
