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
	"errors"
	"fmt"

	"gvisor.dev/kmap/pkg/hostarch"
)

// ErrNoStaticFrames is returned when the link-time table area is used up.
var ErrNoStaticFrames = errors.New("static page table area exhausted")

// Allocator is used to allocate and map PTEs.
//
// Note that allocators may be called concurrently.
type Allocator interface {
	// NewPTEs returns a new set of zeroed PTEs and its physical address.
	NewPTEs() (*PTEs, error)

	// PhysicalFor gives the physical address for a set of PTEs.
	PhysicalFor(ptes *PTEs) uintptr

	// LookupPTEs looks up PTEs by physical address. It returns nil if no
	// directory lives at that address.
	LookupPTEs(physical uintptr) *PTEs

	// FreePTEs drops a directory that is no longer referenced. The frame
	// backing it is not returned to the pool.
	FreePTEs(ptes *PTEs)

	// AllocPhysical allocates a naturally aligned physical range that is
	// not a directory.
	AllocPhysical(size uintptr) (uintptr, error)
}

// FrameSource hands out physical memory. *bootmem.Allocator is one.
type FrameSource interface {
	Alloc(size uintptr) (uintptr, error)
}

// Arena is an Allocator that keeps every directory in a map keyed by the
// physical frame it was given by its FrameSource.
type Arena struct {
	source FrameSource
	nodes  map[uintptr]*PTEs
	phys   map[*PTEs]uintptr
}

// NewArena returns an arena drawing frames from source.
func NewArena(source FrameSource) *Arena {
	return &Arena{
		source: source,
		nodes:  make(map[uintptr]*PTEs),
		phys:   make(map[*PTEs]uintptr),
	}
}

// SetSource switches where new frames come from. Directories already
// allocated are unaffected.
func (a *Arena) SetSource(source FrameSource) {
	a.source = source
}

// NewPTEs implements Allocator.NewPTEs.
func (a *Arena) NewPTEs() (*PTEs, error) {
	phys, err := a.source.Alloc(hostarch.PageSize)
	if err != nil {
		return nil, err
	}
	if _, ok := a.nodes[phys]; ok {
		panic(fmt.Sprintf("frame %#x handed out twice", phys))
	}
	ptes := new(PTEs)
	a.nodes[phys] = ptes
	a.phys[ptes] = phys
	return ptes, nil
}

// PhysicalFor implements Allocator.PhysicalFor.
func (a *Arena) PhysicalFor(ptes *PTEs) uintptr {
	phys, ok := a.phys[ptes]
	if !ok {
		panic("directory is not part of this arena")
	}
	return phys
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *Arena) LookupPTEs(physical uintptr) *PTEs {
	return a.nodes[physical]
}

// FreePTEs implements Allocator.FreePTEs.
func (a *Arena) FreePTEs(ptes *PTEs) {
	phys := a.PhysicalFor(ptes)
	delete(a.nodes, phys)
	delete(a.phys, ptes)
}

// AllocPhysical implements Allocator.AllocPhysical.
func (a *Arena) AllocPhysical(size uintptr) (uintptr, error) {
	return a.source.Alloc(size)
}

// Len returns the number of live directories.
func (a *Arena) Len() int {
	return len(a.nodes)
}

// StaticFrames is a FrameSource over a fixed area reserved at link time, such
// as the initial page table area inside the kernel image.
type StaticFrames struct {
	next uintptr
	end  uintptr
}

// NewStaticFrames returns a source handing out the pages of
// [base, base+size) in ascending order.
func NewStaticFrames(base, size uintptr) *StaticFrames {
	return &StaticFrames{next: base, end: base + size}
}

// Alloc implements FrameSource.Alloc. Only whole pages are handed out.
func (s *StaticFrames) Alloc(size uintptr) (uintptr, error) {
	if size != hostarch.PageSize {
		return 0, fmt.Errorf("static frames serve single pages, not %#x bytes", size)
	}
	if s.next >= s.end {
		return 0, ErrNoStaticFrames
	}
	phys := s.next
	s.next += hostarch.PageSize
	return phys, nil
}

// Remaining returns the number of unused pages.
func (s *StaticFrames) Remaining() int {
	return int((s.end - s.next) / hostarch.PageSize)
}
