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

// Package bootmem provides the allocator used to build the kernel page
// tables before any general-purpose allocator exists.
//
// The allocator hands out page-granular, naturally aligned ranges of free
// physical memory, from the highest free address below its limit, and
// records each one as reserved in the memblock description. Allocating from
// the top of the window means a table needed for the tail of a region comes
// from the blocks that were just mapped below it. There is no free operation:
// allocations are permanent.
package bootmem

import (
	"errors"
	"fmt"

	"gvisor.dev/kmap/pkg/bits"
	"gvisor.dev/kmap/pkg/hostarch"
	"gvisor.dev/kmap/pkg/memblock"
)

// LimitAnywhere removes the allocation limit.
const LimitAnywhere = ^uintptr(0)

var (
	// ErrOutOfMemory is returned when no free range below the current limit
	// can satisfy a request.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrBadSize is returned for sizes that are zero or not a multiple of
	// the page size, and for alignments that are not powers of two.
	ErrBadSize = errors.New("bad allocation size")
)

// Allocator is a top-down bump allocator over free memblock ranges.
//
// Allocator is not safe for concurrent use.
type Allocator struct {
	mb *memblock.Memblock

	// limit is the exclusive upper bound of any allocation.
	limit uintptr

	// allocated is the total number of bytes handed out.
	allocated uintptr

	// count is the number of successful allocations.
	count uint64
}

// New returns an Allocator drawing from the free ranges of mb. The limit is
// initially LimitAnywhere.
func New(mb *memblock.Memblock) *Allocator {
	return &Allocator{
		mb:    mb,
		limit: LimitAnywhere,
	}
}

// SetLimit restricts future allocations to addresses below limit.
func (a *Allocator) SetLimit(limit uintptr) {
	a.limit = limit
}

// Limit returns the current limit.
func (a *Allocator) Limit() uintptr {
	return a.limit
}

// Allocated returns the number of bytes allocated so far.
func (a *Allocator) Allocated() uintptr {
	return a.allocated
}

// Count returns the number of successful allocations.
func (a *Allocator) Count() uint64 {
	return a.count
}

// Alloc allocates size bytes aligned to size, the way page table pages and
// block buffers need to be. Sizes that are not a power of two are aligned to
// the page size.
func (a *Allocator) Alloc(size uintptr) (uintptr, error) {
	align := uintptr(hostarch.PageSize)
	if bits.IsPowerOfTwo(size) && size > align {
		align = size
	}
	return a.AllocAligned(size, align)
}

// AllocAligned allocates size bytes at an address that is a multiple of
// align. The memory is reported zero-filled: callers never observe stale
// contents because the allocator carries no data of its own.
func (a *Allocator) AllocAligned(size, align uintptr) (uintptr, error) {
	if size == 0 || !bits.IsAligned(size, hostarch.PageSize) || !bits.IsPowerOfTwo(align) {
		return 0, fmt.Errorf("size %#x align %#x: %w", size, align, ErrBadSize)
	}
	if align < hostarch.PageSize {
		align = hostarch.PageSize
	}

	var free []memblock.Region
	a.mb.ForEachFree(func(r memblock.Region) bool {
		if r.Base >= a.limit {
			return false
		}
		free = append(free, r)
		return true
	})

	var (
		phys  uintptr
		found bool
	)
	for i := len(free) - 1; i >= 0 && !found; i-- {
		r := free[i]
		top := r.End()
		if a.limit < top {
			top = a.limit
		}
		if top-r.Base < size {
			continue
		}
		if start := bits.AlignDown(top-size, align); start >= r.Base {
			phys, found = start, true
		}
	}
	if !found {
		return 0, fmt.Errorf("%#x bytes below %#x: %w", size, a.limit, ErrOutOfMemory)
	}

	a.mb.Reserve(phys, size)
	a.allocated += size
	a.count++
	return phys, nil
}
