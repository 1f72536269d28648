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

package bootmem

import (
	"errors"
	"testing"

	"gvisor.dev/kmap/pkg/hostarch"
	"gvisor.dev/kmap/pkg/memblock"
)

func newPool(base uintptr, pages int) *Allocator {
	mb := memblock.New()
	mb.AddMemory(base, uintptr(pages)*hostarch.PageSize)
	return New(mb)
}

func TestExhaustion(t *testing.T) {
	const n = 8
	a := newPool(0x80000000, n)
	seen := make(map[uintptr]bool)
	for i := 0; i < n; i++ {
		phys, err := a.Alloc(hostarch.PageSize)
		if err != nil {
			t.Fatalf("allocation %d failed: %v", i, err)
		}
		if seen[phys] {
			t.Fatalf("allocation %d reused %#x", i, phys)
		}
		if phys < 0x80000000 || phys >= 0x80000000+n*hostarch.PageSize {
			t.Fatalf("allocation %d = %#x, outside the pool", i, phys)
		}
		seen[phys] = true
	}
	if phys, err := a.Alloc(hostarch.PageSize); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("allocation %d = %#x, %v, want ErrOutOfMemory", n+1, phys, err)
	}
	if got, want := a.Count(), uint64(n); got != want {
		t.Errorf("Count() = %d, want %d", got, want)
	}
	if got, want := a.Allocated(), uintptr(n*hostarch.PageSize); got != want {
		t.Errorf("Allocated() = %#x, want %#x", got, want)
	}
}

func TestBadSize(t *testing.T) {
	a := newPool(0, 4)
	for _, size := range []uintptr{0, 1, hostarch.PageSize + 1} {
		if _, err := a.Alloc(size); !errors.Is(err, ErrBadSize) {
			t.Errorf("Alloc(%#x) = %v, want ErrBadSize", size, err)
		}
	}
	if _, err := a.AllocAligned(hostarch.PageSize, 3); !errors.Is(err, ErrBadSize) {
		t.Errorf("AllocAligned(align=3) = %v, want ErrBadSize", err)
	}
}

func TestNaturalAlignment(t *testing.T) {
	mb := memblock.New()
	mb.AddMemory(0x80000000, 0x800000)
	mb.Reserve(0x80000000, 0x3000)
	a := New(mb)

	phys, err := a.Alloc(hostarch.HugePageSize)
	if err != nil {
		t.Fatalf("Alloc(2M) failed: %v", err)
	}
	if phys != 0x80600000 {
		t.Errorf("Alloc(2M) = %#x, want 0x80600000", phys)
	}

	// Pages come from directly below the block.
	phys, err = a.Alloc(hostarch.PageSize)
	if err != nil {
		t.Fatalf("Alloc(4K) failed: %v", err)
	}
	if phys != 0x805ff000 {
		t.Errorf("Alloc(4K) = %#x, want 0x805ff000", phys)
	}

	// A block that no longer fits above the reservation fails.
	mb.Reserve(0x80200000, 0x3ff000)
	if _, err := a.Alloc(hostarch.HugePageSize); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("Alloc(2M) into fragmented memory = %v, want ErrOutOfMemory", err)
	}
}

func TestLimit(t *testing.T) {
	mb := memblock.New()
	mb.AddMemory(0x80000000, 0x2000)
	mb.AddMemory(0x90000000, 0x2000)
	a := New(mb)
	a.SetLimit(0x80001000)

	phys, err := a.Alloc(hostarch.PageSize)
	if err != nil || phys != 0x80000000 {
		t.Fatalf("Alloc() = %#x, %v, want 0x80000000", phys, err)
	}
	if _, err := a.Alloc(hostarch.PageSize); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("Alloc() above limit = %v, want ErrOutOfMemory", err)
	}

	a.SetLimit(LimitAnywhere)
	for _, want := range []uintptr{0x90001000, 0x90000000, 0x80001000} {
		phys, err = a.Alloc(hostarch.PageSize)
		if err != nil || phys != want {
			t.Fatalf("Alloc() = %#x, %v, want %#x", phys, err, want)
		}
	}
	if !mb.IsReserved(0x90000000) {
		t.Errorf("allocation not recorded as reserved")
	}
}
