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

// Package hostarch describes the machine the kernel linear map is built for:
// granule sizes, addresses and access types.
package hostarch

import (
	"fmt"

	"gvisor.dev/kmap/pkg/bits"
)

const (
	// PageShift is the binary log of the translation granule.
	PageShift = 12

	// PageSize is the translation granule (the base page size).
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of a block mapping at the level
	// immediately above the leaf: PageShift + (PageShift - 3).
	HugePageShift = 21

	// HugePageSize is the size of such a block mapping.
	HugePageSize = 1 << HugePageShift
)

// Addr is a virtual or physical address.
type Addr uintptr

// AddLength returns v+length. ok is false if the sum wraps, including a sum
// of exactly zero: no mapped range ends at the top of the address space.
func (v Addr) AddLength(length uintptr) (end Addr, ok bool) {
	end = v + Addr(length)
	return end, end > v || length == 0
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return bits.AlignDown(v, PageSize)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = bits.AlignUp(v, PageSize)
	ok = addr >= v
	return
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uintptr(v))
}

// AddrRange is a half-open range of addresses.
type AddrRange struct {
	// Start is the inclusive start of the range.
	Start Addr

	// End is the exclusive end of the range.
	End Addr
}

// Contains returns true if r contains x.
func (r AddrRange) Contains(x Addr) bool {
	return r.Start <= x && x < r.End
}

// IsSupersetOf returns true if r is a superset of r2; that is, the range r2
// is contained within r.
func (r AddrRange) IsSupersetOf(r2 AddrRange) bool {
	return r.Start <= r2.Start && r.End >= r2.End
}

// String implements fmt.Stringer.String.
func (r AddrRange) String() string {
	return fmt.Sprintf("[%v, %v)", r.Start, r.End)
}
