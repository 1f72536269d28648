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

	"gvisor.dev/kmap/pkg/bits"
	"gvisor.dev/kmap/pkg/hostarch"
)

// PopulateMetadata backs [start, end), rounded out to blocks, with freshly
// allocated memory mapped as blocks. Blocks that are already mapped are
// checked instead: they must be block mappings of memory. Anything else
// there panics.
//
// Running out of memory returns an error wrapping ErrNoMemory; what was
// populated before the failure stays in place.
func (p *PageTables) PopulateMetadata(start, end uintptr) error {
	bs := p.Opts.Geometry.BlockSize()
	start = bits.AlignDown(start, bs)
	end = bits.AlignUp(end, bs)
	if end <= start || !p.Window().IsSupersetOf(hostarch.AddrRange{Start: hostarch.Addr(start), End: hostarch.Addr(end)}) {
		p.reject("metadata population", start, end-start)
		return fmt.Errorf("metadata [%#x, %#x): %w", start, end, ErrOutsideWindow)
	}

	return p.walk(start, end, true, func(s, _ uintptr, pte *PTE) error {
		switch {
		case pte.bits() == 0:
			buf, err := p.Allocator.AllocPhysical(bs)
			if err != nil {
				return fmt.Errorf("metadata block for %#x: %w (%w)", s, ErrNoMemory, err)
			}
			if !bits.IsAligned(buf, bs) {
				panic(fmt.Sprintf("pagetables: metadata block %#x is not aligned to %#x", buf, bs))
			}
			pte.SetBlock(buf, p.Policy.Default())
			p.stats.Blocks++
			mappings.Increment("block")
		case pte.IsBlock() && bits.IsAligned(pte.Address(), bs) && (p.Memory == nil || p.Memory.IsMemory(pte.Address())):
			// Already populated.
		default:
			panic(fmt.Sprintf("pagetables: metadata at %#x already mapped by %v", s, pte))
		}
		return nil
	})
}
