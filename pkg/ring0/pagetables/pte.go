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
	"sync/atomic"

	"gvisor.dev/kmap/pkg/bits"
	"gvisor.dev/kmap/pkg/hostarch"
)

// Entry bits. The layout follows the ARMv8 stage 1 descriptor format.
const (
	typeValid = 1 << 0

	// typeTable marks a table reference at directory levels and a page at
	// the leaf. A valid entry without it is a block.
	typeTable = 1 << 1

	attrIndxShift = 2
	attrIndxWidth = 3

	readOnly       = 1 << 7
	innerShareable = 3 << 8
	accessFlag     = 1 << 10

	privilegedXN = 1 << 53
	userXN       = 1 << 54

	addrMask = 0x0000fffffffff000
)

// MapOpts are the attributes of a mapping.
type MapOpts struct {
	// AccessType defines permissions. Read is always implied.
	AccessType hostarch.AccessType

	// MemoryType selects the memory attribute register slot.
	MemoryType hostarch.MemoryType

	// Shareable marks the mapping inner shareable.
	Shareable bool
}

// String implements fmt.Stringer.
func (o MapOpts) String() string {
	s := o.AccessType.String() + " " + o.MemoryType.ShortString()
	if o.Shareable {
		s += " sh"
	}
	return s
}

// PTE is a page table entry.
//
// Entries are read and written atomically so that a concurrent walker sees
// either the old or the new value.
type PTE uintptr

// PTEs is a collection of entries: one directory.
type PTEs [entriesPerPage]PTE

func (p *PTE) bits() uintptr {
	return atomic.LoadUintptr((*uintptr)(p))
}

func (p *PTE) store(v uintptr) {
	atomic.StoreUintptr((*uintptr)(p), v)
}

// Clear clears this PTE.
func (p *PTE) Clear() {
	p.store(0)
}

// Valid returns true iff this entry is valid.
func (p *PTE) Valid() bool {
	return bits.IsOn(p.bits(), typeValid)
}

// IsTable returns true iff this is a table reference at a directory level,
// or a page mapping at the leaf level.
func (p *PTE) IsTable() bool {
	return bits.IsOn(p.bits(), typeValid|typeTable)
}

// IsBlock returns true iff this is a block mapping.
func (p *PTE) IsBlock() bool {
	return p.bits()&(typeValid|typeTable) == typeValid
}

// Address extracts the address. This should only be used if Valid returns
// true.
func (p *PTE) Address() uintptr {
	return p.bits() & addrMask
}

// Opts returns the mapping attributes.
func (p *PTE) Opts() MapOpts {
	v := p.bits()
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:    true,
			Write:   !bits.IsAnyOn(v, readOnly),
			Execute: !bits.IsAnyOn(v, privilegedXN),
		},
		MemoryType: hostarch.MemoryType(bits.Extract(v, attrIndxShift, attrIndxWidth)),
		Shareable:  bits.IsOn(v, innerShareable),
	}
}

// encode returns the attribute bits for opts. Kernel mappings are never
// executable at EL0.
func encode(opts MapOpts) uintptr {
	v := uintptr(accessFlag|userXN) | uintptr(opts.MemoryType)<<attrIndxShift
	if !opts.AccessType.Write {
		v |= readOnly
	}
	if !opts.AccessType.Execute {
		v |= privilegedXN
	}
	if opts.Shareable {
		v |= innerShareable
	}
	return v
}

// SetBlock installs a block mapping of addr.
func (p *PTE) SetBlock(addr uintptr, opts MapOpts) {
	p.store(addr&addrMask | encode(opts) | typeValid)
}

// SetPage installs a page mapping of addr. Only valid at the leaf level.
func (p *PTE) SetPage(addr uintptr, opts MapOpts) {
	p.store(addr&addrMask | encode(opts) | typeValid | typeTable)
}

// setTable installs a reference to the directory at addr.
func (p *PTE) setTable(addr uintptr) {
	p.store(addr&addrMask | typeValid | typeTable)
}

// String implements fmt.Stringer.
func (p *PTE) String() string {
	v := p.bits()
	switch {
	case v == 0:
		return "none"
	case v&typeValid == 0:
		return fmt.Sprintf("bad(%#x)", v)
	case v&typeTable != 0:
		return fmt.Sprintf("table/page(%#x)", v&addrMask)
	default:
		return fmt.Sprintf("block(%#x %s)", v&addrMask, p.Opts())
	}
}
