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

package hostarch

import "fmt"

// MemoryType specifies CPU memory access behavior. Each value selects one
// byte of the memory attribute indirection register; page table entries
// carry the index, not the attributes themselves.
type MemoryType uint8

const (
	// MemoryTypeDeviceNGnRnE is device memory that permits no gathering,
	// no reordering and no early write acknowledgement.
	MemoryTypeDeviceNGnRnE MemoryType = iota

	// MemoryTypeDeviceNGnRE is device memory that permits early write
	// acknowledgement only. It is used for early I/O windows.
	MemoryTypeDeviceNGnRE

	// MemoryTypeDeviceGRE permits gathering, reordering and early write
	// acknowledgement.
	MemoryTypeDeviceGRE

	// MemoryTypeWriteCombine is normal non-cacheable memory.
	MemoryTypeWriteCombine

	// MemoryTypeNormal is normal memory. Its cacheability is chosen by the
	// active cache policy (write-back unless overridden).
	MemoryTypeNormal

	// NumMemoryTypes is the number of memory types.
	NumMemoryTypes
)

// mairValues are the register byte for each MemoryType; MemoryTypeNormal
// is rewritten by cache policy selection.
var mairValues = [NumMemoryTypes]uint64{
	MemoryTypeDeviceNGnRnE: 0x00,
	MemoryTypeDeviceNGnRE:  0x04,
	MemoryTypeDeviceGRE:    0x0c,
	MemoryTypeWriteCombine: 0x44,
	MemoryTypeNormal:       0xff,
}

// DefaultMAIR returns the memory attribute indirection register value that
// backs all MemoryTypes.
func DefaultMAIR() uint64 {
	var mair uint64
	for mt, v := range mairValues {
		mair |= v << (8 * uint(mt))
	}
	return mair
}

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	switch mt {
	case MemoryTypeDeviceNGnRnE:
		return "Device-nGnRnE"
	case MemoryTypeDeviceNGnRE:
		return "Device-nGnRE"
	case MemoryTypeDeviceGRE:
		return "Device-GRE"
	case MemoryTypeWriteCombine:
		return "WriteCombine"
	case MemoryTypeNormal:
		return "Normal"
	default:
		return fmt.Sprintf("%d", mt)
	}
}

// ShortString returns a two-character string compactly representing the
// MemoryType.
func (mt MemoryType) ShortString() string {
	switch mt {
	case MemoryTypeDeviceNGnRnE:
		return "UC"
	case MemoryTypeDeviceNGnRE:
		return "DE"
	case MemoryTypeDeviceGRE:
		return "DG"
	case MemoryTypeWriteCombine:
		return "WC"
	case MemoryTypeNormal:
		return "NM"
	default:
		return fmt.Sprintf("%02d", mt)
	}
}
