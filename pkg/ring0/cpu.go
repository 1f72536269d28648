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

// Package ring0 models the privileged CPU state that the early boot code
// programs: the memory attribute and translation control registers, the
// translation table base registers, and cache/TLB maintenance.
//
// There is no hardware behind it. Every register is a plain field, and
// maintenance operations only count how often they were issued, which is
// what callers and tests observe.
package ring0

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/kmap/pkg/hostarch"
	"gvisor.dev/kmap/pkg/metric"
)

// Translation control register cacheability fields for table walks. The
// inner (IRGN) and outer (ORGN) fields are set for both TTBR0 and TTBR1
// walks.
const (
	TCRIRGNNC    = (0 << 8) | (0 << 24)
	TCRIRGNWBWA  = (1 << 8) | (1 << 24)
	TCRIRGNWT    = (2 << 8) | (2 << 24)
	TCRIRGNWBnWA = (3 << 8) | (3 << 24)
	TCRIRGNMask  = (3 << 8) | (3 << 24)

	TCRORGNNC    = (0 << 10) | (0 << 26)
	TCRORGNWBWA  = (1 << 10) | (1 << 26)
	TCRORGNWT    = (2 << 10) | (2 << 26)
	TCRORGNWBnWA = (3 << 10) | (3 << 26)
	TCRORGNMask  = (3 << 10) | (3 << 26)

	// TCRCacheFlags is the walk cacheability the CPU resets to.
	TCRCacheFlags = TCRIRGNWBWA | TCRORGNWBWA
)

var (
	tlbFlushes   = metric.MustCreateNewUint64Metric("/kmap/tlb_flushes", true, "Number of global TLB invalidations issued.")
	cacheFlushes = metric.MustCreateNewUint64Metric("/kmap/cache_flushes", true, "Number of full data cache flushes issued.")
)

// CPU is the state of the boot CPU.
//
// Register accessors are not synchronized: only the boot CPU runs while the
// tables are built. The flush counters may be read concurrently.
type CPU struct {
	// mair is the memory attribute indirection register.
	mair uint64

	// tcr is the translation control register.
	tcr uint64

	// ttbr0 is the table base for the lower half. During boot it points at
	// a zeroed table so that no user translation can be walked.
	ttbr0 uintptr

	// ttbr1 is the table base for the kernel half.
	ttbr1 uintptr

	tlbFlushes   atomic.Uint64
	cacheFlushes atomic.Uint64
}

// NewCPU returns a CPU in its reset state: the default memory attributes and
// write-back walk cacheability.
func NewCPU() *CPU {
	return &CPU{
		mair: hostarch.DefaultMAIR(),
		tcr:  TCRCacheFlags,
	}
}

// MAIR returns the memory attribute indirection register.
func (c *CPU) MAIR() uint64 {
	return c.mair
}

// SetMAIR sets the memory attribute indirection register.
func (c *CPU) SetMAIR(v uint64) {
	c.mair = v
}

// MAIRAttr returns the attribute byte for the given memory type.
func (c *CPU) MAIRAttr(t hostarch.MemoryType) uint8 {
	return uint8(c.mair >> (8 * uint(t)))
}

// SetMAIRAttr replaces the attribute byte for the given memory type.
func (c *CPU) SetMAIRAttr(t hostarch.MemoryType, attr uint8) {
	shift := 8 * uint(t)
	c.mair = c.mair&^(0xff<<shift) | uint64(attr)<<shift
}

// TCR returns the translation control register.
func (c *CPU) TCR() uint64 {
	return c.tcr
}

// SetTCR sets the translation control register.
func (c *CPU) SetTCR(v uint64) {
	c.tcr = v
}

// TTBR0 returns the lower-half table base.
func (c *CPU) TTBR0() uintptr {
	return c.ttbr0
}

// SetReservedTTBR0 points the lower half at the given zeroed table.
func (c *CPU) SetReservedTTBR0(zeroPage uintptr) {
	c.ttbr0 = zeroPage
}

// TTBR1 returns the kernel table base.
func (c *CPU) TTBR1() uintptr {
	return c.ttbr1
}

// SetTTBR1 installs the kernel top-level table.
func (c *CPU) SetTTBR1(root uintptr) {
	c.ttbr1 = root
}

// FlushTLBAll invalidates every cached translation.
func (c *CPU) FlushTLBAll() {
	c.tlbFlushes.Add(1)
	tlbFlushes.Increment()
}

// FlushCacheAll cleans and invalidates all data caches.
func (c *CPU) FlushCacheAll() {
	c.cacheFlushes.Add(1)
	cacheFlushes.Increment()
}

// TLBFlushes returns the number of TLB invalidations issued on this CPU.
func (c *CPU) TLBFlushes() uint64 {
	return c.tlbFlushes.Load()
}

// CacheFlushes returns the number of data cache flushes issued on this CPU.
func (c *CPU) CacheFlushes() uint64 {
	return c.cacheFlushes.Load()
}

// String implements fmt.Stringer.
func (c *CPU) String() string {
	return fmt.Sprintf("mair=%#016x tcr=%#x ttbr0=%#x ttbr1=%#x", c.mair, c.tcr, c.ttbr0, c.ttbr1)
}
