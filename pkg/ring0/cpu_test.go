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

package ring0

import (
	"testing"

	"gvisor.dev/kmap/pkg/hostarch"
)

func TestResetState(t *testing.T) {
	c := NewCPU()
	if got, want := c.MAIR(), hostarch.DefaultMAIR(); got != want {
		t.Errorf("MAIR() = %#x, want %#x", got, want)
	}
	if got := c.TCR() & (TCRIRGNMask | TCRORGNMask); got != TCRCacheFlags {
		t.Errorf("TCR cacheability = %#x, want %#x", got, TCRCacheFlags)
	}
	if c.TLBFlushes() != 0 || c.CacheFlushes() != 0 {
		t.Errorf("fresh CPU has flushes: tlb=%d cache=%d", c.TLBFlushes(), c.CacheFlushes())
	}
}

func TestMAIRAttr(t *testing.T) {
	c := NewCPU()
	c.SetMAIRAttr(hostarch.MemoryTypeNormal, 0xaa)
	if got := c.MAIRAttr(hostarch.MemoryTypeNormal); got != 0xaa {
		t.Errorf("normal attr = %#x, want 0xaa", got)
	}
	for mt := hostarch.MemoryType(0); mt < hostarch.MemoryTypeNormal; mt++ {
		if got, want := c.MAIRAttr(mt), NewCPU().MAIRAttr(mt); got != want {
			t.Errorf("%v attr changed: %#x, want %#x", mt, got, want)
		}
	}
}

func TestFlushCounters(t *testing.T) {
	c := NewCPU()
	before := tlbFlushes.Value()
	c.FlushTLBAll()
	c.FlushTLBAll()
	c.FlushCacheAll()
	if c.TLBFlushes() != 2 || c.CacheFlushes() != 1 {
		t.Errorf("flushes: tlb=%d cache=%d, want 2 and 1", c.TLBFlushes(), c.CacheFlushes())
	}
	if got := tlbFlushes.Value() - before; got != 2 {
		t.Errorf("global tlb flush metric grew by %d, want 2", got)
	}
}
