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

package prot

import (
	"errors"
	"testing"

	"gvisor.dev/kmap/pkg/hostarch"
	"gvisor.dev/kmap/pkg/memblock"
	"gvisor.dev/kmap/pkg/ring0"
)

var synthetic = ImageLayout{Text: 0, Rodata: 100, InitBegin: 150, InitEnd: 200}

func TestClassifyZones(t *testing.T) {
	p := &Policy{Layout: synthetic, Strict: true}
	for _, tc := range []struct {
		virt uintptr
		want hostarch.AccessType
	}{
		{0, hostarch.ReadExecute},
		{50, hostarch.ReadExecute},
		{99, hostarch.ReadExecute},
		{100, hostarch.Read},
		{120, hostarch.Read},
		{149, hostarch.Read},
		{150, hostarch.ReadExecute},
		{199, hostarch.ReadExecute},
		{200, hostarch.ReadWrite},
		{300, hostarch.ReadWrite},
	} {
		if got := p.Classify(tc.virt).AccessType; got != tc.want {
			t.Errorf("Classify(%d) = %v, want %v", tc.virt, got, tc.want)
		}
	}
}

func TestReleaseInit(t *testing.T) {
	p := &Policy{Layout: synthetic, Strict: true}
	p.ReleaseInit()
	if got := p.Classify(170).AccessType; got != hostarch.ReadWrite {
		t.Errorf("Classify(170) after release = %v, want %v", got, hostarch.ReadWrite)
	}
	if got := p.Classify(50).AccessType; got != hostarch.ReadExecute {
		t.Errorf("Classify(50) after release = %v, want %v", got, hostarch.ReadExecute)
	}
}

func TestClassifyBelowText(t *testing.T) {
	p := &Policy{Layout: ImageLayout{Text: 0x1000, Rodata: 0x2000, InitBegin: 0x3000, InitEnd: 0x4000}, Strict: true}
	if got := p.Classify(0x800).AccessType; got != hostarch.ReadWrite {
		t.Errorf("Classify below text = %v, want %v", got, hostarch.ReadWrite)
	}
}

func TestNotStrict(t *testing.T) {
	p := &Policy{Layout: synthetic, SMP: true}
	for _, virt := range []uintptr{50, 120, 170, 300} {
		if got, want := p.Classify(virt), p.Default(); got != want {
			t.Errorf("Classify(%d) = %v, want default %v", virt, got, want)
		}
	}
	if !p.Default().Shareable {
		t.Errorf("SMP default is not shareable")
	}
	if d := p.Default(); d.AccessType.Execute || !d.AccessType.Write || d.MemoryType != hostarch.MemoryTypeNormal {
		t.Errorf("Default() = %v", d)
	}
}

func TestDevice(t *testing.T) {
	p := &Policy{SMP: true}
	d := p.Device()
	if d.MemoryType != hostarch.MemoryTypeDeviceNGnRE || d.AccessType.Execute {
		t.Errorf("Device() = %v", d)
	}
}

func TestPhysMemAccess(t *testing.T) {
	mb := memblock.New()
	mb.AddMemory(0x80000000, 0x1000000)
	p := &Policy{Memory: mb}
	base := p.Default()

	if got := p.PhysMemAccess(0x80001000, false, base); got != base {
		t.Errorf("memory, async = %v, want unchanged", got)
	}
	if got := p.PhysMemAccess(0x80001000, true, base).MemoryType; got != hostarch.MemoryTypeWriteCombine {
		t.Errorf("memory, sync = %v, want write-combine", got)
	}
	if got := p.PhysMemAccess(0x09000000, true, base).MemoryType; got != hostarch.MemoryTypeDeviceNGnRnE {
		t.Errorf("not memory = %v, want uncached device", got)
	}
}

func TestSelectCachePolicy(t *testing.T) {
	for _, tc := range []struct {
		name string
		want CachePolicy
	}{
		{"uncached", cachePolicies[0]},
		{"writethrough", cachePolicies[1]},
		{"writeback", cachePolicies[2]},
		{"writeback,extra", cachePolicies[2]},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cpu := ring0.NewCPU()
			got, err := SelectCachePolicy(cpu, tc.name)
			if err != nil {
				t.Fatalf("SelectCachePolicy: %v", err)
			}
			if got != tc.want {
				t.Errorf("selected %+v, want %+v", got, tc.want)
			}
			if attr := cpu.MAIRAttr(hostarch.MemoryTypeNormal); attr != tc.want.MAIR {
				t.Errorf("normal MAIR attr = %#x, want %#x", attr, tc.want.MAIR)
			}
			if tcr := cpu.TCR() & (ring0.TCRIRGNMask | ring0.TCRORGNMask); tcr != tc.want.TCR {
				t.Errorf("TCR cacheability = %#x, want %#x", tcr, tc.want.TCR)
			}
			if n := cpu.CacheFlushes(); n != 2 {
				t.Errorf("CacheFlushes() = %d, want 2", n)
			}
		})
	}
}

func TestSelectUnknownCachePolicy(t *testing.T) {
	cpu := ring0.NewCPU()
	mair, tcr := cpu.MAIR(), cpu.TCR()
	if _, err := SelectCachePolicy(cpu, "writealloc"); !errors.Is(err, ErrUnknownCachePolicy) {
		t.Errorf("SelectCachePolicy = %v, want ErrUnknownCachePolicy", err)
	}
	if cpu.MAIR() != mair || cpu.TCR() != tcr || cpu.CacheFlushes() != 0 {
		t.Errorf("unknown policy touched the CPU: %v", cpu)
	}
}

func TestLayoutValidate(t *testing.T) {
	if err := synthetic.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	bad := ImageLayout{Text: 100, Rodata: 50, InitBegin: 150, InitEnd: 200}
	if err := bad.Validate(); err == nil {
		t.Errorf("Validate accepted %v", bad)
	}
}
