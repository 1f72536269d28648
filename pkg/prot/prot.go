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

// Package prot decides the attributes of kernel mappings.
package prot

import (
	"fmt"

	"gvisor.dev/kmap/pkg/hostarch"
	"gvisor.dev/kmap/pkg/ring0/pagetables"
)

// ImageLayout holds the zone boundaries of the kernel image, as ascending
// virtual addresses.
type ImageLayout struct {
	// Text is the start of code.
	Text uintptr

	// Rodata is the start of read-only data and the end of code.
	Rodata uintptr

	// InitBegin is the start of code and data used only during boot.
	InitBegin uintptr

	// InitEnd is the end of init code and data.
	InitEnd uintptr
}

// Validate checks that the boundaries are ordered.
func (l ImageLayout) Validate() error {
	if !(l.Text <= l.Rodata && l.Rodata <= l.InitBegin && l.InitBegin <= l.InitEnd) {
		return fmt.Errorf("image layout out of order: %s", l)
	}
	return nil
}

// String implements fmt.Stringer.
func (l ImageLayout) String() string {
	return fmt.Sprintf("text=%#x rodata=%#x init=[%#x, %#x)", l.Text, l.Rodata, l.InitBegin, l.InitEnd)
}

// Memory reports whether a physical address is backed by memory.
type Memory interface {
	IsMemory(phys uintptr) bool
}

// Policy classifies kernel addresses. It implements pagetables.Policy.
type Policy struct {
	Layout ImageLayout

	// Strict enables the per-zone split. Without it every address gets the
	// default attributes.
	Strict bool

	// SMP marks normal memory shareable between CPUs.
	SMP bool

	// Memory is consulted by PhysMemAccess.
	Memory Memory

	// initReleased is set once init code and data have been freed.
	initReleased bool
}

var _ pagetables.Policy = (*Policy)(nil)

func (p *Policy) normal(at hostarch.AccessType) pagetables.MapOpts {
	return pagetables.MapOpts{
		AccessType: at,
		MemoryType: hostarch.MemoryTypeNormal,
		Shareable:  p.SMP,
	}
}

// Default returns the attributes of kernel data.
func (p *Policy) Default() pagetables.MapOpts {
	return p.normal(hostarch.ReadWrite)
}

// Device returns the attributes of device registers.
func (p *Policy) Device() pagetables.MapOpts {
	return pagetables.MapOpts{
		AccessType: hostarch.ReadWrite,
		MemoryType: hostarch.MemoryTypeDeviceNGnRE,
	}
}

// Classify returns the attributes for a kernel mapping of virt.
func (p *Policy) Classify(virt uintptr) pagetables.MapOpts {
	if !p.Strict {
		return p.Default()
	}
	l := p.Layout
	switch {
	case virt < l.Text:
		return p.Default()
	case virt < l.Rodata:
		return p.normal(hostarch.ReadExecute)
	case virt < l.InitBegin:
		return p.normal(hostarch.Read)
	case virt < l.InitEnd && !p.initReleased:
		return p.normal(hostarch.ReadExecute)
	default:
		return p.Default()
	}
}

// ReleaseInit records that init code and data are gone; from now on the
// init zone is classified as plain data.
func (p *Policy) ReleaseInit() {
	p.initReleased = true
}

// PhysMemAccess adjusts opts for a mapping of phys made through the memory
// device: frames outside memory are mapped uncached, and synchronous access
// to memory is mapped write-combined.
func (p *Policy) PhysMemAccess(phys uintptr, sync bool, opts pagetables.MapOpts) pagetables.MapOpts {
	switch {
	case p.Memory == nil || !p.Memory.IsMemory(phys):
		opts.MemoryType = hostarch.MemoryTypeDeviceNGnRnE
	case sync:
		opts.MemoryType = hostarch.MemoryTypeWriteCombine
	}
	return opts
}
