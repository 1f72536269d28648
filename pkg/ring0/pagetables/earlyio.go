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

// MapEarlyIO maps the block containing phys at virt with device attributes,
// for a console that must work before the memory map is built. It allocates
// nothing: if the directories translating virt do not exist yet, it returns
// false.
//
// The returned address is where phys appears in the new mapping.
func (p *PageTables) MapEarlyIO(phys, virt uintptr) (uintptr, bool) {
	g := p.Opts.Geometry
	mask := g.BlockSize() - 1
	if _, _, ok := p.pageRange("early I/O map", virt&^mask, mask+1); !ok {
		return 0, false
	}
	pte := p.entryAt(virt, g.blockLevel())
	if pte == nil {
		return 0, false
	}

	old := pte.bits()
	if pte.IsTable() {
		p.clearPageTable(pte, virt, g.blockLevel())
	}
	pte.SetBlock(phys&^mask, p.Policy.Device())
	if old != 0 && old != pte.bits() {
		p.flushTLB()
	}
	return virt&^mask + phys&mask, true
}
