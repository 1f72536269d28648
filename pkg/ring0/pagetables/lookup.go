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

// Lookup returns the physical address and attributes that virt translates
// to. It never modifies the tables.
func (p *PageTables) Lookup(virt uintptr) (physical uintptr, opts MapOpts, ok bool) {
	g := p.Opts.Geometry
	ptes := p.root
	for level := 0; ; level++ {
		pte := &ptes[g.index(level, virt)]
		switch {
		case !pte.Valid():
			return 0, MapOpts{}, false
		case level == g.leafLevel():
			if !pte.IsTable() {
				return 0, MapOpts{}, false
			}
			return pte.Address() + virt&(g.size(level)-1), pte.Opts(), true
		case pte.IsBlock():
			if !g.Levels[level].Block {
				return 0, MapOpts{}, false
			}
			return pte.Address() + virt&(g.size(level)-1), pte.Opts(), true
		}
		if ptes = p.Allocator.LookupPTEs(pte.Address()); ptes == nil {
			return 0, MapOpts{}, false
		}
	}
}

// Mapping is one installed block or page mapping.
type Mapping struct {
	Virt uintptr
	Phys uintptr
	Size uintptr
	Opts MapOpts
}

// End returns the end of the mapped virtual range.
func (m Mapping) End() uintptr {
	return m.Virt + m.Size
}

// ForEachMapping calls fn for each block and page mapping intersecting
// [start, end), in ascending virtual order, until fn returns false.
func (p *PageTables) ForEachMapping(start, end uintptr, fn func(Mapping) bool) {
	p.visit(p.root, 0, start, end, fn)
}

func (p *PageTables) visit(ptes *PTEs, level int, start, end uintptr, fn func(Mapping) bool) bool {
	g := p.Opts.Geometry
	size := g.size(level)
	for start < end {
		next := addrEnd(start, end, size)
		pte := &ptes[g.index(level, start)]
		switch {
		case !pte.Valid():
		case level == g.leafLevel() || pte.IsBlock():
			m := Mapping{
				Virt: start &^ (size - 1),
				Phys: pte.Address(),
				Size: size,
				Opts: pte.Opts(),
			}
			if !fn(m) {
				return false
			}
		default:
			if child := p.Allocator.LookupPTEs(pte.Address()); child != nil {
				if !p.visit(child, level+1, start, next, fn) {
					return false
				}
			}
		}
		start = next
	}
	return true
}

// Mappings returns every mapping in the window.
func (p *PageTables) Mappings() []Mapping {
	var ms []Mapping
	p.ForEachMapping(p.WindowStart, p.WindowEnd, func(m Mapping) bool {
		ms = append(ms, m)
		return true
	})
	return ms
}

// Coalesce merges neighbouring mappings that are virtually and physically
// contiguous and share attributes.
func Coalesce(ms []Mapping) []Mapping {
	var out []Mapping
	for _, m := range ms {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.End() == m.Virt && last.Phys+last.Size == m.Phys && last.Opts == m.Opts {
				last.Size += m.Size
				continue
			}
		}
		out = append(out, m)
	}
	return out
}
