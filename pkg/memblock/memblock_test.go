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

package memblock

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAddMerges(t *testing.T) {
	for _, tc := range []struct {
		name string
		add  []Region
		want []Region
	}{
		{
			name: "disjoint",
			add:  []Region{{0x80000000, 0x1000}, {0x40000000, 0x1000}},
			want: []Region{{0x40000000, 0x1000}, {0x80000000, 0x1000}},
		},
		{
			name: "adjacent",
			add:  []Region{{0x1000, 0x1000}, {0x2000, 0x1000}, {0, 0x1000}},
			want: []Region{{0, 0x3000}},
		},
		{
			name: "overlapping",
			add:  []Region{{0x1000, 0x3000}, {0x2000, 0x4000}},
			want: []Region{{0x1000, 0x5000}},
		},
		{
			name: "bridging",
			add:  []Region{{0x1000, 0x1000}, {0x5000, 0x1000}, {0x1800, 0x4000}},
			want: []Region{{0x1000, 0x5000}},
		},
		{
			name: "contained",
			add:  []Region{{0x1000, 0x8000}, {0x2000, 0x1000}},
			want: []Region{{0x1000, 0x8000}},
		},
		{
			name: "empty",
			add:  []Region{{0x1000, 0}},
			want: []Region{},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := New()
			for _, r := range tc.add {
				m.AddMemory(r.Base, r.Size)
			}
			if diff := cmp.Diff(tc.want, m.Memory()); diff != "" {
				t.Errorf("Memory() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestIsMemory(t *testing.T) {
	m := New()
	m.AddMemory(0x80000000, 0x200000)
	m.AddMemory(0x90000000, 0x1000)
	for _, tc := range []struct {
		phys uintptr
		want bool
	}{
		{0x7fffffff, false},
		{0x80000000, true},
		{0x801fffff, true},
		{0x80200000, false},
		{0x90000fff, true},
		{0x90001000, false},
	} {
		if got := m.IsMemory(tc.phys); got != tc.want {
			t.Errorf("IsMemory(%#x) = %v, want %v", tc.phys, got, tc.want)
		}
	}
	if got, want := m.TotalSize(), uintptr(0x201000); got != want {
		t.Errorf("TotalSize() = %#x, want %#x", got, want)
	}
}

func TestForEachFree(t *testing.T) {
	m := New()
	m.AddMemory(0x80000000, 0x400000)
	m.AddMemory(0xa0000000, 0x100000)
	m.Reserve(0x80000000, 0x80000)  // Kernel image.
	m.Reserve(0x80200000, 0x1000)   // Device tree.
	m.Reserve(0xa0000000, 0x100000) // Whole bank.
	m.Reserve(0xf0000000, 0x1000)   // Outside memory.

	var got []Region
	m.ForEachFree(func(r Region) bool {
		got = append(got, r)
		return true
	})
	want := []Region{
		{0x80080000, 0x180000},
		{0x80201000, 0x1ff000},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ForEachFree mismatch (-want +got):\n%s", diff)
	}
	if !m.IsReserved(0x80200fff) || m.IsReserved(0x80201000) {
		t.Errorf("IsReserved bounds wrong")
	}
}

func TestForEachFreeStops(t *testing.T) {
	m := New()
	m.AddMemory(0, 0x1000)
	m.AddMemory(0x10000, 0x1000)
	calls := 0
	m.ForEachFree(func(Region) bool {
		calls++
		return false
	})
	if calls != 1 {
		t.Errorf("ForEachFree made %d calls after returning false, want 1", calls)
	}
}
