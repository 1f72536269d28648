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

import "testing"

func TestAddrRounding(t *testing.T) {
	for _, tc := range []struct {
		addr     Addr
		down, up Addr
		upOK     bool
	}{
		{addr: 0, down: 0, up: 0, upOK: true},
		{addr: 0x1001, down: 0x1000, up: 0x2000, upOK: true},
		{addr: 0x400000, down: 0x400000, up: 0x400000, upOK: true},
		{addr: ^Addr(0), down: ^Addr(0xfff), up: 0},
	} {
		if got := tc.addr.RoundDown(); got != tc.down {
			t.Errorf("%v.RoundDown() = %v, want %v", tc.addr, got, tc.down)
		}
		if got, ok := tc.addr.RoundUp(); got != tc.up || ok != tc.upOK {
			t.Errorf("%v.RoundUp() = %v, %v, want %v, %v", tc.addr, got, ok, tc.up, tc.upOK)
		}
	}
}

func TestAddLength(t *testing.T) {
	for _, tc := range []struct {
		addr   Addr
		length uintptr
		end    Addr
		ok     bool
	}{
		{0x1000, 0x1000, 0x2000, true},
		{0x1000, 0, 0x1000, true},
		{^Addr(0xfff), 0x2000, 0xfff, false},
		// Ending exactly at the top wraps to zero.
		{^Addr(0xfff), 0x1000, 0, false},
	} {
		if end, ok := tc.addr.AddLength(tc.length); end != tc.end || ok != tc.ok {
			t.Errorf("%v.AddLength(%#x) = %v, %v, want %v, %v", tc.addr, tc.length, end, ok, tc.end, tc.ok)
		}
	}
}

func TestAddrRange(t *testing.T) {
	r := AddrRange{0x1000, 0x3000}
	if !r.Contains(0x1000) || !r.Contains(0x2fff) || r.Contains(0x3000) || r.Contains(0xfff) {
		t.Errorf("%v: Contains bounds wrong", r)
	}
	if !r.IsSupersetOf(AddrRange{0x1000, 0x3000}) || r.IsSupersetOf(AddrRange{0x2000, 0x3001}) || r.IsSupersetOf(AddrRange{0, 0x2000}) {
		t.Errorf("%v: IsSupersetOf wrong", r)
	}
	if got, want := r.String(), "[0x1000, 0x3000)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestAccessTypeString(t *testing.T) {
	for at, want := range map[AccessType]string{
		NoAccess:    "---",
		Read:        "r--",
		ReadWrite:   "rw-",
		ReadExecute: "r-x",
		AnyAccess:   "rwx",
	} {
		if got := at.String(); got != want {
			t.Errorf("%+v.String() = %q, want %q", at, got, want)
		}
	}
}

func TestDefaultMAIR(t *testing.T) {
	mair := DefaultMAIR()
	for mt := MemoryType(0); mt < NumMemoryTypes; mt++ {
		if got := (mair >> (8 * uint(mt))) & 0xff; got != mairValues[mt] {
			t.Errorf("MAIR byte for %v = %#x, want %#x", mt, got, mairValues[mt])
		}
	}
}
