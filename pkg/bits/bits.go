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

// Package bits includes bit-manipulation and alignment utilities.
package bits

import "golang.org/x/exp/constraints"

// Unsigned is the set of unsigned integer types the helpers below accept.
type Unsigned = constraints.Unsigned

// IsOn returns true if *all* bits set in 'bits' are set in 'mask'.
func IsOn[T Unsigned](mask, bits T) bool {
	return mask&bits == bits
}

// IsAnyOn returns true if *any* bit set in 'bits' is set in 'mask'.
func IsAnyOn[T Unsigned](mask, bits T) bool {
	return mask&bits != 0
}

// IsPowerOfTwo returns true if v is a power of 2.
func IsPowerOfTwo[T Unsigned](v T) bool {
	return v != 0 && v&(v-1) == 0
}

// AlignDown returns x rounded down to the nearest multiple of align.
//
// Precondition: align is a power of 2.
func AlignDown[T Unsigned](x, align T) T {
	return x &^ (align - 1)
}

// AlignUp returns x rounded up to the nearest multiple of align. The result
// wraps to zero if x is within align of the top of T.
//
// Precondition: align is a power of 2.
func AlignUp[T Unsigned](x, align T) T {
	return (x + align - 1) &^ (align - 1)
}

// IsAligned returns true if x is a multiple of align.
//
// Precondition: align is a power of 2.
func IsAligned[T Unsigned](x, align T) bool {
	return x&(align-1) == 0
}

// Extract returns the width bits of x starting at bit shift.
func Extract[T Unsigned](x T, shift, width uint) T {
	return (x >> shift) & (T(1)<<width - 1)
}
