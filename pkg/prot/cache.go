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
	"fmt"
	"strings"

	"gvisor.dev/kmap/pkg/hostarch"
	"gvisor.dev/kmap/pkg/log"
	"gvisor.dev/kmap/pkg/ring0"
)

// ErrUnknownCachePolicy is returned for a policy name that is not in the
// table.
var ErrUnknownCachePolicy = errors.New("unknown or unsupported cache policy")

// CachePolicy is the cacheability of normal memory.
type CachePolicy struct {
	Name string

	// MAIR is the attribute byte for MemoryTypeNormal.
	MAIR uint8

	// TCR holds the table walk cacheability bits.
	TCR uint64
}

var cachePolicies = []CachePolicy{
	{
		Name: "uncached",
		MAIR: 0x44,
		TCR:  ring0.TCRIRGNNC | ring0.TCRORGNNC,
	},
	{
		Name: "writethrough",
		MAIR: 0xaa,
		TCR:  ring0.TCRIRGNWT | ring0.TCRORGNWT,
	},
	{
		Name: "writeback",
		MAIR: 0xee,
		TCR:  ring0.TCRIRGNWBnWA | ring0.TCRORGNWBnWA,
	},
}

// CachePolicies returns the supported policies.
func CachePolicies() []CachePolicy {
	return append([]CachePolicy(nil), cachePolicies...)
}

// CacheControl is the part of the CPU a cache policy programs.
type CacheControl interface {
	FlushCacheAll()
	SetMAIRAttr(t hostarch.MemoryType, attr uint8)
	TCR() uint64
	SetTCR(v uint64)
}

// SelectCachePolicy programs the first policy whose name is a prefix of
// name. Caches are flushed before and after the registers change.
func SelectCachePolicy(cpu CacheControl, name string) (CachePolicy, error) {
	for _, cp := range cachePolicies {
		if !strings.HasPrefix(name, cp.Name) {
			continue
		}
		cpu.FlushCacheAll()
		cpu.SetMAIRAttr(hostarch.MemoryTypeNormal, cp.MAIR)
		cpu.SetTCR(cpu.TCR()&^(ring0.TCRIRGNMask|ring0.TCRORGNMask) | cp.TCR)
		cpu.FlushCacheAll()
		log.Infof("Cache policy: %s", cp.Name)
		return cp, nil
	}
	log.Warningf("ERROR: unknown or unsupported cache policy: %s", name)
	return CachePolicy{}, fmt.Errorf("%q: %w", name, ErrUnknownCachePolicy)
}
