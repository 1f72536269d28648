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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strings"

	"gvisor.dev/kmap/pkg/ring0/pagetables"
)

// RegisterFlags registers the flags that override Config fields. Defaults
// come from the default machine; only flags set on the command line are
// applied.
func RegisterFlags(flagSet *flag.FlagSet) {
	d := Default()
	flagSet.String("geometry", d.Geometry, fmt.Sprintf("page table geometry: %s.", strings.Join(pagetables.GeometryNames(), ", ")))
	flagSet.Int("static-table-pages", d.StaticTablePages, "pages reserved after the image for the bootstrap tables; 0 picks enough for the geometry.")
	flagSet.String("cache-policy", d.CachePolicy, "cache policy for normal memory: uncached, writethrough or writeback. Empty keeps the reset value.")
	flagSet.Bool("strict-protection", d.StrictProtection, "map text read-only and data non-executable.")
	flagSet.Bool("force-pages", d.ForcePages, "map all memory with pages instead of blocks.")
	flagSet.Bool("memmap", d.Memmap, "populate the page descriptor array.")
	flagSet.Bool("smp", d.SMP, "mark normal memory inner shareable.")
}

// ApplyFlags copies every flag set on the command line into the matching
// Config field.
func (c *Config) ApplyFlags(flagSet *flag.FlagSet) error {
	set := make(map[string]*flag.Flag)
	flagSet.Visit(func(f *flag.Flag) { set[f.Name] = f })

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag for this field.
			continue
		}
		if flagSet.Lookup(name) == nil {
			panic(fmt.Sprintf("flag %q not registered", name))
		}
		f, ok := set[name]
		if !ok {
			continue
		}
		getter, ok := f.Value.(flag.Getter)
		if !ok {
			return fmt.Errorf("flag %q has no value getter", name)
		}
		x := reflect.ValueOf(getter.Get())
		if !x.Type().AssignableTo(obj.Field(i).Type()) {
			return fmt.Errorf("flag %q is %v, field is %v", name, x.Type(), obj.Field(i).Type())
		}
		obj.Field(i).Set(x)
	}
	return nil
}
