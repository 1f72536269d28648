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

// Package config holds the machine description used to build the linear map.
//
// A Config is read from a TOML or YAML file. Addresses and sizes are strings
// in any base understood by strconv, optionally with a K, M, G or T suffix, so
// that kernel-half addresses survive TOML's signed integers.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"

	"gvisor.dev/kmap/pkg/bits"
	"gvisor.dev/kmap/pkg/hostarch"
	"gvisor.dev/kmap/pkg/log"
	"gvisor.dev/kmap/pkg/memblock"
	"gvisor.dev/kmap/pkg/paging"
	"gvisor.dev/kmap/pkg/prot"
	"gvisor.dev/kmap/pkg/ring0/pagetables"
)

// ErrUnknownFormat is returned for files that are neither TOML nor YAML.
var ErrUnknownFormat = errors.New("unknown config format")

// Hex is an address or size.
type Hex uintptr

var suffixes = map[byte]uint{'K': 10, 'M': 20, 'G': 30, 'T': 40}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hex) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	var shift uint
	if n := len(s); n > 1 {
		if sh, ok := suffixes[strings.ToUpper(s[n-1:])[0]]; ok {
			shift = sh
			s = s[:n-1]
		}
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("bad address %q: %w", text, err)
	}
	if v<<shift>>shift != v {
		return fmt.Errorf("bad address %q: overflows 64 bits", text)
	}
	*h = Hex(v << shift)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler. Unquoted YAML integers are
// parsed from their source text, so 0x-prefixed values keep their base.
func (h *Hex) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: address must be a scalar", n.Line)
	}
	return h.UnmarshalText([]byte(n.Value))
}

// MarshalText implements encoding.TextMarshaler.
func (h Hex) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h Hex) String() string {
	return fmt.Sprintf("%#x", uintptr(h))
}

// Region is a physical memory range.
type Region struct {
	Base Hex `toml:"base" yaml:"base"`
	Size Hex `toml:"size" yaml:"size"`
}

func (r Region) memblock() memblock.Region {
	return memblock.Region{Base: uintptr(r.Base), Size: uintptr(r.Size)}
}

// Image gives the kernel image zones as offsets from the start of the linear
// map.
type Image struct {
	Text      Hex `toml:"text" yaml:"text"`
	Rodata    Hex `toml:"rodata" yaml:"rodata"`
	InitBegin Hex `toml:"init_begin" yaml:"init_begin"`
	InitEnd   Hex `toml:"init_end" yaml:"init_end"`
	End       Hex `toml:"end" yaml:"end"`
}

// EarlyIO places the early console.
type EarlyIO struct {
	Virt Hex `toml:"virt" yaml:"virt"`
	Phys Hex `toml:"phys" yaml:"phys"`
}

// Vmemmap places the page descriptor array.
type Vmemmap struct {
	// Start defaults to a slot below the linear map.
	Start          Hex `toml:"start" yaml:"start"`
	DescriptorSize Hex `toml:"descriptor_size" yaml:"descriptor_size"`
}

// Config is the machine and kernel description.
//
// Fields with a flag tag may be overridden on the command line.
type Config struct {
	Geometry string `toml:"geometry" yaml:"geometry" flag:"geometry"`

	PhysOffset Hex `toml:"phys_offset" yaml:"phys_offset"`

	// PageOffset, WindowStart and WindowEnd default to values derived from
	// the geometry.
	PageOffset  Hex `toml:"page_offset" yaml:"page_offset"`
	WindowStart Hex `toml:"window_start" yaml:"window_start"`
	WindowEnd   Hex `toml:"window_end" yaml:"window_end"`

	Memory          []Region `toml:"memory" yaml:"memory"`
	Reserved        []Region `toml:"reserved" yaml:"reserved"`
	ContiguousAreas []Region `toml:"contiguous" yaml:"contiguous"`

	Image            Image   `toml:"image" yaml:"image"`
	StaticTablePages int     `toml:"static_table_pages" yaml:"static_table_pages" flag:"static-table-pages"`
	EarlyIO          EarlyIO `toml:"early_io" yaml:"early_io"`
	Vmemmap          Vmemmap `toml:"vmemmap" yaml:"vmemmap"`

	CachePolicy      string `toml:"cache_policy" yaml:"cache_policy" flag:"cache-policy"`
	StrictProtection bool   `toml:"strict_protection" yaml:"strict_protection" flag:"strict-protection"`
	ForcePages       bool   `toml:"force_pages" yaml:"force_pages" flag:"force-pages"`
	Memmap           bool   `toml:"memmap" yaml:"memmap" flag:"memmap"`
	SMP              bool   `toml:"smp" yaml:"smp" flag:"smp"`
}

// template is a QEMU virt machine with 1G of memory.
var template = Config{
	Geometry:   "4k-39",
	PhysOffset: 0x40000000,
	Memory:     []Region{{Base: 0x40000000, Size: 1 << 30}},
	Image: Image{
		Text:      0x80000,
		Rodata:    0x600000,
		InitBegin: 0x800000,
		InitEnd:   0x900000,
		End:       0xa40000,
	},
	EarlyIO:          EarlyIO{Virt: 0xfffffffffe000000, Phys: 0x09000000},
	Vmemmap:          Vmemmap{DescriptorSize: 64},
	StrictProtection: true,
	Memmap:           true,
	SMP:              true,
}

// Default returns a copy of the default machine.
func Default() *Config {
	return deepcopy.Copy(&template).(*Config)
}

// Load reads a config file over the defaults. The format is chosen by
// extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes data in the given format (".toml", ".yaml" or ".yml") over
// the defaults. Unknown keys are errors.
func Parse(data []byte, format string) (*Config, error) {
	c := Default()
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "toml":
		md, err := toml.NewDecoder(bytes.NewReader(data)).Decode(c)
		if err != nil {
			return nil, err
		}
		if keys := md.Undecoded(); len(keys) > 0 {
			return nil, fmt.Errorf("unknown keys %v", keys)
		}
	case "yaml", "yml":
		d := yaml.NewDecoder(bytes.NewReader(data))
		d.KnownFields(true)
		if err := d.Decode(c); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%q: %w", format, ErrUnknownFormat)
	}
	return c, nil
}

// geometry returns the page table geometry named by the config.
func (c *Config) geometry() (pagetables.Geometry, error) {
	return pagetables.LookupGeometry(c.Geometry)
}

// pageOffset returns the start of the linear map: the middle of the kernel
// half unless set.
func (c *Config) pageOffset(g pagetables.Geometry) uintptr {
	if c.PageOffset != 0 {
		return uintptr(c.PageOffset)
	}
	return ^uintptr(0) << (g.VABits() - 1)
}

func (c *Config) window(g pagetables.Geometry) (uintptr, uintptr) {
	start, end := uintptr(c.WindowStart), uintptr(c.WindowEnd)
	if start == 0 {
		start = g.KernelBase()
	}
	if end == 0 {
		end = ^uintptr(0) &^ (g.BlockSize() - 1)
	}
	return start, end
}

func (c *Config) vmemmap(g pagetables.Geometry) uintptr {
	if c.Vmemmap.Start != 0 {
		return uintptr(c.Vmemmap.Start)
	}
	return c.pageOffset(g) - 1<<(g.VABits()-5)
}

// Validate checks the config for errors that would stop Init.
func (c *Config) Validate() error {
	g, err := c.geometry()
	if err != nil {
		return err
	}
	if !bits.IsAligned(uintptr(c.PhysOffset), hostarch.PageSize) {
		return fmt.Errorf("phys_offset %v is not page aligned", c.PhysOffset)
	}
	if len(c.Memory) == 0 {
		return errors.New("no memory regions")
	}
	for _, r := range c.Memory {
		if r.Size == 0 {
			return fmt.Errorf("empty memory region at %v", r.Base)
		}
		if r.Base < c.PhysOffset {
			return fmt.Errorf("memory region at %v is below phys_offset %v", r.Base, c.PhysOffset)
		}
	}
	if len(c.ContiguousAreas) > paging.MaxContiguousAreas {
		return fmt.Errorf("%d contiguous areas: %w", len(c.ContiguousAreas), paging.ErrTooManyAreas)
	}
	for _, r := range c.ContiguousAreas {
		if !bits.IsAligned(uintptr(r.Base|r.Size), hostarch.PageSize) {
			return fmt.Errorf("contiguous area %v+%v is not page aligned", r.Base, r.Size)
		}
	}
	if c.StaticTablePages < 0 {
		return fmt.Errorf("negative static_table_pages %d", c.StaticTablePages)
	}
	if c.Image.End < c.Image.InitEnd {
		return fmt.Errorf("image end %v is below init end %v", c.Image.End, c.Image.InitEnd)
	}
	if err := c.layout(g).Validate(); err != nil {
		return err
	}
	start, end := c.window(g)
	if end <= start || start < g.KernelBase() {
		return fmt.Errorf("window [%#x, %#x) is not inside the %d-bit kernel half", start, end, g.VABits())
	}
	if vm := c.vmemmap(g); !bits.IsAligned(vm, g.BlockSize()) {
		return fmt.Errorf("vmemmap start %#x is not aligned to %#x", vm, g.BlockSize())
	}
	if c.Memmap && c.Vmemmap.DescriptorSize == 0 {
		return errors.New("memmap needs a descriptor size")
	}
	return nil
}

func (c *Config) layout(g pagetables.Geometry) prot.ImageLayout {
	base := c.pageOffset(g)
	return prot.ImageLayout{
		Text:      base + uintptr(c.Image.Text),
		Rodata:    base + uintptr(c.Image.Rodata),
		InitBegin: base + uintptr(c.Image.InitBegin),
		InitEnd:   base + uintptr(c.Image.InitEnd),
	}
}

func regions(rs []Region) []memblock.Region {
	var out []memblock.Region
	for _, r := range rs {
		out = append(out, r.memblock())
	}
	return out
}

// Paging converts the config into a validated paging.Config.
func (c *Config) Paging() (paging.Config, error) {
	if err := c.Validate(); err != nil {
		return paging.Config{}, err
	}
	g, _ := c.geometry()
	start, end := c.window(g)
	return paging.Config{
		Geometry:         g,
		PhysOffset:       uintptr(c.PhysOffset),
		PageOffset:       c.pageOffset(g),
		WindowStart:      start,
		WindowEnd:        end,
		Memory:           regions(c.Memory),
		Reserved:         regions(c.Reserved),
		Layout:           c.layout(g),
		ImageEnd:         c.pageOffset(g) + uintptr(c.Image.End),
		StaticTablePages: c.StaticTablePages,
		EarlyIOVirt:      uintptr(c.EarlyIO.Virt),
		EarlyIOPhys:      uintptr(c.EarlyIO.Phys),
		VmemmapStart:     c.vmemmap(g),
		DescriptorSize:   uintptr(c.Vmemmap.DescriptorSize),
		ContiguousAreas:  regions(c.ContiguousAreas),
		CachePolicy:      c.CachePolicy,
		StrictProtection: c.StrictProtection,
		ForcePages:       c.ForcePages,
		Memmap:           c.Memmap,
		SMP:              c.SMP,
	}, nil
}

// WriteTOML writes the config in a form Parse accepts.
func (c *Config) WriteTOML(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Log writes the config to the debug log.
func (c *Config) Log() {
	if !log.IsLogging(log.Debug) {
		return
	}
	var buf bytes.Buffer
	if err := c.WriteTOML(&buf); err != nil {
		log.Warningf("Encoding config: %v", err)
		return
	}
	log.Debugf("Config:")
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		log.Debugf("\t%s", line)
	}
}
