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

// Package metric provides primitives for collecting metrics.
//
// Metrics are process-global named counters. They are created once, usually
// in a package-level var block, and incremented from anywhere.
package metric

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name is not a slash-separated
	// lowercase path.
	ErrInvalidName = errors.New("metric name is not valid")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFields indicates that more than one field was given. Only a
	// single dimension is supported.
	ErrTooManyFields = errors.New("metric has more than one field")
)

var nameRegexp = regexp.MustCompile(`^(/[a-z][a-z0-9_]*)+$`)

// Field contains the field name and allowed values for a metric field.
type Field struct {
	name          string
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
//
// Metrics are not saved across save/restore and thus reset to zero on restore.
type Uint64Metric struct {
	name        string
	description string

	// cumulative metrics only ever grow and are exported as counters; the
	// others are gauges.
	cumulative bool

	// field is nil for metrics without a breakdown.
	field *Field

	// values has one element per allowed field value, or a single element.
	values []atomic.Uint64
}

// allMetrics are the registered metrics.
var allMetrics = struct {
	mu      sync.Mutex
	uint64s map[string]*Uint64Metric
}{
	uint64s: make(map[string]*Uint64Metric),
}

// NewUint64Metric creates and registers a new cumulative metric with the
// given name.
func NewUint64Metric(name string, cumulative bool, description string, fields ...Field) (*Uint64Metric, error) {
	if !nameRegexp.MatchString(name) {
		return nil, fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		cumulative:  cumulative,
	}
	switch len(fields) {
	case 0:
		m.values = make([]atomic.Uint64, 1)
	case 1:
		if len(fields[0].allowedValues) == 0 {
			return nil, fmt.Errorf("%s: field %q: %w", name, fields[0].name, ErrFieldHasNoAllowedValues)
		}
		f := fields[0]
		m.field = &f
		m.values = make([]atomic.Uint64, len(f.allowedValues))
	default:
		return nil, fmt.Errorf("%s: %w", name, ErrTooManyFields)
	}

	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if _, ok := allMetrics.uint64s[name]; ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNameInUse)
	}
	allMetrics.uint64s[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name string, cumulative bool, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, cumulative, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Name returns the metric name.
func (m *Uint64Metric) Name() string {
	return m.name
}

// index returns the slot for the given field values. An unknown value is a
// programming error.
func (m *Uint64Metric) index(fieldValues []string) int {
	if m.field == nil {
		if len(fieldValues) != 0 {
			panic(fmt.Sprintf("metric %s has no fields, got %v", m.name, fieldValues))
		}
		return 0
	}
	if len(fieldValues) != 1 {
		panic(fmt.Sprintf("metric %s takes one field value, got %v", m.name, fieldValues))
	}
	i := slices.Index(m.field.allowedValues, fieldValues[0])
	if i < 0 {
		panic(fmt.Sprintf("metric %s: value %q not allowed for field %s", m.name, fieldValues[0], m.field.name))
	}
	return i
}

// Value returns the current value of the metric for the given set of fields.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.values[m.index(fieldValues)].Load()
}

// Increment increments the metric field by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.values[m.index(fieldValues)].Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.values[m.index(fieldValues)].Add(v)
}

// Set sets the value of a gauge.
func (m *Uint64Metric) Set(v uint64, fieldValues ...string) {
	m.values[m.index(fieldValues)].Store(v)
}

// Sample is one value of one metric at the time of a snapshot.
type Sample struct {
	Name        string
	Description string
	Cumulative  bool

	// FieldName and FieldValue are empty for metrics without fields.
	FieldName  string
	FieldValue string

	Value uint64
}

// Snapshot returns the current values of all registered metrics, sorted by
// name and then by field value order.
func Snapshot() []Sample {
	allMetrics.mu.Lock()
	names := make([]string, 0, len(allMetrics.uint64s))
	for name := range allMetrics.uint64s {
		names = append(names, name)
	}
	ms := make([]*Uint64Metric, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		ms = append(ms, allMetrics.uint64s[name])
	}
	allMetrics.mu.Unlock()

	var samples []Sample
	for _, m := range ms {
		s := Sample{
			Name:        m.name,
			Description: m.description,
			Cumulative:  m.cumulative,
		}
		if m.field == nil {
			s.Value = m.values[0].Load()
			samples = append(samples, s)
			continue
		}
		s.FieldName = m.field.name
		for i, v := range m.field.allowedValues {
			s.FieldValue = v
			s.Value = m.values[i].Load()
			samples = append(samples, s)
		}
	}
	return samples
}
