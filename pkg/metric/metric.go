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

// Package metric provides counters and distributions for the security engine
// frontend, exported in the Prometheus text format.
package metric

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/prometheus/common/model"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name is not a valid Prometheus
	// metric name.
	ErrInvalidName = errors.New("invalid metric name")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name. It becomes a Prometheus label.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues []string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// fieldMapper maps a combination of field values to a single integer key.
type fieldMapper struct {
	fields []Field

	// numFieldCombinations is the number of unique keys for all possible field
	// combinations.
	numFieldCombinations int
}

func newFieldMapper(fields ...Field) (fieldMapper, error) {
	numFieldCombinations := 1
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return fieldMapper{}, ErrFieldHasNoAllowedValues
		}
		numFieldCombinations *= len(f.allowedValues)
		if numFieldCombinations > math.MaxUint32 {
			return fieldMapper{}, ErrTooManyFieldCombinations
		}
	}
	return fieldMapper{
		fields:               fields,
		numFieldCombinations: numFieldCombinations,
	}, nil
}

// lookup returns the key of a field value combination. It panics on a wrong
// number of values or a disallowed value.
func (m fieldMapper) lookup(values ...string) int {
	if len(values) != len(m.fields) {
		panic("invalid field lookup depth")
	}
	idx := 0
	bucket := m.numFieldCombinations
Lookup:
	for i, val := range values {
		for valIdx, allowed := range m.fields[i].allowedValues {
			if val == allowed {
				bucket /= len(m.fields[i].allowedValues)
				idx += bucket * valIdx
				continue Lookup
			}
		}
		panic(fmt.Sprintf("disallowed value %q for field %q", val, m.fields[i].name))
	}
	return idx
}

// keyToMultiField is the reverse of lookup.
func (m fieldMapper) keyToMultiField(key int) []string {
	if len(m.fields) == 0 {
		return nil
	}
	values := make([]string, len(m.fields))
	bucket := m.numFieldCombinations
	for i, f := range m.fields {
		bucket /= len(f.allowedValues)
		values[i] = f.allowedValues[key/bucket]
		key %= bucket
	}
	return values
}

// Uint64Metric is a cumulative counter, optionally broken down by fields.
type Uint64Metric struct {
	name        string
	description string
	fieldMapper fieldMapper
	fields      []atomic.Uint64
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.fields[m.fieldMapper.lookup(fieldValues...)].Load()
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(1)
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(v)
}

// Registry is a set of metrics with unique names.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu sync.Mutex

	// +checklocks:mu
	uint64Metrics map[string]*Uint64Metric
	// +checklocks:mu
	distributionMetrics map[string]*DistributionMetric
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		uint64Metrics:       make(map[string]*Uint64Metric),
		distributionMetrics: make(map[string]*DistributionMetric),
	}
}

// +checklocks:r.mu
func (r *Registry) checkName(name string) error {
	if !model.IsValidMetricName(model.LabelValue(name)) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if _, ok := r.uint64Metrics[name]; ok {
		return ErrNameInUse
	}
	if _, ok := r.distributionMetrics[name]; ok {
		return ErrNameInUse
	}
	return nil
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
func (r *Registry) NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkName(name); err != nil {
		return nil, err
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		fieldMapper: f,
		fields:      make([]atomic.Uint64, f.numFieldCombinations),
	}
	r.uint64Metrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func (r *Registry) MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := r.NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// MustGetOrCreateUint64Metric returns the counter registered under name,
// creating it if needed. It panics if name is taken by a distribution or
// creation fails.
func (r *Registry) MustGetOrCreateUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	r.mu.Lock()
	m, ok := r.uint64Metrics[name]
	r.mu.Unlock()
	if ok {
		return m
	}
	return r.MustCreateNewUint64Metric(name, description, fields...)
}
