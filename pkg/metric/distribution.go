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

package metric

import (
	"fmt"
	"math"
	"sync/atomic"
)

// Bucketer is an interface to bucket values into finite, distinct buckets.
type Bucketer interface {
	// NumFiniteBuckets is the number of finite buckets in the distribution.
	NumFiniteBuckets() int

	// LowerBound returns the inclusive lower bound of bucket i, for i in
	// [0, NumFiniteBuckets()]. Bucket NumFiniteBuckets() is unbounded above.
	LowerBound(bucketIndex int) int64

	// BucketIndex returns the bucket a sample falls into, NumFiniteBuckets()
	// for the overflow bucket, or -1 for samples below every bucket.
	BucketIndex(sample int64) int
}

// ExponentialBucketer implements Bucketer, with the first bucket starting
// with 0 as lowest bound with `width` width, and each subsequent bucket being
// wider by a scaled exponentially-growing series.
type ExponentialBucketer struct {
	numFiniteBuckets int
	width            float64
	scale            float64
	growth           float64

	// maxSample is the max sample value which can be represented in a finite
	// bucket.
	maxSample int64

	// lowerBounds[i] is the lower bound of finite bucket i;
	// lowerBounds[numFiniteBuckets] is the lower bound of the overflow bucket.
	lowerBounds []int64
}

// Minimum/maximum finite buckets for exponential bucketers.
const (
	exponentialMinBuckets = 1
	exponentialMaxBuckets = 100
)

// NewExponentialBucketer returns a new Bucketer with exponential buckets.
func NewExponentialBucketer(numFiniteBuckets int, width uint64, scale, growth float64) *ExponentialBucketer {
	if numFiniteBuckets < exponentialMinBuckets || numFiniteBuckets > exponentialMaxBuckets {
		panic(fmt.Sprintf("number of finite buckets must be in [%d, %d]", exponentialMinBuckets, exponentialMaxBuckets))
	}
	if scale < 0 || growth < 0 {
		panic(fmt.Sprintf("scale and growth for exponential buckets must be >0, got scale=%f and growth=%f", scale, growth))
	}
	b := &ExponentialBucketer{
		numFiniteBuckets: numFiniteBuckets,
		width:            float64(width),
		scale:            scale,
		growth:           growth,
		lowerBounds:      make([]int64, numFiniteBuckets+1),
	}
	for i := 1; i <= numFiniteBuckets; i++ {
		b.lowerBounds[i] = int64(b.width*float64(i) + b.scale*math.Pow(b.growth, float64(i-1)))
		if b.lowerBounds[i] < 0 {
			panic(fmt.Sprintf("encountered bucket width overflow at bucket %d", i))
		}
	}
	b.maxSample = b.lowerBounds[numFiniteBuckets] - 1
	return b
}

// NumFiniteBuckets implements Bucketer.NumFiniteBuckets.
func (b *ExponentialBucketer) NumFiniteBuckets() int {
	return b.numFiniteBuckets
}

// LowerBound implements Bucketer.LowerBound.
func (b *ExponentialBucketer) LowerBound(bucketIndex int) int64 {
	return b.lowerBounds[bucketIndex]
}

// BucketIndex implements Bucketer.BucketIndex.
func (b *ExponentialBucketer) BucketIndex(sample int64) int {
	if sample < 0 {
		return -1
	}
	if sample > b.maxSample {
		return b.numFiniteBuckets
	}
	low, high := 0, b.numFiniteBuckets
	for {
		pivot := (low + high) >> 1
		if sample < b.lowerBounds[pivot] {
			high = pivot
			continue
		}
		if sample >= b.lowerBounds[pivot+1] {
			low = pivot
			continue
		}
		return pivot
	}
}

var _ Bucketer = (*ExponentialBucketer)(nil)

// DistributionMetric counts samples per bucket, optionally broken down by
// fields.
type DistributionMetric struct {
	name        string
	description string
	bucketer    Bucketer
	fieldsToKey fieldMapper

	// samples[key][0] is the underflow bucket, samples[key][i+1] is finite
	// bucket i and the last entry is the overflow bucket.
	samples [][]atomic.Uint64

	// sums[key] is the sum of all samples added under key.
	sums []atomic.Int64
}

// NewDistributionMetric creates and registers a new distribution metric.
func (r *Registry) NewDistributionMetric(name, description string, bucketer Bucketer, fields ...Field) (*DistributionMetric, error) {
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkName(name); err != nil {
		return nil, err
	}
	d := &DistributionMetric{
		name:        name,
		description: description,
		bucketer:    bucketer,
		fieldsToKey: f,
		samples:     make([][]atomic.Uint64, f.numFieldCombinations),
		sums:        make([]atomic.Int64, f.numFieldCombinations),
	}
	for i := range d.samples {
		d.samples[i] = make([]atomic.Uint64, bucketer.NumFiniteBuckets()+2)
	}
	r.distributionMetrics[name] = d
	return d, nil
}

// MustCreateNewDistributionMetric creates and registers a distribution metric.
// If an error occurs, it panics.
func (r *Registry) MustCreateNewDistributionMetric(name, description string, bucketer Bucketer, fields ...Field) *DistributionMetric {
	d, err := r.NewDistributionMetric(name, description, bucketer, fields...)
	if err != nil {
		panic(err)
	}
	return d
}

// AddSample adds a sample to the distribution.
// This *must* be called with the correct number of fields, or it will panic.
func (d *DistributionMetric) AddSample(sample int64, fields ...string) {
	key := d.fieldsToKey.lookup(fields...)
	d.samples[key][d.bucketer.BucketIndex(sample)+1].Add(1)
	d.sums[key].Add(sample)
}

// Count returns the number of samples added with the given fields.
func (d *DistributionMetric) Count(fields ...string) uint64 {
	var n uint64
	buckets := d.samples[d.fieldsToKey.lookup(fields...)]
	for i := range buckets {
		n += buckets[i].Load()
	}
	return n
}

// MustGetOrCreateDistributionMetric returns the distribution registered under
// name, creating it if needed.
func (r *Registry) MustGetOrCreateDistributionMetric(name, description string, bucketer Bucketer, fields ...Field) *DistributionMetric {
	r.mu.Lock()
	d, ok := r.distributionMetrics[name]
	r.mu.Unlock()
	if ok {
		return d
	}
	return r.MustCreateNewDistributionMetric(name, description, bucketer, fields...)
}
