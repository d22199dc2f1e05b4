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
	"io"
	"sort"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

func labels(fm fieldMapper, key int) []*dto.LabelPair {
	values := fm.keyToMultiField(key)
	pairs := make([]*dto.LabelPair, len(values))
	for i, v := range values {
		pairs[i] = &dto.LabelPair{
			Name:  proto.String(fm.fields[i].name),
			Value: proto.String(v),
		}
	}
	return pairs
}

func (m *Uint64Metric) family() *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(m.name),
		Help: proto.String(m.description),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for key := range m.fields {
		mf.Metric = append(mf.Metric, &dto.Metric{
			Label:   labels(m.fieldMapper, key),
			Counter: &dto.Counter{Value: proto.Float64(float64(m.fields[key].Load()))},
		})
	}
	return mf
}

func (d *DistributionMetric) family() *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(d.name),
		Help: proto.String(d.description),
		Type: dto.MetricType_HISTOGRAM.Enum(),
	}
	n := d.bucketer.NumFiniteBuckets()
	for key, samples := range d.samples {
		// Prometheus buckets are cumulative and bounded above. Finite bucket
		// i holds samples below LowerBound(i+1); underflow samples count in
		// every bucket.
		h := &dto.Histogram{SampleSum: proto.Float64(float64(d.sums[key].Load()))}
		cumulative := samples[0].Load()
		for i := 0; i < n; i++ {
			cumulative += samples[i+1].Load()
			h.Bucket = append(h.Bucket, &dto.Bucket{
				CumulativeCount: proto.Uint64(cumulative),
				UpperBound:      proto.Float64(float64(d.bucketer.LowerBound(i+1))),
			})
		}
		cumulative += samples[n+1].Load()
		h.SampleCount = proto.Uint64(cumulative)
		mf.Metric = append(mf.Metric, &dto.Metric{
			Label:     labels(d.fieldsToKey, key),
			Histogram: h,
		})
	}
	return mf
}

// Gather returns a snapshot of every metric, sorted by name.
func (r *Registry) Gather() []*dto.MetricFamily {
	r.mu.Lock()
	defer r.mu.Unlock()
	var mfs []*dto.MetricFamily
	for _, m := range r.uint64Metrics {
		mfs = append(mfs, m.family())
	}
	for _, d := range r.distributionMetrics {
		mfs = append(mfs, d.family())
	}
	sort.Slice(mfs, func(i, j int) bool {
		return mfs[i].GetName() < mfs[j].GetName()
	})
	return mfs
}

// WriteText writes a snapshot of every metric to w in the Prometheus text
// exposition format.
func (r *Registry) WriteText(w io.Writer) (int, error) {
	written := 0
	for _, mf := range r.Gather() {
		n, err := expfmt.MetricFamilyToText(w, mf)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
