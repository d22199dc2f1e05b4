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
	"bytes"
	"errors"
	"testing"

	"github.com/prometheus/common/expfmt"
)

func TestUint64Fields(t *testing.T) {
	r := NewRegistry()
	m, err := r.NewUint64Metric("requests_total", "requests", NewField("engine", []string{"aes0", "aes1", "sha"}))
	if err != nil {
		t.Fatalf("NewUint64Metric() failed: %v", err)
	}
	m.Increment("aes1")
	m.IncrementBy(5, "sha")
	m.Increment("aes1")
	for _, tc := range []struct {
		field string
		want  uint64
	}{
		{"aes0", 0},
		{"aes1", 2},
		{"sha", 5},
	} {
		if got := m.Value(tc.field); got != tc.want {
			t.Errorf("Value(%q) = %d, want %d", tc.field, got, tc.want)
		}
	}
}

func TestRegistrationErrors(t *testing.T) {
	r := NewRegistry()
	r.MustCreateNewUint64Metric("frames_total", "frames")
	if _, err := r.NewUint64Metric("frames_total", "again"); !errors.Is(err, ErrNameInUse) {
		t.Errorf("duplicate NewUint64Metric() = %v, want ErrNameInUse", err)
	}
	if _, err := r.NewDistributionMetric("frames_total", "again", NewExponentialBucketer(3, 1, 0, 1)); !errors.Is(err, ErrNameInUse) {
		t.Errorf("duplicate NewDistributionMetric() = %v, want ErrNameInUse", err)
	}
	if _, err := r.NewUint64Metric("/bad/name", "bad"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("NewUint64Metric(/bad/name) = %v, want ErrInvalidName", err)
	}
	if _, err := r.NewUint64Metric("empty_field", "x", NewField("f", nil)); !errors.Is(err, ErrFieldHasNoAllowedValues) {
		t.Errorf("NewUint64Metric() with empty field = %v, want ErrFieldHasNoAllowedValues", err)
	}
}

func TestDisallowedFieldPanics(t *testing.T) {
	r := NewRegistry()
	m := r.MustCreateNewUint64Metric("x_total", "x", NewField("f", []string{"a"}))
	defer func() {
		if recover() == nil {
			t.Errorf("Increment(\"b\") did not panic")
		}
	}()
	m.Increment("b")
}

func TestExponentialBucketer(t *testing.T) {
	// Lower bounds 0, 1, 2, 4, 8, 16 with width 0, scale 1, growth 2.
	b := NewExponentialBucketer(5, 0, 1, 2)
	for _, tc := range []struct {
		sample int64
		want   int
	}{
		{-1, -1},
		{0, 0},
		{1, 1},
		{3, 2},
		{4, 3},
		{15, 4},
		{16, 5},
		{1000, 5},
	} {
		if got := b.BucketIndex(tc.sample); got != tc.want {
			t.Errorf("BucketIndex(%d) = %d, want %d", tc.sample, got, tc.want)
		}
	}
}

func TestWriteText(t *testing.T) {
	r := NewRegistry()
	c := r.MustCreateNewUint64Metric("vse_frames_total", "Frames sent.")
	d := r.MustCreateNewDistributionMetric("vse_batch_size", "Requests per batch.", NewExponentialBucketer(5, 0, 1, 2))
	c.IncrementBy(3)
	d.AddSample(1)
	d.AddSample(3)
	d.AddSample(100)

	var buf bytes.Buffer
	if _, err := r.WriteText(&buf); err != nil {
		t.Fatalf("WriteText() failed: %v", err)
	}
	mfs, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("parsing exported text: %v", err)
	}
	if got := mfs["vse_frames_total"].GetMetric()[0].GetCounter().GetValue(); got != 3 {
		t.Errorf("vse_frames_total = %v, want 3", got)
	}
	h := mfs["vse_batch_size"].GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 3 || h.GetSampleSum() != 104 {
		t.Errorf("vse_batch_size count/sum = %d/%v, want 3/104", h.GetSampleCount(), h.GetSampleSum())
	}
	if d.Count() != 3 {
		t.Errorf("Count() = %d, want 3", d.Count())
	}
}
