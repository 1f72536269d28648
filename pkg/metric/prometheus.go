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
	"io"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// PrometheusName converts a metric name such as "/kmap/tlb_flushes" into the
// Prometheus form "prefix_kmap_tlb_flushes".
func PrometheusName(prefix, name string) string {
	n := strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
	if prefix == "" {
		return n
	}
	return prefix + "_" + n
}

// families groups samples into one metric family per metric.
func families(prefix string, samples []Sample) []*dto.MetricFamily {
	var (
		out []*dto.MetricFamily
		cur *dto.MetricFamily
	)
	for _, s := range samples {
		name := PrometheusName(prefix, s.Name)
		if cur == nil || cur.GetName() != name {
			typ := dto.MetricType_GAUGE
			if s.Cumulative {
				typ = dto.MetricType_COUNTER
			}
			cur = &dto.MetricFamily{
				Name: proto.String(name),
				Help: proto.String(s.Description),
				Type: typ.Enum(),
			}
			out = append(out, cur)
		}
		m := &dto.Metric{}
		if s.FieldName != "" {
			m.Label = []*dto.LabelPair{{
				Name:  proto.String(s.FieldName),
				Value: proto.String(s.FieldValue),
			}}
		}
		if s.Cumulative {
			m.Counter = &dto.Counter{Value: proto.Float64(float64(s.Value))}
		} else {
			m.Gauge = &dto.Gauge{Value: proto.Float64(float64(s.Value))}
		}
		cur.Metric = append(cur.Metric, m)
	}
	return out
}

// WritePrometheus writes a snapshot of all metrics to w in the Prometheus
// text exposition format.
func WritePrometheus(w io.Writer, prefix string) error {
	for _, mf := range families(prefix, Snapshot()) {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metric %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
