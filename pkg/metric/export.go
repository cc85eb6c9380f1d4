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
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// ExporterPrefix is prepended to all exported metric names.
const ExporterPrefix = "keep_"

// exportName converts a metric name such as "/proxy/calls" to a Prometheus
// metric name such as "keep_proxy_calls".
func exportName(name string) string {
	return ExporterPrefix + strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
}

// escapeHelp applies the Prometheus description escape rules: only
// backslashes and line breaks need escaping.
func escapeHelp(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\\", "\\\\"), "\n", "\\n")
}

func labels(fields []Field, values []string, extra ...string) string {
	if len(fields) == 0 && len(extra) == 0 {
		return ""
	}
	var parts []string
	for i, f := range fields {
		parts = append(parts, fmt.Sprintf("%s=%q", f.name, values[i]))
	}
	for i := 0; i+1 < len(extra); i += 2 {
		parts = append(parts, fmt.Sprintf("%s=%q", extra[i], extra[i+1]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func writeHeader(w io.Writer, name string, md Metadata, typ string) {
	if md.Description != "" {
		fmt.Fprintf(w, "# HELP %s %s\n", name, escapeHelp(md.Description))
	}
	fmt.Fprintf(w, "# TYPE %s %s\n", name, typ)
}

// WriteText writes the current value of every registered metric to w in the
// Prometheus text exposition format.
func WriteText(w io.Writer) error {
	mu.Lock()
	var names []string
	for name := range allMetrics.uint64Metrics {
		names = append(names, name)
	}
	for name := range allMetrics.distributionMetrics {
		names = append(names, name)
	}
	set := allMetrics
	mu.Unlock()
	sort.Strings(names)

	bw := bufio.NewWriter(w)
	for _, name := range names {
		if m, ok := set.uint64Metrics[name]; ok {
			m.writeText(bw)
			continue
		}
		set.distributionMetrics[name].writeText(bw)
	}
	return bw.Flush()
}

func (m *Uint64Metric) writeText(w io.Writer) {
	name := exportName(m.metadata.Name)
	writeHeader(w, name, m.metadata, "counter")
	for key := range m.fields {
		values := m.fieldMapper.keyToMultiField(key)
		fmt.Fprintf(w, "%s%s %d\n", name, labels(m.metadata.Fields, values), m.fields[key].Load())
	}
}

func (d *DistributionMetric) writeText(w io.Writer) {
	name := exportName(d.metadata.Name)
	writeHeader(w, name, d.metadata, "histogram")
	n := d.bucketer.NumFiniteBuckets()
	for key := range d.samples {
		values := d.fieldsToKey.keyToMultiField(key)
		// The underflow bucket only holds negative samples.
		cumulative := d.samples[key][0].Load()
		for i := 0; i < n; i++ {
			cumulative += d.samples[key][i+1].Load()
			le := fmt.Sprintf("%d", d.bucketer.LowerBound(i+1)-1)
			fmt.Fprintf(w, "%s_bucket%s %d\n", name, labels(d.metadata.Fields, values, "le", le), cumulative)
		}
		cumulative += d.samples[key][n+1].Load()
		fmt.Fprintf(w, "%s_bucket%s %d\n", name, labels(d.metadata.Fields, values, "le", "+Inf"), cumulative)
		fmt.Fprintf(w, "%s_sum%s %d\n", name, labels(d.metadata.Fields, values), d.sums[key].Load())
		fmt.Fprintf(w, "%s_count%s %d\n", name, labels(d.metadata.Fields, values), cumulative)
	}
}
