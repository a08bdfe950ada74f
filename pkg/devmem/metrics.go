// Copyright The devmem Authors. All Rights Reserved.
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

package devmem

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/accelstack/devmem/pkg/metrics"
)

const (
	descAllocated = iota
	descReserved
	descMaxAllocated
	descMaxReserved
)

var descriptors = []*prometheus.Desc{
	descAllocated: prometheus.NewDesc(
		"allocated_bytes",
		"Bytes currently allocated from a slot's allocator.",
		[]string{
			"slot",
			"class",
			"algorithm",
		},
		nil,
	),
	descReserved: prometheus.NewDesc(
		"reserved_bytes",
		"Bytes a slot's allocator holds from the runtime, live and cached.",
		[]string{
			"slot",
			"class",
			"algorithm",
		},
		nil,
	),
	descMaxAllocated: prometheus.NewDesc(
		"max_allocated_bytes",
		"High watermark of allocated bytes of a slot's allocator.",
		[]string{
			"slot",
			"class",
			"algorithm",
		},
		nil,
	),
	descMaxReserved: prometheus.NewDesc(
		"max_reserved_bytes",
		"High watermark of reserved bytes of a slot's allocator.",
		[]string{
			"slot",
			"class",
			"algorithm",
		},
		nil,
	),
}

// AllocatorCollector exports the memory metrics of the caching allocators
// of a manager. Allocators without the CacheAllocator capability export
// nothing.
type AllocatorCollector struct {
	m *Manager
}

// MetricsCollector returns a collector for the manager's allocator
// metrics, for registration in an external prometheus registry.
func (m *Manager) MetricsCollector() prometheus.Collector {
	return &AllocatorCollector{m: m}
}

// RegisterMetrics registers the manager's allocator metrics collector
// in the allocator metrics group.
func (m *Manager) RegisterMetrics(options ...metrics.RegisterOption) error {
	c := &AllocatorCollector{m: m}
	options = append([]metrics.RegisterOption{metrics.WithGroup("allocator")}, options...)
	return metrics.Register("allocators", c, options...)
}

// Describe implements prometheus.Collector.
func (c *AllocatorCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *AllocatorCollector) Collect(ch chan<- prometheus.Metric) {
	for _, slot := range c.m.createdSlots() {
		a, ok := c.m.createdAllocator(slot)
		if !ok {
			continue
		}

		ca, ok := a.(CacheAllocator)
		if !ok {
			continue
		}

		labels := []string{
			strconv.Itoa(slot),
			c.m.classOf(slot).String(),
			a.Name(),
		}

		ch <- prometheus.MustNewConstMetric(descriptors[descAllocated],
			prometheus.GaugeValue, float64(ca.AllocatedBytes()), labels...)
		ch <- prometheus.MustNewConstMetric(descriptors[descReserved],
			prometheus.GaugeValue, float64(ca.ReservedBytes()), labels...)
		ch <- prometheus.MustNewConstMetric(descriptors[descMaxAllocated],
			prometheus.GaugeValue, float64(ca.PeakAllocatedBytes()), labels...)
		ch <- prometheus.MustNewConstMetric(descriptors[descMaxReserved],
			prometheus.GaugeValue, float64(ca.PeakReservedBytes()), labels...)
	}
}

// DumpMetrics debug-dumps the current allocator metrics of the manager.
func (m *Manager) DumpMetrics(context ...interface{}) {
	if !details.DebugEnabled() {
		return
	}

	prefix := formatPrefix(context...)

	r := prometheus.NewPedanticRegistry()
	if err := r.Register(&AllocatorCollector{m: m}); err != nil {
		details.Error("%s failed to gather allocator metrics: %v", prefix, err)
		return
	}

	mfs, err := r.Gather()
	if err != nil {
		details.Error("%s failed to gather allocator metrics: %v", prefix, err)
		return
	}

	for _, mf := range mfs {
		dump(prefix, mf)
	}
}

// dump debug-dumps a single MetricFamily.
func dump(prefix string, f *model.MetricFamily) {
	buf := &bytes.Buffer{}
	if _, err := expfmt.MetricFamilyToText(buf, f); err != nil {
		return
	}
	details.DebugBlock("  <"+prefix+"> ", "%s", strings.TrimSpace(buf.String()))
}
