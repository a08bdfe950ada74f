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

package devmem_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/accelstack/devmem/pkg/devmem"
	"github.com/accelstack/devmem/pkg/devrt"
)

func gatherFamilies(t *testing.T, m *devmem.Manager) map[string]*model.MetricFamily {
	t.Helper()

	r := prometheus.NewPedanticRegistry()
	require.NoError(t, r.Register(m.MetricsCollector()))

	mfs, err := r.Gather()
	require.NoError(t, err)

	families := map[string]*model.MetricFamily{}
	for _, mf := range mfs {
		families[mf.GetName()] = mf
	}
	return families
}

func findMetric(f *model.MetricFamily, slot string) *model.Metric {
	for _, m := range f.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == "slot" && l.GetValue() == slot {
				return m
			}
		}
	}
	return nil
}

func TestAllocatorMetricsCollection(t *testing.T) {
	s := newMockSetup(t, 2, true)

	_, err := s.mgr.GetAllocator(devrt.Accel(0))
	require.NoError(t, err)
	_, err = s.mgr.GetAllocator(devrt.Host())
	require.NoError(t, err)

	mock := s.made[0].(*mockCacheAllocator)
	mock.allocated = 4096
	mock.reserved = 1 << 20
	mock.maxAllocated = 8192
	mock.maxReserved = 2 << 20

	families := gatherFamilies(t, s.mgr)
	for name, want := range map[string]float64{
		"allocated_bytes":     4096,
		"reserved_bytes":      1 << 20,
		"max_allocated_bytes": 8192,
		"max_reserved_bytes":  2 << 20,
	} {
		f, ok := families[name]
		require.True(t, ok, "family %q", name)

		// one metric per instantiated caching allocator: slot #0 and host
		require.Len(t, f.GetMetric(), 2, "family %q", name)

		m := findMetric(f, "0")
		require.NotNil(t, m, "family %q, slot #0", name)
		require.Equal(t, want, m.GetGauge().GetValue(), "family %q", name)
	}

	f := families["allocated_bytes"]
	host := findMetric(f, "2")
	require.NotNil(t, host)
	require.Zero(t, host.GetGauge().GetValue())

	var labels = map[string]string{}
	for _, l := range findMetric(f, "0").GetLabel() {
		labels[l.GetName()] = l.GetValue()
	}
	require.Equal(t, map[string]string{
		"slot":      "0",
		"class":     "accel",
		"algorithm": "MOCK",
	}, labels)
}

func TestAllocatorMetricsSkipNonCaching(t *testing.T) {
	s := newMockSetup(t, 1, false)

	_, err := s.mgr.GetAllocator(devrt.Accel(0))
	require.NoError(t, err)

	families := gatherFamilies(t, s.mgr)
	require.Empty(t, families)
}

func TestAllocatorMetricsOnlyInstantiatedSlots(t *testing.T) {
	s := newMockSetup(t, 3, true)

	_, err := s.mgr.GetAllocator(devrt.Accel(1))
	require.NoError(t, err)

	families := gatherFamilies(t, s.mgr)
	f, ok := families["reserved_bytes"]
	require.True(t, ok)
	require.Len(t, f.GetMetric(), 1)
	require.NotNil(t, findMetric(f, "1"))
}
