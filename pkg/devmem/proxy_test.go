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

	"github.com/stretchr/testify/require"

	"github.com/accelstack/devmem/pkg/devmem"
	"github.com/accelstack/devmem/pkg/devrt"
)

func TestProxyInstallation(t *testing.T) {
	s := newMockSetup(t, 1, false)

	require.NoError(t, s.mgr.InitCachingAllocator())
	require.NotNil(t, s.mgr.Proxy())

	for _, name := range []devmem.AlgorithmName{devmem.NativeProxyName, devmem.CompatProxyName} {
		e, ok := s.reg.Lookup(devmem.ClassAccel, name)
		require.True(t, ok)
		require.Equal(t, devmem.ProxyPriority, e.Priority)
	}

	err := s.mgr.InitCachingAllocator()
	require.ErrorIs(t, err, devmem.ErrConfiguration)

	err = s.reg.Register(devmem.ClassAccel, devmem.NativeProxyName, devmem.RegistryEntry{
		Factory:  nopFactory,
		Priority: devmem.ProxyPriority,
	})
	require.ErrorIs(t, err, devmem.ErrConfiguration)
}

func TestProxyDefaultStreamFastPath(t *testing.T) {
	s := newMockSetup(t, 1, false)
	require.NoError(t, s.mgr.InitCachingAllocator())

	b, err := s.mgr.Allocate(devrt.Accel(0), 4096)
	require.NoError(t, err)
	require.NotNil(t, b)

	stats, err := s.rt.StreamStats(s.rt.DefaultStream(0))
	require.NoError(t, err)
	require.Zero(t, stats.Records)
	require.Zero(t, stats.Waits)

	inner := s.made[0].(*mockAllocator)
	require.EqualValues(t, 1, inner.allocs.Load())
}

func TestProxyNonDefaultStreamOrdering(t *testing.T) {
	s := newMockSetup(t, 1, false)
	require.NoError(t, s.mgr.InitCachingAllocator())

	stream, err := s.rt.NewStream(0)
	require.NoError(t, err)
	require.NoError(t, s.rt.SetCurrentStream(stream))

	def := s.rt.DefaultStream(0)

	for i := 1; i <= 2; i++ {
		_, err := s.mgr.Allocate(devrt.Accel(0), 4096)
		require.NoError(t, err)

		defStats, err := s.rt.StreamStats(def)
		require.NoError(t, err)
		require.EqualValues(t, i, defStats.Records)
		require.Zero(t, defStats.Waits)

		curStats, err := s.rt.StreamStats(stream)
		require.NoError(t, err)
		require.EqualValues(t, i, curStats.Waits)
		require.Zero(t, curStats.Records)
	}
}

func TestProxyHostBypass(t *testing.T) {
	s := newMockSetup(t, 2, false)
	require.NoError(t, s.mgr.InitCachingAllocator())

	stream, err := s.rt.NewStream(0)
	require.NoError(t, err)
	require.NoError(t, s.rt.SetCurrentStream(stream))

	b, err := s.mgr.Allocate(devrt.Host(), 8192)
	require.NoError(t, err)
	require.NotNil(t, b)

	for dev := 0; dev < 2; dev++ {
		stats, err := s.rt.StreamStats(s.rt.DefaultStream(dev))
		require.NoError(t, err)
		require.Zero(t, stats.Records)
		require.Zero(t, stats.Waits)
	}

	host := s.made[s.mgr.HostSlot()].(*mockAllocator)
	require.EqualValues(t, 1, host.allocs.Load())
}

func TestProxyNotAvailableAsSlotAlgorithm(t *testing.T) {
	s := &mockSetup{
		rt:   devrt.NewFake(devrt.WithDeviceCount(1)),
		reg:  devmem.NewRegistry(),
		made: make(map[devmem.PhysicalSlot]devmem.Allocator),
	}
	s.registerMock(t, devmem.ClassAccel, "MOCK", false)
	s.registerMock(t, devmem.ClassHost, "MOCK", false)

	mgr, err := devmem.NewManager(
		devmem.WithRuntime(s.rt),
		devmem.WithRegistry(s.reg),
		devmem.WithConfig(&devmem.Config{
			AccelAlgorithm: devmem.NativeProxyName,
			HostAlgorithm:  "MOCK",
		}),
	)
	require.NoError(t, err)
	require.NoError(t, mgr.InitCachingAllocator())

	_, err = mgr.GetAllocator(devrt.Accel(0))
	require.ErrorIs(t, err, devmem.ErrConfiguration)
}

func TestAllocationWithoutProxy(t *testing.T) {
	s := newMockSetup(t, 1, false)

	stream, err := s.rt.NewStream(0)
	require.NoError(t, err)
	require.NoError(t, s.rt.SetCurrentStream(stream))

	_, err = s.mgr.Allocate(devrt.Accel(0), 4096)
	require.NoError(t, err)

	defStats, err := s.rt.StreamStats(s.rt.DefaultStream(0))
	require.NoError(t, err)
	require.Zero(t, defStats.Records)

	curStats, err := s.rt.StreamStats(stream)
	require.NoError(t, err)
	require.Zero(t, curStats.Waits)
}

func TestProxyCapabilityForwarding(t *testing.T) {
	s := newMockSetup(t, 1, true)
	require.NoError(t, s.mgr.InitCachingAllocator())

	_, err := s.mgr.Allocate(devrt.Accel(0), 4096)
	require.NoError(t, err)

	inner := s.made[0].(*mockCacheAllocator)
	inner.allocated = 4096
	inner.reserved = 8192

	proxy := s.mgr.Proxy()
	require.EqualValues(t, 4096, proxy.AllocatedBytes())
	require.EqualValues(t, 8192, proxy.ReservedBytes())

	require.NoError(t, proxy.EmptyCache())
	require.EqualValues(t, 1, inner.emptied.Load())
}
