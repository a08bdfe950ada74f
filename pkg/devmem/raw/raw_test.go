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

package raw_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/accelstack/devmem/pkg/devmem"
	"github.com/accelstack/devmem/pkg/devmem/raw"
	"github.com/accelstack/devmem/pkg/devrt"
)

func TestPassThroughAllocation(t *testing.T) {
	rt := devrt.NewFake(devrt.WithDeviceCount(1))
	a := raw.New(devmem.ClassAccel, 0, raw.WithRuntime(rt))

	b, err := a.Allocate(4096)
	require.NoError(t, err)
	require.EqualValues(t, 4096, b.Size())

	stats, err := rt.DeviceStats(0)
	require.NoError(t, err)
	require.EqualValues(t, 4096, stats.Used)
	require.Equal(t, 1, stats.Allocs)

	require.NoError(t, a.Free(b))

	stats, err = rt.DeviceStats(0)
	require.NoError(t, err)
	require.Zero(t, stats.Used, "freed memory must go back immediately")
	require.Zero(t, stats.Allocs)
}

func TestHostPassThrough(t *testing.T) {
	rt := devrt.NewFake(devrt.WithDeviceCount(1))
	a := raw.New(devmem.ClassHost, 1, raw.WithRuntime(rt))

	b, err := a.Allocate(8192)
	require.NoError(t, err)
	require.EqualValues(t, 8192, rt.HostStats().Used)

	require.NoError(t, a.Free(b))
	require.Zero(t, rt.HostStats().Used)
}

func TestNoCachingCapability(t *testing.T) {
	rt := devrt.NewFake(devrt.WithDeviceCount(1))

	var a devmem.Allocator = raw.New(devmem.ClassAccel, 0, raw.WithRuntime(rt))

	_, ok := a.(devmem.CacheAllocator)
	require.False(t, ok, "pass-through allocators must not look cache-capable")
}

func TestUntrackedBlocks(t *testing.T) {
	rt := devrt.NewFake(devrt.WithDeviceCount(1))
	a := raw.New(devmem.ClassAccel, 0, raw.WithRuntime(rt))

	b, err := a.Allocate(4096)
	require.NoError(t, err)
	require.Nil(t, b.StreamContext())

	// recording a stream on an untracked block is a silent no-op
	devmem.RecordStream(b, rt.DefaultStream(0))
	require.Nil(t, b.StreamContext())

	require.NoError(t, a.Free(b))
}

func TestExhaustionPropagation(t *testing.T) {
	rt := devrt.NewFake(devrt.WithDeviceCount(1), devrt.WithDeviceMemory(4096))
	a := raw.New(devmem.ClassAccel, 0, raw.WithRuntime(rt))

	b, err := a.Allocate(4096)
	require.NoError(t, err)

	_, err = a.Allocate(4096)
	require.ErrorIs(t, err, devmem.ErrResourceExhaustion)

	require.NoError(t, a.Free(b))

	_, err = a.Allocate(0)
	require.ErrorIs(t, err, devmem.ErrInvalidBlock)
}

func TestRegistration(t *testing.T) {
	for _, class := range []devmem.DeviceClass{devmem.ClassAccel, devmem.ClassHost} {
		e, ok := devmem.DefaultRegistry().Lookup(class, raw.Name)
		require.True(t, ok, "%s registration", class)
		require.Zero(t, e.Priority)
		require.Equal(t, devmem.AlgorithmName(raw.Name), e.Factory(0).Name())
	}
}
