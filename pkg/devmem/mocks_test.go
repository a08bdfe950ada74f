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
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/accelstack/devmem/pkg/devmem"
	"github.com/accelstack/devmem/pkg/devrt"
)

// mockAllocator implements the plain Allocator interface without the
// CacheAllocator capability.
type mockAllocator struct {
	name     devmem.AlgorithmName
	class    devmem.DeviceClass
	slot     devmem.PhysicalSlot
	allocErr error
	nextPtr  devrt.Ptr
	allocs   atomic.Int32
	frees    atomic.Int32
}

func (m *mockAllocator) Name() devmem.AlgorithmName {
	return m.name
}

func (m *mockAllocator) Allocate(size int64) (*devmem.Block, error) {
	if m.allocErr != nil {
		return nil, m.allocErr
	}
	m.allocs.Add(1)
	m.nextPtr += 0x1000
	return devmem.NewBlock(m.class, m.slot, m.nextPtr, size), nil
}

func (m *mockAllocator) Free(b *devmem.Block) error {
	m.frees.Add(1)
	return nil
}

// mockCacheAllocator adds the CacheAllocator capability on top of
// mockAllocator, with canned metric values and injectable errors.
type mockCacheAllocator struct {
	mockAllocator
	emptyErr   error
	releaseErr error
	emptied    atomic.Int32
	released   atomic.Int32

	allocated    int64
	reserved     int64
	maxAllocated int64
	maxReserved  int64
}

func (m *mockCacheAllocator) EmptyCache() error {
	m.emptied.Add(1)
	return m.emptyErr
}

func (m *mockCacheAllocator) ReleaseAll() error {
	m.released.Add(1)
	return m.releaseErr
}

func (m *mockCacheAllocator) AllocatedBytes() int64 {
	return m.allocated
}

func (m *mockCacheAllocator) ReservedBytes() int64 {
	return m.reserved
}

func (m *mockCacheAllocator) PeakAllocatedBytes() int64 {
	return m.maxAllocated
}

func (m *mockCacheAllocator) PeakReservedBytes() int64 {
	return m.maxReserved
}

// mockSetup wires a fake runtime, a private registry and a manager
// together for a test.
type mockSetup struct {
	rt      *devrt.Fake
	reg     *devmem.Registry
	mgr     *devmem.Manager
	made    map[devmem.PhysicalSlot]devmem.Allocator
	factory atomic.Int32
}

// registerMock registers a factory producing mock allocators under the
// given name, counting factory invocations and retaining the instances.
func (s *mockSetup) registerMock(t *testing.T, class devmem.DeviceClass, name devmem.AlgorithmName, caching bool) {
	t.Helper()

	err := s.reg.Register(class, name, devmem.RegistryEntry{
		Factory: func(slot devmem.PhysicalSlot) devmem.Allocator {
			s.factory.Add(1)

			var a devmem.Allocator
			if caching {
				a = &mockCacheAllocator{
					mockAllocator: mockAllocator{name: name, class: class, slot: slot},
				}
			} else {
				a = &mockAllocator{name: name, class: class, slot: slot}
			}

			if s.made != nil {
				s.made[slot] = a
			}
			return a
		},
		Priority: 0,
	})
	require.NoError(t, err)
}

// newMockSetup creates a manager over a fake runtime with the given
// device count, with mock allocators registered under "MOCK" for both
// classes in a private registry.
func newMockSetup(t *testing.T, devices int, caching bool) *mockSetup {
	t.Helper()

	s := &mockSetup{
		rt:   devrt.NewFake(devrt.WithDeviceCount(devices)),
		reg:  devmem.NewRegistry(),
		made: make(map[devmem.PhysicalSlot]devmem.Allocator),
	}

	s.registerMock(t, devmem.ClassAccel, "MOCK", caching)
	s.registerMock(t, devmem.ClassHost, "MOCK", caching)

	mgr, err := devmem.NewManager(
		devmem.WithRuntime(s.rt),
		devmem.WithRegistry(s.reg),
		devmem.WithConfig(&devmem.Config{
			AccelAlgorithm: "MOCK",
			HostAlgorithm:  "MOCK",
		}),
	)
	require.NoError(t, err)

	s.mgr = mgr
	return s
}
