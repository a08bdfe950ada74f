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
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/accelstack/devmem/pkg/devrt"
)

// EmptyCache returns the cached free memory of every used accelerator
// allocator to the runtime. Allocators never used stay untouched, host
// allocators are out of scope, and allocators without the CacheAllocator
// capability are skipped. Per-slot errors are collected and returned
// together; resource exhaustion is propagated, never swallowed.
func (m *Manager) EmptyCache() error {
	var errs *multierror.Error

	for _, slot := range m.UsedSlots() {
		a, err := m.slotAllocator(slot)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}

		ca, ok := a.(CacheAllocator)
		if !ok {
			continue
		}

		if err := ca.EmptyCache(); err != nil {
			errs = multierror.Append(errs,
				fmt.Errorf("failed to empty cache of slot #%d: %w", slot, err))
		}
	}

	return errs.ErrorOrNil()
}

// ReleaseAllMemory releases all memory, live and cached, of every used
// accelerator allocator. Scope and error handling are those of EmptyCache.
func (m *Manager) ReleaseAllMemory() error {
	var errs *multierror.Error

	for _, slot := range m.UsedSlots() {
		a, err := m.slotAllocator(slot)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}

		ca, ok := a.(CacheAllocator)
		if !ok {
			continue
		}

		if err := ca.ReleaseAll(); err != nil {
			errs = multierror.Append(errs,
				fmt.Errorf("failed to release memory of slot #%d: %w", slot, err))
		}
	}

	return errs.ErrorOrNil()
}

// cacheAllocatorFor resolves the device's allocator and probes it for
// the CacheAllocator capability, returning nil for one without it.
func (m *Manager) cacheAllocatorFor(d devrt.Device) (CacheAllocator, error) {
	a, err := m.GetAllocator(d)
	if err != nil {
		return nil, err
	}

	ca, ok := a.(CacheAllocator)
	if !ok {
		return nil, nil
	}

	return ca, nil
}

// CurrentAllocatedBytes returns the number of bytes currently handed out
// by the device's allocator, or 0 if the allocator does not cache.
func (m *Manager) CurrentAllocatedBytes(d devrt.Device) (int64, error) {
	ca, err := m.cacheAllocatorFor(d)
	if err != nil || ca == nil {
		return 0, err
	}
	return ca.AllocatedBytes(), nil
}

// CurrentReservedBytes returns the number of bytes the device's allocator
// holds from the runtime, or 0 if the allocator does not cache.
func (m *Manager) CurrentReservedBytes(d devrt.Device) (int64, error) {
	ca, err := m.cacheAllocatorFor(d)
	if err != nil || ca == nil {
		return 0, err
	}
	return ca.ReservedBytes(), nil
}

// PeakAllocatedBytes returns the high watermark of allocated bytes of the
// device's allocator, or 0 if the allocator does not cache.
func (m *Manager) PeakAllocatedBytes(d devrt.Device) (int64, error) {
	ca, err := m.cacheAllocatorFor(d)
	if err != nil || ca == nil {
		return 0, err
	}
	return ca.PeakAllocatedBytes(), nil
}

// PeakReservedBytes returns the high watermark of bytes the device's
// allocator has held from the runtime, or 0 if the allocator does not cache.
func (m *Manager) PeakReservedBytes(d devrt.Device) (int64, error) {
	ca, err := m.cacheAllocatorFor(d)
	if err != nil || ca == nil {
		return 0, err
	}
	return ca.PeakReservedBytes(), nil
}

var (
	defaultManager *Manager
	defaultOnce    sync.Once
)

// Default returns the default manager, creating it on first use. The
// default manager runs on the process-global device runtime and exports
// its allocator metrics.
func Default() *Manager {
	defaultOnce.Do(func() {
		m, err := NewManager()
		if err != nil {
			log.Panic("failed to create default allocator manager: %v", err)
		}
		if err := m.RegisterMetrics(); err != nil {
			log.Error("failed to register allocator metrics: %v", err)
		}
		defaultManager = m
	})

	return defaultManager
}

// GetAllocator returns the default manager's allocator for a device.
func GetAllocator(d devrt.Device) (Allocator, error) {
	return Default().GetAllocator(d)
}

// Allocate allocates memory for a device using the default manager.
func Allocate(d devrt.Device, size int64) (*Block, error) {
	return Default().Allocate(d, size)
}

// Free releases a block using the default manager.
func Free(b *Block) error {
	return Default().Free(b)
}

// EmptyCache empties the caches of the default manager.
func EmptyCache() error {
	return Default().EmptyCache()
}

// ReleaseAllMemory releases all memory of the default manager.
func ReleaseAllMemory() error {
	return Default().ReleaseAllMemory()
}

// InitCachingAllocator installs the caching front of the default manager.
func InitCachingAllocator() error {
	return Default().InitCachingAllocator()
}

// CurrentAllocatedBytes queries the default manager.
func CurrentAllocatedBytes(d devrt.Device) (int64, error) {
	return Default().CurrentAllocatedBytes(d)
}

// CurrentReservedBytes queries the default manager.
func CurrentReservedBytes(d devrt.Device) (int64, error) {
	return Default().CurrentReservedBytes(d)
}

// PeakAllocatedBytes queries the default manager.
func PeakAllocatedBytes(d devrt.Device) (int64, error) {
	return Default().PeakAllocatedBytes(d)
}

// PeakReservedBytes queries the default manager.
func PeakReservedBytes(d devrt.Device) (int64, error) {
	return Default().PeakReservedBytes(d)
}
