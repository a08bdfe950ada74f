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

	"github.com/accelstack/devmem/pkg/devrt"
)

const (
	// NativeProxyName is the algorithm name the caching front is
	// installed under.
	NativeProxyName AlgorithmName = "DEVMEM"
	// CompatProxyName is the compatibility alias the caching front is
	// also installed under.
	CompatProxyName AlgorithmName = "CUDA"
	// ProxyPriority is the registration priority reserved for the
	// caching front. It is the arbitration ceiling: nothing can replace
	// an entry registered with it.
	ProxyPriority uint8 = 255
)

// CachingProxy is the stream-safe front for accelerator allocations. It
// delegates to the slot allocators of its manager, ordering allocations
// made while a non-default stream is current after work already queued
// on the default stream.
type CachingProxy struct {
	m *Manager
}

// InitCachingAllocator installs the stream-safe caching front of the
// manager, registering it under the native algorithm name and the
// compatibility alias. Accelerator allocations through the manager are
// routed through the front from then on. Host allocations never are.
func (m *Manager) InitCachingAllocator() error {
	m.Lock()
	if m.front != nil {
		m.Unlock()
		return fmt.Errorf("%w: caching allocator front already installed",
			ErrConfiguration)
	}
	p := &CachingProxy{m: m}
	m.Unlock()

	for _, name := range []AlgorithmName{NativeProxyName, CompatProxyName} {
		e := RegistryEntry{
			Factory:  func(PhysicalSlot) Allocator { return p },
			Priority: ProxyPriority,
		}
		if err := m.reg.Register(ClassAccel, name, e); err != nil {
			return err
		}
	}

	m.Lock()
	m.front = p
	m.Unlock()

	log.Info("caching allocator front installed for %s memory (%q, alias %q)",
		ClassAccel, NativeProxyName, CompatProxyName)

	return nil
}

// Proxy returns the installed caching front of the manager, if any.
func (m *Manager) Proxy() *CachingProxy {
	m.Lock()
	defer m.Unlock()
	return m.front
}

// Allocate allocates size bytes of memory for the given device. With the
// caching front installed, accelerator allocations go through it and are
// safe to consume on the current stream of their device.
func (m *Manager) Allocate(d devrt.Device, size int64) (*Block, error) {
	slot, err := m.SlotFor(d)
	if err != nil {
		return nil, err
	}

	if front := m.Proxy(); front != nil && m.classOf(slot) == ClassAccel {
		return front.allocate(slot, size)
	}

	a, err := m.slotAllocator(slot)
	if err != nil {
		return nil, err
	}

	return a.Allocate(size)
}

// Free releases a block through the allocator of its slot.
func (m *Manager) Free(b *Block) error {
	if b == nil {
		return nil
	}

	a, err := m.slotAllocator(b.Slot())
	if err != nil {
		return err
	}

	return a.Free(b)
}

// Name returns the algorithm name of the caching front.
func (p *CachingProxy) Name() AlgorithmName {
	return NativeProxyName
}

// Allocate allocates accelerator memory for the current device.
func (p *CachingProxy) Allocate(size int64) (*Block, error) {
	slot, err := p.m.SlotFor(devrt.AnyAccel())
	if err != nil {
		return nil, err
	}
	return p.allocate(slot, size)
}

// Free releases a block through the allocator of its slot.
func (p *CachingProxy) Free(b *Block) error {
	if b == nil {
		return nil
	}

	a, err := p.m.slotAllocator(b.Slot())
	if err != nil {
		return err
	}

	return a.Free(b)
}

func (p *CachingProxy) allocate(slot PhysicalSlot, size int64) (*Block, error) {
	if err := p.syncStreams(slot); err != nil {
		return nil, err
	}

	a, err := p.m.slotAllocator(slot)
	if err != nil {
		return nil, err
	}

	return a.Allocate(size)
}

// syncStreams orders an allocation made while a non-default stream is
// current after the work already queued on the default stream: an event
// recorded on the default stream is waited on by the current one. An
// allocation on the default stream needs no ordering at all.
func (p *CachingProxy) syncStreams(slot PhysicalSlot) error {
	rt := p.m.runtime()

	cur := rt.CurrentStream(slot)
	def := rt.DefaultStream(slot)
	if cur == def {
		return nil
	}

	e, err := rt.NewEvent(slot)
	if err != nil {
		return fmt.Errorf("failed to create ordering event for slot #%d: %w", slot, err)
	}
	defer func() {
		if err := rt.DestroyEvent(e); err != nil {
			log.Warn("failed to destroy ordering event %s: %v", e, err)
		}
	}()

	if err := rt.RecordEvent(e, def); err != nil {
		return fmt.Errorf("failed to record ordering event on %s: %w", def, err)
	}
	if err := rt.StreamWaitEvent(cur, e); err != nil {
		return fmt.Errorf("failed to order %s after %s: %w", cur, e, err)
	}

	details.Debug("ordered slot #%d allocation: %s waits for %s", slot, cur, def)

	return nil
}

// cacheAllocator returns the caching allocator of the current device, or
// nil if the device's allocator does not cache.
func (p *CachingProxy) cacheAllocator() (CacheAllocator, error) {
	a, err := p.m.GetAllocator(devrt.AnyAccel())
	if err != nil {
		return nil, err
	}

	ca, ok := a.(CacheAllocator)
	if !ok {
		return nil, nil
	}

	return ca, nil
}

// EmptyCache forwards to the caching allocator of the current device.
func (p *CachingProxy) EmptyCache() error {
	ca, err := p.cacheAllocator()
	if err != nil || ca == nil {
		return err
	}
	return ca.EmptyCache()
}

// ReleaseAll forwards to the caching allocator of the current device.
func (p *CachingProxy) ReleaseAll() error {
	ca, err := p.cacheAllocator()
	if err != nil || ca == nil {
		return err
	}
	return ca.ReleaseAll()
}

// AllocatedBytes forwards to the caching allocator of the current device.
func (p *CachingProxy) AllocatedBytes() int64 {
	if ca, err := p.cacheAllocator(); err == nil && ca != nil {
		return ca.AllocatedBytes()
	}
	return 0
}

// ReservedBytes forwards to the caching allocator of the current device.
func (p *CachingProxy) ReservedBytes() int64 {
	if ca, err := p.cacheAllocator(); err == nil && ca != nil {
		return ca.ReservedBytes()
	}
	return 0
}

// PeakAllocatedBytes forwards to the caching allocator of the current device.
func (p *CachingProxy) PeakAllocatedBytes() int64 {
	if ca, err := p.cacheAllocator(); err == nil && ca != nil {
		return ca.PeakAllocatedBytes()
	}
	return 0
}

// PeakReservedBytes forwards to the caching allocator of the current device.
func (p *CachingProxy) PeakReservedBytes() int64 {
	if ca, err := p.cacheAllocator(); err == nil && ca != nil {
		return ca.PeakReservedBytes()
	}
	return 0
}
