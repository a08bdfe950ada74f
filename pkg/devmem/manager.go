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
	"sort"
	"sync"

	idset "github.com/intel/goresctrl/pkg/utils"

	"github.com/accelstack/devmem/pkg/devrt"
)

// Manager resolves devices to slot-bound allocators, creating allocators
// lazily on first use according to its configuration. A Manager also acts
// as the front door for allocation once the stream-safe caching front has
// been installed with InitCachingAllocator.
type Manager struct {
	sync.Mutex
	rt       devrt.Runtime
	reg      *Registry
	cfg      *Config
	slots    []*allocatorSlot
	hostSlot PhysicalSlot
	created  map[PhysicalSlot]Allocator
	used     idset.IDSet
	front    *CachingProxy
}

// allocatorSlot is a single entry of the allocator lookup table. The
// once guard makes allocator creation idempotent per slot.
type allocatorSlot struct {
	once  sync.Once
	alloc Allocator
	err   error
}

// ManagerOption is an opaque option applied to a Manager.
type ManagerOption func(*Manager) error

// WithRuntime makes the manager use the given device runtime instead of
// the process-global one.
func WithRuntime(rt devrt.Runtime) ManagerOption {
	return func(m *Manager) error {
		if rt == nil {
			return fmt.Errorf("nil runtime")
		}
		m.rt = rt
		return nil
	}
}

// WithRegistry makes the manager resolve algorithm names using the given
// registry instead of the default one.
func WithRegistry(reg *Registry) ManagerOption {
	return func(m *Manager) error {
		if reg == nil {
			return fmt.Errorf("nil registry")
		}
		m.reg = reg
		return nil
	}
}

// WithConfig makes the manager use the given configuration instead of
// picking one up from the environment on first use.
func WithConfig(cfg *Config) ManagerOption {
	return func(m *Manager) error {
		if cfg == nil {
			return fmt.Errorf("nil configuration")
		}
		m.cfg = cfg
		return nil
	}
}

// NewManager creates a new allocator manager with the given options.
func NewManager(options ...ManagerOption) (*Manager, error) {
	m := &Manager{
		reg:     DefaultRegistry(),
		created: make(map[PhysicalSlot]Allocator),
		used:    idset.NewIDSet(),
	}

	for _, o := range options {
		if err := o(m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFailedOption, err)
		}
	}

	if m.rt == nil {
		m.rt = devrt.Get()
	}

	return m, nil
}

// ensureSlots sets up the allocator lookup table on first use. The table
// has one slot per accelerator device plus a trailing host slot, and its
// size stays fixed for the lifetime of the manager, as does the
// configuration resolved here.
func (m *Manager) ensureSlots() {
	m.Lock()
	defer m.Unlock()

	if m.slots != nil {
		return
	}

	cnt := m.rt.DeviceCount()
	if cnt < 0 {
		cnt = 0
	}

	slots := make([]*allocatorSlot, cnt+1)
	for i := range slots {
		slots[i] = &allocatorSlot{}
	}

	m.slots = slots
	m.hostSlot = cnt

	if m.cfg == nil {
		m.cfg = DefaultConfig()
	}

	details.Debug("allocator table set up with %d slots (%d accelerator + host), config %s",
		cnt+1, cnt, m.cfg)
}

// classOf returns the memory class served by a slot.
func (m *Manager) classOf(slot PhysicalSlot) DeviceClass {
	if slot == m.hostSlot {
		return ClassHost
	}
	return ClassAccel
}

// SlotFor maps a device reference to its physical slot. Host maps to the
// trailing host slot, an accelerator with an explicit index to that index,
// and an accelerator without one to the runtime's current device.
func (m *Manager) SlotFor(d devrt.Device) (PhysicalSlot, error) {
	m.ensureSlots()

	var idx int

	switch {
	case d.IsHost():
		return m.hostSlot, nil
	case d.HasIndex():
		idx = d.Index()
	default:
		idx = m.rt.CurrentDevice()
	}

	if idx < 0 || idx >= m.hostSlot {
		return -1, fmt.Errorf("%w: accelerator #%d out of range (%d devices)",
			ErrInvalidDevice, idx, m.hostSlot)
	}

	return idx, nil
}

// HostSlot returns the slot of the host memory allocator.
func (m *Manager) HostSlot() PhysicalSlot {
	m.ensureSlots()
	return m.hostSlot
}

// SlotCount returns the size of the allocator table, the number of
// accelerator devices plus one for host memory.
func (m *Manager) SlotCount() int {
	m.ensureSlots()
	return m.hostSlot + 1
}

// GetAllocator returns the allocator serving the given device, creating
// it on first use. Concurrent callers racing on an uncreated slot all
// receive the same instance, with the configured factory invoked once.
func (m *Manager) GetAllocator(d devrt.Device) (Allocator, error) {
	slot, err := m.SlotFor(d)
	if err != nil {
		return nil, err
	}
	return m.slotAllocator(slot)
}

// slotAllocator returns the allocator of a slot, creating it on first use.
func (m *Manager) slotAllocator(slot PhysicalSlot) (Allocator, error) {
	m.ensureSlots()

	m.Lock()
	if slot < 0 || slot >= len(m.slots) {
		m.Unlock()
		return nil, fmt.Errorf("%w: slot #%d out of range (%d slots)",
			ErrInvalidDevice, slot, len(m.slots))
	}
	s := m.slots[slot]
	m.Unlock()

	s.once.Do(func() {
		s.alloc, s.err = m.createAllocator(slot)
		if s.err == nil {
			m.recordCreated(slot, s.alloc)
		}
	})

	return s.alloc, s.err
}

// createAllocator instantiates the configured allocator for a slot.
func (m *Manager) createAllocator(slot PhysicalSlot) (Allocator, error) {
	class := m.classOf(slot)
	name := m.cfg.Algorithm(class)

	e, ok := m.reg.Lookup(class, name)
	if !ok {
		return nil, fmt.Errorf("%w: no allocator %q registered for %s memory",
			ErrConfiguration, name, class)
	}
	if e.Priority == ProxyPriority {
		return nil, fmt.Errorf("%w: allocator %q for %s memory is a caching front, not a slot algorithm",
			ErrConfiguration, name, class)
	}

	a := e.Factory(slot)
	if a == nil {
		return nil, fmt.Errorf("%w: factory of %s allocator %q produced nothing for slot #%d",
			ErrConfiguration, class, name, slot)
	}

	log.Info("created %s allocator %q for slot #%d", class, name, slot)

	return a, nil
}

// recordCreated records a created allocator, entering accelerator-class
// slots into the used set which scopes bulk operations.
func (m *Manager) recordCreated(slot PhysicalSlot, a Allocator) {
	m.Lock()
	defer m.Unlock()

	m.created[slot] = a
	if m.classOf(slot) == ClassAccel {
		m.used.Add(slot)
	}
}

// UsedSlots returns the accelerator slots with created allocators, in
// sorted slot order.
func (m *Manager) UsedSlots() []PhysicalSlot {
	m.Lock()
	defer m.Unlock()
	return m.used.SortedMembers()
}

// createdSlots returns all slots with created allocators in sorted order.
func (m *Manager) createdSlots() []PhysicalSlot {
	m.Lock()
	defer m.Unlock()

	slots := make([]PhysicalSlot, 0, len(m.created))
	for slot := range m.created {
		slots = append(slots, slot)
	}
	sort.Ints(slots)

	return slots
}

// createdAllocator returns the already created allocator of a slot, if any.
func (m *Manager) createdAllocator(slot PhysicalSlot) (Allocator, bool) {
	m.Lock()
	defer m.Unlock()

	a, ok := m.created[slot]
	return a, ok
}

// runtime returns the device runtime of the manager.
func (m *Manager) runtime() devrt.Runtime {
	return m.rt
}
