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
)

// Registry holds the allocator algorithms registered for each device
// class. Conflicting registrations for the same class and name are
// arbitrated by priority: a strictly higher priority replaces the
// existing entry, an equal or lower one is rejected.
type Registry struct {
	sync.Mutex
	entries map[DeviceClass]map[AlgorithmName]RegistryEntry
}

// NewRegistry creates an empty allocator registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[DeviceClass]map[AlgorithmName]RegistryEntry),
	}
}

// Register installs an allocator algorithm under the given class and name.
func (r *Registry) Register(class DeviceClass, name AlgorithmName, e RegistryEntry) error {
	if name == "" {
		return fmt.Errorf("%w: can't register %s allocator without a name",
			ErrConfiguration, class)
	}
	if e.Factory == nil {
		return fmt.Errorf("%w: can't register %s allocator %q without a factory",
			ErrConfiguration, class, name)
	}

	r.Lock()
	defer r.Unlock()

	byName, ok := r.entries[class]
	if !ok {
		byName = make(map[AlgorithmName]RegistryEntry)
		r.entries[class] = byName
	}

	old, ok := byName[name]
	if ok {
		if e.Priority <= old.Priority {
			return fmt.Errorf("%w: %s allocator %q already registered with priority %d (>= %d)",
				ErrConfiguration, class, name, old.Priority, e.Priority)
		}
		log.Info("%s allocator %q: registration with priority %d supersedes priority %d",
			class, name, e.Priority, old.Priority)
	}

	byName[name] = e

	return nil
}

// MustRegister installs an allocator algorithm, panicking on failure. It
// is meant for registration from package init functions.
func (r *Registry) MustRegister(class DeviceClass, name AlgorithmName, e RegistryEntry) {
	if err := r.Register(class, name, e); err != nil {
		log.Panic("failed to register %s allocator %q: %v", class, name, err)
	}
}

// Lookup returns the entry registered under the given class and name.
func (r *Registry) Lookup(class DeviceClass, name AlgorithmName) (RegistryEntry, bool) {
	r.Lock()
	defer r.Unlock()

	e, ok := r.entries[class][name]
	return e, ok
}

// Algorithms returns the names registered for a class in sorted order.
func (r *Registry) Algorithms(class DeviceClass) []AlgorithmName {
	r.Lock()
	defer r.Unlock()

	names := make([]AlgorithmName, 0, len(r.entries[class]))
	for name := range r.entries[class] {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the registry built-in algorithms register with.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Register installs an allocator algorithm in the default registry.
func Register(class DeviceClass, name AlgorithmName, e RegistryEntry) error {
	return defaultRegistry.Register(class, name, e)
}

// MustRegister installs an allocator algorithm in the default registry,
// panicking on failure.
func MustRegister(class DeviceClass, name AlgorithmName, e RegistryEntry) {
	defaultRegistry.MustRegister(class, name, e)
}

// RegisteredAlgorithms returns the names registered for a class in the
// default registry.
func RegisteredAlgorithms(class DeviceClass) []AlgorithmName {
	return defaultRegistry.Algorithms(class)
}
