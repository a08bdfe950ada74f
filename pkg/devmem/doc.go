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

// Package devmem implements pluggable, cached allocation of accelerator
// device and pinned host memory on top of a device runtime. The primary
// interface to devmem is the Manager type.
//
// # Device Classes, Physical Slots
//
// Memory comes in two classes: accelerator device memory and pinned host
// memory. A Manager maintains one allocator slot per accelerator device
// of the runtime, plus a single trailing slot for host memory. Devices
// are mapped to slots with SlotFor: the host maps to the host slot, an
// accelerator device with an explicit index to that index, and an
// accelerator device without one to the runtime's current device.
//
// # Allocator Algorithms, Registry
//
// Allocator algorithms register themselves by name and device class,
// usually from their package init, providing a factory for slot-bound
// allocator instances. Conflicting registrations for the same class and
// name are arbitrated by priority: a strictly higher priority replaces
// the existing entry, an equal or lower one fails registration. The
// priority ceiling is reserved for the built-in stream-safe caching
// front installed by InitCachingAllocator.
//
// # Lazy Allocator Instantiation
//
// Allocators are created lazily. The first request for a slot resolves
// the algorithm name configured for the slot's class, looks the name up
// in the registry and invokes its factory, exactly once per slot no
// matter how many goroutines race on it. Accelerator slots with created
// allocators are tracked in a used set which scopes the bulk operations:
// EmptyCache and ReleaseAllMemory only ever touch used accelerator
// slots. Host memory and never-used devices stay out of their way.
//
// # Caching, Capability Probing
//
// Whether an allocator caches runtime memory is its own business. The
// optional CacheAllocator interface advertises caching: it adds cache
// flushing, bulk release and the four memory accounting queries. All
// devmem code probes for the capability with a comma-ok type assertion.
// Memory metrics of an allocator without the capability read as 0.
//
// # Stream Safety
//
// Accelerator memory handed out while a non-default stream is current
// may still be referenced by pending work queued on the default stream.
// The caching front orders such allocations by recording an event on
// the default stream and making the current stream wait for it before
// the allocation is served. Allocations on the default stream take the
// fast path with no synchronization at all. Blocks handed out to other
// streams are marked with RecordStream; caching allocators delay the
// physical reuse of marked blocks until every recorded stream has gone
// past the block's release.
//
// # Configuration
//
// The algorithm for each class is picked from the environment, with
// "BF" as the compiled-in default for both. A YAML configuration file
// can set the same knobs for tests and tools, with the environment
// taking precedence. A Manager resolves its configuration when its
// allocator table is first used and sticks to it from then on.
package devmem
