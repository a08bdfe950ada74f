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

// Package bestfit implements the "BF" best-fit caching allocator.
//
// Memory acquired from the runtime is carved into cells kept on
// segregated per-size-class free lists, each a min-heap keyed on cell
// size. An allocation takes the smallest cached cell which can hold it,
// splitting off the slack, and only goes to the runtime when nothing
// cached fits. On runtime exhaustion the cache is flushed and the
// allocation retried once before the failure is propagated. Freed
// blocks with recorded streams are not reused until every such stream
// has gone past their release.
package bestfit

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/accelstack/devmem/pkg/devmem"
	"github.com/accelstack/devmem/pkg/devrt"
	logger "github.com/accelstack/devmem/pkg/log"
)

// Name is the algorithm name best-fit allocators register under.
const Name = "BF"

var log = logger.Get("bestfit")

// Allocator is a best-fit caching allocator bound to one memory slot.
type Allocator struct {
	sync.Mutex
	class     devmem.DeviceClass
	slot      devmem.PhysicalSlot
	rt        devrt.Runtime
	table     *sizeClassTable
	lists     []cellHeap
	chunks    map[devrt.Ptr]*chunk
	live      map[devrt.Ptr]*cell
	pending   []*pendingBlock
	maxCached int64
	cached    int64

	allocated    atomic.Int64
	reserved     atomic.Int64
	maxAllocated atomic.Int64
	maxReserved  atomic.Int64
}

// Stats is a point-in-time snapshot of allocator state.
type Stats struct {
	// AllocatedBytes is the number of bytes currently handed out.
	AllocatedBytes int64
	// ReservedBytes is the number of bytes held from the runtime.
	ReservedBytes int64
	// CachedBytes is the number of free bytes on the free lists.
	CachedBytes int64
	// LiveBlocks is the number of blocks currently handed out.
	LiveBlocks int
	// PendingBlocks is the number of freed blocks awaiting streams.
	PendingBlocks int
	// Chunks is the number of chunks held from the runtime.
	Chunks int
}

// Option is an opaque option for an Allocator.
type Option func(*Allocator)

// WithRuntime makes the allocator use the given runtime instead of the
// process-global one.
func WithRuntime(rt devrt.Runtime) Option {
	return func(a *Allocator) {
		a.rt = rt
	}
}

// WithMaxCached caps the free memory the allocator keeps cached, in
// bytes. Exceeding the cap flushes the cache. 0 leaves caching uncapped.
func WithMaxCached(limit int64) Option {
	return func(a *Allocator) {
		a.maxCached = limit
	}
}

var (
	defaultLock    sync.Mutex
	defaultOptions []Option
)

// Configure sets the options applied to allocators created through the
// registered factories.
func Configure(options ...Option) {
	defaultLock.Lock()
	defer defaultLock.Unlock()
	defaultOptions = options
}

func factoryOptions() []Option {
	defaultLock.Lock()
	defer defaultLock.Unlock()
	return append([]Option{}, defaultOptions...)
}

// New creates a best-fit caching allocator for the given class and slot.
func New(class devmem.DeviceClass, slot devmem.PhysicalSlot, options ...Option) *Allocator {
	a := &Allocator{
		class:  class,
		slot:   slot,
		table:  newSizeClassTable(),
		chunks: make(map[devrt.Ptr]*chunk),
		live:   make(map[devrt.Ptr]*cell),
	}
	a.lists = make([]cellHeap, a.table.classes())

	for _, o := range options {
		o(a)
	}

	if a.rt == nil {
		a.rt = devrt.Get()
	}

	return a
}

func init() {
	for _, class := range []devmem.DeviceClass{devmem.ClassAccel, devmem.ClassHost} {
		class := class
		devmem.MustRegister(class, Name, devmem.RegistryEntry{
			Factory: func(slot devmem.PhysicalSlot) devmem.Allocator {
				return New(class, slot, factoryOptions()...)
			},
			Priority: 0,
		})
	}
}

// Name returns the algorithm name of the allocator.
func (a *Allocator) Name() devmem.AlgorithmName {
	return Name
}

// Class returns the memory class the allocator serves.
func (a *Allocator) Class() devmem.DeviceClass {
	return a.class
}

// Slot returns the slot the allocator is bound to.
func (a *Allocator) Slot() devmem.PhysicalSlot {
	return a.slot
}

// Allocate allocates a block of the given size, reusing the best-fitting
// cached cell when one exists. Sizes are rounded up to the granularity.
func (a *Allocator) Allocate(size int64) (*devmem.Block, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid allocation size %d",
			devmem.ErrInvalidBlock, size)
	}

	need := alignUp(size)

	a.Lock()
	defer a.Unlock()

	a.reclaimCells()

	c := a.takeCell(need)
	if c != nil {
		a.splitCell(c, need)
	} else {
		ck, err := a.grow(need)
		if err != nil {
			return nil, err
		}
		c = &cell{chunk: ck, ptr: ck.ptr, size: ck.size}
	}

	c.chunk.live++
	a.live[c.ptr] = c

	a.allocated.Add(c.size)
	maxUpdate(&a.maxAllocated, a.allocated.Load())

	log.Debug("slot #%d: allocated %d bytes at %#x", a.slot, c.size, uintptr(c.ptr))

	return devmem.NewTrackedBlock(a.class, a.slot, c.ptr, c.size), nil
}

// Free releases a block. A block with recorded streams is parked on the
// pending queue instead of the free lists and is not reused until every
// recorded stream has gone past its release.
func (a *Allocator) Free(b *devmem.Block) error {
	if b == nil {
		return nil
	}

	a.Lock()
	defer a.Unlock()

	a.reclaimCells()

	c, ok := a.live[b.Ptr()]
	if !ok {
		return fmt.Errorf("%w: %s was not allocated here", devmem.ErrInvalidBlock, b)
	}

	delete(a.live, b.Ptr())
	c.chunk.live--
	a.allocated.Add(-c.size)

	if ctx := b.StreamContext(); ctx != nil && !ctx.Empty() {
		return a.deferReclaim(c, ctx.Streams())
	}

	a.insertCell(c)
	a.enforceCacheCap()

	return nil
}

// EmptyCache returns all cached free memory to the runtime. Chunks with
// live or pending cells stay put.
func (a *Allocator) EmptyCache() error {
	a.Lock()
	defer a.Unlock()
	return a.flush()
}

// ReleaseAll forcibly releases everything the allocator holds: cached
// cells, blocks pending reclaim, and any still-live blocks.
func (a *Allocator) ReleaseAll() error {
	a.Lock()
	defer a.Unlock()

	for _, p := range a.pending {
		a.destroyEvents(p.events)
	}
	a.pending = nil

	if n := len(a.live); n > 0 {
		log.Warn("slot #%d: releasing %d still-live blocks", a.slot, n)
	}

	var err error
	for ptr, ck := range a.chunks {
		delete(a.chunks, ptr)
		if ferr := a.memFree(ck.ptr); ferr != nil && err == nil {
			err = ferr
		}
	}

	for i := range a.lists {
		a.lists[i] = nil
	}
	a.live = make(map[devrt.Ptr]*cell)
	a.cached = 0
	a.allocated.Store(0)
	a.reserved.Store(0)

	return err
}

// AllocatedBytes returns the number of bytes currently handed out.
func (a *Allocator) AllocatedBytes() int64 {
	return a.allocated.Load()
}

// ReservedBytes returns the number of bytes held from the runtime.
func (a *Allocator) ReservedBytes() int64 {
	return a.reserved.Load()
}

// PeakAllocatedBytes returns the high watermark of allocated bytes.
func (a *Allocator) PeakAllocatedBytes() int64 {
	return a.maxAllocated.Load()
}

// PeakReservedBytes returns the high watermark of reserved bytes.
func (a *Allocator) PeakReservedBytes() int64 {
	return a.maxReserved.Load()
}

// Stats returns a snapshot of the allocator state.
func (a *Allocator) Stats() Stats {
	a.Lock()
	defer a.Unlock()

	return Stats{
		AllocatedBytes: a.allocated.Load(),
		ReservedBytes:  a.reserved.Load(),
		CachedBytes:    a.cached,
		LiveBlocks:     len(a.live),
		PendingBlocks:  len(a.pending),
		Chunks:         len(a.chunks),
	}
}

// enforceCacheCap flushes the cache when cached free memory exceeds the
// configured cap.
func (a *Allocator) enforceCacheCap() {
	if a.maxCached <= 0 || a.cached <= a.maxCached {
		return
	}

	log.Info("slot #%d: %d cached bytes exceed cap of %d, flushing",
		a.slot, a.cached, a.maxCached)

	if err := a.flush(); err != nil {
		log.Warn("slot #%d: cache flush failed: %v", a.slot, err)
	}
}

func maxUpdate(peak *atomic.Int64, v int64) {
	for {
		old := peak.Load()
		if v <= old || peak.CompareAndSwap(old, v) {
			return
		}
	}
}
