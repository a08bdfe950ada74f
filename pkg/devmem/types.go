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

type (
	// PhysicalSlot is the index of an allocator slot. Slots 0..N-1 are
	// the N accelerator devices of the runtime, slot N is host memory.
	PhysicalSlot = idset.ID

	// AlgorithmName is the name an allocator algorithm is registered under.
	AlgorithmName = string
)

// DeviceClass is the class of memory an allocator serves.
type DeviceClass int

const (
	// ClassAccel is accelerator device memory.
	ClassAccel DeviceClass = iota
	// ClassHost is pinned host memory.
	ClassHost
)

// String returns a human-readable name for the class.
func (c DeviceClass) String() string {
	switch c {
	case ClassAccel:
		return "accel"
	case ClassHost:
		return "host"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Allocator is the minimal contract slot-bound memory allocators implement.
type Allocator interface {
	// Name returns the algorithm name of the allocator.
	Name() AlgorithmName
	// Allocate allocates a block of the given size in bytes.
	Allocate(size int64) (*Block, error)
	// Free releases a block allocated by this allocator.
	Free(b *Block) error
}

// CacheAllocator is the optional capability interface of allocators which
// cache memory acquired from the runtime. It is always probed for with a
// comma-ok type assertion, never assumed.
type CacheAllocator interface {
	Allocator
	// EmptyCache returns cached free memory to the runtime.
	EmptyCache() error
	// ReleaseAll releases all memory of the allocator, cached or live.
	ReleaseAll() error
	// AllocatedBytes returns the number of bytes currently handed out.
	AllocatedBytes() int64
	// ReservedBytes returns the number of bytes held from the runtime.
	ReservedBytes() int64
	// PeakAllocatedBytes returns the high watermark of AllocatedBytes.
	PeakAllocatedBytes() int64
	// PeakReservedBytes returns the high watermark of ReservedBytes.
	PeakReservedBytes() int64
}

// Factory creates an allocator instance bound to the given slot.
type Factory func(slot PhysicalSlot) Allocator

// RegistryEntry describes a registered allocator algorithm.
type RegistryEntry struct {
	// Factory creates slot-bound instances of the algorithm.
	Factory Factory
	// Priority arbitrates conflicting registrations for the same name.
	Priority uint8
}

// Block is a single allocation of accelerator or host memory.
type Block struct {
	ptr   devrt.Ptr
	size  int64
	slot  PhysicalSlot
	class DeviceClass
	ctx   *StreamContext
}

// NewBlock returns a block for an allocation without stream tracking.
func NewBlock(class DeviceClass, slot PhysicalSlot, ptr devrt.Ptr, size int64) *Block {
	return &Block{
		ptr:   ptr,
		size:  size,
		slot:  slot,
		class: class,
	}
}

// NewTrackedBlock returns a block with an attached stream context, for
// allocators which defer physical reuse until consuming streams are done.
func NewTrackedBlock(class DeviceClass, slot PhysicalSlot, ptr devrt.Ptr, size int64) *Block {
	b := NewBlock(class, slot, ptr, size)
	b.ctx = newStreamContext()
	return b
}

// Ptr returns the memory referenced by the block.
func (b *Block) Ptr() devrt.Ptr {
	return b.ptr
}

// Size returns the size of the block in bytes.
func (b *Block) Size() int64 {
	return b.size
}

// Slot returns the slot the block was allocated from.
func (b *Block) Slot() PhysicalSlot {
	return b.slot
}

// Class returns the memory class of the block.
func (b *Block) Class() DeviceClass {
	return b.class
}

// StreamContext returns the stream context of the block, or nil if the
// allocator did not attach one.
func (b *Block) StreamContext() *StreamContext {
	return b.ctx
}

// String returns a human-readable description of the block.
func (b *Block) String() string {
	if b == nil {
		return "<nil block>"
	}
	return fmt.Sprintf("<%s block of %d bytes at %#x, slot #%d>",
		b.class, b.size, uintptr(b.ptr), b.slot)
}

// StreamContext collects the streams which may still consume a block.
type StreamContext struct {
	sync.Mutex
	streams map[devrt.Stream]struct{}
}

func newStreamContext() *StreamContext {
	return &StreamContext{
		streams: make(map[devrt.Stream]struct{}),
	}
}

// Record inserts a stream into the context.
func (c *StreamContext) Record(s devrt.Stream) {
	c.Lock()
	defer c.Unlock()
	c.streams[s] = struct{}{}
}

// Empty returns true if no streams have been recorded.
func (c *StreamContext) Empty() bool {
	c.Lock()
	defer c.Unlock()
	return len(c.streams) == 0
}

// Streams returns the recorded streams in deterministic order.
func (c *StreamContext) Streams() []devrt.Stream {
	c.Lock()
	defer c.Unlock()

	streams := make([]devrt.Stream, 0, len(c.streams))
	for s := range c.streams {
		streams = append(streams, s)
	}
	sort.Slice(streams, func(i, j int) bool {
		if streams[i].Device != streams[j].Device {
			return streams[i].Device < streams[j].Device
		}
		return streams[i].ID < streams[j].ID
	})

	return streams
}

// RecordStream marks a block as in use by the given stream. Blocks without
// a stream context ignore the call.
func RecordStream(b *Block, s devrt.Stream) {
	if b == nil {
		return
	}
	if ctx := b.StreamContext(); ctx != nil {
		ctx.Record(s)
	}
}
