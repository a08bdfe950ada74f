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

// Package raw implements the "RAW" pass-through allocator. Every
// allocation goes straight to the runtime and every free returns the
// memory immediately. Nothing is cached, so the allocator does not
// implement the CacheAllocator capability and its memory metrics read
// as zero.
package raw

import (
	"errors"
	"fmt"

	"github.com/accelstack/devmem/pkg/devmem"
	"github.com/accelstack/devmem/pkg/devrt"
	logger "github.com/accelstack/devmem/pkg/log"
)

// Name is the algorithm name pass-through allocators register under.
const Name = "RAW"

var log = logger.Get("raw")

// Allocator is a pass-through allocator bound to one memory slot.
type Allocator struct {
	class devmem.DeviceClass
	slot  devmem.PhysicalSlot
	rt    devrt.Runtime
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

// New creates a pass-through allocator for the given class and slot.
func New(class devmem.DeviceClass, slot devmem.PhysicalSlot, options ...Option) *Allocator {
	a := &Allocator{
		class: class,
		slot:  slot,
	}

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
				return New(class, slot)
			},
			Priority: 0,
		})
	}
}

// Name returns the algorithm name of the allocator.
func (a *Allocator) Name() devmem.AlgorithmName {
	return Name
}

// Allocate allocates a block straight from the runtime.
func (a *Allocator) Allocate(size int64) (*devmem.Block, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid allocation size %d",
			devmem.ErrInvalidBlock, size)
	}

	var (
		ptr devrt.Ptr
		err error
	)

	if a.class == devmem.ClassHost {
		ptr, err = a.rt.HostAlloc(size)
	} else {
		ptr, err = a.rt.MemAlloc(a.slot, size)
	}

	if err != nil {
		if errors.Is(err, devrt.ErrOutOfMemory) {
			return nil, fmt.Errorf("%w: slot #%d: failed to allocate %d bytes: %v",
				devmem.ErrResourceExhaustion, a.slot, size, err)
		}
		return nil, err
	}

	log.Debug("slot #%d: allocated %d bytes at %#x", a.slot, size, uintptr(ptr))

	return devmem.NewBlock(a.class, a.slot, ptr, size), nil
}

// Free returns a block's memory straight to the runtime.
func (a *Allocator) Free(b *devmem.Block) error {
	if b == nil {
		return nil
	}

	if a.class == devmem.ClassHost {
		return a.rt.HostFree(b.Ptr())
	}
	return a.rt.MemFree(a.slot, b.Ptr())
}
