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

package devrt

import (
	"errors"
	"fmt"
	"sync"
)

// Ptr is a raw device or host memory address.
type Ptr uintptr

// NilPtr is the null memory address.
const NilPtr Ptr = 0

// DefaultStreamID is the ID of the default stream of every device.
const DefaultStreamID uint64 = 0

// Device refers to an accelerator device or to host memory.
type Device struct {
	host  bool
	index int
}

// Accel returns a reference to the accelerator device with the given index.
func Accel(index int) Device {
	return Device{index: index}
}

// AnyAccel returns an accelerator device reference without an index. Such
// a reference resolves to the runtime's current device.
func AnyAccel() Device {
	return Device{index: -1}
}

// Host returns a reference to host memory.
func Host() Device {
	return Device{host: true, index: -1}
}

// IsHost returns true if the device refers to host memory.
func (d Device) IsHost() bool {
	return d.host
}

// HasIndex returns true if the device carries an explicit index.
func (d Device) HasIndex() bool {
	return !d.host && d.index >= 0
}

// Index returns the explicit index of the device.
func (d Device) Index() int {
	return d.index
}

// String returns a string representation of the device reference.
func (d Device) String() string {
	switch {
	case d.host:
		return "host"
	case d.index < 0:
		return "accel"
	}
	return fmt.Sprintf("accel:%d", d.index)
}

// Stream identifies an execution queue of a device.
type Stream struct {
	// Device is the index of the device the stream belongs to.
	Device int
	// ID identifies the stream on its device. ID 0 is the default stream.
	ID uint64
}

// IsDefault returns true for the default stream of a device.
func (s Stream) IsDefault() bool {
	return s.ID == DefaultStreamID
}

// String returns a string representation of the stream.
func (s Stream) String() string {
	return fmt.Sprintf("stream:%d/%d", s.Device, s.ID)
}

// Event is a synchronization marker which can be recorded on one stream
// and waited for on others.
type Event struct {
	// Device is the index of the device the event belongs to.
	Device int
	// ID identifies the event on its device.
	ID uint64
}

// String returns a string representation of the event.
func (e Event) String() string {
	return fmt.Sprintf("event:%d/%d", e.Device, e.ID)
}

// Runtime is the device runtime interface memory allocation sits on top of.
type Runtime interface {
	// Name returns the name of the runtime backend.
	Name() string
	// DeviceCount returns the number of accelerator devices.
	DeviceCount() int
	// CurrentDevice returns the index of the current device.
	CurrentDevice() int
	// SetCurrentDevice sets the current device.
	SetCurrentDevice(index int) error

	// DefaultStream returns the default stream of a device.
	DefaultStream(device int) Stream
	// CurrentStream returns the current stream of a device.
	CurrentStream(device int) Stream
	// SetCurrentStream sets the current stream of the stream's device.
	SetCurrentStream(s Stream) error
	// NewStream creates a new stream on a device.
	NewStream(device int) (Stream, error)

	// MemAlloc allocates memory on a device.
	MemAlloc(device int, size int64) (Ptr, error)
	// MemFree releases device memory allocated with MemAlloc.
	MemFree(device int, ptr Ptr) error
	// HostAlloc allocates pinned host memory.
	HostAlloc(size int64) (Ptr, error)
	// HostFree releases host memory allocated with HostAlloc.
	HostFree(ptr Ptr) error

	// NewEvent creates a synchronization event on a device.
	NewEvent(device int) (Event, error)
	// RecordEvent records the event on the given stream.
	RecordEvent(e Event, s Stream) error
	// StreamWaitEvent makes a stream wait for an event.
	StreamWaitEvent(s Stream, e Event) error
	// QueryEvent returns true if all work preceding the event has completed.
	QueryEvent(e Event) (bool, error)
	// DestroyEvent releases an event.
	DestroyEvent(e Event) error

	// Synchronize waits for all outstanding work on a device.
	Synchronize(device int) error
}

var (
	// ErrNoDevice indicates a reference to a nonexistent device.
	ErrNoDevice = errors.New("devrt: no such device")
	// ErrOutOfMemory indicates an exhausted device or host memory pool.
	ErrOutOfMemory = errors.New("devrt: out of memory")
	// ErrInvalidHandle indicates a stale or unknown stream or event handle.
	ErrInvalidHandle = errors.New("devrt: invalid handle")
)

var (
	lock    sync.Mutex
	current Runtime
)

// Get returns the active runtime, setting up the default one if necessary.
func Get() Runtime {
	lock.Lock()
	defer lock.Unlock()

	if current == nil {
		current = NewFake()
	}
	return current
}

// SetRuntime sets the active runtime, returning the previous one.
func SetRuntime(rt Runtime) Runtime {
	lock.Lock()
	defer lock.Unlock()

	previous := current
	current = rt
	return previous
}
