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
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	logger "github.com/accelstack/devmem/pkg/log"
	"github.com/accelstack/devmem/pkg/utils"
)

const (
	// fakeDevicesEnvVar overrides the default fake device count.
	fakeDevicesEnvVar = "DEVMEM_FAKE_DEVICES"
	// fakeMemoryEnvVar overrides the default fake per-device memory, in MiB.
	fakeMemoryEnvVar = "DEVMEM_FAKE_DEVICE_MEMORY"

	// DefaultFakeDevices is the default fake device count.
	DefaultFakeDevices = 1
	// DefaultFakeDeviceMemory is the default per-device memory of fake devices.
	DefaultFakeDeviceMemory = int64(256) << 20
	// DefaultFakeHostMemory is the default pinned host memory limit.
	DefaultFakeHostMemory = int64(1) << 30
)

// Fake is an in-process Runtime for tests and development. Allocations
// are backed by anonymous memory mappings, streams and events are purely
// logical with bookkeeping which tests can inspect and manipulate.
type Fake struct {
	sync.Mutex
	count   int
	memory  int64
	devices []*fakeDevice
	host    *fakePool
	curdev  int
}

// FakeOption is an option for NewFake.
type FakeOption func(*Fake)

// WithDeviceCount overrides the number of fake devices.
func WithDeviceCount(count int) FakeOption {
	return func(f *Fake) {
		f.count = count
	}
}

// WithDeviceMemory overrides the per-device memory of fake devices.
func WithDeviceMemory(bytes int64) FakeOption {
	return func(f *Fake) {
		f.memory = bytes
	}
}

// WithHostMemory overrides the pinned host memory limit.
func WithHostMemory(bytes int64) FakeOption {
	return func(f *Fake) {
		f.host.capacity = bytes
	}
}

var flog = logger.Get("devrt")

// NewFake creates a fake runtime. Without options the device count and
// per-device memory are taken from the environment, with compiled-in
// defaults.
func NewFake(options ...FakeOption) *Fake {
	memory := int64(utils.GetEnvInt(fakeMemoryEnvVar, 0)) << 20
	if memory <= 0 {
		memory = DefaultFakeDeviceMemory
	}

	f := &Fake{
		count:  utils.GetEnvInt(fakeDevicesEnvVar, DefaultFakeDevices),
		memory: memory,
		host:   newFakePool(DefaultFakeHostMemory),
	}

	for _, o := range options {
		o(f)
	}

	f.devices = make([]*fakeDevice, f.count)
	for i := range f.devices {
		f.devices[i] = newFakeDevice(i, f.memory)
	}

	flog.Info("fake runtime: %d devices, %dM per device",
		len(f.devices), f.memory>>20)

	return f
}

// fakeDevice is the per-device state of the fake runtime.
type fakeDevice struct {
	index      int
	pool       *fakePool
	streams    map[uint64]*fakeStream
	nextStream uint64
	curStream  uint64
	events     map[uint64]*fakeEvent
	nextEvent  uint64
}

func newFakeDevice(index int, memory int64) *fakeDevice {
	d := &fakeDevice{
		index:      index,
		pool:       newFakePool(memory),
		streams:    make(map[uint64]*fakeStream),
		nextStream: DefaultStreamID + 1,
		curStream:  DefaultStreamID,
		events:     make(map[uint64]*fakeEvent),
		nextEvent:  1,
	}
	d.streams[DefaultStreamID] = &fakeStream{id: DefaultStreamID}
	return d
}

// fakePool tracks mmap-backed allocations against a capacity.
type fakePool struct {
	capacity int64
	used     int64
	allocs   map[Ptr][]byte
}

func newFakePool(capacity int64) *fakePool {
	return &fakePool{
		capacity: capacity,
		allocs:   make(map[Ptr][]byte),
	}
}

func (p *fakePool) alloc(size int64) (Ptr, error) {
	if size <= 0 {
		return NilPtr, errors.Errorf("invalid allocation size %d", size)
	}
	if p.used+size > p.capacity {
		return NilPtr, errors.Wrapf(ErrOutOfMemory,
			"%d requested, %d used of %d", size, p.used, p.capacity)
	}

	b, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return NilPtr, errors.Wrapf(err, "mmap of %d bytes failed", size)
	}

	ptr := Ptr(uintptr(unsafe.Pointer(&b[0])))
	p.allocs[ptr] = b
	p.used += size

	return ptr, nil
}

func (p *fakePool) free(ptr Ptr) error {
	b, ok := p.allocs[ptr]
	if !ok {
		return errors.Wrapf(ErrInvalidHandle, "unknown allocation %#x", uintptr(ptr))
	}

	delete(p.allocs, ptr)
	p.used -= int64(len(b))

	return unix.Munmap(b)
}

// fakeStream is the bookkeeping state of a logical stream.
type fakeStream struct {
	id      uint64
	records int
	waits   int
	held    bool
	pending []*fakeEvent
}

// fakeEvent is the bookkeeping state of a logical event.
type fakeEvent struct {
	id       uint64
	complete bool
}

// FakeStreamStats is a snapshot of the synchronization operations seen
// by a fake stream.
type FakeStreamStats struct {
	// Records is the number of events recorded on the stream.
	Records int
	// Waits is the number of event waits enqueued on the stream.
	Waits int
}

// FakePoolStats is a snapshot of a fake memory pool.
type FakePoolStats struct {
	// Capacity is the total memory of the pool.
	Capacity int64
	// Used is the currently allocated memory of the pool.
	Used int64
	// Allocs is the number of live allocations in the pool.
	Allocs int
}

// Name implements Runtime.
func (f *Fake) Name() string {
	return "fake"
}

// DeviceCount implements Runtime.
func (f *Fake) DeviceCount() int {
	f.Lock()
	defer f.Unlock()
	return len(f.devices)
}

// CurrentDevice implements Runtime.
func (f *Fake) CurrentDevice() int {
	f.Lock()
	defer f.Unlock()
	return f.curdev
}

// SetCurrentDevice implements Runtime.
func (f *Fake) SetCurrentDevice(index int) error {
	f.Lock()
	defer f.Unlock()

	if index < 0 || index >= len(f.devices) {
		return errors.Wrapf(ErrNoDevice, "device %d", index)
	}
	f.curdev = index
	return nil
}

// DefaultStream implements Runtime.
func (f *Fake) DefaultStream(device int) Stream {
	return Stream{Device: device, ID: DefaultStreamID}
}

// CurrentStream implements Runtime.
func (f *Fake) CurrentStream(device int) Stream {
	f.Lock()
	defer f.Unlock()

	d, err := f.device(device)
	if err != nil {
		return Stream{Device: device, ID: DefaultStreamID}
	}
	return Stream{Device: device, ID: d.curStream}
}

// SetCurrentStream implements Runtime.
func (f *Fake) SetCurrentStream(s Stream) error {
	f.Lock()
	defer f.Unlock()

	d, err := f.device(s.Device)
	if err != nil {
		return err
	}
	if _, ok := d.streams[s.ID]; !ok {
		return errors.Wrapf(ErrInvalidHandle, "%s", s)
	}
	d.curStream = s.ID
	return nil
}

// NewStream implements Runtime.
func (f *Fake) NewStream(device int) (Stream, error) {
	f.Lock()
	defer f.Unlock()

	d, err := f.device(device)
	if err != nil {
		return Stream{}, err
	}

	id := d.nextStream
	d.nextStream++
	d.streams[id] = &fakeStream{id: id}

	return Stream{Device: device, ID: id}, nil
}

// MemAlloc implements Runtime.
func (f *Fake) MemAlloc(device int, size int64) (Ptr, error) {
	f.Lock()
	defer f.Unlock()

	d, err := f.device(device)
	if err != nil {
		return NilPtr, err
	}
	return d.pool.alloc(size)
}

// MemFree implements Runtime.
func (f *Fake) MemFree(device int, ptr Ptr) error {
	f.Lock()
	defer f.Unlock()

	d, err := f.device(device)
	if err != nil {
		return err
	}
	return d.pool.free(ptr)
}

// HostAlloc implements Runtime.
func (f *Fake) HostAlloc(size int64) (Ptr, error) {
	f.Lock()
	defer f.Unlock()
	return f.host.alloc(size)
}

// HostFree implements Runtime.
func (f *Fake) HostFree(ptr Ptr) error {
	f.Lock()
	defer f.Unlock()
	return f.host.free(ptr)
}

// NewEvent implements Runtime.
func (f *Fake) NewEvent(device int) (Event, error) {
	f.Lock()
	defer f.Unlock()

	d, err := f.device(device)
	if err != nil {
		return Event{}, err
	}

	id := d.nextEvent
	d.nextEvent++
	d.events[id] = &fakeEvent{id: id}

	return Event{Device: device, ID: id}, nil
}

// RecordEvent implements Runtime.
func (f *Fake) RecordEvent(e Event, s Stream) error {
	f.Lock()
	defer f.Unlock()

	d, err := f.device(e.Device)
	if err != nil {
		return err
	}
	ev, ok := d.events[e.ID]
	if !ok {
		return errors.Wrapf(ErrInvalidHandle, "%s", e)
	}
	str, ok := d.streams[s.ID]
	if !ok || s.Device != e.Device {
		return errors.Wrapf(ErrInvalidHandle, "%s", s)
	}

	str.records++
	if str.held {
		ev.complete = false
		str.pending = append(str.pending, ev)
	} else {
		ev.complete = true
	}

	return nil
}

// StreamWaitEvent implements Runtime.
func (f *Fake) StreamWaitEvent(s Stream, e Event) error {
	f.Lock()
	defer f.Unlock()

	d, err := f.device(s.Device)
	if err != nil {
		return err
	}
	str, ok := d.streams[s.ID]
	if !ok {
		return errors.Wrapf(ErrInvalidHandle, "%s", s)
	}
	if _, ok := d.events[e.ID]; !ok || e.Device != s.Device {
		return errors.Wrapf(ErrInvalidHandle, "%s", e)
	}

	str.waits++
	return nil
}

// QueryEvent implements Runtime.
func (f *Fake) QueryEvent(e Event) (bool, error) {
	f.Lock()
	defer f.Unlock()

	d, err := f.device(e.Device)
	if err != nil {
		return false, err
	}
	ev, ok := d.events[e.ID]
	if !ok {
		return false, errors.Wrapf(ErrInvalidHandle, "%s", e)
	}
	return ev.complete, nil
}

// DestroyEvent implements Runtime.
func (f *Fake) DestroyEvent(e Event) error {
	f.Lock()
	defer f.Unlock()

	d, err := f.device(e.Device)
	if err != nil {
		return err
	}
	if _, ok := d.events[e.ID]; !ok {
		return errors.Wrapf(ErrInvalidHandle, "%s", e)
	}
	delete(d.events, e.ID)
	return nil
}

// Synchronize implements Runtime.
func (f *Fake) Synchronize(device int) error {
	f.Lock()
	defer f.Unlock()

	d, err := f.device(device)
	if err != nil {
		return err
	}

	for _, str := range d.streams {
		for _, ev := range str.pending {
			ev.complete = true
		}
		str.pending = nil
	}
	for _, ev := range d.events {
		ev.complete = true
	}

	return nil
}

// HoldStream makes events recorded on the stream stay incomplete until
// the stream is released. Tests use this to keep work in flight.
func (f *Fake) HoldStream(s Stream) error {
	f.Lock()
	defer f.Unlock()

	str, err := f.stream(s)
	if err != nil {
		return err
	}
	str.held = true
	return nil
}

// ReleaseStream completes all events held up on the stream.
func (f *Fake) ReleaseStream(s Stream) error {
	f.Lock()
	defer f.Unlock()

	str, err := f.stream(s)
	if err != nil {
		return err
	}

	str.held = false
	for _, ev := range str.pending {
		ev.complete = true
	}
	str.pending = nil

	return nil
}

// StreamStats returns a snapshot of the synchronization operations seen
// by a stream.
func (f *Fake) StreamStats(s Stream) (FakeStreamStats, error) {
	f.Lock()
	defer f.Unlock()

	str, err := f.stream(s)
	if err != nil {
		return FakeStreamStats{}, err
	}
	return FakeStreamStats{Records: str.records, Waits: str.waits}, nil
}

// DeviceStats returns a snapshot of a device's memory pool.
func (f *Fake) DeviceStats(device int) (FakePoolStats, error) {
	f.Lock()
	defer f.Unlock()

	d, err := f.device(device)
	if err != nil {
		return FakePoolStats{}, err
	}
	return d.pool.stats(), nil
}

// HostStats returns a snapshot of the host memory pool.
func (f *Fake) HostStats() FakePoolStats {
	f.Lock()
	defer f.Unlock()
	return f.host.stats()
}

func (p *fakePool) stats() FakePoolStats {
	return FakePoolStats{
		Capacity: p.capacity,
		Used:     p.used,
		Allocs:   len(p.allocs),
	}
}

// device returns the device with the given index.
// Must be called with the fake locked.
func (f *Fake) device(index int) (*fakeDevice, error) {
	if index < 0 || index >= len(f.devices) {
		return nil, errors.Wrapf(ErrNoDevice, "device %d", index)
	}
	return f.devices[index], nil
}

// stream returns the state of the given stream.
// Must be called with the fake locked.
func (f *Fake) stream(s Stream) (*fakeStream, error) {
	d, err := f.device(s.Device)
	if err != nil {
		return nil, err
	}
	str, ok := d.streams[s.ID]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidHandle, "%s", s)
	}
	return str, nil
}
