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

package bestfit

import (
	"container/heap"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/accelstack/devmem/pkg/devmem"
	"github.com/accelstack/devmem/pkg/devrt"
)

// chunk is one contiguous piece of runtime memory, carved into cells.
// A chunk can be returned to the runtime once no cell of it is live or
// pending reclaim.
type chunk struct {
	ptr     devrt.Ptr
	size    int64
	live    int
	pending int
	free    map[*cell]struct{}
}

// cell is a carved piece of a chunk: live, free, or pending reclaim.
type cell struct {
	chunk *chunk
	ptr   devrt.Ptr
	size  int64
	index int
}

// cellHeap is a min-heap of free cells keyed on size. The smallest cell
// sits on top, which makes it the best fit for anything it can hold.
type cellHeap []*cell

func (h cellHeap) Len() int { return len(h) }

func (h cellHeap) Less(i, j int) bool {
	return h[i].size < h[j].size
}

func (h cellHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *cellHeap) Push(x interface{}) {
	c := x.(*cell)
	c.index = len(*h)
	*h = append(*h, c)
}

func (h *cellHeap) Pop() interface{} {
	old := *h
	n := len(old)
	c := old[n-1]
	c.index = -1
	*h = old[:n-1]
	return c
}

// pendingBlock is a freed cell still referenced by recorded streams. It
// rejoins the free lists once every event of it has been reached.
type pendingBlock struct {
	cell   *cell
	events []devrt.Event
}

// takeCell removes and returns the best-fitting free cell for a size,
// or nil if nothing cached fits. Lookup starts at the size's own class
// and walks upward, so the first hit is the smallest fitting cell.
func (a *Allocator) takeCell(need int64) *cell {
	for sc := a.table.class(need); sc < len(a.lists); sc++ {
		h := &a.lists[sc]
		if h.Len() == 0 {
			continue
		}

		if (*h)[0].size >= need {
			c := heap.Pop(h).(*cell)
			a.unlinkCell(c)
			return c
		}

		// The class of the request can hold fitting cells deeper
		// in the heap even when the top one is too small.
		best := -1
		for i, c := range *h {
			if c.size < need {
				continue
			}
			if best < 0 || c.size < (*h)[best].size {
				best = i
			}
		}
		if best >= 0 {
			c := heap.Remove(h, best).(*cell)
			a.unlinkCell(c)
			return c
		}
	}

	return nil
}

// insertCell puts a cell on the free list of its size class.
func (a *Allocator) insertCell(c *cell) {
	heap.Push(&a.lists[a.table.class(c.size)], c)
	c.chunk.free[c] = struct{}{}
	a.cached += c.size
}

// unlinkCell severs a cell removed from its free list from the cache
// bookkeeping.
func (a *Allocator) unlinkCell(c *cell) {
	delete(c.chunk.free, c)
	a.cached -= c.size
}

// splitCell carves the requested size off an oversized cell, putting
// the remainder back on the free lists. Remainders below the granularity
// are left attached to the cell as slack.
func (a *Allocator) splitCell(c *cell, need int64) {
	if c.size-need < Granularity {
		return
	}

	rest := &cell{
		chunk: c.chunk,
		ptr:   c.ptr + devrt.Ptr(need),
		size:  c.size - need,
	}
	c.size = need

	a.insertCell(rest)
}

// grow acquires a new chunk of the given size from the runtime. On
// exhaustion the cache is flushed and the allocation retried once; a
// second failure is reported as resource exhaustion to the caller.
func (a *Allocator) grow(need int64) (*chunk, error) {
	ptr, err := a.memAlloc(need)
	if err != nil {
		if !errors.Is(err, devrt.ErrOutOfMemory) {
			return nil, err
		}

		log.Info("slot #%d: %d bytes failed, flushing cache and retrying", a.slot, need)
		if err := a.flush(); err != nil {
			log.Warn("slot #%d: cache flush failed: %v", a.slot, err)
		}

		ptr, err = a.memAlloc(need)
		if err != nil {
			if errors.Is(err, devrt.ErrOutOfMemory) {
				return nil, fmt.Errorf("%w: slot #%d: failed to allocate %d bytes: %v",
					devmem.ErrResourceExhaustion, a.slot, need, err)
			}
			return nil, err
		}
	}

	ck := &chunk{
		ptr:  ptr,
		size: need,
		free: make(map[*cell]struct{}),
	}
	a.chunks[ptr] = ck

	a.reserved.Add(need)
	maxUpdate(&a.maxReserved, a.reserved.Load())

	return ck, nil
}

// flush returns every fully free chunk to the runtime. Chunks with live
// or pending cells are kept.
func (a *Allocator) flush() error {
	a.reclaimCells()

	var errs *multierror.Error

	for ptr, ck := range a.chunks {
		if ck.live > 0 || ck.pending > 0 {
			continue
		}

		for c := range ck.free {
			heap.Remove(&a.lists[a.table.class(c.size)], c.index)
			a.cached -= c.size
		}

		delete(a.chunks, ptr)
		a.reserved.Add(-ck.size)

		if err := a.memFree(ck.ptr); err != nil {
			errs = multierror.Append(errs,
				fmt.Errorf("failed to release chunk of %d bytes: %w", ck.size, err))
		}
	}

	return errs.ErrorOrNil()
}

// deferReclaim parks a freed cell on the pending queue, with one event
// recorded on every stream which may still consume it.
func (a *Allocator) deferReclaim(c *cell, streams []devrt.Stream) error {
	events := make([]devrt.Event, 0, len(streams))

	for _, s := range streams {
		e, err := a.rt.NewEvent(s.Device)
		if err == nil {
			if rerr := a.rt.RecordEvent(e, s); rerr != nil {
				a.destroyEvents([]devrt.Event{e})
				err = rerr
			}
		}
		if err != nil {
			a.destroyEvents(events)
			a.insertCell(c)
			return fmt.Errorf("failed to defer reuse of %d bytes for %s: %w",
				c.size, s, err)
		}
		events = append(events, e)
	}

	c.chunk.pending++
	a.pending = append(a.pending, &pendingBlock{cell: c, events: events})

	return nil
}

// reclaimCells moves pending cells whose every event has been reached
// back to the free lists.
func (a *Allocator) reclaimCells() {
	if len(a.pending) == 0 {
		return
	}

	remaining := a.pending[:0]
	for _, p := range a.pending {
		if !a.eventsDone(p.events) {
			remaining = append(remaining, p)
			continue
		}

		a.destroyEvents(p.events)
		p.cell.chunk.pending--
		a.insertCell(p.cell)
	}
	a.pending = remaining
}

func (a *Allocator) eventsDone(events []devrt.Event) bool {
	for _, e := range events {
		done, err := a.rt.QueryEvent(e)
		if err != nil {
			log.Warn("failed to query %s: %v", e, err)
			return false
		}
		if !done {
			return false
		}
	}
	return true
}

func (a *Allocator) destroyEvents(events []devrt.Event) {
	for _, e := range events {
		if err := a.rt.DestroyEvent(e); err != nil {
			log.Warn("failed to destroy %s: %v", e, err)
		}
	}
}

// memAlloc acquires memory of the allocator's class from the runtime.
func (a *Allocator) memAlloc(size int64) (devrt.Ptr, error) {
	if a.class == devmem.ClassHost {
		return a.rt.HostAlloc(size)
	}
	return a.rt.MemAlloc(a.slot, size)
}

// memFree returns memory of the allocator's class to the runtime.
func (a *Allocator) memFree(ptr devrt.Ptr) error {
	if a.class == devmem.ClassHost {
		return a.rt.HostFree(ptr)
	}
	return a.rt.MemFree(a.slot, ptr)
}
