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

import "sort"

const (
	// Granularity is the allocation size granularity. Requests are
	// rounded up to a multiple of it and split remainders below it
	// are never carved off.
	Granularity = 512

	// smallMax is the upper bound of the linearly spaced size classes.
	smallMax = 16 << 10
	// classMax is the upper bound of the multiplicatively spaced size
	// classes. Sizes beyond it share a single oversize class.
	classMax = 16 << 20
	// growth is the spacing factor of the multiplicative classes.
	growth = 2
)

// sizeClassTable maps block sizes to segregated free list indices.
// Classes are linearly spaced by the granularity up to smallMax and
// grow multiplicatively from there up to classMax. The index one past
// the last boundary is the shared oversize class.
type sizeClassTable struct {
	boundaries []int64
}

func newSizeClassTable() *sizeClassTable {
	t := &sizeClassTable{
		boundaries: make([]int64, 0, smallMax/Granularity+16),
	}

	for size := int64(Granularity); size <= smallMax; size += Granularity {
		t.boundaries = append(t.boundaries, size)
	}
	for size := int64(smallMax) * growth; size <= classMax; size *= growth {
		t.boundaries = append(t.boundaries, size)
	}

	return t
}

// class returns the index of the smallest class a size fits in. Sizes
// beyond the last boundary map to the oversize class.
func (t *sizeClassTable) class(size int64) int {
	return sort.Search(len(t.boundaries), func(i int) bool {
		return size <= t.boundaries[i]
	})
}

// classes returns the number of size classes, the oversize one included.
func (t *sizeClassTable) classes() int {
	return len(t.boundaries) + 1
}

// alignUp rounds a size up to the allocation granularity.
func alignUp(size int64) int64 {
	return (size + Granularity - 1) &^ (Granularity - 1)
}
