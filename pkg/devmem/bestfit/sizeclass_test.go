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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAlignUp(t *testing.T) {
	for _, tc := range []struct {
		size, want int64
	}{
		{1, Granularity},
		{Granularity - 1, Granularity},
		{Granularity, Granularity},
		{Granularity + 1, 2 * Granularity},
		{4096, 4096},
		{6000, 6144},
	} {
		require.Equal(t, tc.want, alignUp(tc.size), "alignUp(%d)", tc.size)
	}
}

func TestSizeClassBoundaries(t *testing.T) {
	tbl := newSizeClassTable()

	prev := int64(0)
	for i, b := range tbl.boundaries {
		require.Greater(t, b, prev, "boundary #%d", i)
		prev = b
	}

	require.Equal(t, int64(Granularity), tbl.boundaries[0])
	require.Equal(t, int64(classMax), tbl.boundaries[len(tbl.boundaries)-1])
	require.Equal(t, len(tbl.boundaries)+1, tbl.classes())
}

func TestSizeClassLookup(t *testing.T) {
	tbl := newSizeClassTable()
	oversize := tbl.classes() - 1

	for _, tc := range []struct {
		size int64
		want int
	}{
		{1, 0},
		{Granularity, 0},
		{Granularity + 1, 1},
		{smallMax, smallMax/Granularity - 1},
		{smallMax + 1, smallMax / Granularity},
		{smallMax * growth, smallMax / Granularity},
		{classMax, len(tbl.boundaries) - 1},
		{classMax + 1, oversize},
		{1 << 30, oversize},
	} {
		require.Equal(t, tc.want, tbl.class(tc.size), "class(%d)", tc.size)
	}
}
