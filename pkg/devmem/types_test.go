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

package devmem_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/accelstack/devmem/pkg/devmem"
	"github.com/accelstack/devmem/pkg/devrt"
)

func TestDeviceClassString(t *testing.T) {
	require.Equal(t, "accel", devmem.ClassAccel.String())
	require.Equal(t, "host", devmem.ClassHost.String())
}

func TestBlockAccessors(t *testing.T) {
	b := devmem.NewBlock(devmem.ClassAccel, 2, devrt.Ptr(0x1000), 4096)
	require.Equal(t, devrt.Ptr(0x1000), b.Ptr())
	require.EqualValues(t, 4096, b.Size())
	require.Equal(t, devmem.PhysicalSlot(2), b.Slot())
	require.Equal(t, devmem.ClassAccel, b.Class())
	require.Equal(t, "<accel block of 4096 bytes at 0x1000, slot #2>", b.String())
}

func TestRecordStreamWithoutContext(t *testing.T) {
	b := devmem.NewBlock(devmem.ClassAccel, 0, devrt.Ptr(0x1000), 4096)
	require.Nil(t, b.StreamContext())

	// both of these must be silently ignored
	devmem.RecordStream(b, devrt.Stream{Device: 0, ID: 1})
	devmem.RecordStream(nil, devrt.Stream{Device: 0, ID: 1})

	require.Nil(t, b.StreamContext())
}

func TestRecordStreamTracked(t *testing.T) {
	b := devmem.NewTrackedBlock(devmem.ClassAccel, 0, devrt.Ptr(0x1000), 4096)

	ctx := b.StreamContext()
	require.NotNil(t, ctx)
	require.True(t, ctx.Empty())

	s1 := devrt.Stream{Device: 1, ID: 2}
	s2 := devrt.Stream{Device: 0, ID: 7}

	devmem.RecordStream(b, s1)
	devmem.RecordStream(b, s2)
	devmem.RecordStream(b, s1) // duplicates collapse

	require.False(t, ctx.Empty())
	require.Equal(t, []devrt.Stream{s2, s1}, ctx.Streams())
}
