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
)

func nopFactory(slot devmem.PhysicalSlot) devmem.Allocator {
	return &mockAllocator{name: "NOP", slot: slot}
}

func TestRegistryArbitration(t *testing.T) {
	type registration struct {
		class devmem.DeviceClass
		name  devmem.AlgorithmName
		prio  uint8
		fail  bool
	}

	tcases := []struct {
		name string
		regs []registration
	}{
		{
			name: "new names always register",
			regs: []registration{
				{devmem.ClassAccel, "A", 0, false},
				{devmem.ClassAccel, "B", 0, false},
				{devmem.ClassHost, "A", 0, false},
			},
		},
		{
			name: "equal priority is rejected",
			regs: []registration{
				{devmem.ClassAccel, "A", 5, false},
				{devmem.ClassAccel, "A", 5, true},
			},
		},
		{
			name: "lower priority is rejected",
			regs: []registration{
				{devmem.ClassAccel, "A", 5, false},
				{devmem.ClassAccel, "A", 3, true},
			},
		},
		{
			name: "strictly higher priority replaces",
			regs: []registration{
				{devmem.ClassAccel, "A", 5, false},
				{devmem.ClassAccel, "A", 7, false},
				{devmem.ClassAccel, "A", 7, true},
			},
		},
		{
			name: "classes do not collide",
			regs: []registration{
				{devmem.ClassAccel, "A", 5, false},
				{devmem.ClassHost, "A", 5, false},
				{devmem.ClassHost, "A", 5, true},
			},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			r := devmem.NewRegistry()
			for _, reg := range tc.regs {
				err := r.Register(reg.class, reg.name, devmem.RegistryEntry{
					Factory:  nopFactory,
					Priority: reg.prio,
				})
				if reg.fail {
					require.Error(t, err)
					require.ErrorIs(t, err, devmem.ErrConfiguration)
				} else {
					require.NoError(t, err)
				}
			}
		})
	}
}

func TestRegistryReplacement(t *testing.T) {
	r := devmem.NewRegistry()

	err := r.Register(devmem.ClassAccel, "A", devmem.RegistryEntry{
		Factory: func(slot devmem.PhysicalSlot) devmem.Allocator {
			return &mockAllocator{name: "low", slot: slot}
		},
		Priority: 1,
	})
	require.NoError(t, err)

	err = r.Register(devmem.ClassAccel, "A", devmem.RegistryEntry{
		Factory: func(slot devmem.PhysicalSlot) devmem.Allocator {
			return &mockAllocator{name: "high", slot: slot}
		},
		Priority: 9,
	})
	require.NoError(t, err)

	e, ok := r.Lookup(devmem.ClassAccel, "A")
	require.True(t, ok)
	require.Equal(t, uint8(9), e.Priority)
	require.Equal(t, devmem.AlgorithmName("high"), e.Factory(0).Name())
}

func TestRegistryValidation(t *testing.T) {
	r := devmem.NewRegistry()

	err := r.Register(devmem.ClassAccel, "", devmem.RegistryEntry{Factory: nopFactory})
	require.ErrorIs(t, err, devmem.ErrConfiguration)

	err = r.Register(devmem.ClassAccel, "A", devmem.RegistryEntry{})
	require.ErrorIs(t, err, devmem.ErrConfiguration)

	_, ok := r.Lookup(devmem.ClassAccel, "A")
	require.False(t, ok)
}

func TestMustRegisterPanics(t *testing.T) {
	r := devmem.NewRegistry()

	require.NotPanics(t, func() {
		r.MustRegister(devmem.ClassAccel, "A", devmem.RegistryEntry{Factory: nopFactory})
	})
	require.Panics(t, func() {
		r.MustRegister(devmem.ClassAccel, "A", devmem.RegistryEntry{Factory: nopFactory})
	})
}

func TestRegisteredAlgorithms(t *testing.T) {
	r := devmem.NewRegistry()

	for _, name := range []devmem.AlgorithmName{"ZZ", "AA", "MM"} {
		require.NoError(t, r.Register(devmem.ClassAccel, name,
			devmem.RegistryEntry{Factory: nopFactory}))
	}
	require.NoError(t, r.Register(devmem.ClassHost, "HH",
		devmem.RegistryEntry{Factory: nopFactory}))

	require.Equal(t, []devmem.AlgorithmName{"AA", "MM", "ZZ"},
		r.Algorithms(devmem.ClassAccel))
	require.Equal(t, []devmem.AlgorithmName{"HH"},
		r.Algorithms(devmem.ClassHost))
}
