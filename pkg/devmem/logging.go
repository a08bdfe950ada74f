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

	logger "github.com/accelstack/devmem/pkg/log"
)

var (
	log     = logger.Get("devmem")
	details = logger.Get("devmem-details")
)

// DumpState logs the current state of the manager.
func (m *Manager) DumpState(context ...interface{}) {
	prefix := formatPrefix(context...)

	m.Lock()
	defer m.Unlock()

	if m.slots == nil {
		log.Info("%s allocator table not set up yet", prefix)
		return
	}

	accel := len(m.slots) - 1
	log.Info("%s allocator table with %d slots (%d accelerator + host)",
		prefix, len(m.slots), accel)

	for slot := 0; slot < len(m.slots); slot++ {
		a, ok := m.created[slot]
		if !ok {
			continue
		}
		if _, caching := a.(CacheAllocator); caching {
			log.Info("%s   slot #%d: caching %q allocator (%s)",
				prefix, slot, a.Name(), m.classOf(slot))
		} else {
			log.Info("%s   slot #%d: %q allocator (%s)",
				prefix, slot, a.Name(), m.classOf(slot))
		}
	}

	log.Info("%s   in-use accelerator slots: %v", prefix, m.used.SortedMembers())

	if m.front != nil {
		log.Info("%s   stream-safe caching front installed", prefix)
	}
}

// DumpUsage logs the memory usage of every created caching allocator.
func (m *Manager) DumpUsage(context ...interface{}) {
	prefix := formatPrefix(context...)

	for _, slot := range m.createdSlots() {
		a, ok := m.createdAllocator(slot)
		if !ok {
			continue
		}
		ca, ok := a.(CacheAllocator)
		if !ok {
			continue
		}
		log.Info("%s   slot #%d: %d/%d bytes allocated/reserved, peaks %d/%d",
			prefix, slot, ca.AllocatedBytes(), ca.ReservedBytes(),
			ca.PeakAllocatedBytes(), ca.PeakReservedBytes())
	}
}

func formatPrefix(args ...interface{}) string {
	narg := len(args)
	if narg == 0 {
		return ""
	}

	format, ok := args[0].(string)
	if !ok {
		return "%%(!devmem:Bad-Prefix)"
	}

	if len(args) == 1 {
		return format
	}

	return fmt.Sprintf(format, args[1:]...)
}
