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

import "fmt"

var (
	// ErrFailedOption indicates a failure to apply a Manager option.
	ErrFailedOption = fmt.Errorf("devmem: failed to apply option")
	// ErrConfiguration indicates an invalid or conflicting configuration.
	// Errors of this class are fatal, callers are not expected to recover.
	ErrConfiguration = fmt.Errorf("devmem: configuration error")
	// ErrResourceExhaustion indicates that the runtime is out of memory.
	// It is always propagated to the caller, never swallowed.
	ErrResourceExhaustion = fmt.Errorf("devmem: resource exhaustion")
	// ErrInvalidDevice indicates a reference to a nonexistent device.
	ErrInvalidDevice = fmt.Errorf("devmem: invalid device")
	// ErrInvalidBlock indicates a block unknown to the allocator it was
	// handed to.
	ErrInvalidBlock = fmt.Errorf("devmem: invalid block")
)
