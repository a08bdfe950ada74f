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

// Package register pulls in the built-in allocator algorithms.
package register

import (
	// pull in the built-in allocator algorithms
	_ "github.com/accelstack/devmem/pkg/devmem/bestfit"
	_ "github.com/accelstack/devmem/pkg/devmem/raw"
)
