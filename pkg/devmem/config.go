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
	"os"

	"sigs.k8s.io/yaml"

	"github.com/accelstack/devmem/pkg/utils"
)

const (
	// DefaultAlgorithm is the allocator algorithm used for any class
	// without an explicitly configured one.
	DefaultAlgorithm AlgorithmName = "BF"

	// accelAlgorithmEnvVar selects the accelerator memory algorithm.
	accelAlgorithmEnvVar = "DEVMEM_DEVICE_MEMCACHING_ALGORITHM"
	// hostAlgorithmEnvVar selects the host memory algorithm.
	hostAlgorithmEnvVar = "DEVMEM_HOST_MEMCACHING_ALGORITHM"
)

// Config is the allocator manager configuration. A manager resolves its
// configuration once, when its allocator table is first used, and sticks
// to it afterwards.
type Config struct {
	// AccelAlgorithm is the allocator algorithm for accelerator memory.
	AccelAlgorithm AlgorithmName `json:"accelAlgorithm,omitempty"`
	// HostAlgorithm is the allocator algorithm for host memory.
	HostAlgorithm AlgorithmName `json:"hostAlgorithm,omitempty"`
	// DeviceCount overrides the number of devices of configurable
	// runtimes. It is consumed by the stress tool, not the manager.
	DeviceCount int `json:"deviceCount,omitempty"`
	// MaxCachedBytes caps the memory a caching allocator keeps cached
	// per slot. 0 leaves caching uncapped.
	MaxCachedBytes int64 `json:"maxCachedBytes,omitempty"`
}

// DefaultConfig returns the configuration picked up from the environment.
func DefaultConfig() *Config {
	return &Config{
		AccelAlgorithm: utils.GetEnvString(accelAlgorithmEnvVar, DefaultAlgorithm),
		HostAlgorithm:  utils.GetEnvString(hostAlgorithmEnvVar, DefaultAlgorithm),
	}
}

// ReadConfig reads a YAML configuration file. Environment variables win
// over values from the file, file values win over built-in defaults.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read configuration %q: %v",
			ErrConfiguration, path, err)
	}

	cfg := &Config{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse configuration %q: %v",
			ErrConfiguration, path, err)
	}

	if v, ok := os.LookupEnv(accelAlgorithmEnvVar); ok {
		cfg.AccelAlgorithm = v
	}
	if v, ok := os.LookupEnv(hostAlgorithmEnvVar); ok {
		cfg.HostAlgorithm = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.DeviceCount < 0 {
		return fmt.Errorf("%w: negative device count %d",
			ErrConfiguration, c.DeviceCount)
	}
	if c.MaxCachedBytes < 0 {
		return fmt.Errorf("%w: negative cached memory cap %d",
			ErrConfiguration, c.MaxCachedBytes)
	}
	return nil
}

// Algorithm returns the allocator algorithm configured for a class.
func (c *Config) Algorithm(class DeviceClass) AlgorithmName {
	name := AlgorithmName("")

	if c != nil {
		switch class {
		case ClassAccel:
			name = c.AccelAlgorithm
		case ClassHost:
			name = c.HostAlgorithm
		}
	}

	if name == "" {
		name = DefaultAlgorithm
	}

	return name
}

// String returns the configuration as a single-line string.
func (c *Config) String() string {
	if c == nil {
		return "<nil configuration>"
	}

	str := fmt.Sprintf("{accel: %q, host: %q", c.Algorithm(ClassAccel), c.Algorithm(ClassHost))
	if c.DeviceCount > 0 {
		str += fmt.Sprintf(", devices: %d", c.DeviceCount)
	}
	if c.MaxCachedBytes > 0 {
		str += fmt.Sprintf(", cache cap: %d", c.MaxCachedBytes)
	}

	return str + "}"
}
