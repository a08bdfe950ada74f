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

package utils

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ParseEnabled parses a boolean-ish configuration word.
func ParseEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "on", "yes", "true", "enabled":
		return true, nil
	case "0", "off", "no", "false", "disabled":
		return false, nil
	}
	return false, fmt.Errorf("utils: invalid enabled value %q", value)
}

// GetEnvString returns the value of the environment variable, or the
// given default if it is unset or empty.
func GetEnvString(name, defval string) string {
	if value, ok := os.LookupEnv(name); ok && value != "" {
		return value
	}
	return defval
}

// GetEnvInt returns the integer value of the environment variable, or
// the given default if it is unset or does not parse.
func GetEnvInt(name string, defval int) int {
	value, ok := os.LookupEnv(name)
	if !ok {
		return defval
	}
	i, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return defval
	}
	return i
}

// GetEnvBool returns the boolean value of the environment variable, or
// the given default if it is unset or does not parse.
func GetEnvBool(name string, defval bool) bool {
	value, ok := os.LookupEnv(name)
	if !ok {
		return defval
	}
	enabled, err := ParseEnabled(value)
	if err != nil {
		return defval
	}
	return enabled
}
