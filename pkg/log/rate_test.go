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

package log

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingLogger struct {
	Logger
	infos int
	warns int
}

func (c *countingLogger) Info(format string, args ...interface{}) {
	c.infos++
}

func (c *countingLogger) Warn(format string, args ...interface{}) {
	c.warns++
}

func TestRateLimitedLogger(t *testing.T) {
	c := &countingLogger{Logger: Get("rate-test")}
	l := RateLimit(c, Rate{Limit: Every(time.Hour), Burst: 2})

	for i := 0; i < 5; i++ {
		l.Info("message #%d", i)
	}
	require.Equal(t, 2, c.infos, "only the burst passes within the interval")

	// severities share one limiter, so these are over the limit too
	l.Warn("a warning")
	require.Zero(t, c.warns)

	require.Equal(t, "rate-test", l.Source())
}

func TestRateLimitDefaultBurst(t *testing.T) {
	c := &countingLogger{Logger: Get("rate-test")}
	l := RateLimit(c, Rate{Limit: Every(time.Hour)})

	l.Info("first")
	l.Info("second")
	require.Equal(t, 1, c.infos)
}
