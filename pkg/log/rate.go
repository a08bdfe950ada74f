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
	"time"

	"golang.org/x/time/rate"
)

// Rate specifies the rate limit for a rate-limited Logger.
type Rate struct {
	// Limit is the sustained rate of messages allowed through.
	Limit rate.Limit
	// Burst is the maximum burst of messages allowed through. Zero
	// or negative gets a burst of one.
	Burst int
}

// Every returns a rate limit allowing one message per interval.
func Every(interval time.Duration) rate.Limit {
	return rate.Every(interval)
}

// RateLimit wraps a Logger with a rate limit. Messages above the limit
// are dropped, except for fatal ones and panics which always emit.
func RateLimit(l Logger, r Rate) Logger {
	burst := r.Burst
	if burst <= 0 {
		burst = 1
	}
	return &rated{
		Logger:  l,
		limiter: rate.NewLimiter(r.Limit, burst),
	}
}

// rated is a rate-limited wrapper around a Logger.
type rated struct {
	Logger
	limiter *rate.Limiter
}

func (l *rated) allow() bool {
	return l.limiter.Allow()
}

func (l *rated) Debug(format string, args ...interface{}) {
	if l.allow() {
		l.Logger.Debug(format, args...)
	}
}

func (l *rated) Info(format string, args ...interface{}) {
	if l.allow() {
		l.Logger.Info(format, args...)
	}
}

func (l *rated) Warn(format string, args ...interface{}) {
	if l.allow() {
		l.Logger.Warn(format, args...)
	}
}

func (l *rated) Error(format string, args ...interface{}) {
	if l.allow() {
		l.Logger.Error(format, args...)
	}
}

func (l *rated) Debugf(format string, args ...interface{}) {
	l.Debug(format, args...)
}

func (l *rated) Infof(format string, args ...interface{}) {
	l.Info(format, args...)
}

func (l *rated) Warnf(format string, args ...interface{}) {
	l.Warn(format, args...)
}

func (l *rated) Errorf(format string, args ...interface{}) {
	l.Error(format, args...)
}

func (l *rated) DebugBlock(prefix string, format string, args ...interface{}) {
	if l.allow() {
		l.Logger.DebugBlock(prefix, format, args...)
	}
}

func (l *rated) InfoBlock(prefix string, format string, args ...interface{}) {
	if l.allow() {
		l.Logger.InfoBlock(prefix, format, args...)
	}
}

func (l *rated) WarnBlock(prefix string, format string, args ...interface{}) {
	if l.allow() {
		l.Logger.WarnBlock(prefix, format, args...)
	}
}

func (l *rated) ErrorBlock(prefix string, format string, args ...interface{}) {
	if l.allow() {
		l.Logger.ErrorBlock(prefix, format, args...)
	}
}
