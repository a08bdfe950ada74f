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
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level describes the severity of a log message.
type Level int

const (
	// LevelDebug is the severity of debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity of informational messages.
	LevelInfo
	// LevelWarn is the severity of warnings.
	LevelWarn
	// LevelError is the severity of errors.
	LevelError
)

// Logger is the interface for producing log messages for a source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and exits the process.
	Fatal(format string, args ...interface{})
	// Panic formats and emits an error message then panics with the same.
	Panic(format string, args ...interface{})

	// Debugf is an alias for Debug.
	Debugf(format string, args ...interface{})
	// Infof is an alias for Info.
	Infof(format string, args ...interface{})
	// Warnf is an alias for Warn.
	Warnf(format string, args ...interface{})
	// Errorf is an alias for Error.
	Errorf(format string, args ...interface{})
	// Fatalf is an alias for Fatal.
	Fatalf(format string, args ...interface{})

	// DebugBlock emits a multiline debug message with a per-line prefix.
	DebugBlock(prefix string, format string, args ...interface{})
	// InfoBlock emits a multiline informational message with a per-line prefix.
	InfoBlock(prefix string, format string, args ...interface{})
	// WarnBlock emits a multiline warning with a per-line prefix.
	WarnBlock(prefix string, format string, args ...interface{})
	// ErrorBlock emits a multiline error with a per-line prefix.
	ErrorBlock(prefix string, format string, args ...interface{})

	// EnableDebug enables or disables debug messages for this source,
	// returning the previous setting.
	EnableDebug(bool) bool
	// DebugEnabled returns true if debug messages are enabled for this source.
	DebugEnabled() bool

	// Source returns the source of this Logger.
	Source() string
}

// logging is the state shared by all Loggers.
type logging struct {
	sync.Mutex
	level   Level
	loggers map[string]logger
	dbgmap  srcmap
	forced  bool
	prefix  bool
	srclen  int
	aligned map[string]string
}

// logger implements Logger for a single source.
type logger struct {
	source string
}

var (
	// our logging state, shared by all sources
	log = &logging{
		level:   DefaultLevel,
		loggers: make(map[string]logger),
		aligned: make(map[string]string),
	}
	// deflog is the logger for unattributed messages.
	deflog = Get("default")
)

// Get returns the named Logger, creating it if necessary.
func Get(source string) Logger {
	log.Lock()
	defer log.Unlock()
	return log.get(source)
}

// NewLogger creates the named Logger.
func NewLogger(source string) Logger {
	return Get(source)
}

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

// SetLevel sets the lowest severity of messages to pass through.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// EnableDebug enables or disables debug messages for the given source,
// returning the previous setting.
func EnableDebug(source string, enabled bool) bool {
	return Get(source).EnableDebug(enabled)
}

// Flush flushes any pending log messages.
func Flush() {
	klog.Flush()
}

// SetStdLogger redirects the standard library logger to the named source.
func SetStdLogger(source string) {
	stdlog.SetPrefix("")
	stdlog.SetFlags(0)
	stdlog.SetOutput(&stdwriter{l: Get(source)})
}

// SetupDebugToggleSignal sets up a signal handler to toggle full debugging.
func SetupDebugToggleSignal(sig os.Signal) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, sig)
	go func() {
		for range sigs {
			log.Lock()
			log.forced = !log.forced
			state := "disabled"
			if log.forced {
				state = "enabled"
			}
			log.Unlock()
			deflog.Info("full debugging %s by signal %v", state, sig)
		}
	}()
}

// stdwriter redirects the standard library logger to one of ours.
type stdwriter struct {
	l Logger
}

func (w *stdwriter) Write(data []byte) (int, error) {
	w.l.Info("%s", strings.TrimSuffix(string(data), "\n"))
	return len(data), nil
}

// get returns the Logger for a source, creating it if necessary.
// Must be called with the logging state locked.
func (l *logging) get(source string) logger {
	lg, ok := l.loggers[source]
	if !ok {
		lg = logger{source: source}
		l.loggers[source] = lg
		if len(source) > l.srclen {
			l.srclen = len(source)
			l.aligned = make(map[string]string, len(l.loggers))
		}
	}
	return lg
}

// setDbgMap updates the per-source debugging configuration.
// Must be called with the logging state locked.
func (l *logging) setDbgMap(m srcmap) {
	l.dbgmap = m
}

// setPrefix controls prefixing messages with their source.
// Must be called with the logging state locked.
func (l *logging) setPrefix(prefix bool) {
	l.prefix = prefix
}

// debugging returns true if debug messages are enabled for the source.
// Must be called with the logging state locked.
func (l *logging) debugging(source string) bool {
	if l.forced {
		return true
	}
	if enabled, ok := l.dbgmap[source]; ok {
		return enabled
	}
	if enabled, ok := l.dbgmap["*"]; ok {
		return enabled
	}
	return false
}

// format renders a message, prefixing it with its source if requested.
// Must be called with the logging state locked.
func (l *logging) format(source, format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	if !l.prefix {
		return msg
	}
	tag, ok := l.aligned[source]
	if !ok {
		tag = fmt.Sprintf("[%*s] ", l.srclen, source)
		l.aligned[source] = tag
	}
	return tag + msg
}

// passes returns true if messages of the given severity pass through.
// Must be called with the logging state locked.
func (l *logging) passes(level Level) bool {
	return l.level <= level
}

const (
	// stack depth to skip in klog to report our caller's location
	depth = 2
)

func (l logger) Debug(format string, args ...interface{}) {
	log.Lock()
	if !l.debugging() || !log.passes(LevelDebug) {
		log.Unlock()
		return
	}
	msg := log.format(l.source, format, args...)
	log.Unlock()
	klog.InfoDepth(depth, msg)
}

func (l logger) Info(format string, args ...interface{}) {
	log.Lock()
	if !log.passes(LevelInfo) {
		log.Unlock()
		return
	}
	msg := log.format(l.source, format, args...)
	log.Unlock()
	klog.InfoDepth(depth, msg)
}

func (l logger) Warn(format string, args ...interface{}) {
	log.Lock()
	if !log.passes(LevelWarn) {
		log.Unlock()
		return
	}
	msg := log.format(l.source, format, args...)
	log.Unlock()
	klog.WarningDepth(depth, msg)
}

func (l logger) Error(format string, args ...interface{}) {
	log.Lock()
	msg := log.format(l.source, format, args...)
	log.Unlock()
	klog.ErrorDepth(depth, msg)
}

func (l logger) Fatal(format string, args ...interface{}) {
	log.Lock()
	msg := log.format(l.source, format, args...)
	log.Unlock()
	klog.FatalDepth(depth, msg)
}

func (l logger) Panic(format string, args ...interface{}) {
	log.Lock()
	msg := log.format(l.source, format, args...)
	log.Unlock()
	klog.ErrorDepth(depth, msg)
	klog.Flush()
	panic(msg)
}

func (l logger) Debugf(format string, args ...interface{}) {
	l.Debug(format, args...)
}

func (l logger) Infof(format string, args ...interface{}) {
	l.Info(format, args...)
}

func (l logger) Warnf(format string, args ...interface{}) {
	l.Warn(format, args...)
}

func (l logger) Errorf(format string, args ...interface{}) {
	l.Error(format, args...)
}

func (l logger) Fatalf(format string, args ...interface{}) {
	l.Fatal(format, args...)
}

func (l logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	l.block(l.Debug, prefix, format, args...)
}

func (l logger) InfoBlock(prefix string, format string, args ...interface{}) {
	l.block(l.Info, prefix, format, args...)
}

func (l logger) WarnBlock(prefix string, format string, args ...interface{}) {
	l.block(l.Warn, prefix, format, args...)
}

func (l logger) ErrorBlock(prefix string, format string, args ...interface{}) {
	l.block(l.Error, prefix, format, args...)
}

// block emits a multiline message line by line with a common prefix.
func (l logger) block(emit func(string, ...interface{}), prefix, format string, args ...interface{}) {
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		emit("%s%s", prefix, line)
	}
}

func (l logger) EnableDebug(enabled bool) bool {
	log.Lock()
	defer log.Unlock()

	previous := log.debugging(l.source)
	if log.dbgmap == nil {
		log.dbgmap = make(srcmap)
	}
	log.dbgmap[l.source] = enabled

	return previous
}

func (l logger) DebugEnabled() bool {
	log.Lock()
	defer log.Unlock()
	return l.debugging()
}

// debugging returns true if debugging is enabled for this source.
// Must be called with the logging state locked.
func (l logger) debugging() bool {
	return log.debugging(l.source)
}

func (l logger) Source() string {
	return l.source
}

// loggerError returns a package-specific formatted error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
