// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package farmalloc

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogLevel is the severity of a log message, lowest first.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	default:
		return "UNKNOWN"
	}
}

// logger is a minimal leveled, component-tagged logger. The allocator never
// logs on the allocate/deallocate hot path; it is used only for mode
// switches and arena/block lifecycle events, which are infrequent and worth
// observing.
type logger struct {
	mu        sync.Mutex
	level     LogLevel
	component string
	out       io.Writer
}

func newLogger(component string) *logger {
	return &logger{level: LevelWarn, component: component, out: os.Stderr}
}

func (l *logger) setLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *logger) log(level LogLevel, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}
	ts := time.Now().Format("15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.out, "%s [%s] %s: %s\n", ts, level, l.component, msg)
}

func (l *logger) Debugf(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *logger) Infof(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *logger) Warnf(format string, args ...any)  { l.log(LevelWarn, format, args...) }

// defaultLog is the package-wide logger for bridge and arena lifecycle
// events. It defaults to LevelWarn so tests stay quiet; callers that want
// visibility can lower it.
var defaultLog = newLogger("farmalloc")
