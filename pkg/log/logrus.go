// Copyright 2026 The gVisor Authors.
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
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogrusEmitter emits log lines through a logrus logger. Level filtering is
// left to the BasicLogger in front of it.
type LogrusEmitter struct {
	Logger *logrus.Logger
}

// NewLogrusEmitter returns an emitter writing text lines to w.
func NewLogrusEmitter(w io.Writer) *LogrusEmitter {
	l := logrus.New()
	l.SetOutput(&Writer{Next: w})
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000000Z07:00",
	})
	return &LogrusEmitter{Logger: l}
}

func logrusLevel(level Level) logrus.Level {
	switch level {
	case Warning:
		return logrus.WarnLevel
	case Debug:
		return logrus.DebugLevel
	default:
		return logrus.InfoLevel
	}
}

// caller returns "file:line" for the frame depth+1 above the caller, or ""
// if the stack is not that deep.
func caller(depth int) string {
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		return ""
	}
	if slash := strings.LastIndexByte(file, byte('/')); slash >= 0 {
		file = file[slash+1:]
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// callerPrefix returns "file:line] " for the frame depth+1 above the caller.
func callerPrefix(depth int) string {
	c := caller(depth + 1)
	if c == "" {
		return ""
	}
	return c + "] "
}

// Emit implements Emitter.Emit.
func (e *LogrusEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	msg := callerPrefix(depth+1) + fmt.Sprintf(format, v...)
	e.Logger.WithTime(timestamp).Log(logrusLevel(level), msg)
}
