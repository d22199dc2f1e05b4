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
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// jsonLog is one line of JSONEmitter output.
type jsonLog struct {
	Time   time.Time `json:"time"`
	Level  Level     `json:"level"`
	Caller string    `json:"caller,omitempty"`
	Msg    string    `json:"msg"`
}

// MarshalText implements encoding.TextMarshaler. Levels are written by their
// configuration names.
func (l Level) MarshalText() ([]byte, error) {
	switch l {
	case Warning:
		return []byte("warning"), nil
	case Info:
		return []byte("info"), nil
	case Debug:
		return []byte("debug"), nil
	default:
		return nil, fmt.Errorf("unknown level %d", uint32(l))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("empty level")
	}
	lv, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = lv
	return nil
}

// JSONEmitter logs messages in json format, one object per line.
type JSONEmitter struct {
	*Writer
}

// NewJSONEmitter returns a JSONEmitter writing to w.
func NewJSONEmitter(w io.Writer) JSONEmitter {
	return JSONEmitter{&Writer{Next: w}}
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	b, err := json.Marshal(jsonLog{
		Time:   timestamp,
		Level:  level,
		Caller: caller(depth + 1),
		Msg:    fmt.Sprintf(format, v...),
	})
	if err != nil {
		panic(err)
	}
	e.Writer.Write(append(b, '\n'))
}
