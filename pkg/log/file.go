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
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// BuildPath expands the %PID% and %TIMESTAMP% variables in a log file
// pattern.
func BuildPath(pattern string, pid int, now time.Time) string {
	r := strings.NewReplacer(
		"%PID%", strconv.Itoa(pid),
		"%TIMESTAMP%", now.Format("20060102-150405.000000"),
	)
	return r.Replace(pattern)
}

// OpenFile opens a log file for appending. An empty pattern returns a nil
// file and no error.
func OpenFile(pattern string) (*os.File, error) {
	if len(pattern) == 0 {
		return nil, nil
	}

	logPath := BuildPath(pattern, os.Getpid(), time.Now())

	// Create parent directory if it doesn't exist.
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, fmt.Errorf("error creating dir %q: %v", dir, err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0664)
	if err != nil {
		return nil, fmt.Errorf("error opening file %q: %v", logPath, err)
	}
	return f, nil
}
