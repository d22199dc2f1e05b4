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

package seerr

import (
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestErrno(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want int
	}{
		{nil, 0},
		{ErrInvalidArgument, -int(unix.EINVAL)},
		{fmt.Errorf("sha256: %w", ErrTooManyEntries), -int(unix.EINVAL)},
		{ErrMappingFailed, -int(unix.ENOMEM)},
		{ErrResourceExhausted, -int(unix.ENOMEM)},
		{ErrTimeout, -int(unix.EIO)},
		{ErrQueueFull, -int(unix.EBUSY)},
		{ErrBacklogged, -int(unix.EBUSY)},
		{ErrInProgress, -int(unix.EINPROGRESS)},
		{fmt.Errorf("batch: %w", Remote(7)), -7},
		{errors.New("other"), -int(unix.EIO)},
	} {
		if got := Errno(tc.err); got != tc.want {
			t.Errorf("Errno(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestRemote(t *testing.T) {
	if err := Remote(0); err != nil {
		t.Errorf("Remote(0) = %v, want nil", err)
	}
	var re *RemoteError
	if err := Remote(3); !errors.As(err, &re) || re.Code != 3 {
		t.Errorf("Remote(3) = %v, want RemoteError{3}", err)
	}
}
