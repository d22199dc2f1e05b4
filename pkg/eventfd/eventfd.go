// Copyright 2021 The gVisor Authors.
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

// Package eventfd wraps Linux's eventfd(2) syscall. An Eventfd is used as
// the doorbell of an in-process IVC channel: the writer of a queue rings it,
// the reader waits on it with a deadline.
package eventfd

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const sizeofUint64 = 8

// Eventfd represents a Linux eventfd object.
type Eventfd struct {
	fd int
}

// Create returns an initialized, non-blocking eventfd.
func Create() (Eventfd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return Eventfd{}, fmt.Errorf("failed to create eventfd: %v", err)
	}
	return Eventfd{fd: fd}, nil
}

// Close closes the eventfd, after which it should not be used.
func (ev Eventfd) Close() error {
	return unix.Close(ev.fd)
}

// Notify alerts other users of the eventfd. Users can receive alerts by
// calling Wait, WaitTimeout or Read.
func (ev Eventfd) Notify() error {
	return ev.Write(1)
}

// Write adds val to the eventfd counter.
func (ev Eventfd) Write(val uint64) error {
	var buf [sizeofUint64]byte
	binary.NativeEndian.PutUint64(buf[:], val)
	for {
		n, err := unix.Write(ev.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			// The counter is saturated; the reader has a wakeup pending
			// already.
			return nil
		}
		if err != nil {
			return err
		}
		if n != sizeofUint64 {
			return fmt.Errorf("short write to eventfd: got %d bytes, wanted %d", n, sizeofUint64)
		}
		return nil
	}
}

// Read returns and clears the counter. It returns unix.EAGAIN if the
// counter is zero.
func (ev Eventfd) Read() (uint64, error) {
	var buf [sizeofUint64]byte
	for {
		n, err := unix.Read(ev.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n != sizeofUint64 {
			return 0, fmt.Errorf("short read from eventfd: got %d bytes, wanted %d", n, sizeofUint64)
		}
		return binary.NativeEndian.Uint64(buf[:]), nil
	}
}

// Wait blocks until the eventfd is non-zero and consumes the count.
func (ev Eventfd) Wait() error {
	_, err := ev.WaitTimeout(-1)
	return err
}

// WaitTimeout blocks until the eventfd is non-zero or d elapses, whichever
// comes first. It reports whether a notification was consumed. A negative d
// waits forever.
func (ev Eventfd) WaitTimeout(d time.Duration) (bool, error) {
	deadline := time.Now().Add(d)
	for {
		if _, err := ev.Read(); err == nil {
			return true, nil
		} else if err != unix.EAGAIN {
			return false, err
		}
		timeout := -1
		if d >= 0 {
			left := time.Until(deadline)
			if left <= 0 {
				return false, nil
			}
			// Round up so sub-millisecond waits still sleep.
			timeout = int((left + time.Millisecond - 1) / time.Millisecond)
		}
		fds := []unix.PollFd{{Fd: int32(ev.fd), Events: unix.POLLIN}}
		if _, err := unix.Poll(fds, timeout); err != nil && err != unix.EINTR {
			return false, err
		}
	}
}

// FD returns the underlying file descriptor. Use with care, as this breaks the
// Eventfd abstraction.
func (ev Eventfd) FD() int {
	return ev.fd
}
