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

// Package seerr defines the errors reported by the security engine frontend
// and their translation to the negative errno values a crypto framework
// expects.
package seerr

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Errors detected locally, before or instead of a channel round trip.
var (
	// ErrInvalidArgument is a malformed request: wrong length, no scatter
	// regions, or a mode/size mismatch.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTooManyEntries means a buffer needs more linked-list entries than
	// the command can carry.
	ErrTooManyEntries = errors.New("too many linked-list entries")

	// ErrMappingFailed means a buffer region could not be made visible to
	// the engine's DMA.
	ErrMappingFailed = errors.New("dma mapping failed")

	// ErrTimeout means the channel did not become ready within the wait
	// budget.
	ErrTimeout = errors.New("channel timeout")

	// ErrResourceExhausted means a transient buffer could not be allocated.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrQueueFull means the request queue is full and the request did not
	// allow backlogging.
	ErrQueueFull = errors.New("request queue full")

	// ErrBacklogged is returned by Enqueue when the queue is full but the
	// request was accepted onto the backlog. The request will be completed
	// with ErrInProgress once it moves into the queue, then once more with
	// its final result.
	ErrBacklogged = errors.New("request backlogged")

	// ErrInProgress is the completion value that tells a backlogged caller
	// its request left the backlog.
	ErrInProgress = errors.New("operation in progress")

	// ErrNoKey means an operation was issued on a transform with no key
	// slot.
	ErrNoKey = errors.New("no key slot allocated")

	// ErrShutdown means the engine or device has been torn down.
	ErrShutdown = errors.New("engine shut down")
)

// RemoteError carries a nonzero status reported by the remote engine. The
// code is passed through uninterpreted.
type RemoteError struct {
	Code uint32
}

// Error implements error.Error.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote engine status %d", e.Code)
}

// Remote returns nil for a zero status and a *RemoteError otherwise.
func Remote(status uint32) error {
	if status == 0 {
		return nil
	}
	return &RemoteError{Code: status}
}

// Errno maps err to the negative errno a crypto framework caller expects.
// A nil error maps to 0.
func Errno(err error) int {
	if err == nil {
		return 0
	}
	var re *RemoteError
	switch {
	case errors.As(err, &re):
		return -int(re.Code)
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrTooManyEntries), errors.Is(err, ErrNoKey):
		return -int(unix.EINVAL)
	case errors.Is(err, ErrMappingFailed), errors.Is(err, ErrResourceExhausted):
		return -int(unix.ENOMEM)
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrBacklogged):
		return -int(unix.EBUSY)
	case errors.Is(err, ErrInProgress):
		return -int(unix.EINPROGRESS)
	case errors.Is(err, ErrShutdown):
		return -int(unix.ESHUTDOWN)
	default:
		// Timeouts and anything else surface as a generic I/O failure.
		return -int(unix.EIO)
	}
}
