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

package engine

import "vse.dev/vse/pkg/vse/seerr"

// entry is a queued request. backlogged is set while the request was
// accepted past the queue's capacity and has not yet been told it is in
// progress.
type entry struct {
	req        *CipherRequest
	backlogged bool
}

// cryptoQueue is a FIFO with a soft capacity: requests that may backlog are
// accepted past it and get an in-progress notification as the queue drains.
type cryptoQueue struct {
	entries  []entry
	capacity int
}

// enqueue adds r. It returns nil when r is queued normally, ErrBacklogged
// when r is queued past capacity and ErrQueueFull when r was rejected.
func (q *cryptoQueue) enqueue(r *CipherRequest) error {
	if len(q.entries) < q.capacity {
		q.entries = append(q.entries, entry{req: r})
		return nil
	}
	if !r.MayBacklog {
		return seerr.ErrQueueFull
	}
	q.entries = append(q.entries, entry{req: r, backlogged: true})
	return seerr.ErrBacklogged
}

// backlog returns the oldest backlogged request that has not been notified
// and marks it notified.
func (q *cryptoQueue) backlog() *CipherRequest {
	for i := range q.entries {
		if q.entries[i].backlogged {
			q.entries[i].backlogged = false
			return q.entries[i].req
		}
	}
	return nil
}

// dequeue pops the oldest request.
func (q *cryptoQueue) dequeue() *CipherRequest {
	if len(q.entries) == 0 {
		return nil
	}
	r := q.entries[0].req
	q.entries[0] = entry{}
	q.entries = q.entries[1:]
	return r
}

func (q *cryptoQueue) len() int {
	return len(q.entries)
}
