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

package keyslot

import (
	"fmt"
	"sync"

	"vse.dev/vse/pkg/log"
	"vse.dev/vse/pkg/vse/seerr"
)

// State is a Context's slot ownership state.
type State int

// Context states. Released is terminal.
const (
	Unallocated State = iota
	Allocated
	Released
)

func (s State) String() string {
	switch s {
	case Unallocated:
		return "unallocated"
	case Allocated:
		return "allocated"
	case Released:
		return "released"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Context is a transform's claim on at most one key slot. The slot is
// allocated on first use and released exactly once, by Teardown.
//
// Context is safe for concurrent use.
type Context struct {
	m *Manager

	mu sync.Mutex
	// +checklocks:mu
	state State
	// +checklocks:mu
	slot uint8
}

// NewContext returns an unallocated Context on m.
func NewContext(m *Manager) *Context {
	return &Context{m: m}
}

// Manager returns the manager the context allocates from.
func (c *Context) Manager() *Manager {
	return c.m
}

// Ensure returns the context's slot, allocating one if the context holds
// none yet.
func (c *Context) Ensure() (uint8, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Allocated:
		return c.slot, nil
	case Released:
		return 0, fmt.Errorf("%w: key context already torn down", seerr.ErrShutdown)
	}
	slot, err := c.m.Alloc()
	if err != nil {
		return 0, err
	}
	c.slot = slot
	c.state = Allocated
	return slot, nil
}

// Slot returns the held slot, if any.
func (c *Context) Slot() (uint8, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slot, c.state == Allocated
}

// State returns the current state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Teardown releases the held slot. A failed release is logged and otherwise
// ignored: the context ends Released either way and never touches the slot
// again. Later calls do nothing.
func (c *Context) Teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Allocated {
		if err := c.m.Release(c.slot); err != nil {
			log.Warningf("vse: ignoring failed release of %v key slot %d: %v", c.m.Engine(), c.slot, err)
		}
	}
	c.state = Released
}
