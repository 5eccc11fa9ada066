// Copyright 2025 Tom Barlow
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

package executor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tombee/wrkflw/internal/runtime"
)

// Cleanup tracks every container the run creates and guarantees removal
// on all exit paths. Under the preserve-on-failure policy, containers
// whose combination failed are kept for inspection instead.
type Cleanup struct {
	preserveOnFailure bool
	logger            *slog.Logger

	mu      sync.Mutex
	entries map[string]*cleanupEntry
	toldCmd bool
}

type cleanupEntry struct {
	rt     runtime.Runtime
	failed bool
}

// NewCleanup creates the registry.
func NewCleanup(preserveOnFailure bool, logger *slog.Logger) *Cleanup {
	return &Cleanup{
		preserveOnFailure: preserveOnFailure,
		logger:            logger,
		entries:           make(map[string]*cleanupEntry),
	}
}

// Register tracks a created container.
func (c *Cleanup) Register(rt runtime.Runtime, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = &cleanupEntry{rt: rt}
}

// MarkFailed flags a container whose combination's last step exited
// non-zero; the preserve policy applies to it.
func (c *Cleanup) MarkFailed(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.entries[id]; e != nil {
		e.failed = true
	}
}

// Release tears down one container at combination end, honoring the
// preserve policy. Idempotent; failures are logged, never raised.
func (c *Cleanup) Release(ctx context.Context, id string) {
	c.mu.Lock()
	entry := c.entries[id]
	if entry == nil {
		c.mu.Unlock()
		return
	}
	if c.preserveOnFailure && entry.failed {
		c.mu.Unlock()
		c.tellInspect(entry.rt)
		return
	}
	delete(c.entries, id)
	c.mu.Unlock()

	c.remove(ctx, entry.rt, id)
}

// Shutdown removes every remaining container. Called on normal end, on
// interrupt, and from a deferred path so a panic still cleans up.
func (c *Cleanup) Shutdown(ctx context.Context) {
	c.mu.Lock()
	remaining := make(map[string]*cleanupEntry, len(c.entries))
	for id, e := range c.entries {
		remaining[id] = e
	}
	c.entries = make(map[string]*cleanupEntry)
	c.mu.Unlock()

	for id, entry := range remaining {
		if c.preserveOnFailure && entry.failed {
			c.tellInspect(entry.rt)
			continue
		}
		c.remove(ctx, entry.rt, id)
	}
}

func (c *Cleanup) remove(ctx context.Context, rt runtime.Runtime, id string) {
	if err := rt.Remove(ctx, id, true); err != nil {
		c.logger.Warn("container cleanup failed", "container_id", id, "error", err)
	}
}

// tellInspect tells the user, once, how to find the preserved containers.
func (c *Cleanup) tellInspect(rt runtime.Runtime) {
	c.mu.Lock()
	told := c.toldCmd
	c.toldCmd = true
	c.mu.Unlock()
	if told || rt == nil {
		return
	}
	c.logger.Info("failed container preserved for inspection",
		"inspect", rt.Name()+" ps -a --filter name=wrkflw-")
}
