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
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tombee/wrkflw/internal/runtime"
)

// removeRecorder is a Runtime that only tracks Remove calls.
type removeRecorder struct {
	mu      sync.Mutex
	removed []string
}

func (r *removeRecorder) Name() string                                          { return "podman" }
func (r *removeRecorder) EnsureImage(ctx context.Context, ref string) error     { return nil }
func (r *removeRecorder) BuildImage(ctx context.Context, dir, tag string) error { return nil }
func (r *removeRecorder) CreateContainer(ctx context.Context, spec *runtime.ContainerSpec) (string, error) {
	return "id", nil
}
func (r *removeRecorder) StartContainer(ctx context.Context, id string) error { return nil }
func (r *removeRecorder) Exec(ctx context.Context, id string, argv []string, env map[string]string, cwd string, stdout, stderr io.Writer) (int, error) {
	return 0, nil
}
func (r *removeRecorder) RunOnce(ctx context.Context, spec *runtime.ContainerSpec, stdout, stderr io.Writer) (int, error) {
	return 0, nil
}
func (r *removeRecorder) CopyInto(ctx context.Context, id, src, dst string) error { return nil }
func (r *removeRecorder) CopyOut(ctx context.Context, id, src, dst string) error  { return nil }
func (r *removeRecorder) Remove(ctx context.Context, id string, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, id)
	return nil
}
func (r *removeRecorder) StartService(ctx context.Context, spec *runtime.ContainerSpec) (string, error) {
	return "svc", nil
}
func (r *removeRecorder) StopService(ctx context.Context, id string) error { return nil }

func TestCleanup_ReleaseRemoves(t *testing.T) {
	rec := &removeRecorder{}
	c := NewCleanup(false, slog.New(slog.DiscardHandler))

	c.Register(rec, "c1")
	c.Release(context.Background(), "c1")
	assert.Equal(t, []string{"c1"}, rec.removed)

	// Releasing again is a no-op.
	c.Release(context.Background(), "c1")
	assert.Equal(t, []string{"c1"}, rec.removed)
}

func TestCleanup_PreserveOnFailure(t *testing.T) {
	rec := &removeRecorder{}
	c := NewCleanup(true, slog.New(slog.DiscardHandler))

	c.Register(rec, "ok")
	c.Register(rec, "bad")
	c.MarkFailed("bad")

	c.Release(context.Background(), "ok")
	c.Release(context.Background(), "bad")
	assert.Equal(t, []string{"ok"}, rec.removed, "failed container is preserved")

	// Shutdown still leaves the preserved container alone.
	c.Shutdown(context.Background())
	assert.Equal(t, []string{"ok"}, rec.removed)
}

func TestCleanup_NoPreserveRemovesFailed(t *testing.T) {
	rec := &removeRecorder{}
	c := NewCleanup(false, slog.New(slog.DiscardHandler))

	c.Register(rec, "bad")
	c.MarkFailed("bad")
	c.Release(context.Background(), "bad")

	assert.Equal(t, []string{"bad"}, rec.removed)
}

func TestCleanup_ShutdownSweepsEverything(t *testing.T) {
	rec := &removeRecorder{}
	c := NewCleanup(false, slog.New(slog.DiscardHandler))

	c.Register(rec, "a")
	c.Register(rec, "b")
	c.Shutdown(context.Background())

	assert.ElementsMatch(t, []string{"a", "b"}, rec.removed)

	// Idempotent.
	c.Shutdown(context.Background())
	assert.Len(t, rec.removed, 2)
}
