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

package runtime

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"

	"github.com/tombee/wrkflw/internal/fsutil"
	"github.com/tombee/wrkflw/pkg/errors"
)

// emulationRuntime runs steps directly on the host. It provides a subset
// of the container contract: no image builds, no services, no one-shot
// containers.
type emulationRuntime struct {
	mu         sync.Mutex
	workspaces map[string]string
}

// NewEmulation creates the emulation runtime. It is always available.
func NewEmulation() Runtime {
	return &emulationRuntime{workspaces: make(map[string]string)}
}

func (r *emulationRuntime) Name() string { return "emulation" }

func (r *emulationRuntime) EnsureImage(ctx context.Context, ref string) error {
	return nil
}

func (r *emulationRuntime) BuildImage(ctx context.Context, dir, tag string) error {
	return &errors.UnsupportedInEmulationError{Operation: "building images"}
}

// CreateContainer hands back a workspace handle keyed to the spec's
// working directory, which Remove later deletes.
func (r *emulationRuntime) CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error) {
	id := "host-" + uuid.NewString()[:8]
	r.mu.Lock()
	r.workspaces[id] = spec.WorkingDir
	r.mu.Unlock()
	return id, nil
}

func (r *emulationRuntime) StartContainer(ctx context.Context, id string) error {
	return nil
}

func (r *emulationRuntime) Exec(ctx context.Context, id string, argv []string, env map[string]string, cwd string, stdout, stderr io.Writer) (int, error) {
	if len(argv) == 0 {
		return -1, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = os.Environ()
	for _, k := range sortedEnvKeys(env) {
		cmd.Env = append(cmd.Env, k+"="+env[k])
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (r *emulationRuntime) RunOnce(ctx context.Context, spec *ContainerSpec, stdout, stderr io.Writer) (int, error) {
	return -1, &errors.UnsupportedInEmulationError{Operation: "container actions"}
}

func (r *emulationRuntime) CopyInto(ctx context.Context, id, src, dst string) error {
	return fsutil.CopyPath(src, dst)
}

func (r *emulationRuntime) CopyOut(ctx context.Context, id, src, dst string) error {
	return fsutil.CopyPath(src, dst)
}

func (r *emulationRuntime) Remove(ctx context.Context, id string, force bool) error {
	r.mu.Lock()
	dir := r.workspaces[id]
	delete(r.workspaces, id)
	r.mu.Unlock()
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}

func (r *emulationRuntime) StartService(ctx context.Context, spec *ContainerSpec) (string, error) {
	return "", &errors.UnsupportedInEmulationError{Operation: "service containers"}
}

func (r *emulationRuntime) StopService(ctx context.Context, id string) error {
	return &errors.UnsupportedInEmulationError{Operation: "service containers"}
}
