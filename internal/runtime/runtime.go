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

// Package runtime abstracts where job steps execute: a Docker container,
// a Podman container, or directly on the host ("emulation"). Docker and
// Podman are driven through their CLIs, which behave identically except
// for the binary name and Podman's rootless SELinux relabel flags.
package runtime

import (
	"context"
	"io"
)

// Runtime is the uniform contract the executor drives.
//
// A job-combination creates one container (or host workspace), execs every
// step in it, and removes it at the end. Operations the emulation runtime
// cannot provide return UnsupportedInEmulationError.
type Runtime interface {
	// Name identifies the runtime: "docker", "podman", or "emulation".
	Name() string

	// EnsureImage makes the image available locally, pulling if needed.
	// A no-op in emulation.
	EnsureImage(ctx context.Context, ref string) error

	// BuildImage builds dir's Dockerfile into the given tag.
	BuildImage(ctx context.Context, dir, tag string) error

	// CreateContainer creates (without starting) a container from the
	// spec and returns its identifier. In emulation it returns a host
	// workspace handle.
	CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error)

	// StartContainer starts a created container. A no-op in emulation.
	StartContainer(ctx context.Context, id string) error

	// Exec runs argv inside the container (or on the host), streaming
	// output, and returns the exit code. A non-zero exit is not an
	// error; errors mean the command could not run at all.
	Exec(ctx context.Context, id string, argv []string, env map[string]string, cwd string, stdout, stderr io.Writer) (int, error)

	// RunOnce runs a one-shot container to completion (container
	// actions), streaming output, and returns the exit code.
	RunOnce(ctx context.Context, spec *ContainerSpec, stdout, stderr io.Writer) (int, error)

	// CopyInto copies a host path into the container.
	CopyInto(ctx context.Context, id, src, dst string) error

	// CopyOut copies a container path to the host.
	CopyOut(ctx context.Context, id, src, dst string) error

	// Remove destroys the container or host workspace. Removing an
	// already-removed container is not an error.
	Remove(ctx context.Context, id string, force bool) error

	// StartService creates and starts a long-running service container.
	StartService(ctx context.Context, spec *ContainerSpec) (string, error)

	// StopService stops and removes a service container.
	StopService(ctx context.Context, id string) error
}

// ContainerSpec describes a container to create. The command defaults to
// a sleep sentinel so steps can exec into it repeatedly.
type ContainerSpec struct {
	// Name is the container name (wrkflw-<job>-<8-hex>)
	Name string

	// Image is the image reference
	Image string

	// Command overrides the image entrypoint command
	Command []string

	// Env is injected at creation
	Env map[string]string

	// Binds are host-to-container mounts
	Binds []Bind

	// WorkingDir is the container working directory
	WorkingDir string

	// Network is the container network mode ("", "host", "none", ...)
	Network string

	// Options are extra raw CLI options (job container `options:`)
	Options []string
}

// Bind is one host bind mount. The executor mounts the workspace, the
// env-files directory, and the tool cache at identical paths inside the
// container so paths in scripts and env files mean the same thing on
// both sides.
type Bind struct {
	Source string
	Target string
}

// SleepSentinel is the default container command: it keeps the container
// alive between step execs without busy-waiting.
var SleepSentinel = []string{"sleep", "infinity"}
