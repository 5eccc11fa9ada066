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
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/tombee/wrkflw/internal/log"
	"github.com/tombee/wrkflw/pkg/errors"
)

// containerRuntime drives Docker or Podman through its CLI. The two
// differ only in the binary name and in that rootless Podman needs
// SELinux relabel flags on bind mounts.
type containerRuntime struct {
	cli     string
	relabel bool
	run     cliRunner
	logger  *slog.Logger
}

// NewDocker creates the Docker runtime.
func NewDocker(logger *slog.Logger) Runtime {
	return &containerRuntime{cli: "docker", run: execCLIRunner{}, logger: logger}
}

// NewPodman creates the Podman runtime.
func NewPodman(logger *slog.Logger) Runtime {
	return &containerRuntime{cli: "podman", relabel: true, run: execCLIRunner{}, logger: logger}
}

func (r *containerRuntime) Name() string { return r.cli }

// available probes the CLI and the daemon.
func (r *containerRuntime) available(ctx context.Context) error {
	code, out, err := capture(ctx, r.run, r.cli, "info")
	if err != nil {
		return &errors.RuntimeUnavailableError{Runtime: r.cli, Reason: err.Error()}
	}
	if code != 0 {
		return &errors.RuntimeUnavailableError{Runtime: r.cli, Reason: firstLine(out)}
	}
	return nil
}

func (r *containerRuntime) EnsureImage(ctx context.Context, ref string) error {
	if code, _, err := capture(ctx, r.run, r.cli, "image", "inspect", ref); err == nil && code == 0 {
		r.logger.Debug("image already present", "image", ref, slog.String(log.RuntimeKey, r.cli))
		return nil
	}

	r.logger.Info("pulling image", "image", ref, slog.String(log.RuntimeKey, r.cli))
	code, out, err := capture(ctx, r.run, r.cli, "pull", ref)
	if err != nil {
		return &errors.ImagePullError{Image: ref, Output: out, Cause: err}
	}
	if code != 0 {
		return &errors.ImagePullError{Image: ref, Output: out, Cause: fmt.Errorf("%s pull exited with code %d", r.cli, code)}
	}
	return nil
}

func (r *containerRuntime) BuildImage(ctx context.Context, dir, tag string) error {
	r.logger.Info("building image", "tag", tag, "dir", dir, slog.String(log.RuntimeKey, r.cli))
	code, out, err := capture(ctx, r.run, r.cli, "build", "-t", tag, dir)
	if err != nil {
		return &errors.ImageBuildError{Dir: dir, Tag: tag, Output: out, Cause: err}
	}
	if code != 0 {
		return &errors.ImageBuildError{Dir: dir, Tag: tag, Output: out, Cause: fmt.Errorf("%s build exited with code %d", r.cli, code)}
	}
	return nil
}

func (r *containerRuntime) CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error) {
	args := r.createArgs("create", spec)
	code, out, err := capture(ctx, r.run, r.cli, args...)
	if err != nil {
		return "", errors.Wrapf(err, "creating container %s", spec.Name)
	}
	if code != 0 {
		return "", fmt.Errorf("creating container %s: %s", spec.Name, firstLine(out))
	}
	// The CLI prints the container id as its last output line.
	id := lastLine(out)
	if id == "" {
		id = spec.Name
	}
	return id, nil
}

func (r *containerRuntime) StartContainer(ctx context.Context, id string) error {
	code, out, err := capture(ctx, r.run, r.cli, "start", id)
	if err != nil {
		return errors.Wrapf(err, "starting container %s", id)
	}
	if code != 0 {
		return fmt.Errorf("starting container %s: %s", id, firstLine(out))
	}
	return nil
}

func (r *containerRuntime) Exec(ctx context.Context, id string, argv []string, env map[string]string, cwd string, stdout, stderr io.Writer) (int, error) {
	args := []string{"exec"}
	if cwd != "" {
		args = append(args, "-w", cwd)
	}
	for _, k := range sortedEnvKeys(env) {
		args = append(args, "-e", k+"="+env[k])
	}
	args = append(args, id)
	args = append(args, argv...)
	return r.run.Run(ctx, 0, r.cli, args, stdout, stderr)
}

func (r *containerRuntime) RunOnce(ctx context.Context, spec *ContainerSpec, stdout, stderr io.Writer) (int, error) {
	args := r.createArgs("run", spec)
	// Insert --rm after the subcommand.
	args = append([]string{args[0], "--rm"}, args[1:]...)
	return r.run.Run(ctx, 0, r.cli, args, stdout, stderr)
}

func (r *containerRuntime) CopyInto(ctx context.Context, id, src, dst string) error {
	code, out, err := capture(ctx, r.run, r.cli, "cp", src, id+":"+dst)
	if err != nil {
		return errors.Wrapf(err, "copying %s into container", src)
	}
	if code != 0 {
		return fmt.Errorf("copying %s into container: %s", src, firstLine(out))
	}
	return nil
}

func (r *containerRuntime) CopyOut(ctx context.Context, id, src, dst string) error {
	code, out, err := capture(ctx, r.run, r.cli, "cp", id+":"+src, dst)
	if err != nil {
		return errors.Wrapf(err, "copying %s out of container", src)
	}
	if code != 0 {
		return fmt.Errorf("copying %s out of container: %s", src, firstLine(out))
	}
	return nil
}

func (r *containerRuntime) Remove(ctx context.Context, id string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, id)
	code, out, err := capture(ctx, r.run, r.cli, args...)
	if err != nil {
		return errors.Wrapf(err, "removing container %s", id)
	}
	if code != 0 {
		// Already gone counts as removed.
		if strings.Contains(strings.ToLower(out), "no such container") {
			return nil
		}
		return fmt.Errorf("removing container %s: %s", id, firstLine(out))
	}
	return nil
}

func (r *containerRuntime) StartService(ctx context.Context, spec *ContainerSpec) (string, error) {
	id, err := r.CreateContainer(ctx, spec)
	if err != nil {
		return "", err
	}
	if err := r.StartContainer(ctx, id); err != nil {
		_ = r.Remove(ctx, id, true)
		return "", err
	}
	return id, nil
}

func (r *containerRuntime) StopService(ctx context.Context, id string) error {
	return r.Remove(ctx, id, true)
}

// createArgs assembles the shared argument list for create and run.
func (r *containerRuntime) createArgs(subcommand string, spec *ContainerSpec) []string {
	args := []string{subcommand}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	if spec.WorkingDir != "" {
		args = append(args, "-w", spec.WorkingDir)
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	for _, k := range sortedEnvKeys(spec.Env) {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	for _, bind := range spec.Binds {
		mount := bind.Source + ":" + bind.Target
		if r.relabel {
			mount += ":Z"
		}
		args = append(args, "-v", mount)
	}
	args = append(args, spec.Options...)
	args = append(args, spec.Image)
	command := spec.Command
	if len(command) == 0 {
		command = SleepSentinel
	}
	args = append(args, command...)
	return args
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

func lastLine(s string) string {
	lines := strings.Fields(strings.TrimSpace(s))
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

func sortedEnvKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
