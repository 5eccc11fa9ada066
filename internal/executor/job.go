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
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/wrkflw/internal/log"
	"github.com/tombee/wrkflw/internal/runtime"
	"github.com/tombee/wrkflw/pkg/errors"
	"github.com/tombee/wrkflw/pkg/workflow"
)

// runJob executes a job's combinations, honoring max-parallel and
// fail-fast, and aggregates the job status.
func (e *Executor) runJob(ctx context.Context, wf *workflow.Workflow, job *workflow.Job, combos []*workflow.Combination, needs map[string]*NeedResult, inputs, secretValues map[string]string) *JobResult {
	result := &JobResult{JobID: job.ID, Outputs: map[string]string{}}
	results := make([]*CombinationResult, len(combos))

	failFast := job.Strategy.FailFastEnabled()
	var failed atomic.Bool

	g := new(errgroup.Group)
	if job.Strategy != nil && job.Strategy.MaxParallel > 0 {
		g.SetLimit(job.Strategy.MaxParallel)
	}

	for i, combo := range combos {
		g.Go(func() error {
			// Fail-fast skips combinations that have not started; the
			// ones already running finish normally.
			if ctx.Err() != nil {
				results[i] = &CombinationResult{Label: combo.Label(), Status: StatusCancelled}
				return nil
			}
			if failFast && failed.Load() {
				results[i] = &CombinationResult{Label: combo.Label(), Status: StatusSkipped}
				return nil
			}
			results[i] = e.runCombination(ctx, wf, job, combo, needs, inputs, secretValues)
			if results[i].Status == StatusFailure {
				failed.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Combinations = results
	result.Status = StatusSuccess
	for _, cr := range results {
		if cr.Status != StatusSuccess {
			result.Status = StatusFailure
			break
		}
	}
	return result
}

// runCombination drives one job-combination: workspace, container (or
// host handle), services, steps, teardown.
func (e *Executor) runCombination(ctx context.Context, wf *workflow.Workflow, job *workflow.Job, combo *workflow.Combination, needs map[string]*NeedResult, inputs, secretValues map[string]string) *CombinationResult {
	label := combo.Label()
	logger := log.WithCombination(log.WithJobContext(e.logger, wf.Name, job.ID), label)
	res := &CombinationResult{Label: label, Status: StatusSuccess}

	fail := func(err error) *CombinationResult {
		logger.Error("combination failed before steps ran", "error", err)
		fmt.Fprintln(e.output, e.masker.MaskString(err.Error()))
		res.Status = StatusFailure
		return res
	}

	base := filepath.Join(e.workDir, sanitizeName(job.ID)+"-"+uuid.NewString()[:8])
	workspace := filepath.Join(base, "workspace")
	envRoot := filepath.Join(base, "env")
	tempDir := filepath.Join(base, "tmp")
	for _, dir := range []string{workspace, envRoot, tempDir, e.toolCache} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fail(errors.Wrap(err, "creating combination workspace"))
		}
	}

	c := e.buildContext(wf, job, combo, needs, inputs, secretValues, workspace, tempDir)

	// Workflow and job env values may themselves hold expressions.
	snapshot := c.Snapshot()
	for k, v := range c.Env {
		rendered, err := e.eval.Render(v, snapshot)
		if err != nil {
			return fail(err)
		}
		c.Env[k] = rendered
	}

	se := &stepEnvironment{
		rt:        e.rt,
		emulation: e.rt.Name() == "emulation",
		workspace: workspace,
		envRoot:   envRoot,
		toolCache: e.toolCache,
		repoRoot:  e.repoRoot,
		shell:     bashShell,
		resolver:  e.resolver,
		masker:    e.masker,
		eval:      e.eval,
		logger:    logger,
		output:    e.output,
	}

	var serviceIDs []string
	if se.emulation {
		if len(job.Services) > 0 {
			return fail(&errors.UnsupportedInEmulationError{Operation: "service containers"})
		}
		id, err := e.rt.CreateContainer(ctx, &runtime.ContainerSpec{WorkingDir: workspace})
		if err != nil {
			return fail(err)
		}
		se.containerID = id
		e.cleanup.Register(e.rt, id)
		se.shell = hostShell()
	} else {
		image, err := e.jobImage(job, snapshot)
		if err != nil {
			return fail(err)
		}
		if err := e.rt.EnsureImage(ctx, image); err != nil {
			return fail(err)
		}

		spec := &runtime.ContainerSpec{
			Name:       containerName(job.ID),
			Image:      image,
			Env:        containerEnv(job),
			Binds:      append(se.binds(), volumeBinds(job)...),
			WorkingDir: workspace,
			Options:    containerOptions(job),
		}
		id, err := e.rt.CreateContainer(ctx, spec)
		if err != nil {
			return fail(err)
		}
		se.containerID = id
		e.cleanup.Register(e.rt, id)
		if err := e.rt.StartContainer(ctx, id); err != nil {
			e.cleanup.Release(ctx, id)
			return fail(err)
		}

		for name, svc := range job.Services {
			svcSpec := &runtime.ContainerSpec{
				Name:    containerName(job.ID + "-svc-" + name),
				Image:   svc.Image,
				Env:     map[string]string(svc.Env),
				Network: "container:" + id,
			}
			if err := e.rt.EnsureImage(ctx, svc.Image); err != nil {
				return fail(err)
			}
			svcID, err := e.rt.StartService(ctx, svcSpec)
			if err != nil {
				return fail(err)
			}
			serviceIDs = append(serviceIDs, svcID)
			e.cleanup.Register(e.rt, svcID)
		}

		// Downgrade to sh for the whole combination when the image has
		// no bash.
		if code, err := e.rt.Exec(ctx, id, []string{"bash", "--version"}, nil, "", discard{}, discard{}); err != nil || code != 0 {
			logger.Debug("bash not found in image, using sh")
			se.shell = shShell
		}
	}

	for i, step := range job.Steps {
		if ctx.Err() != nil && c.JobStatus == StatusSuccess {
			c.JobStatus = StatusCancelled
		}
		sr := runStep(ctx, se, c, step, strconv.Itoa(i))
		res.Steps = append(res.Steps, sr)
		if sr.Conclusion == StatusFailure && c.JobStatus == StatusSuccess {
			c.JobStatus = StatusFailure
		}
	}

	switch c.JobStatus {
	case StatusFailure:
		res.Status = StatusFailure
		e.cleanup.MarkFailed(se.containerID)
	case StatusCancelled:
		res.Status = StatusCancelled
	}

	for _, svcID := range serviceIDs {
		e.cleanup.Release(ctx, svcID)
	}
	e.cleanup.Release(ctx, se.containerID)

	return res
}

// buildContext assembles the per-combination execution context.
func (e *Executor) buildContext(wf *workflow.Workflow, job *workflow.Job, combo *workflow.Combination, needs map[string]*NeedResult, inputs, secretValues map[string]string, workspace, tempDir string) *Context {
	env := make(map[string]string, len(wf.Env)+len(job.Env))
	for k, v := range wf.Env {
		env[k] = v
	}
	for k, v := range job.Env {
		env[k] = v
	}

	github := e.github.forJob(job.ID, workspace)
	needsCopy := make(map[string]*NeedResult, len(needs))
	for k, v := range needs {
		needsCopy[k] = v
	}

	return &Context{
		Env:       env,
		Matrix:    combo,
		Github:    github,
		Runner:    NewRunnerContext(tempDir, e.toolCache),
		Steps:     make(map[string]*StepState),
		Needs:     needsCopy,
		Inputs:    inputs,
		Secrets:   secretValues,
		JobStatus: StatusSuccess,
	}
}

// forJob clones the run's github context for one job-combination.
func (g *GithubContext) forJob(jobID, workspace string) *GithubContext {
	clone := *g
	clone.Job = jobID
	clone.Workspace = workspace
	return &clone
}

// jobImage picks the container image: the job's container spec, or the
// image implied by the runner label.
func (e *Executor) jobImage(job *workflow.Job, snapshot map[string]interface{}) (string, error) {
	if job.Container != nil && job.Container.Image != "" {
		return e.eval.Render(job.Container.Image, snapshot)
	}
	for _, label := range job.RunsOn {
		if version, ok := strings.CutPrefix(label, "ubuntu-"); ok && version != "latest" {
			return "ubuntu:" + version, nil
		}
	}
	return "ubuntu:latest", nil
}

// containerEnv is the job container's creation-time environment.
func containerEnv(job *workflow.Job) map[string]string {
	if job.Container == nil {
		return nil
	}
	return map[string]string(job.Container.Env)
}

// volumeBinds parses the job container's extra volumes.
func volumeBinds(job *workflow.Job) []runtime.Bind {
	if job.Container == nil {
		return nil
	}
	var binds []runtime.Bind
	for _, volume := range job.Container.Volumes {
		source, target, ok := strings.Cut(volume, ":")
		if !ok {
			target = source
		}
		binds = append(binds, runtime.Bind{Source: source, Target: target})
	}
	return binds
}

// containerOptions splits the job container's raw options string.
func containerOptions(job *workflow.Job) []string {
	if job.Container == nil || job.Container.Options == "" {
		return nil
	}
	return strings.Fields(job.Container.Options)
}

// containerName builds the wrkflw-<job>-<8-hex> container name.
func containerName(jobID string) string {
	return "wrkflw-" + sanitizeName(jobID) + "-" + uuid.NewString()[:8]
}

// sanitizeName keeps job ids usable in container and directory names.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// hostShell picks the emulation shell from what the host has.
func hostShell() []string {
	if _, err := exec.LookPath("bash"); err == nil {
		return bashShell
	}
	return shShell
}

// discard is an io.Writer black hole for probe commands.
type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
