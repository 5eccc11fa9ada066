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

// Package executor runs parsed workflows: it schedules jobs over the
// needs graph, fans matrix jobs out into combinations, drives each step
// through the container or emulation runtime, and applies the GitHub
// Actions step protocol (env files, outputs, workflow commands).
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	goruntime "runtime"

	"github.com/tombee/wrkflw/internal/action"
	"github.com/tombee/wrkflw/internal/runtime"
	"github.com/tombee/wrkflw/internal/secrets"
	"github.com/tombee/wrkflw/pkg/errors"
	"github.com/tombee/wrkflw/pkg/workflow"
	"github.com/tombee/wrkflw/pkg/workflow/expression"
)

// Options configures an Executor.
type Options struct {
	// Runtime selects docker, podman, emulation, or auto (default)
	Runtime string

	// PreserveOnFailure keeps containers of failed combinations
	PreserveOnFailure bool

	// Workers bounds concurrent jobs; 0 means the host parallelism
	Workers int

	// MaxCombinations caps matrix expansion; 0 means the default (256)
	MaxCombinations int

	// CacheDir overrides the action clone cache location
	CacheDir string

	// RepoRoot is the checkout wrkflw runs against; default is the
	// working directory
	RepoRoot string

	// Inputs are workflow_dispatch input values
	Inputs map[string]string

	// Secrets is the plain-value secret mapping
	Secrets map[string]string

	// Logger receives structured run logs; default discards nothing
	// and writes to stderr
	Logger *slog.Logger

	// Output receives raw step output; default os.Stdout
	Output io.Writer
}

// Executor runs workflows. One Executor serves one process; its cleanup
// registry is walked on every exit path.
type Executor struct {
	logger    *slog.Logger
	output    io.Writer
	rt        runtime.Runtime
	resolver  *action.Resolver
	cleanup   *Cleanup
	masker    *secrets.Masker
	eval      *expression.Evaluator
	github    *GithubContext
	workerSem chan struct{}

	repoRoot  string
	workDir   string
	toolCache string
	maxCombos int
	inputs    map[string]string
	secrets   map[string]string
}

// New creates an Executor, selecting the runtime (with emulation
// fallback) and seeding the masker with every known secret.
func New(ctx context.Context, opts Options) (*Executor, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	output := opts.Output
	if output == nil {
		output = os.Stdout
	}

	rt, err := runtime.Select(ctx, opts.Runtime, logger)
	if err != nil {
		return nil, err
	}

	repoRoot := opts.RepoRoot
	if repoRoot == "" {
		if repoRoot, err = os.Getwd(); err != nil {
			return nil, errors.Wrap(err, "resolving working directory")
		}
	}

	cacheDir := opts.CacheDir
	if cacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			base = os.TempDir()
		}
		cacheDir = filepath.Join(base, "wrkflw")
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = goruntime.NumCPU()
	}

	masker := secrets.NewMasker()
	for _, v := range opts.Secrets {
		masker.Add(v)
	}

	return &Executor{
		logger:    logger,
		output:    output,
		rt:        rt,
		resolver:  action.NewResolver(cacheDir, logger),
		cleanup:   NewCleanup(opts.PreserveOnFailure, logger),
		masker:    masker,
		eval:      expression.New(expression.WithWorkspace(repoRoot)),
		workerSem: make(chan struct{}, workers),
		repoRoot:  repoRoot,
		maxCombos: opts.MaxCombinations,
		inputs:    opts.Inputs,
		secrets:   opts.Secrets,
	}, nil
}

// Runtime names the selected runtime.
func (e *Executor) Runtime() string { return e.rt.Name() }

// Shutdown tears down every remaining container. Safe to call more than
// once; run it from a defer and from the interrupt path.
func (e *Executor) Shutdown(ctx context.Context) {
	e.cleanup.Shutdown(ctx)
}

// Run executes the workflow at path and returns its result. Parse
// errors, needs cycles, and oversized matrices fail before any container
// is created.
func (e *Executor) Run(ctx context.Context, path string) (*WorkflowResult, error) {
	wf, err := workflow.Load(path)
	if err != nil {
		return nil, err
	}
	if !wf.On.Has("workflow_dispatch") {
		e.logger.Warn("workflow has no workflow_dispatch trigger; running it as if it had one")
	}
	if wf.Name == "" {
		wf.Name = filepath.Base(path)
	}

	if cycle := workflow.FindCycle(wf.Jobs); cycle != nil {
		return nil, &errors.NeedsCycleError{Jobs: cycle}
	}
	expansions, err := e.expandAll(wf)
	if err != nil {
		return nil, err
	}

	workDir, err := os.MkdirTemp("", "wrkflw-run-")
	if err != nil {
		return nil, errors.Wrap(err, "creating run directory")
	}
	e.workDir = workDir
	e.toolCache = filepath.Join(workDir, "toolcache")

	inputs := e.resolveInputs(wf)
	github := DetectGithubContext(ctx, e.repoRoot, wf.Name)
	if err := e.writeEventPayload(github, inputs); err != nil {
		return nil, err
	}
	e.github = github

	e.logger.Info("running workflow",
		"workflow", wf.Name,
		"jobs", wf.Jobs.Len(),
		"runtime", e.rt.Name(),
		"run_id", github.RunID)

	defer e.cleanup.Shutdown(ctx)
	result := e.runGraph(ctx, wf, expansions, inputs, e.secrets, 0)

	success, failure, skipped := result.Counts()
	e.logger.Info("workflow finished",
		"workflow", wf.Name,
		"status", string(result.Status),
		"succeeded", success,
		"failed", failure,
		"skipped", skipped)

	// The scratch tree backs any preserved containers' mounts, so it
	// stays on disk alongside them.
	if !(result.Status != StatusSuccess && e.cleanup.preserveOnFailure) {
		os.RemoveAll(workDir)
	} else {
		e.logger.Info("run directory preserved with failed containers", "dir", workDir)
	}
	return result, nil
}

// expandAll pre-expands every job's matrix so an oversized matrix fails
// the run before anything executes.
func (e *Executor) expandAll(wf *workflow.Workflow) (map[string][]*workflow.Combination, error) {
	out := make(map[string][]*workflow.Combination, wf.Jobs.Len())
	for _, job := range wf.Jobs.All() {
		var matrix *workflow.Matrix
		if job.Strategy != nil {
			matrix = job.Strategy.Matrix
		}
		combos, err := matrix.Expand(job.ID, e.maxCombos)
		if err != nil {
			return nil, err
		}
		out[job.ID] = combos
	}
	return out, nil
}

// resolveInputs overlays provided dispatch inputs onto declared
// defaults.
func (e *Executor) resolveInputs(wf *workflow.Workflow) map[string]string {
	inputs := make(map[string]string)
	for name, decl := range wf.On.DispatchInputs() {
		if decl.Default != "" {
			inputs[name] = decl.Default
		}
	}
	for k, v := range e.inputs {
		inputs[k] = v
	}
	return inputs
}

// writeEventPayload writes the workflow_dispatch event JSON that
// GITHUB_EVENT_PATH points at.
func (e *Executor) writeEventPayload(github *GithubContext, inputs map[string]string) error {
	payload := map[string]interface{}{
		"inputs":     inputs,
		"repository": map[string]interface{}{"full_name": github.Repository},
		"ref":        github.Ref,
	}
	github.Event = payload

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding event payload")
	}
	path := filepath.Join(e.workDir, "event.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "writing event payload")
	}
	github.EventPath = path
	return nil
}

// Summary renders the user-facing run summary line.
func Summary(result *WorkflowResult) string {
	success, failure, skipped := result.Counts()
	return fmt.Sprintf("%s: %s (%d succeeded, %d failed, %d skipped)",
		result.Name, result.Status, success, failure, skipped)
}
