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
	goruntime "runtime"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// runCounter backs GITHUB_RUN_NUMBER: monotonic within the process.
var runCounter atomic.Int64

// GithubContext is the `github` expression context and the source of the
// GITHUB_* step environment. Values are best-effort: everything is
// derived from the local checkout, with defaults when git metadata is
// unavailable.
type GithubContext struct {
	Repository      string
	RepositoryOwner string
	Workflow        string
	Job             string
	Action          string
	Actor           string
	Ref             string
	RefName         string
	SHA             string
	RunID           string
	RunNumber       string
	EventName       string
	EventPath       string
	Workspace       string
	Event           map[string]interface{}
}

// DetectGithubContext builds the context from the repository checkout at
// dir. Git lookups that fail fall back to sensible defaults; a run never
// fails because the checkout is not a git repository.
func DetectGithubContext(ctx context.Context, dir, workflowName string) *GithubContext {
	g := &GithubContext{
		Workflow:  workflowName,
		EventName: "workflow_dispatch",
		RunID:     fmt.Sprintf("%d", uuid.New().ID()),
		RunNumber: fmt.Sprintf("%d", runCounter.Add(1)),
		Actor:     detectActor(ctx, dir),
		SHA:       gitOutput(ctx, dir, "rev-parse", "HEAD"),
		Event:     map[string]interface{}{},
	}

	g.Repository = detectRepository(ctx, dir)
	if owner, _, ok := strings.Cut(g.Repository, "/"); ok {
		g.RepositoryOwner = owner
	}

	if ref := gitOutput(ctx, dir, "symbolic-ref", "HEAD"); ref != "" {
		g.Ref = ref
		g.RefName = strings.TrimPrefix(ref, "refs/heads/")
	} else {
		g.Ref = "refs/heads/main"
		g.RefName = "main"
	}
	if g.SHA == "" {
		g.SHA = strings.Repeat("0", 40)
	}
	return g
}

// detectRepository reads owner/repo from the origin remote, falling back
// to the directory name.
func detectRepository(ctx context.Context, dir string) string {
	url := gitOutput(ctx, dir, "config", "--get", "remote.origin.url")
	if repo := parseRepositoryURL(url); repo != "" {
		return repo
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "local/workspace"
	}
	return "local/" + filepath.Base(abs)
}

// parseRepositoryURL extracts owner/repo from https and ssh remote URLs.
func parseRepositoryURL(url string) string {
	if url == "" {
		return ""
	}
	url = strings.TrimSuffix(url, ".git")
	if _, rest, ok := strings.Cut(url, "github.com:"); ok {
		return rest
	}
	if _, rest, ok := strings.Cut(url, "github.com/"); ok {
		return rest
	}
	return ""
}

// detectActor uses git config, then $USER, then a fixed fallback.
func detectActor(ctx context.Context, dir string) string {
	if name := gitOutput(ctx, dir, "config", "--get", "user.name"); name != "" {
		return name
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "wrkflw"
}

// gitOutput runs a git command and returns its trimmed stdout, or "".
func gitOutput(ctx context.Context, dir string, args ...string) string {
	full := append([]string{"-C", dir}, args...)
	out, err := exec.CommandContext(ctx, "git", full...).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// ToMap renders the context for expression evaluation.
func (g *GithubContext) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"repository":       g.Repository,
		"repository_owner": g.RepositoryOwner,
		"workflow":         g.Workflow,
		"job":              g.Job,
		"action":           g.Action,
		"actor":            g.Actor,
		"ref":              g.Ref,
		"ref_name":         g.RefName,
		"sha":              g.SHA,
		"run_id":           g.RunID,
		"run_number":       g.RunNumber,
		"event_name":       g.EventName,
		"event_path":       g.EventPath,
		"workspace":        g.Workspace,
		"event":            g.Event,
	}
}

// EnvVars renders the GITHUB_* step environment.
func (g *GithubContext) EnvVars() map[string]string {
	return map[string]string{
		"CI":                      "true",
		"GITHUB_ACTIONS":          "true",
		"GITHUB_WORKFLOW":         g.Workflow,
		"GITHUB_JOB":              g.Job,
		"GITHUB_ACTION":           g.Action,
		"GITHUB_ACTOR":            g.Actor,
		"GITHUB_REPOSITORY":       g.Repository,
		"GITHUB_REPOSITORY_OWNER": g.RepositoryOwner,
		"GITHUB_REF":              g.Ref,
		"GITHUB_REF_NAME":         g.RefName,
		"GITHUB_SHA":              g.SHA,
		"GITHUB_RUN_ID":           g.RunID,
		"GITHUB_RUN_NUMBER":       g.RunNumber,
		"GITHUB_WORKSPACE":        g.Workspace,
		"GITHUB_EVENT_NAME":       g.EventName,
		"GITHUB_EVENT_PATH":       g.EventPath,
	}
}

// RunnerContext is the `runner` expression context and the RUNNER_* step
// environment. Only Linux runners are emulated.
type RunnerContext struct {
	OS        string
	Arch      string
	Temp      string
	ToolCache string
}

// NewRunnerContext builds the runner context for a combination's temp
// and tool-cache directories.
func NewRunnerContext(temp, toolCache string) *RunnerContext {
	return &RunnerContext{
		OS:        "Linux",
		Arch:      runnerArch(),
		Temp:      temp,
		ToolCache: toolCache,
	}
}

// runnerArch maps Go's arch names to the runner's.
func runnerArch() string {
	switch goruntime.GOARCH {
	case "amd64":
		return "X64"
	case "arm64":
		return "ARM64"
	case "386":
		return "X86"
	default:
		return strings.ToUpper(goruntime.GOARCH)
	}
}

// ToMap renders the context for expression evaluation.
func (r *RunnerContext) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"os":         r.OS,
		"arch":       r.Arch,
		"temp":       r.Temp,
		"tool_cache": r.ToolCache,
	}
}

// EnvVars renders the RUNNER_* step environment.
func (r *RunnerContext) EnvVars() map[string]string {
	return map[string]string{
		"RUNNER_OS":         r.OS,
		"RUNNER_ARCH":       r.Arch,
		"RUNNER_TEMP":       r.Temp,
		"RUNNER_TOOL_CACHE": r.ToolCache,
	}
}
