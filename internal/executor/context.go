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
	"strings"

	"github.com/tombee/wrkflw/pkg/workflow"
	"github.com/tombee/wrkflw/pkg/workflow/expression"
)

// Context is the mutable per-job-combination execution context. It is
// owned by the combination's task: steps mutate it in place, and the
// expression evaluator only ever sees a read-only snapshot.
type Context struct {
	// Env is the merged environment: workflow ◁ job ◁ GITHUB_ENV appends
	Env map[string]string

	// Path holds GITHUB_PATH prepends, newest first
	Path []string

	// Matrix is this combination's binding
	Matrix *workflow.Combination

	// Github is the github context
	Github *GithubContext

	// Runner is the runner context
	Runner *RunnerContext

	// Steps maps step id to its state, within this combination only
	Steps map[string]*StepState

	// Needs maps prerequisite job id to its published result
	Needs map[string]*NeedResult

	// Inputs is set for called reusable workflows
	Inputs map[string]string

	// Secrets is the plain-value secret mapping
	Secrets map[string]string

	// JobStatus is the combination's running status, consulted by the
	// status functions and the post-failure step gate
	JobStatus Status
}

// StepState is the steps.<id> context entry.
type StepState struct {
	Outputs    map[string]string
	Outcome    Status
	Conclusion Status
}

// NeedResult is the needs.<id> context entry. Outputs stays empty until
// job outputs are propagated.
type NeedResult struct {
	Result  Status
	Outputs map[string]string
}

// Snapshot renders the context for expression evaluation. The returned
// maps are copies; mutating the context afterwards does not affect an
// evaluation already in flight.
func (c *Context) Snapshot() map[string]interface{} {
	env := make(map[string]string, len(c.Env))
	for k, v := range c.Env {
		env[k] = v
	}

	steps := make(map[string]interface{}, len(c.Steps))
	for id, s := range c.Steps {
		outputs := make(map[string]string, len(s.Outputs))
		for k, v := range s.Outputs {
			outputs[k] = v
		}
		steps[id] = map[string]interface{}{
			"outputs":    outputs,
			"outcome":    string(s.Outcome),
			"conclusion": string(s.Conclusion),
		}
	}

	needs := make(map[string]interface{}, len(c.Needs))
	for id, n := range c.Needs {
		outputs := make(map[string]string, len(n.Outputs))
		for k, v := range n.Outputs {
			outputs[k] = v
		}
		needs[id] = map[string]interface{}{
			"result":  string(n.Result),
			"outputs": outputs,
		}
	}

	inputs := make(map[string]interface{}, len(c.Inputs))
	for k, v := range c.Inputs {
		inputs[k] = v
	}

	secretsCopy := make(map[string]string, len(c.Secrets))
	for k, v := range c.Secrets {
		secretsCopy[k] = v
	}

	snapshot := map[string]interface{}{
		"env":     env,
		"steps":   steps,
		"needs":   needs,
		"inputs":  inputs,
		"secrets": secretsCopy,
		"matrix":  map[string]interface{}{},
		"job":     map[string]interface{}{"status": string(c.JobStatus)},

		expression.StatusKey: string(c.JobStatus),
	}
	if c.Matrix != nil {
		snapshot["matrix"] = c.Matrix.Values()
	}
	if c.Github != nil {
		snapshot["github"] = c.Github.ToMap()
	}
	if c.Runner != nil {
		snapshot["runner"] = c.Runner.ToMap()
	}
	return snapshot
}

// StepState returns the state for a step id, creating it on first use.
func (c *Context) StepState(id string) *StepState {
	if c.Steps == nil {
		c.Steps = make(map[string]*StepState)
	}
	if c.Steps[id] == nil {
		c.Steps[id] = &StepState{Outputs: make(map[string]string)}
	}
	return c.Steps[id]
}

// MergeEnv applies GITHUB_ENV appends for subsequent steps.
func (c *Context) MergeEnv(env map[string]string) {
	if c.Env == nil {
		c.Env = make(map[string]string, len(env))
	}
	for k, v := range env {
		c.Env[k] = v
	}
}

// PrependPath applies GITHUB_PATH entries for subsequent steps.
func (c *Context) PrependPath(entries []string) {
	// Entries prepend in file order, so the first file line ends up
	// first on PATH.
	for i := len(entries) - 1; i >= 0; i-- {
		c.Path = append([]string{entries[i]}, c.Path...)
	}
}

// inputEnvName maps an input name to its INPUT_ environment variable.
func inputEnvName(name string) string {
	upper := strings.ToUpper(name)
	upper = strings.ReplaceAll(upper, " ", "_")
	upper = strings.ReplaceAll(upper, "-", "_")
	return "INPUT_" + upper
}

// secretEnvName maps a secret name to its SECRET_ environment variable.
func secretEnvName(name string) string {
	upper := strings.ToUpper(name)
	upper = strings.ReplaceAll(upper, " ", "_")
	upper = strings.ReplaceAll(upper, "-", "_")
	return "SECRET_" + upper
}
