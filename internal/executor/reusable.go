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

	"github.com/tombee/wrkflw/pkg/workflow"
	"github.com/tombee/wrkflw/pkg/workflow/expression"
)

// maxCallDepth bounds reusable-workflow nesting, mirroring GitHub's
// limit of four levels.
const maxCallDepth = 4

// runCalledWorkflow executes a caller job (`uses: <workflow-ref>`): the
// referenced workflow runs through its own job graph in a sub-context,
// and the caller job succeeds iff every called job did. Called-workflow
// outputs are not propagated back.
func (e *Executor) runCalledWorkflow(ctx context.Context, job *workflow.Job, needs map[string]*NeedResult, depth int) *JobResult {
	result := &JobResult{JobID: job.ID, Outputs: map[string]string{}}

	fail := func(err error) *JobResult {
		e.logger.Error("reusable workflow call failed", "job_id", job.ID, "error", err)
		fmt.Fprintln(e.output, e.masker.MaskString(err.Error()))
		result.Status = StatusFailure
		return result
	}

	if depth >= maxCallDepth {
		return fail(fmt.Errorf("job %q: reusable workflow nesting exceeds %d levels", job.ID, maxCallDepth))
	}

	path, err := e.resolver.ResolveWorkflow(ctx, job.Uses, e.repoRoot)
	if err != nil {
		return fail(err)
	}
	called, err := workflow.Load(path)
	if err != nil {
		return fail(err)
	}

	snapshot := map[string]interface{}{
		"needs":  needsAnySnapshot(needs),
		"github": e.github.ToMap(),

		expression.StatusKey: string(StatusSuccess),
	}

	// Caller with: entries become the called workflow's inputs context
	// and INPUT_* variables.
	inputs := make(map[string]string, len(job.With))
	for name, input := range called.On.DispatchInputs() {
		if input.Default != "" {
			inputs[name] = input.Default
		}
	}
	for k, v := range job.With {
		rendered, err := e.eval.Render(v, snapshot)
		if err != nil {
			return fail(err)
		}
		inputs[k] = rendered
	}

	// secrets: inherit is not supported; it degrades to no secrets.
	callSecrets := make(map[string]string)
	if job.Secrets != nil {
		if job.Secrets.Inherit {
			e.logger.Warn("secrets: inherit is not supported; the called workflow receives no secrets", "job_id", job.ID)
		} else {
			for k, v := range job.Secrets.Values {
				rendered, err := e.eval.Render(v, snapshot)
				if err != nil {
					return fail(err)
				}
				callSecrets[k] = rendered
				e.masker.Add(rendered)
			}
		}
	}

	expansions, err := e.expandAll(called)
	if err != nil {
		return fail(err)
	}

	e.logger.Info("running reusable workflow", "job_id", job.ID, "workflow", called.Name, "path", path)
	sub := e.runGraph(ctx, called, expansions, inputs, callSecrets, depth+1)

	result.Status = StatusSuccess
	if sub.Status != StatusSuccess {
		result.Status = StatusFailure
	}
	return result
}

// needsAnySnapshot renders a needs view for caller-side expression
// evaluation.
func needsAnySnapshot(needs map[string]*NeedResult) map[string]interface{} {
	out := make(map[string]interface{}, len(needs))
	for id, entry := range needs {
		out[id] = map[string]interface{}{
			"result":  string(entry.Result),
			"outputs": entry.Outputs,
		}
	}
	return out
}
