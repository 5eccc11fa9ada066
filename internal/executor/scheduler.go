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

	"github.com/tombee/wrkflw/pkg/workflow"
	"github.com/tombee/wrkflw/pkg/workflow/expression"
)

// runGraph schedules a workflow's jobs: repeatedly start every job whose
// prerequisites have terminal results, bounded by the worker count, and
// fold finished results back into the ready computation.
//
// The graph state is owned by this loop; job executors receive a copy of
// their needs view at start and publish a single result at the end.
func (e *Executor) runGraph(ctx context.Context, wf *workflow.Workflow, expansions map[string][]*workflow.Combination, inputs, secretValues map[string]string, depth int) *WorkflowResult {
	result := &WorkflowResult{Name: wf.Name, Jobs: make(map[string]*JobResult, wf.Jobs.Len())}

	inFlight := make(map[string]bool)
	finished := make(chan *JobResult)

	for len(result.Jobs) < wf.Jobs.Len() {
		if ctx.Err() != nil {
			// Soft cancel: nothing new starts; running jobs drain.
			for _, job := range wf.Jobs.All() {
				if _, done := result.Jobs[job.ID]; !done && !inFlight[job.ID] {
					result.Jobs[job.ID] = &JobResult{JobID: job.ID, Status: StatusCancelled}
				}
			}
		} else {
			for _, job := range wf.Jobs.All() {
				if _, done := result.Jobs[job.ID]; done || inFlight[job.ID] {
					continue
				}
				if !e.prereqsFinished(job, result.Jobs) {
					continue
				}

				if jr, decided := e.gateJob(job, result.Jobs, inputs); decided {
					result.Jobs[job.ID] = jr
					e.logJob(jr)
					continue
				}

				inFlight[job.ID] = true
				needsView := needsFor(job, result.Jobs)
				go func(job *workflow.Job, needs map[string]*NeedResult) {
					// Caller jobs only coordinate a sub-graph whose own
					// jobs take worker slots; holding a slot here would
					// deadlock a one-worker run.
					if job.Uses == "" {
						e.workerSem <- struct{}{}
						defer func() { <-e.workerSem }()
					}
					finished <- e.executeJob(ctx, wf, job, expansions[job.ID], needs, inputs, secretValues, depth)
				}(job, needsView)
			}
		}

		if len(result.Jobs) == wf.Jobs.Len() {
			break
		}
		if len(inFlight) == 0 {
			// No job running and none became ready: only reachable
			// when cancellation already recorded the remainder.
			continue
		}

		jr := <-finished
		delete(inFlight, jr.JobID)
		result.Jobs[jr.JobID] = jr
		e.logJob(jr)
	}

	result.Status = StatusSuccess
	for _, jr := range result.Jobs {
		switch jr.Status {
		case StatusSuccess, StatusSkipped:
		default:
			result.Status = StatusFailure
		}
	}
	return result
}

// executeJob dispatches a job body: a reusable-workflow call or a step
// sequence.
func (e *Executor) executeJob(ctx context.Context, wf *workflow.Workflow, job *workflow.Job, combos []*workflow.Combination, needs map[string]*NeedResult, inputs, secretValues map[string]string, depth int) *JobResult {
	if job.Uses != "" {
		return e.runCalledWorkflow(ctx, job, needs, depth)
	}
	return e.runJob(ctx, wf, job, combos, needs, inputs, secretValues)
}

// prereqsFinished reports whether every needs: entry has a result.
func (e *Executor) prereqsFinished(job *workflow.Job, done map[string]*JobResult) bool {
	for _, need := range job.Needs {
		if _, ok := done[need]; !ok {
			return false
		}
	}
	return true
}

// gateJob decides, without running it, whether a job is skipped: a
// failed prerequisite without an always()/failure() gate, or a
// job-level if: that evaluates false. The second return is false when
// the job should run.
func (e *Executor) gateJob(job *workflow.Job, done map[string]*JobResult, inputs map[string]string) (*JobResult, bool) {
	prereqFailed := false
	for _, need := range job.Needs {
		if jr := done[need]; jr != nil && jr.Status != StatusSuccess {
			prereqFailed = true
			break
		}
	}

	gate := string(job.If)
	if prereqFailed && !overridesFailureGate(gate) {
		return &JobResult{JobID: job.ID, Status: StatusSkipped}, true
	}
	if gate == "" {
		return nil, false
	}

	status := StatusSuccess
	if prereqFailed {
		status = StatusFailure
	}
	snapshot := map[string]interface{}{
		"needs":   needsSnapshot(job, done),
		"inputs":  stringAnyMap(inputs),
		"github":  e.github.ToMap(),
		"job":     map[string]interface{}{"status": string(status)},
		"secrets": map[string]string{},

		expression.StatusKey: string(status),
	}
	ok, err := e.eval.Condition(gate, snapshot)
	if err != nil {
		e.logger.Error("job if: failed to evaluate", "job_id", job.ID, "error", err)
		return &JobResult{JobID: job.ID, Status: StatusFailure}, true
	}
	if !ok {
		return &JobResult{JobID: job.ID, Status: StatusSkipped}, true
	}
	return nil, false
}

// needsFor builds the needs view handed to a starting job.
func needsFor(job *workflow.Job, done map[string]*JobResult) map[string]*NeedResult {
	needs := make(map[string]*NeedResult, len(job.Needs))
	for _, need := range job.Needs {
		entry := &NeedResult{Result: StatusFailure, Outputs: map[string]string{}}
		if jr := done[need]; jr != nil {
			entry.Result = jr.Status
			for k, v := range jr.Outputs {
				entry.Outputs[k] = v
			}
		}
		needs[need] = entry
	}
	return needs
}

// needsSnapshot renders the needs view for job-level if: evaluation.
func needsSnapshot(job *workflow.Job, done map[string]*JobResult) map[string]interface{} {
	out := make(map[string]interface{}, len(job.Needs))
	for need, entry := range needsFor(job, done) {
		out[need] = map[string]interface{}{
			"result":  string(entry.Result),
			"outputs": entry.Outputs,
		}
	}
	return out
}

func stringAnyMap(in map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// logJob emits the per-job status line.
func (e *Executor) logJob(jr *JobResult) {
	e.logger.Info("job finished", "job_id", jr.JobID, "status", string(jr.Status))
}
