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

// Status is a terminal state of a step, combination, job, or workflow.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

// StepResult records one executed (or skipped) step.
type StepResult struct {
	// ID is the step id, empty when the step has none
	ID string

	// Name is the step display name
	Name string

	// Outcome is the raw result: Success iff the process exited 0
	Outcome Status

	// Conclusion equals Outcome unless continue-on-error forced Success
	Conclusion Status

	// ExitCode is the process exit code (0 for skipped steps)
	ExitCode int

	// Summary is the GITHUB_STEP_SUMMARY markdown fragment, if written
	Summary string
}

// CombinationResult records one job-combination.
type CombinationResult struct {
	// Label is the matrix binding label, empty without a matrix
	Label string

	// Status is the combination's terminal status
	Status Status

	// Steps are the per-step results in execution order
	Steps []*StepResult
}

// JobResult is a job's aggregated result.
type JobResult struct {
	// JobID is the job identifier
	JobID string

	// Status is Success iff every combination succeeded
	Status Status

	// Combinations holds per-combination results (one entry for jobs
	// without a matrix; empty for skipped jobs)
	Combinations []*CombinationResult

	// Outputs is reserved; called-workflow and job outputs are not
	// propagated yet
	Outputs map[string]string
}

// WorkflowResult is the run's final report.
type WorkflowResult struct {
	// Name is the workflow display name
	Name string

	// Status is Success iff every job succeeded or was skipped by an if:
	Status Status

	// Jobs maps job id to its result
	Jobs map[string]*JobResult
}

// Counts tallies job statuses for the run summary.
func (r *WorkflowResult) Counts() (success, failure, skipped int) {
	for _, job := range r.Jobs {
		switch job.Status {
		case StatusSuccess:
			success++
		case StatusSkipped:
			skipped++
		default:
			failure++
		}
	}
	return success, failure, skipped
}
