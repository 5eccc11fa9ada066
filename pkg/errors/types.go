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

package errors

import (
	"fmt"
	"strings"
)

// ParseError represents a workflow file that could not be loaded or
// normalized. It is fatal: a workflow with a ParseError is not runnable.
type ParseError struct {
	// File is the path of the workflow file that failed to parse
	File string

	// Line is the 1-based line of the offending node, or 0 when unknown
	Line int

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Message)
	}
	if e.File != "" {
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	}
	return e.Message
}

// MatrixTooLargeError is returned when a job's matrix expands past the
// configured combination cap.
type MatrixTooLargeError struct {
	// Job is the job whose matrix was too large
	Job string

	// Count is the number of combinations the matrix expanded to
	Count int

	// Limit is the configured cap
	Limit int
}

// Error implements the error interface.
func (e *MatrixTooLargeError) Error() string {
	return fmt.Sprintf("job %q: matrix expands to %d combinations, limit is %d", e.Job, e.Count, e.Limit)
}

// NeedsCycleError is returned when the `needs` relation between jobs is
// not a DAG.
type NeedsCycleError struct {
	// Jobs is the cycle, in dependency order
	Jobs []string
}

// Error implements the error interface.
func (e *NeedsCycleError) Error() string {
	return fmt.Sprintf("dependency cycle between jobs: %s", strings.Join(e.Jobs, " -> "))
}

// ExpressionError represents a `${{ }}` expression that failed to compile
// or evaluate. It fails the step whose value contained the expression.
type ExpressionError struct {
	// Expression is the source text of the failing expression
	Expression string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ExpressionError) Error() string {
	return fmt.Sprintf("expression %q: %s", e.Expression, e.Message)
}

// RuntimeUnavailableError indicates that a requested container runtime is
// not usable on this host. Callers fall back to emulation with a warning.
type RuntimeUnavailableError struct {
	// Runtime is the requested runtime name ("docker" or "podman")
	Runtime string

	// Reason explains why the runtime is unavailable
	Reason string
}

// Error implements the error interface.
func (e *RuntimeUnavailableError) Error() string {
	return fmt.Sprintf("%s is not available: %s", e.Runtime, e.Reason)
}

// ImagePullError represents a failed image pull. It fails the
// job-combination that needed the image.
type ImagePullError struct {
	// Image is the image reference that could not be pulled
	Image string

	// Output is the trailing CLI output, for diagnostics
	Output string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ImagePullError) Error() string {
	return fmt.Sprintf("pulling image %s: %v", e.Image, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ImagePullError) Unwrap() error {
	return e.Cause
}

// ImageBuildError represents a failed local image build (Dockerfile-based
// container actions).
type ImageBuildError struct {
	// Dir is the build context directory
	Dir string

	// Tag is the tag the image would have been given
	Tag string

	// Output is the trailing CLI output, for diagnostics
	Output string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ImageBuildError) Error() string {
	return fmt.Sprintf("building image %s from %s: %v", e.Tag, e.Dir, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ImageBuildError) Unwrap() error {
	return e.Cause
}

// StepExecError represents a step process that exited non-zero.
type StepExecError struct {
	// Step identifies the step (id when present, otherwise name or index)
	Step string

	// ExitCode is the process exit code
	ExitCode int
}

// Error implements the error interface.
func (e *StepExecError) Error() string {
	return fmt.Sprintf("step %s exited with code %d", e.Step, e.ExitCode)
}

// UnsupportedInEmulationError is returned for operations the emulation
// runtime cannot provide (image builds, services, container actions).
type UnsupportedInEmulationError struct {
	// Operation describes what was attempted
	Operation string
}

// Error implements the error interface.
func (e *UnsupportedInEmulationError) Error() string {
	return fmt.Sprintf("%s is not supported in emulation mode", e.Operation)
}

// CloneError represents a failed shallow clone of a remote action or
// called workflow.
type CloneError struct {
	// Ref is the owner/repo@ref reference that failed to resolve
	Ref string

	// Output is the trailing git output, for diagnostics
	Output string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *CloneError) Error() string {
	return fmt.Sprintf("cloning %s: %v", e.Ref, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CloneError) Unwrap() error {
	return e.Cause
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "action", "job")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}
