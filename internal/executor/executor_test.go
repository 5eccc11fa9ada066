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
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/wrkflw/pkg/errors"
)

// syncBuffer collects step output from concurrently running jobs.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// testRun executes a workflow in emulation mode against a scratch repo.
type testRun struct {
	repo   string
	out    *syncBuffer
	exec   *Executor
	result *WorkflowResult
	err    error
}

func newTestRun(t *testing.T, opts Options) *testRun {
	t.Helper()
	tr := &testRun{repo: t.TempDir(), out: &syncBuffer{}}

	opts.Runtime = "emulation"
	opts.RepoRoot = tr.repo
	opts.Logger = slog.New(slog.DiscardHandler)
	opts.Output = tr.out

	var err error
	tr.exec, err = New(context.Background(), opts)
	require.NoError(t, err)
	return tr
}

func (tr *testRun) writeFile(t *testing.T, name, contents string) {
	t.Helper()
	path := filepath.Join(tr.repo, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func (tr *testRun) run(t *testing.T, workflowYAML string) *WorkflowResult {
	t.Helper()
	tr.writeFile(t, "wf.yml", workflowYAML)
	tr.result, tr.err = tr.exec.Run(context.Background(), filepath.Join(tr.repo, "wf.yml"))
	return tr.result
}

func TestRun_TwoJobPipeline(t *testing.T) {
	tr := newTestRun(t, Options{})
	result := tr.run(t, `
on: workflow_dispatch
jobs:
  a:
    runs-on: ubuntu-latest
    steps:
      - id: s
        run: echo "x=1" >> "$GITHUB_OUTPUT"
      - run: echo "same-job[${{ steps.s.outputs.x }}]"
  b:
    needs: a
    runs-on: ubuntu-latest
    steps:
      - run: echo "cross-job[${{ needs.a.outputs.s_unsupported }}]"
`)
	require.NoError(t, tr.err)

	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, StatusSuccess, result.Jobs["a"].Status)
	assert.Equal(t, StatusSuccess, result.Jobs["b"].Status)

	out := tr.out.String()
	assert.Contains(t, out, "same-job[1]", "step output visible within the job")
	assert.Contains(t, out, "cross-job[]", "unresolved identifier renders empty")
}

func TestRun_EnvAndPathPropagation(t *testing.T) {
	tr := newTestRun(t, Options{})
	result := tr.run(t, `
on: workflow_dispatch
jobs:
  a:
    steps:
      - run: |
          echo "FOO=bar" >> "$GITHUB_ENV"
          echo "/custom/bin" >> "$GITHUB_PATH"
      - run: echo "env[$FOO] path[$PATH]"
`)
	require.NoError(t, tr.err)
	assert.Equal(t, StatusSuccess, result.Status)

	out := tr.out.String()
	assert.Contains(t, out, "env[bar]")
	assert.Contains(t, out, "/custom/bin:")
}

func TestRun_MatrixEnvIsolation(t *testing.T) {
	tr := newTestRun(t, Options{})
	result := tr.run(t, `
on: workflow_dispatch
jobs:
  a:
    strategy:
      max-parallel: 1
      matrix:
        n: [1, 2]
    steps:
      - if: matrix.n == 1
        run: echo "TAG=first" >> "$GITHUB_ENV"
      - run: echo "combo${{ matrix.n }}[$TAG]"
`)
	require.NoError(t, tr.err)
	assert.Equal(t, StatusSuccess, result.Status)
	require.Len(t, result.Jobs["a"].Combinations, 2)

	out := tr.out.String()
	assert.Contains(t, out, "combo1[first]")
	assert.Contains(t, out, "combo2[]", "GITHUB_ENV never leaks across combinations")
}

func TestRun_MatrixFailFast(t *testing.T) {
	tr := newTestRun(t, Options{})
	result := tr.run(t, `
on: workflow_dispatch
jobs:
  a:
    strategy:
      max-parallel: 1
      matrix:
        n: [1, 2, 3]
    steps:
      - run: exit ${{ matrix.n }}
`)
	require.NoError(t, tr.err)

	job := result.Jobs["a"]
	assert.Equal(t, StatusFailure, job.Status)
	require.Len(t, job.Combinations, 3)
	assert.Equal(t, StatusFailure, job.Combinations[0].Status)
	assert.Equal(t, StatusSkipped, job.Combinations[1].Status, "fail-fast skips unstarted combinations")
	assert.Equal(t, StatusSkipped, job.Combinations[2].Status)
}

func TestRun_MatrixNoFailFast(t *testing.T) {
	tr := newTestRun(t, Options{})
	result := tr.run(t, `
on: workflow_dispatch
jobs:
  a:
    strategy:
      fail-fast: false
      max-parallel: 1
      matrix:
        n: [1, 2]
    steps:
      - run: '[ ${{ matrix.n }} = 2 ] || exit 1'
`)
	require.NoError(t, tr.err)

	job := result.Jobs["a"]
	assert.Equal(t, StatusFailure, job.Status)
	assert.Equal(t, StatusFailure, job.Combinations[0].Status)
	assert.Equal(t, StatusSuccess, job.Combinations[1].Status, "without fail-fast every combination runs")
}

func TestRun_AddMask(t *testing.T) {
	tr := newTestRun(t, Options{})
	result := tr.run(t, `
on: workflow_dispatch
jobs:
  a:
    steps:
      - run: |
          echo "::add-mask::hello"
          echo hello world
`)
	require.NoError(t, tr.err)
	assert.Equal(t, StatusSuccess, result.Status)

	out := tr.out.String()
	assert.Contains(t, out, "*** world")
	assert.NotContains(t, out, "hello world")
}

func TestRun_SecretsMaskedAndInjected(t *testing.T) {
	tr := newTestRun(t, Options{Secrets: map[string]string{"TOKEN": "hunter2"}})
	result := tr.run(t, `
on: workflow_dispatch
jobs:
  a:
    steps:
      - run: echo "token is $SECRET_TOKEN"
      - run: echo "ctx is ${{ secrets.TOKEN }}"
`)
	require.NoError(t, tr.err)
	assert.Equal(t, StatusSuccess, result.Status)

	out := tr.out.String()
	assert.Contains(t, out, "token is ***")
	assert.Contains(t, out, "ctx is ***")
	assert.NotContains(t, out, "hunter2")
}

func TestRun_FailureSkipsLaterSteps(t *testing.T) {
	tr := newTestRun(t, Options{})
	result := tr.run(t, `
on: workflow_dispatch
jobs:
  a:
    steps:
      - run: exit 1
      - run: echo should-not-run
      - if: always()
        run: echo always-ran
      - if: failure()
        run: echo failure-ran
`)
	require.NoError(t, tr.err)

	job := result.Jobs["a"]
	assert.Equal(t, StatusFailure, job.Status)

	steps := job.Combinations[0].Steps
	require.Len(t, steps, 4)
	assert.Equal(t, StatusFailure, steps[0].Conclusion)
	assert.Equal(t, StatusSkipped, steps[1].Conclusion)
	assert.Equal(t, StatusSuccess, steps[2].Conclusion)
	assert.Equal(t, StatusSuccess, steps[3].Conclusion)

	out := tr.out.String()
	assert.NotContains(t, out, "should-not-run")
	assert.Contains(t, out, "always-ran")
	assert.Contains(t, out, "failure-ran")
}

func TestRun_ContinueOnError(t *testing.T) {
	tr := newTestRun(t, Options{})
	result := tr.run(t, `
on: workflow_dispatch
jobs:
  a:
    steps:
      - continue-on-error: true
        run: exit 1
      - run: echo still-running
`)
	require.NoError(t, tr.err)

	job := result.Jobs["a"]
	assert.Equal(t, StatusSuccess, job.Status)

	steps := job.Combinations[0].Steps
	assert.Equal(t, StatusFailure, steps[0].Outcome)
	assert.Equal(t, StatusSuccess, steps[0].Conclusion)
	assert.Contains(t, tr.out.String(), "still-running")
}

func TestRun_FailedPrereqSkipsDependents(t *testing.T) {
	tr := newTestRun(t, Options{})
	result := tr.run(t, `
on: workflow_dispatch
jobs:
  a:
    steps:
      - run: exit 1
  b:
    needs: a
    steps:
      - run: echo b-ran
  c:
    needs: a
    if: always()
    steps:
      - run: echo c-ran
`)
	require.NoError(t, tr.err)

	assert.Equal(t, StatusFailure, result.Status)
	assert.Equal(t, StatusFailure, result.Jobs["a"].Status)
	assert.Equal(t, StatusSkipped, result.Jobs["b"].Status)
	assert.Equal(t, StatusSuccess, result.Jobs["c"].Status)

	out := tr.out.String()
	assert.NotContains(t, out, "b-ran")
	assert.Contains(t, out, "c-ran")
}

func TestRun_JobLevelIfFalse(t *testing.T) {
	tr := newTestRun(t, Options{})
	result := tr.run(t, `
on: workflow_dispatch
jobs:
  a:
    if: 1 == 2
    steps:
      - run: echo nope
`)
	require.NoError(t, tr.err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, StatusSkipped, result.Jobs["a"].Status)
	assert.NotContains(t, tr.out.String(), "nope")
}

func TestRun_CompositeAction(t *testing.T) {
	tr := newTestRun(t, Options{})
	tr.writeFile(t, ".github/actions/greet/action.yml", `
name: greet
inputs:
  who:
    default: world
outputs:
  x:
    value: ${{ steps.inner.outputs.x }}
runs:
  using: composite
  steps:
    - id: inner
      run: echo "x=comp-$INPUT_WHO" >> "$GITHUB_OUTPUT"
      shell: bash
    - run: echo composite-second-step
      shell: bash
`)
	result := tr.run(t, `
on: workflow_dispatch
jobs:
  a:
    steps:
      - id: caller
        uses: ./.github/actions/greet
        with:
          who: go
      - run: echo "outer[${{ steps.caller.outputs.x }}] inner[${{ steps.inner.outputs.x }}]"
`)
	require.NoError(t, tr.err)
	assert.Equal(t, StatusSuccess, result.Status)

	out := tr.out.String()
	assert.Contains(t, out, "composite-second-step")
	assert.Contains(t, out, "outer[comp-go]", "composite output visible on the caller step")
	assert.Contains(t, out, "inner[]", "composite step ids are not visible outside")
}

func TestRun_ReusableWorkflow(t *testing.T) {
	tr := newTestRun(t, Options{})
	tr.writeFile(t, "w.yml", `
on:
  workflow_dispatch:
    inputs:
      name:
        default: fallback
jobs:
  greet:
    runs-on: ubuntu-latest
    steps:
      - run: echo "hi $INPUT_NAME"
`)
	result := tr.run(t, `
on: workflow_dispatch
jobs:
  caller:
    uses: ./w.yml
    with:
      name: x
`)
	require.NoError(t, tr.err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, StatusSuccess, result.Jobs["caller"].Status)
	assert.Contains(t, tr.out.String(), "hi x")
}

func TestRun_ReusableWorkflowFailurePropagates(t *testing.T) {
	tr := newTestRun(t, Options{})
	tr.writeFile(t, "w.yml", `
on: workflow_dispatch
jobs:
  boom:
    steps:
      - run: exit 1
`)
	result := tr.run(t, `
on: workflow_dispatch
jobs:
  caller:
    uses: ./w.yml
`)
	require.NoError(t, tr.err)
	assert.Equal(t, StatusFailure, result.Jobs["caller"].Status)
}

func TestRun_DispatchInputs(t *testing.T) {
	tr := newTestRun(t, Options{Inputs: map[string]string{"target": "prod"}})
	result := tr.run(t, `
on:
  workflow_dispatch:
    inputs:
      target:
        default: staging
      region:
        default: eu-west-1
jobs:
  a:
    steps:
      - run: echo "target=$INPUT_TARGET region=${{ inputs.region }}"
`)
	require.NoError(t, tr.err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Contains(t, tr.out.String(), "target=prod region=eu-west-1")
}

func TestRun_WorkingDirectory(t *testing.T) {
	tr := newTestRun(t, Options{})
	result := tr.run(t, `
on: workflow_dispatch
jobs:
  a:
    steps:
      - run: mkdir -p sub && echo hello > sub/f.txt
      - run: cat f.txt
        working-directory: sub
`)
	require.NoError(t, tr.err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Contains(t, tr.out.String(), "hello")
}

func TestRun_StepSummary(t *testing.T) {
	tr := newTestRun(t, Options{})
	result := tr.run(t, `
on: workflow_dispatch
jobs:
  a:
    steps:
      - run: echo "## Report" >> "$GITHUB_STEP_SUMMARY"
`)
	require.NoError(t, tr.err)

	steps := result.Jobs["a"].Combinations[0].Steps
	require.Len(t, steps, 1)
	assert.Contains(t, steps[0].Summary, "## Report")
}

func TestRun_NeedsCycle(t *testing.T) {
	tr := newTestRun(t, Options{})
	tr.run(t, `
on: workflow_dispatch
jobs:
  a:
    needs: b
    steps: [{run: "true"}]
  b:
    needs: a
    steps: [{run: "true"}]
`)
	var cycleErr *errors.NeedsCycleError
	require.ErrorAs(t, tr.err, &cycleErr)
}

func TestRun_MatrixTooLargeIsFatal(t *testing.T) {
	tr := newTestRun(t, Options{MaxCombinations: 2})
	tr.run(t, `
on: workflow_dispatch
jobs:
  a:
    strategy:
      matrix:
        n: [1, 2, 3]
    steps: [{run: "true"}]
`)
	var tooLarge *errors.MatrixTooLargeError
	require.ErrorAs(t, tr.err, &tooLarge)
	assert.Nil(t, tr.result)
}

func TestRun_ExpressionErrorFailsStep(t *testing.T) {
	tr := newTestRun(t, Options{})
	result := tr.run(t, `
on: workflow_dispatch
jobs:
  a:
    steps:
      - run: echo "${{ matrix.os == }}"
`)
	require.NoError(t, tr.err)
	assert.Equal(t, StatusFailure, result.Jobs["a"].Status)
}

func TestRun_ParallelJobsBothRun(t *testing.T) {
	tr := newTestRun(t, Options{Workers: 4})
	result := tr.run(t, `
on: workflow_dispatch
jobs:
  left:
    steps:
      - run: echo from-left
  right:
    steps:
      - run: echo from-right
`)
	require.NoError(t, tr.err)
	assert.Equal(t, StatusSuccess, result.Status)

	out := tr.out.String()
	assert.Contains(t, out, "from-left")
	assert.Contains(t, out, "from-right")
}
