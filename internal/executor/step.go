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
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/tombee/wrkflw/internal/action"
	"github.com/tombee/wrkflw/internal/fsutil"
	"github.com/tombee/wrkflw/internal/runtime"
	"github.com/tombee/wrkflw/internal/secrets"
	"github.com/tombee/wrkflw/pkg/errors"
	"github.com/tombee/wrkflw/pkg/workflow"
	"github.com/tombee/wrkflw/pkg/workflow/expression"
)

// stepEnvironment is the per-combination machinery steps execute
// against: the runtime, the container (or host workspace), the env-file
// root, and the shared services (resolver, masker, evaluator).
//
// The env-file root and the workspace are bind-mounted into the
// container at their host paths, so a path means the same thing on both
// sides of the boundary.
type stepEnvironment struct {
	rt          runtime.Runtime
	containerID string
	emulation   bool

	workspace string
	envRoot   string
	toolCache string
	repoRoot  string

	shell []string

	resolver *action.Resolver
	masker   *secrets.Masker
	eval     *expression.Evaluator
	logger   *slog.Logger
	output   io.Writer

	nodeProbed bool
	nodeReady  bool
}

// bashShell is the default step shell; shShell is the job-wide downgrade
// when the image has no bash.
var (
	bashShell = []string{"bash", "-e", "-o", "pipefail"}
	shShell   = []string{"sh", "-e"}
)

// runStep executes one step end-to-end and returns its result. The
// label names the step's private env-file directory; composite inner
// steps extend it ("2", "2-0", "2-1", ...).
func runStep(ctx context.Context, se *stepEnvironment, c *Context, step *workflow.Step, label string) *StepResult {
	result := &StepResult{ID: step.ID, Name: step.DisplayName()}
	logger := se.logger.With(slog.String("step", result.Name))

	// After a failure in the combination, later steps run only when
	// their if: reaches for always()/failure()/cancelled().
	gate := string(step.If)
	if c.JobStatus != StatusSuccess && !overridesFailureGate(gate) {
		return recordSkip(c, step, result)
	}
	ok, err := se.eval.Condition(gate, c.Snapshot())
	if err != nil {
		return se.failBeforeExec(c, step, result, err)
	}
	if !ok {
		return recordSkip(c, step, result)
	}

	files, err := newStepFiles(se.envRoot, label)
	if err != nil {
		return se.failBeforeExec(c, step, result, err)
	}

	snapshot := c.Snapshot()
	env, err := se.composeEnv(c, step, files, snapshot)
	if err != nil {
		return se.failBeforeExec(c, step, result, err)
	}

	sink := newCommandSink(se.masker, logger, se.output)
	stdout := newLineWriter(sink.Line)
	stderr := secrets.NewWriter(se.output, se.masker)

	var exitCode int
	var execErr error
	switch {
	case step.Run != "":
		exitCode, execErr = se.execRun(ctx, c, step, files, env, snapshot, stdout, stderr)
	default:
		exitCode, execErr = se.execUses(ctx, c, step, files, env, snapshot, result, stdout, stderr, sink, label)
	}
	stdout.Flush()
	stderr.Flush()

	if execErr != nil {
		logger.Error("step could not run", "error", execErr)
		fmt.Fprintln(se.output, se.masker.MaskString(execErr.Error()))
		if exitCode == 0 {
			exitCode = 1
		}
	}

	se.collectFiles(c, step, files, sink, result)

	result.ExitCode = exitCode
	result.Outcome = StatusSuccess
	if exitCode != 0 {
		result.Outcome = StatusFailure
	}
	result.Conclusion = result.Outcome
	if step.ContinueOnError && result.Outcome == StatusFailure {
		result.Conclusion = StatusSuccess
	}
	recordState(c, step, result)

	logger.Info("step finished",
		"outcome", string(result.Outcome),
		"conclusion", string(result.Conclusion),
		"exit_code", exitCode)
	return result
}

// execRun handles a run: step.
func (se *stepEnvironment) execRun(ctx context.Context, c *Context, step *workflow.Step, files *stepFiles, env map[string]string, snapshot map[string]interface{}, stdout, stderr io.Writer) (int, error) {
	script, err := se.eval.Render(string(step.Run), snapshot)
	if err != nil {
		return 1, err
	}
	wd, err := se.workingDir(step, snapshot)
	if err != nil {
		return 1, err
	}

	scriptPath := filepath.Join(files.Dir, "script.sh")
	if err := os.WriteFile(scriptPath, []byte(se.scriptBody(c, script)), 0o755); err != nil {
		return 1, errors.Wrap(err, "writing step script")
	}

	argv := append(append([]string{}, se.stepShell(step)...), scriptPath)
	return se.rt.Exec(ctx, se.containerID, argv, env, wd, stdout, stderr)
}

// scriptBody prepends the combination's GITHUB_PATH entries so prior
// add-path calls are visible to the script.
func (se *stepEnvironment) scriptBody(c *Context, script string) string {
	if len(c.Path) == 0 {
		return script
	}
	var b strings.Builder
	// Export in reverse so c.Path[0] ends up first on PATH.
	for i := len(c.Path) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "export PATH=%q:\"$PATH\"\n", c.Path[i])
	}
	b.WriteString(script)
	if !strings.HasSuffix(script, "\n") {
		b.WriteByte('\n')
	}
	return b.String()
}

// stepShell resolves the step's shell, defaulting to the combination's
// probed shell.
func (se *stepEnvironment) stepShell(step *workflow.Step) []string {
	switch step.Shell {
	case "":
		return se.shell
	case "bash":
		return bashShell
	case "sh":
		return shShell
	case "python":
		return []string{"python3"}
	default:
		return strings.Fields(step.Shell)
	}
}

// workingDir resolves the step working directory against the workspace.
func (se *stepEnvironment) workingDir(step *workflow.Step, snapshot map[string]interface{}) (string, error) {
	if step.WorkingDirectory == "" {
		return se.workspace, nil
	}
	wd, err := se.eval.Render(step.WorkingDirectory, snapshot)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(wd) {
		wd = filepath.Join(se.workspace, wd)
	}
	return wd, nil
}

// execUses handles a uses: step for all four action kinds.
func (se *stepEnvironment) execUses(ctx context.Context, c *Context, step *workflow.Step, files *stepFiles, env map[string]string, snapshot map[string]interface{}, result *StepResult, stdout, stderr io.Writer, sink *commandSink, label string) (int, error) {
	ref, err := se.eval.Render(step.Uses, snapshot)
	if err != nil {
		return 1, err
	}
	act, err := se.resolver.Resolve(ctx, ref, se.repoRoot)
	if err != nil {
		return 1, err
	}
	se.logger.Debug("resolved action", "ref", ref, "kind", act.Kind.String())

	switch act.Kind {
	case action.KindCheckout:
		if err := fsutil.CopyPath(se.repoRoot, se.workspace); err != nil {
			return 1, errors.Wrap(err, "checking out workspace")
		}
		return 0, nil

	case action.KindContainer:
		return se.execContainerAction(ctx, act, step, files, env, snapshot, stdout, stderr)

	case action.KindNode:
		return se.execNodeAction(ctx, act, step, files, env, snapshot, stdout, stderr)

	case action.KindComposite:
		return se.execComposite(ctx, c, act, step, snapshot, result, label)
	}
	return 1, fmt.Errorf("action %s: unknown kind", ref)
}

// actionInputs resolves an action's inputs: declared defaults overlaid
// with the step's rendered with: entries.
func (se *stepEnvironment) actionInputs(act *action.Action, step *workflow.Step, snapshot map[string]interface{}) (map[string]string, error) {
	inputs := act.InputDefaults()
	if inputs == nil {
		inputs = make(map[string]string)
	}
	rendered, err := se.eval.RenderMap(step.With, snapshot)
	if err != nil {
		return nil, err
	}
	for k, v := range rendered {
		inputs[k] = v
	}
	return inputs, nil
}

// execContainerAction runs a docker action as a one-shot container in
// the job container's network namespace.
func (se *stepEnvironment) execContainerAction(ctx context.Context, act *action.Action, step *workflow.Step, files *stepFiles, env map[string]string, snapshot map[string]interface{}, stdout, stderr io.Writer) (int, error) {
	if se.emulation {
		return 1, &errors.UnsupportedInEmulationError{Operation: "container actions"}
	}

	image := act.RegistryImage()
	if image == "" {
		image = "wrkflw-action-" + uuid.NewString()[:8]
		if err := se.rt.BuildImage(ctx, act.DockerfileDir(), image); err != nil {
			return 1, err
		}
	} else if err := se.rt.EnsureImage(ctx, image); err != nil {
		return 1, err
	}

	inputs, err := se.actionInputs(act, step, snapshot)
	if err != nil {
		return 1, err
	}
	actionEnv := make(map[string]string, len(env)+len(inputs)+len(act.Meta.Runs.Env))
	for k, v := range env {
		actionEnv[k] = v
	}
	for k, v := range act.Meta.Runs.Env {
		actionEnv[k] = v
	}
	for k, v := range inputs {
		actionEnv[inputEnvName(k)] = v
	}

	actionSnapshot := withActionInputs(snapshot, inputs)
	args := make([]string, 0, len(act.Meta.Runs.Args))
	for _, arg := range act.Meta.Runs.Args {
		rendered, err := se.eval.Render(arg, actionSnapshot)
		if err != nil {
			return 1, err
		}
		args = append(args, rendered)
	}

	spec := &runtime.ContainerSpec{
		Image:      image,
		Command:    args,
		Env:        actionEnv,
		Binds:      se.binds(),
		WorkingDir: se.workspace,
		Network:    "container:" + se.containerID,
	}
	if act.Meta.Runs.Entrypoint != "" {
		spec.Options = []string{"--entrypoint", act.Meta.Runs.Entrypoint}
	}
	return se.rt.RunOnce(ctx, spec, stdout, stderr)
}

// execNodeAction runs a JavaScript action's entry script under node
// inside the job container (or on the host in emulation).
func (se *stepEnvironment) execNodeAction(ctx context.Context, act *action.Action, step *workflow.Step, files *stepFiles, env map[string]string, snapshot map[string]interface{}, stdout, stderr io.Writer) (int, error) {
	if !se.ensureNode(ctx) {
		return 1, fmt.Errorf("action %s: node is not available in the job environment and provisioning failed", act.Ref)
	}

	// Copy the action under the env-file root; the bind mount makes it
	// visible inside the container at the same path.
	actionDir := filepath.Join(files.Dir, "action")
	if err := fsutil.CopyPath(act.Dir, actionDir); err != nil {
		return 1, errors.Wrapf(err, "staging action %s", act.Ref)
	}

	inputs, err := se.actionInputs(act, step, snapshot)
	if err != nil {
		return 1, err
	}
	actionEnv := make(map[string]string, len(env)+len(inputs))
	for k, v := range env {
		actionEnv[k] = v
	}
	for k, v := range inputs {
		actionEnv[inputEnvName(k)] = v
	}

	entry := filepath.Join(actionDir, filepath.FromSlash(act.Meta.Runs.Main))
	return se.rt.Exec(ctx, se.containerID, []string{"node", entry}, actionEnv, se.workspace, stdout, stderr)
}

// execComposite inlines a composite action's steps with a scoped
// context: inner step ids live in their own namespace, while env,
// secrets, matrix, and the needs view are shared with the caller.
func (se *stepEnvironment) execComposite(ctx context.Context, c *Context, act *action.Action, step *workflow.Step, snapshot map[string]interface{}, result *StepResult, label string) (int, error) {
	inputs, err := se.actionInputs(act, step, snapshot)
	if err != nil {
		return 1, err
	}

	sub := &Context{
		Env:       c.Env,
		Path:      c.Path,
		Matrix:    c.Matrix,
		Github:    c.Github,
		Runner:    c.Runner,
		Steps:     make(map[string]*StepState),
		Needs:     c.Needs,
		Inputs:    inputs,
		Secrets:   c.Secrets,
		JobStatus: c.JobStatus,
	}

	exitCode := 0
	for i, inner := range act.Meta.Runs.Steps {
		innerResult := runStep(ctx, se, sub, inner, label+"-"+strconv.Itoa(i))
		if innerResult.Conclusion == StatusFailure {
			sub.JobStatus = StatusFailure
			exitCode = innerResult.ExitCode
			if exitCode == 0 {
				exitCode = 1
			}
		}
	}

	// Env-file appends and add-path inside the composite flow out to
	// the caller's later steps.
	c.Path = sub.Path

	// Declared outputs are evaluated against the composite's own steps
	// and become the caller step's outputs.
	if exitCode == 0 && step.ID != "" && act.Meta.Outputs != nil {
		state := c.StepState(step.ID)
		subSnapshot := sub.Snapshot()
		for name, output := range act.Meta.Outputs {
			value, err := se.eval.Render(string(output.Value), subSnapshot)
			if err != nil {
				return 1, err
			}
			state.Outputs[name] = value
		}
	}
	return exitCode, nil
}

// ensureNode probes for node once per combination and makes one
// provisioning attempt through the image's package manager.
func (se *stepEnvironment) ensureNode(ctx context.Context) bool {
	if se.nodeProbed {
		return se.nodeReady
	}
	se.nodeProbed = true

	probe := func() bool {
		code, err := se.rt.Exec(ctx, se.containerID, []string{"node", "--version"}, nil, "", io.Discard, io.Discard)
		return err == nil && code == 0
	}
	if probe() {
		se.nodeReady = true
		return true
	}
	if se.emulation {
		return false
	}

	se.logger.Info("provisioning node in job container")
	install := "(apt-get update -qq && apt-get install -y -qq nodejs) || apk add --no-cache nodejs npm || dnf install -y nodejs"
	if _, err := se.rt.Exec(ctx, se.containerID, []string{"sh", "-c", install}, nil, "", io.Discard, io.Discard); err != nil {
		return false
	}
	se.nodeReady = probe()
	return se.nodeReady
}

// composeEnv layers the effective step environment: accumulated context
// env, rendered step env, then the runtime-injected variables.
func (se *stepEnvironment) composeEnv(c *Context, step *workflow.Step, files *stepFiles, snapshot map[string]interface{}) (map[string]string, error) {
	env := make(map[string]string, len(c.Env)+32)
	for k, v := range c.Env {
		env[k] = v
	}

	stepEnv, err := se.eval.RenderMap(step.Env, snapshot)
	if err != nil {
		return nil, err
	}
	for k, v := range stepEnv {
		env[k] = v
	}

	if c.Github != nil {
		for k, v := range c.Github.EnvVars() {
			env[k] = v
		}
	}
	if c.Runner != nil {
		for k, v := range c.Runner.EnvVars() {
			env[k] = v
		}
	}
	for k, v := range c.Inputs {
		env[inputEnvName(k)] = v
	}
	for k, v := range c.Secrets {
		env[secretEnvName(k)] = v
	}

	env["GITHUB_OUTPUT"] = files.Output
	env["GITHUB_ENV"] = files.Env
	env["GITHUB_PATH"] = files.Path
	env["GITHUB_STEP_SUMMARY"] = files.Summary
	return env, nil
}

// collectFiles applies the step's env files and command effects to the
// context and result.
func (se *stepEnvironment) collectFiles(c *Context, step *workflow.Step, files *stepFiles, sink *commandSink, result *StepResult) {
	outputs, err := parseEnvFilePath(files.Output)
	if err != nil {
		se.logger.Warn("ignoring malformed GITHUB_OUTPUT", "error", err)
		outputs = map[string]string{}
	}
	for k, v := range sink.outputs {
		outputs[k] = v
	}
	if step.ID != "" && len(outputs) > 0 {
		state := c.StepState(step.ID)
		for k, v := range outputs {
			state.Outputs[k] = v
		}
	}

	envAdds, err := parseEnvFilePath(files.Env)
	if err != nil {
		se.logger.Warn("ignoring malformed GITHUB_ENV", "error", err)
	} else if len(envAdds) > 0 {
		c.MergeEnv(envAdds)
	}

	pathEntries, err := parsePathFile(files.Path)
	if err != nil {
		se.logger.Warn("ignoring malformed GITHUB_PATH", "error", err)
	}
	pathEntries = append(pathEntries, sink.pathAdds...)
	if len(pathEntries) > 0 {
		c.PrependPath(pathEntries)
	}

	if data, err := os.ReadFile(files.Summary); err == nil && len(data) > 0 {
		result.Summary = string(data)
	}
}

// stepFiles are the four per-step environment files, truncated at step
// start.
type stepFiles struct {
	Dir     string
	Output  string
	Env     string
	Path    string
	Summary string
}

func newStepFiles(envRoot, label string) (*stepFiles, error) {
	dir := filepath.Join(envRoot, "steps", label)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating step env-file directory")
	}
	files := &stepFiles{
		Dir:     dir,
		Output:  filepath.Join(dir, "output"),
		Env:     filepath.Join(dir, "env"),
		Path:    filepath.Join(dir, "path"),
		Summary: filepath.Join(dir, "step_summary"),
	}
	for _, path := range []string{files.Output, files.Env, files.Path, files.Summary} {
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return nil, errors.Wrap(err, "truncating step env file")
		}
	}
	return files, nil
}

// binds are the standard bind mounts of a combination: workspace,
// env-file root, and tool cache, all at identical paths inside.
func (se *stepEnvironment) binds() []runtime.Bind {
	return []runtime.Bind{
		{Source: se.workspace, Target: se.workspace},
		{Source: se.envRoot, Target: se.envRoot},
		{Source: se.toolCache, Target: se.toolCache},
	}
}

// overridesFailureGate reports whether an if: expression can resurrect a
// step after the combination has failed.
func overridesFailureGate(gate string) bool {
	return strings.Contains(gate, "always(") ||
		strings.Contains(gate, "failure(") ||
		strings.Contains(gate, "cancelled(")
}

// withActionInputs swaps the snapshot's inputs for the action's own.
func withActionInputs(snapshot map[string]interface{}, inputs map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(snapshot))
	for k, v := range snapshot {
		out[k] = v
	}
	asAny := make(map[string]interface{}, len(inputs))
	for k, v := range inputs {
		asAny[k] = v
	}
	out["inputs"] = asAny
	return out
}

// recordSkip finalizes a skipped step.
func recordSkip(c *Context, step *workflow.Step, result *StepResult) *StepResult {
	result.Outcome = StatusSkipped
	result.Conclusion = StatusSkipped
	recordState(c, step, result)
	return result
}

// failBeforeExec finalizes a step that failed before its process ran
// (expression error, unresolvable action, env-file setup).
func (se *stepEnvironment) failBeforeExec(c *Context, step *workflow.Step, result *StepResult, err error) *StepResult {
	se.logger.Error("step failed", slog.String("step", result.Name), "error", err)
	fmt.Fprintln(se.output, se.masker.MaskString(err.Error()))
	result.ExitCode = 1
	result.Outcome = StatusFailure
	result.Conclusion = StatusFailure
	if step.ContinueOnError {
		result.Conclusion = StatusSuccess
	}
	recordState(c, step, result)
	return result
}

// recordState publishes the step's terminal state to the context.
func recordState(c *Context, step *workflow.Step, result *StepResult) {
	if step.ID == "" {
		return
	}
	state := c.StepState(step.ID)
	state.Outcome = result.Outcome
	state.Conclusion = result.Conclusion
}
