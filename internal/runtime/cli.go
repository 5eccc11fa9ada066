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

package runtime

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"time"
)

// commandTimeout bounds container management commands (pull, create, rm)
// so a wedged daemon cannot hang the run. Step execs are not bounded; a
// long-running step blocks until it exits.
const commandTimeout = 6 * time.Minute

// cliRunner executes a container CLI command. Swapped for a fake in tests.
type cliRunner interface {
	// Run executes name with args, streaming to the writers when they
	// are non-nil, and returns the exit code. timeout 0 means none.
	Run(ctx context.Context, timeout time.Duration, name string, args []string, stdout, stderr io.Writer) (int, error)
}

// execCLIRunner runs commands via os/exec.
type execCLIRunner struct{}

func (execCLIRunner) Run(ctx context.Context, timeout time.Duration, name string, args []string, stdout, stderr io.Writer) (int, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// capture runs a management command and returns its exit code plus the
// combined output tail for error reporting.
func capture(ctx context.Context, run cliRunner, name string, args ...string) (int, string, error) {
	var buf bytes.Buffer
	code, err := run.Run(ctx, commandTimeout, name, args, &buf, &buf)
	return code, tail(buf.String(), 2048), err
}

// tail returns the trailing n bytes of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}
