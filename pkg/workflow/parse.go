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

package workflow

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/tombee/wrkflw/pkg/errors"
	"gopkg.in/yaml.v3"
)

// yamlLinePattern extracts the line number yaml.v3 embeds in its messages.
var yamlLinePattern = regexp.MustCompile(`(?:yaml: )?line (\d+):\s*(.*)`)

// Load reads and parses a workflow file.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.ParseError{File: path, Message: fmt.Sprintf("reading workflow: %v", err)}
	}
	w, err := Parse(data, path)
	if err != nil {
		return nil, err
	}
	w.Path = path
	return w, nil
}

// Parse parses workflow YAML. The file argument is used for error
// reporting only.
func Parse(data []byte, file string) (*Workflow, error) {
	w := &Workflow{}
	if err := yaml.Unmarshal(data, w); err != nil {
		return nil, parseError(file, err)
	}
	if err := w.check(); err != nil {
		return nil, parseError(file, err)
	}
	return w, nil
}

// Marshal renders the normalized workflow. Parsing the output yields an
// equivalent workflow (the normalized form is a fixed point).
func (w *Workflow) Marshal() ([]byte, error) {
	return yaml.Marshal(w)
}

// lineError carries a source line alongside a message so parse errors can
// point at the offending node.
type lineError struct {
	line int
	msg  string
}

func (e *lineError) Error() string {
	return fmt.Sprintf("line %d: %s", e.line, e.msg)
}

// check enforces the structural rules that make a workflow runnable.
func (w *Workflow) check() error {
	if w.Jobs.Len() == 0 {
		return fmt.Errorf("workflow has no jobs")
	}
	for _, job := range w.Jobs.All() {
		if len(job.Steps) > 0 && job.Uses != "" {
			return &lineError{job.line, fmt.Sprintf("job %q has both steps and uses", job.ID)}
		}
		if len(job.Steps) == 0 && job.Uses == "" {
			return &lineError{job.line, fmt.Sprintf("job %q has neither steps nor uses", job.ID)}
		}
		for _, need := range job.Needs {
			if w.Jobs.Get(need) == nil {
				return &lineError{job.line, fmt.Sprintf("job %q needs undeclared job %q", job.ID, need)}
			}
		}
		for i, step := range job.Steps {
			if step.Run != "" && step.Uses != "" {
				return &lineError{step.line, fmt.Sprintf("job %q step %d has both run and uses", job.ID, i+1)}
			}
			if step.Run == "" && step.Uses == "" {
				return &lineError{step.line, fmt.Sprintf("job %q step %d has neither run nor uses", job.ID, i+1)}
			}
		}
	}
	return nil
}

// Validate reports every structural issue it can find rather than stopping
// at the first. Used by the validate command; Load reports only the first.
func (w *Workflow) Validate() []string {
	var issues []string
	if len(w.On.Names()) == 0 {
		issues = append(issues, "workflow has no triggers (on: section is missing or empty)")
	}
	if w.Jobs.Len() == 0 {
		issues = append(issues, "workflow has no jobs")
		return issues
	}
	for _, job := range w.Jobs.All() {
		if len(job.Steps) > 0 && job.Uses != "" {
			issues = append(issues, fmt.Sprintf("job %q has both steps and uses", job.ID))
		}
		if len(job.Steps) == 0 && job.Uses == "" {
			issues = append(issues, fmt.Sprintf("job %q has neither steps nor uses", job.ID))
		}
		for _, need := range job.Needs {
			if w.Jobs.Get(need) == nil {
				issues = append(issues, fmt.Sprintf("job %q needs undeclared job %q", job.ID, need))
			}
		}
		for i, step := range job.Steps {
			if step.Run != "" && step.Uses != "" {
				issues = append(issues, fmt.Sprintf("job %q step %d has both run and uses", job.ID, i+1))
			}
			if step.Run == "" && step.Uses == "" {
				issues = append(issues, fmt.Sprintf("job %q step %d has neither run nor uses", job.ID, i+1))
			}
		}
	}
	if cycle := findCycle(w.Jobs); cycle != nil {
		issues = append(issues, (&errors.NeedsCycleError{Jobs: cycle}).Error())
	}
	return issues
}

// FindCycle returns a `needs` cycle in dependency order, or nil when the
// relation is a DAG.
func FindCycle(jobs Jobs) []string {
	return findCycle(jobs)
}

func findCycle(jobs Jobs) []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, jobs.Len())
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		switch state[id] {
		case visiting:
			// Close the loop at the first repeated id.
			for i, onPath := range stack {
				if onPath == id {
					return append(append([]string(nil), stack[i:]...), id)
				}
			}
			return []string{id, id}
		case done:
			return nil
		}
		state[id] = visiting
		stack = append(stack, id)
		job := jobs.Get(id)
		if job != nil {
			for _, need := range job.Needs {
				if jobs.Get(need) == nil {
					continue
				}
				if cycle := visit(need); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, id := range jobs.IDs() {
		if cycle := visit(id); cycle != nil {
			return cycle
		}
	}
	return nil
}

// parseError converts an internal error into the user-facing ParseError,
// recovering the source line when one is available.
func parseError(file string, err error) error {
	var le *lineError
	if errors.As(err, &le) {
		return &errors.ParseError{File: file, Line: le.line, Message: le.msg}
	}
	if m := yamlLinePattern.FindStringSubmatch(err.Error()); m != nil {
		line, _ := strconv.Atoi(m[1])
		return &errors.ParseError{File: file, Line: line, Message: m[2]}
	}
	return &errors.ParseError{File: file, Message: err.Error()}
}
