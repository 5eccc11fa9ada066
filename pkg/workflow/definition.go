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

// Package workflow provides the GitHub Actions workflow model and parser.
//
// Workflows are loaded from the GitHub Actions YAML dialect and normalized:
// the `on:` section always becomes a mapping, job containers always take the
// object form, and env values are stringified at every level. Unknown keys
// are preserved so that marshalling a normalized workflow and parsing it
// again is a fixed point.
package workflow

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Workflow is a parsed workflow file. It is immutable after Load.
type Workflow struct {
	// Name is the workflow display name (optional; defaults to the file path)
	Name string `yaml:"name,omitempty"`

	// On holds the normalized trigger mapping. Only workflow_dispatch is
	// honored by the executor; other triggers parse but never fire.
	On Triggers `yaml:"on"`

	// Env is the workflow-level environment, lowest in the override order
	Env EnvMap `yaml:"env,omitempty"`

	// Jobs are the workflow's jobs in file order
	Jobs Jobs `yaml:"jobs"`

	// Extra preserves unknown top-level keys
	Extra map[string]interface{} `yaml:",inline"`

	// Path is the file the workflow was loaded from (unset for Parse)
	Path string `yaml:"-"`
}

// Job is a single workflow job.
type Job struct {
	// ID is the job's stable identifier (the mapping key in YAML)
	ID string `yaml:"-"`

	// Name is the optional display name
	Name string `yaml:"name,omitempty"`

	// RunsOn is the runner label list; only ubuntu-* and self-hosted are
	// effective, everything else runs on the default Linux image
	RunsOn StringList `yaml:"runs-on,omitempty"`

	// If gates the whole job
	If RawString `yaml:"if,omitempty"`

	// Needs lists prerequisite job IDs
	Needs StringList `yaml:"needs,omitempty"`

	// Env is the job-level environment
	Env EnvMap `yaml:"env,omitempty"`

	// Container is the job-level container spec, normalized to object form
	Container *ContainerSpec `yaml:"container,omitempty"`

	// Services maps service names to container specs
	Services map[string]*ContainerSpec `yaml:"services,omitempty"`

	// Strategy holds the matrix configuration and failure policy
	Strategy *Strategy `yaml:"strategy,omitempty"`

	// Steps is the ordered step list; mutually exclusive with Uses
	Steps []*Step `yaml:"steps,omitempty"`

	// Uses references a reusable workflow; mutually exclusive with Steps
	Uses string `yaml:"uses,omitempty"`

	// With carries caller inputs for a reusable workflow
	With EnvMap `yaml:"with,omitempty"`

	// Secrets carries caller secrets for a reusable workflow
	Secrets *SecretsSpec `yaml:"secrets,omitempty"`

	// Extra preserves unknown job keys
	Extra map[string]interface{} `yaml:",inline"`

	line int
}

// Line returns the 1-based line the job was declared on, or 0 if the job
// was built programmatically.
func (j *Job) Line() int { return j.line }

// DisplayName returns the job name, falling back to the ID.
func (j *Job) DisplayName() string {
	if j.Name != "" {
		return j.Name
	}
	return j.ID
}

// UnmarshalYAML decodes a job and records its source line.
func (j *Job) UnmarshalYAML(node *yaml.Node) error {
	type rawJob Job
	var r rawJob
	if err := node.Decode(&r); err != nil {
		return err
	}
	*j = Job(r)
	j.line = node.Line
	return nil
}

// Step is a single job step: either a shell script (`run`) or an action
// reference (`uses`).
type Step struct {
	// ID makes the step's outputs addressable as steps.<id>.outputs
	ID string `yaml:"id,omitempty"`

	// Name is the optional display name
	Name string `yaml:"name,omitempty"`

	// If gates the step; defaults to success()
	If RawString `yaml:"if,omitempty"`

	// Run is the shell script for run steps
	Run RawString `yaml:"run,omitempty"`

	// Shell overrides the default shell for run steps
	Shell string `yaml:"shell,omitempty"`

	// WorkingDirectory overrides the workspace as the script's cwd
	WorkingDirectory string `yaml:"working-directory,omitempty"`

	// Uses is the action reference for uses steps
	Uses string `yaml:"uses,omitempty"`

	// With carries the action's inputs
	With EnvMap `yaml:"with,omitempty"`

	// Env is the step-level environment, highest user-controlled layer
	Env EnvMap `yaml:"env,omitempty"`

	// ContinueOnError forces the step conclusion to Success on failure
	ContinueOnError bool `yaml:"continue-on-error,omitempty"`

	// Extra preserves unknown step keys
	Extra map[string]interface{} `yaml:",inline"`

	line int
}

// Line returns the 1-based line the step was declared on, or 0 if unknown.
func (s *Step) Line() int { return s.line }

// DisplayName returns the step name, falling back to the script or ref.
func (s *Step) DisplayName() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.Uses != "":
		return s.Uses
	default:
		line := strings.SplitN(strings.TrimSpace(string(s.Run)), "\n", 2)[0]
		return line
	}
}

// UnmarshalYAML decodes a step and records its source line.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	type rawStep Step
	var r rawStep
	if err := node.Decode(&r); err != nil {
		return err
	}
	*s = Step(r)
	s.line = node.Line
	return nil
}

// ContainerSpec is a job or service container. In YAML it may be a bare
// image string or an object; it always normalizes to the object form.
type ContainerSpec struct {
	// Image is the container image reference
	Image string `yaml:"image"`

	// Env is injected into the container at creation
	Env EnvMap `yaml:"env,omitempty"`

	// Volumes are extra bind mounts in source:target form
	Volumes []string `yaml:"volumes,omitempty"`

	// Ports are port mappings in host:container form
	Ports []string `yaml:"ports,omitempty"`

	// Options are extra raw CLI options
	Options string `yaml:"options,omitempty"`
}

// UnmarshalYAML accepts either a bare image string or the object form.
func (c *ContainerSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		c.Image = node.Value
		return nil
	}
	type rawContainer ContainerSpec
	var r rawContainer
	if err := node.Decode(&r); err != nil {
		return err
	}
	*c = ContainerSpec(r)
	return nil
}

// Strategy holds a job's matrix configuration and its failure policy.
type Strategy struct {
	// Matrix is the parameter matrix, nil when the job has none
	Matrix *Matrix `yaml:"matrix,omitempty"`

	// FailFast cancels not-yet-started combinations after a failure.
	// Defaults to true.
	FailFast *bool `yaml:"fail-fast,omitempty"`

	// MaxParallel bounds concurrent combinations. 0 means unbounded.
	MaxParallel int `yaml:"max-parallel,omitempty"`
}

// FailFastEnabled reports the effective fail-fast policy.
func (s *Strategy) FailFastEnabled() bool {
	if s == nil || s.FailFast == nil {
		return true
	}
	return *s.FailFast
}

// MatrixAxis is one matrix parameter and its declared values, in file order.
type MatrixAxis struct {
	Name   string
	Values []interface{}
}

// Matrix is a job's parameter matrix. Axis declaration order is preserved
// because expansion is row-major over that order.
type Matrix struct {
	Axes    []MatrixAxis
	Include []map[string]interface{}
	Exclude []map[string]interface{}
}

// UnmarshalYAML decodes the matrix mapping, keeping axis order and pulling
// include/exclude out of the parameter set.
func (m *Matrix) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: matrix must be a mapping", node.Line)
	}
	for i := 0; i < len(node.Content); i += 2 {
		keyNode, valNode := node.Content[i], node.Content[i+1]
		switch keyNode.Value {
		case "include":
			if err := valNode.Decode(&m.Include); err != nil {
				return fmt.Errorf("line %d: matrix include must be a list of mappings: %w", valNode.Line, err)
			}
		case "exclude":
			if err := valNode.Decode(&m.Exclude); err != nil {
				return fmt.Errorf("line %d: matrix exclude must be a list of mappings: %w", valNode.Line, err)
			}
		default:
			var values []interface{}
			if err := valNode.Decode(&values); err != nil {
				return fmt.Errorf("line %d: matrix parameter %q must be a list: %w", valNode.Line, keyNode.Value, err)
			}
			m.Axes = append(m.Axes, MatrixAxis{Name: keyNode.Value, Values: values})
		}
	}
	return nil
}

// MarshalYAML renders the matrix back in axis order.
func (m *Matrix) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	appendPair := func(key string, value interface{}) error {
		keyNode := &yaml.Node{}
		if err := keyNode.Encode(key); err != nil {
			return err
		}
		valNode := &yaml.Node{}
		if err := valNode.Encode(value); err != nil {
			return err
		}
		node.Content = append(node.Content, keyNode, valNode)
		return nil
	}
	for _, axis := range m.Axes {
		if err := appendPair(axis.Name, axis.Values); err != nil {
			return nil, err
		}
	}
	if len(m.Include) > 0 {
		if err := appendPair("include", m.Include); err != nil {
			return nil, err
		}
	}
	if len(m.Exclude) > 0 {
		if err := appendPair("exclude", m.Exclude); err != nil {
			return nil, err
		}
	}
	return node, nil
}

// SecretsSpec is a caller job's `secrets:` entry: either the literal
// `inherit` or a mapping of names to plain values.
type SecretsSpec struct {
	// Inherit is set for `secrets: inherit`. Inheritance is not supported
	// by the executor; it warns and passes an empty mapping.
	Inherit bool

	// Values holds the explicit name-to-value entries
	Values EnvMap
}

// UnmarshalYAML accepts `inherit` or a mapping.
func (s *SecretsSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		if node.Value != "inherit" {
			return fmt.Errorf("line %d: secrets must be a mapping or the literal inherit", node.Line)
		}
		s.Inherit = true
		return nil
	}
	return node.Decode(&s.Values)
}

// MarshalYAML renders the normalized secrets form.
func (s *SecretsSpec) MarshalYAML() (interface{}, error) {
	if s.Inherit {
		return "inherit", nil
	}
	return s.Values, nil
}

// EnvMap is a string-to-string mapping whose YAML values may be any scalar;
// numbers and booleans are stringified on load, matching the way Actions
// treats env, with, and secret values.
type EnvMap map[string]string

// UnmarshalYAML stringifies every scalar value.
func (e *EnvMap) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping of scalar values", node.Line)
	}
	out := make(EnvMap, len(node.Content)/2)
	for i := 0; i < len(node.Content); i += 2 {
		keyNode, valNode := node.Content[i], node.Content[i+1]
		if valNode.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: value for %q must be a scalar", valNode.Line, keyNode.Value)
		}
		out[keyNode.Value] = valNode.Value
	}
	*e = out
	return nil
}

// Clone returns a copy of the map. A nil receiver yields an empty map.
func (e EnvMap) Clone() EnvMap {
	out := make(EnvMap, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// RawString is a scalar that keeps its literal text whatever the YAML tag
// resolved to, so `if: true` and `run: 42` stay usable as strings.
type RawString string

// UnmarshalYAML records the scalar's literal value.
func (r *RawString) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar", node.Line)
	}
	*r = RawString(node.Value)
	return nil
}

// StringList is a scalar-or-sequence of strings (`needs`, `runs-on`).
type StringList []string

// UnmarshalYAML accepts a single scalar or a sequence of scalars.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = StringList{node.Value}
		return nil
	case yaml.SequenceNode:
		out := make(StringList, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: expected a scalar list entry", item.Line)
			}
			out = append(out, item.Value)
		}
		*l = out
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or list of strings", node.Line)
	}
}

// Triggers is the normalized `on:` mapping. The YAML form may be a single
// event name, a list of names, or a mapping of event name to configuration.
type Triggers struct {
	order  []string
	events map[string]map[string]interface{}
}

// UnmarshalYAML normalizes the three accepted `on:` forms and rejects
// anything else.
func (t *Triggers) UnmarshalYAML(node *yaml.Node) error {
	t.events = make(map[string]map[string]interface{})
	add := func(name string, config map[string]interface{}) {
		if _, ok := t.events[name]; !ok {
			t.order = append(t.order, name)
		}
		t.events[name] = config
	}

	switch node.Kind {
	case yaml.ScalarNode:
		add(node.Value, nil)
		return nil
	case yaml.SequenceNode:
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: trigger list entries must be event names", item.Line)
			}
			add(item.Value, nil)
		}
		return nil
	case yaml.MappingNode:
		for i := 0; i < len(node.Content); i += 2 {
			keyNode, valNode := node.Content[i], node.Content[i+1]
			var config map[string]interface{}
			if valNode.Tag != "!!null" {
				if err := valNode.Decode(&config); err != nil {
					return fmt.Errorf("line %d: trigger %q configuration must be a mapping: %w", valNode.Line, keyNode.Value, err)
				}
			}
			add(keyNode.Value, config)
		}
		return nil
	default:
		return fmt.Errorf("line %d: on: must be a string, a list, or a mapping", node.Line)
	}
}

// MarshalYAML always renders the mapping form.
func (t Triggers) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, name := range t.order {
		keyNode := &yaml.Node{}
		if err := keyNode.Encode(name); err != nil {
			return nil, err
		}
		valNode := &yaml.Node{}
		config := t.events[name]
		if config == nil {
			valNode.Kind = yaml.ScalarNode
			valNode.Tag = "!!null"
			valNode.Value = "null"
		} else if err := valNode.Encode(config); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, keyNode, valNode)
	}
	return node, nil
}

// Has reports whether the named event is configured.
func (t Triggers) Has(name string) bool {
	_, ok := t.events[name]
	return ok
}

// Names returns the configured event names in file order.
func (t Triggers) Names() []string {
	return append([]string(nil), t.order...)
}

// DispatchInput is one declared workflow_dispatch input.
type DispatchInput struct {
	Description string
	Default     string
	Required    bool
}

// DispatchInputs returns the workflow_dispatch input declarations, or an
// empty map when the trigger is absent or carries none.
func (t Triggers) DispatchInputs() map[string]DispatchInput {
	out := make(map[string]DispatchInput)
	config := t.events["workflow_dispatch"]
	if config == nil {
		return out
	}
	raw, ok := config["inputs"].(map[string]interface{})
	if !ok {
		return out
	}
	for name, v := range raw {
		input := DispatchInput{}
		if fields, ok := v.(map[string]interface{}); ok {
			if d, ok := fields["description"].(string); ok {
				input.Description = d
			}
			if d, ok := fields["default"]; ok && d != nil {
				input.Default = fmt.Sprintf("%v", d)
			}
			if r, ok := fields["required"].(bool); ok {
				input.Required = r
			}
		}
		out[name] = input
	}
	return out
}

// Jobs is the ordered job set, keyed by stable identifier.
type Jobs struct {
	order []string
	byID  map[string]*Job
}

// UnmarshalYAML decodes the jobs mapping, preserving order and rejecting
// duplicate identifiers.
func (j *Jobs) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: jobs must be a mapping", node.Line)
	}
	j.byID = make(map[string]*Job, len(node.Content)/2)
	for i := 0; i < len(node.Content); i += 2 {
		keyNode, valNode := node.Content[i], node.Content[i+1]
		id := keyNode.Value
		if _, exists := j.byID[id]; exists {
			return fmt.Errorf("line %d: duplicate job id %q", keyNode.Line, id)
		}
		job := &Job{}
		if err := valNode.Decode(job); err != nil {
			return fmt.Errorf("job %q: %w", id, err)
		}
		job.ID = id
		j.order = append(j.order, id)
		j.byID[id] = job
	}
	return nil
}

// MarshalYAML renders jobs in file order.
func (j Jobs) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, id := range j.order {
		keyNode := &yaml.Node{}
		if err := keyNode.Encode(id); err != nil {
			return nil, err
		}
		valNode := &yaml.Node{}
		if err := valNode.Encode(j.byID[id]); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, keyNode, valNode)
	}
	return node, nil
}

// Get returns the job with the given ID, or nil.
func (j Jobs) Get(id string) *Job {
	return j.byID[id]
}

// IDs returns the job identifiers in file order.
func (j Jobs) IDs() []string {
	return append([]string(nil), j.order...)
}

// All returns the jobs in file order.
func (j Jobs) All() []*Job {
	out := make([]*Job, 0, len(j.order))
	for _, id := range j.order {
		out = append(out, j.byID[id])
	}
	return out
}

// Len returns the number of jobs.
func (j Jobs) Len() int {
	return len(j.order)
}

// sortedKeys is a small helper for deterministic iteration in tests and
// rendered output.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
