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

// Package action resolves `uses:` references into runnable actions: it
// classifies local paths and owner/repo@ref references into container,
// JavaScript, and composite actions, fetching remote actions into a
// content-addressed clone cache.
package action

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tombee/wrkflw/pkg/workflow"
)

// Kind is the action kind derived from runs.using.
type Kind int

const (
	// KindContainer runs a Docker image or Dockerfile build
	KindContainer Kind = iota
	// KindNode runs a JavaScript entry script under Node
	KindNode
	// KindComposite inlines the action's own steps
	KindComposite
	// KindCheckout is the natively-handled actions/checkout
	KindCheckout
)

// String names the kind for logs.
func (k Kind) String() string {
	switch k {
	case KindContainer:
		return "container"
	case KindNode:
		return "node"
	case KindComposite:
		return "composite"
	case KindCheckout:
		return "checkout"
	}
	return "unknown"
}

// Action is a resolved, runnable action.
type Action struct {
	// Ref is the original uses: value
	Ref string

	// Dir is the action directory on the host (empty for checkout)
	Dir string

	// Kind classifies how the action runs
	Kind Kind

	// NodeVersion is the node runtime major version for KindNode
	NodeVersion string

	// Meta is the parsed action.yml (nil for checkout)
	Meta *Metadata
}

// Metadata is the action.yml model.
type Metadata struct {
	// Name is the action's display name
	Name string `yaml:"name"`

	// Description documents the action
	Description string `yaml:"description"`

	// Inputs declares the action's inputs and their defaults
	Inputs map[string]Input `yaml:"inputs"`

	// Outputs declares the action's outputs; composite outputs carry a
	// value expression evaluated against the composite's own steps
	Outputs map[string]Output `yaml:"outputs"`

	// Runs declares how the action executes
	Runs Runs `yaml:"runs"`
}

// Output is one declared action output.
type Output struct {
	Description string             `yaml:"description"`
	Value       workflow.RawString `yaml:"value"`
}

// Input is one declared action input.
type Input struct {
	Description string             `yaml:"description"`
	Default     workflow.RawString `yaml:"default"`
	Required    bool               `yaml:"required"`
}

// Runs is the runs: section of action.yml.
type Runs struct {
	// Using selects the action kind: docker, node12/16/20/24, composite
	Using string `yaml:"using"`

	// Image is the container image for docker actions: a registry
	// reference (docker://...) or a Dockerfile path relative to the
	// action directory
	Image string `yaml:"image"`

	// Entrypoint overrides the image entrypoint for docker actions
	Entrypoint string `yaml:"entrypoint"`

	// Args are the container arguments for docker actions
	Args []string `yaml:"args"`

	// Env is extra environment for docker actions
	Env workflow.EnvMap `yaml:"env"`

	// Main is the entry script for node actions
	Main string `yaml:"main"`

	// Steps are the inlined steps of a composite action
	Steps []*workflow.Step `yaml:"steps"`
}

// RegistryImage returns the registry reference for a docker action, or
// "" when the image is Dockerfile-relative and must be built.
func (a *Action) RegistryImage() string {
	image := a.Meta.Runs.Image
	if strings.HasPrefix(image, "docker://") {
		return strings.TrimPrefix(image, "docker://")
	}
	return ""
}

// DockerfileDir returns the build context directory for a Dockerfile
// image, or "" for a registry reference.
func (a *Action) DockerfileDir() string {
	image := a.Meta.Runs.Image
	if image == "" || strings.HasPrefix(image, "docker://") {
		return ""
	}
	return filepath.Join(a.Dir, filepath.Dir(image))
}

// InputDefaults returns the declared input defaults.
func (a *Action) InputDefaults() map[string]string {
	if a.Meta == nil {
		return nil
	}
	out := make(map[string]string, len(a.Meta.Inputs))
	for name, input := range a.Meta.Inputs {
		if input.Default != "" {
			out[name] = string(input.Default)
		}
	}
	return out
}

// loadMetadata reads and classifies dir's action.yml (or action.yaml).
func loadMetadata(dir, ref string) (*Action, error) {
	var data []byte
	var err error
	for _, name := range []string{"action.yml", "action.yaml"} {
		data, err = os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("action %s: no action.yml in %s", ref, dir)
	}

	meta := &Metadata{}
	if err := yaml.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("action %s: invalid action.yml: %w", ref, err)
	}

	act := &Action{Ref: ref, Dir: dir, Meta: meta}
	using := meta.Runs.Using
	switch {
	case using == "docker":
		act.Kind = KindContainer
		if meta.Runs.Image == "" {
			return nil, fmt.Errorf("action %s: docker action without runs.image", ref)
		}
	case strings.HasPrefix(using, "node"):
		act.Kind = KindNode
		act.NodeVersion = strings.TrimPrefix(using, "node")
		if meta.Runs.Main == "" {
			return nil, fmt.Errorf("action %s: node action without runs.main", ref)
		}
	case using == "composite":
		act.Kind = KindComposite
		if len(meta.Runs.Steps) == 0 {
			return nil, fmt.Errorf("action %s: composite action without steps", ref)
		}
	default:
		return nil, fmt.Errorf("action %s: unsupported runs.using %q", ref, using)
	}
	return act, nil
}
