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

package expression

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/wrkflw/pkg/errors"
)

// StatusKey is the context key the executor sets to the current job status
// ("success", "failure", "cancelled"); the status functions read it.
const StatusKey = "__status"

// exprPattern matches ${{ ... }} regions, including across newlines inside
// run scripts.
var exprPattern = regexp.MustCompile(`(?s)\$\{\{(.*?)\}\}`)

// Evaluator evaluates expressions against a context snapshot.
// It caches compiled programs for repeated evaluations across steps and
// matrix combinations.
type Evaluator struct {
	workspace string
	cache     map[string]*vm.Program
	mu        sync.RWMutex
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithWorkspace sets the directory hashFiles globs are resolved against.
func WithWorkspace(dir string) Option {
	return func(e *Evaluator) { e.workspace = dir }
}

// New creates a new expression evaluator.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{cache: make(map[string]*vm.Program)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Render substitutes every `${{ }}` region in s with the stringified
// result of its expression. Strings without a region pass through
// untouched.
func (e *Evaluator) Render(s string, ctx map[string]interface{}) (string, error) {
	if !strings.Contains(s, "${{") {
		return s, nil
	}
	var firstErr error
	out := exprPattern.ReplaceAllStringFunc(s, func(match string) string {
		inner := match[3 : len(match)-2]
		value, err := e.Evaluate(inner, ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return ToString(value)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// RenderMap renders every value of the map, returning a new map.
func (e *Evaluator) RenderMap(in map[string]string, ctx map[string]interface{}) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for k, v := range in {
		rendered, err := e.Render(v, ctx)
		if err != nil {
			return nil, err
		}
		out[k] = rendered
	}
	return out, nil
}

// Condition evaluates an `if:` value. GitHub treats the whole value as an
// expression whether or not it is wrapped in `${{ }}`. An empty value is
// true (the executor supplies the success() default separately).
func (e *Evaluator) Condition(raw string, ctx map[string]interface{}) (bool, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return true, nil
	}
	if strings.HasPrefix(s, "${{") && strings.HasSuffix(s, "}}") && strings.Count(s, "${{") == 1 {
		value, err := e.Evaluate(s[3:len(s)-2], ctx)
		if err != nil {
			return false, err
		}
		return Truthy(value), nil
	}
	if strings.Contains(s, "${{") {
		rendered, err := e.Render(s, ctx)
		if err != nil {
			return false, err
		}
		return rendered != "" && rendered != "false", nil
	}
	value, err := e.Evaluate(s, ctx)
	if err != nil {
		return false, err
	}
	return Truthy(value), nil
}

// Evaluate evaluates a single bare expression (no `${{ }}` wrapper).
func (e *Evaluator) Evaluate(src string, ctx map[string]interface{}) (interface{}, error) {
	if strings.TrimSpace(src) == "" {
		return nil, nil
	}

	rewritten, bindings, err := rewrite(src, ctx)
	if err != nil {
		return nil, &errors.ExpressionError{Expression: strings.TrimSpace(src), Message: err.Error()}
	}

	program, err := e.compile(rewritten)
	if err != nil {
		return nil, &errors.ExpressionError{Expression: strings.TrimSpace(src), Message: fmt.Sprintf("syntax error: %v", err)}
	}

	evalCtx := make(map[string]interface{}, len(bindings)+len(compileEnv))
	for k, v := range bindings {
		evalCtx[k] = v
	}
	for name, fn := range e.functions(ctx) {
		evalCtx[name] = fn
	}

	result, err := expr.Run(program, evalCtx)
	if err != nil {
		return nil, &errors.ExpressionError{Expression: strings.TrimSpace(src), Message: err.Error()}
	}
	return result, nil
}

// compile compiles a rewritten expression and caches the program.
// Rewriting is deterministic, so the rewritten text is a stable cache key;
// the binding values are supplied per run.
func (e *Evaluator) compile(rewritten string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[rewritten]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	prog, err := expr.Compile(rewritten,
		expr.Env(compileEnv),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[rewritten] = prog
	e.mu.Unlock()
	return prog, nil
}

// CacheSize returns the number of cached programs. Mainly for tests.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
