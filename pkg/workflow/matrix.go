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
	"reflect"
	"strings"

	"github.com/tombee/wrkflw/pkg/errors"
)

// DefaultMaxCombinations caps matrix expansion.
const DefaultMaxCombinations = 256

// Combination is one concrete matrix binding: parameter name to value,
// with a stable key order for display.
type Combination struct {
	keys   []string
	values map[string]interface{}
}

// NewCombination returns an empty combination; Set adds its parameters.
func NewCombination() *Combination {
	return &Combination{values: make(map[string]interface{})}
}

// Set assigns a parameter, appending the key on first assignment.
func (c *Combination) Set(key string, value interface{}) {
	if _, ok := c.values[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.values[key] = value
}

// Get returns a parameter value.
func (c *Combination) Get(key string) (interface{}, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Values returns the binding as a plain map.
func (c *Combination) Values() map[string]interface{} {
	out := make(map[string]interface{}, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Empty reports whether the combination binds no parameters (the anonymous
// combination of a job without a matrix).
func (c *Combination) Empty() bool {
	return c == nil || len(c.keys) == 0
}

// Label renders the binding for logs and step lines: "os=linux, node=20".
func (c *Combination) Label() string {
	if c.Empty() {
		return ""
	}
	parts := make([]string, 0, len(c.keys))
	for _, k := range c.keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, c.values[k]))
	}
	return strings.Join(parts, ", ")
}

// clone copies the combination.
func (c *Combination) clone() *Combination {
	out := &Combination{
		keys:   append([]string(nil), c.keys...),
		values: make(map[string]interface{}, len(c.values)),
	}
	for k, v := range c.values {
		out.values[k] = v
	}
	return out
}

// identity is the dedup key: sorted parameter names with their values.
func (c *Combination) identity() string {
	var b strings.Builder
	for _, k := range sortedKeys(c.values) {
		fmt.Fprintf(&b, "%s=%#v;", k, c.values[k])
	}
	return b.String()
}

// matches reports whether every key the entry specifies that is also bound
// by the combination has an equal value, and whether any key overlapped.
func (c *Combination) matches(entry map[string]interface{}) (shared bool, matched bool) {
	matched = true
	for k, want := range entry {
		have, ok := c.values[k]
		if !ok {
			continue
		}
		shared = true
		if !reflect.DeepEqual(have, want) {
			matched = false
		}
	}
	return shared, matched
}

// Expand produces the ordered combination list for a job:
//
//  1. Row-major cartesian product of the axes in declaration order.
//  2. Each exclude entry removes every combination it matches on all of
//     the keys it specifies.
//  3. Each include entry merges into every combination it matches on the
//     shared keys (an entry with no shared keys merges into all), or is
//     appended as a standalone combination when it matches none.
//  4. Exact-value duplicates collapse to the first occurrence.
//
// A nil matrix expands to a single anonymous combination. The expansion is
// rejected with MatrixTooLargeError when it exceeds limit (jobID is used
// only for that error).
func (m *Matrix) Expand(jobID string, limit int) ([]*Combination, error) {
	if limit <= 0 {
		limit = DefaultMaxCombinations
	}
	if m == nil {
		return []*Combination{NewCombination()}, nil
	}

	count := 1
	for _, axis := range m.Axes {
		if len(axis.Values) == 0 {
			count = 0
			break
		}
		count *= len(axis.Values)
		if count > limit {
			return nil, &errors.MatrixTooLargeError{Job: jobID, Count: count, Limit: limit}
		}
	}

	// Row-major product: the last axis varies fastest.
	combos := []*Combination{NewCombination()}
	if count == 0 {
		combos = nil
	}
	for _, axis := range m.Axes {
		next := make([]*Combination, 0, len(combos)*len(axis.Values))
		for _, base := range combos {
			for _, value := range axis.Values {
				c := base.clone()
				c.Set(axis.Name, value)
				next = append(next, c)
			}
		}
		combos = next
	}

	for _, exclude := range m.Exclude {
		kept := combos[:0]
		for _, c := range combos {
			if excludeMatches(c, exclude) {
				continue
			}
			kept = append(kept, c)
		}
		combos = kept
	}

	for _, include := range m.Include {
		merged := false
		for _, c := range combos {
			_, matched := c.matches(include)
			if matched {
				for k, v := range include {
					if _, ok := c.values[k]; !ok {
						c.Set(k, v)
					}
				}
				merged = true
			}
		}
		if !merged {
			c := NewCombination()
			for _, k := range sortedKeys(include) {
				c.Set(k, include[k])
			}
			combos = append(combos, c)
		}
	}

	seen := make(map[string]bool, len(combos))
	deduped := combos[:0]
	for _, c := range combos {
		id := c.identity()
		if seen[id] {
			continue
		}
		seen[id] = true
		deduped = append(deduped, c)
	}
	combos = deduped

	if len(combos) > limit {
		return nil, &errors.MatrixTooLargeError{Job: jobID, Count: len(combos), Limit: limit}
	}
	if len(combos) == 0 {
		combos = []*Combination{NewCombination()}
	}
	return combos, nil
}

// excludeMatches reports whether the combination matches the exclude entry
// on every key the entry specifies.
func excludeMatches(c *Combination, entry map[string]interface{}) bool {
	if len(entry) == 0 {
		return false
	}
	for k, want := range entry {
		have, ok := c.values[k]
		if !ok || !reflect.DeepEqual(have, want) {
			return false
		}
	}
	return true
}
