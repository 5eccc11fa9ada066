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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// exprFunc is the variadic function shape registered with expr-lang.
type exprFunc func(args ...interface{}) (interface{}, error)

// compileEnv declares the function names to the compiler; the live
// closures are supplied per evaluation.
var compileEnv = map[string]interface{}{
	"contains":   exprFunc(nil),
	"startsWith": exprFunc(nil),
	"endsWith":   exprFunc(nil),
	"format":     exprFunc(nil),
	"join":       exprFunc(nil),
	"fromJSON":   exprFunc(nil),
	"toJSON":     exprFunc(nil),
	"hashFiles":  exprFunc(nil),
	"success":    exprFunc(nil),
	"failure":    exprFunc(nil),
	"cancelled":  exprFunc(nil),
	"always":     exprFunc(nil),
}

// functions builds the per-call function set. The status functions close
// over the context snapshot's job status.
func (e *Evaluator) functions(ctx map[string]interface{}) map[string]interface{} {
	status, _ := ctx[StatusKey].(string)
	if status == "" {
		status = "success"
	}

	return map[string]interface{}{
		"contains":   exprFunc(containsFunc),
		"startsWith": stringPairFunc("startsWith", strings.HasPrefix),
		"endsWith":   stringPairFunc("endsWith", strings.HasSuffix),
		"format":     exprFunc(formatFunc),
		"join":       exprFunc(joinFunc),
		"fromJSON":   exprFunc(fromJSONFunc),
		"toJSON":     exprFunc(toJSONFunc),
		"hashFiles":  exprFunc(e.hashFilesFunc),
		"success":    statusFunc(status == "success"),
		"failure":    statusFunc(status == "failure"),
		"cancelled":  statusFunc(status == "cancelled"),
		"always":     statusFunc(true),
	}
}

// statusFunc returns a zero-argument status predicate.
func statusFunc(result bool) exprFunc {
	return func(args ...interface{}) (interface{}, error) {
		if len(args) != 0 {
			return nil, fmt.Errorf("status functions take no arguments")
		}
		return result, nil
	}
}

// containsFunc is string containment for strings and loose membership for
// arrays.
func containsFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("contains requires exactly 2 arguments, got %d", len(args))
	}
	haystack, needle := args[0], args[1]
	if haystack == nil {
		return false, nil
	}

	v := reflect.ValueOf(haystack)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if looseEqual(v.Index(i).Interface(), needle) {
				return true, nil
			}
		}
		return false, nil
	default:
		return strings.Contains(ToString(haystack), ToString(needle)), nil
	}
}

// stringPairFunc adapts a two-string predicate.
func stringPairFunc(name string, fn func(s, prefix string) bool) exprFunc {
	return func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("%s requires exactly 2 arguments, got %d", name, len(args))
		}
		return fn(ToString(args[0]), ToString(args[1])), nil
	}
}

// formatFunc implements format('{0} {1}', a, b) with {{ and }} escapes.
func formatFunc(args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("format requires a format string")
	}
	pattern := ToString(args[0])
	values := args[1:]

	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		switch {
		case pattern[i] == '{' && i+1 < len(pattern) && pattern[i+1] == '{':
			b.WriteByte('{')
			i++
		case pattern[i] == '}' && i+1 < len(pattern) && pattern[i+1] == '}':
			b.WriteByte('}')
			i++
		case pattern[i] == '{':
			end := strings.IndexByte(pattern[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("format: unclosed placeholder")
			}
			idx, err := strconv.Atoi(pattern[i+1 : i+end])
			if err != nil || idx < 0 || idx >= len(values) {
				return nil, fmt.Errorf("format: placeholder {%s} out of range", pattern[i+1:i+end])
			}
			b.WriteString(ToString(values[idx]))
			i += end
		default:
			b.WriteByte(pattern[i])
		}
	}
	return b.String(), nil
}

// joinFunc joins array elements (or passes a string through) with an
// optional separator, default ",".
func joinFunc(args ...interface{}) (interface{}, error) {
	if len(args) == 0 || len(args) > 2 {
		return nil, fmt.Errorf("join requires 1 or 2 arguments, got %d", len(args))
	}
	separator := ","
	if len(args) == 2 {
		separator = ToString(args[1])
	}

	switch v := args[0].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	}
	rv := reflect.ValueOf(args[0])
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return ToString(args[0]), nil
	}
	parts := make([]string, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		parts[i] = ToString(rv.Index(i).Interface())
	}
	return strings.Join(parts, separator), nil
}

func fromJSONFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("fromJSON requires exactly 1 argument, got %d", len(args))
	}
	var out interface{}
	if err := json.Unmarshal([]byte(ToString(args[0])), &out); err != nil {
		return nil, fmt.Errorf("fromJSON: %v", err)
	}
	return out, nil
}

func toJSONFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("toJSON requires exactly 1 argument, got %d", len(args))
	}
	data, err := json.MarshalIndent(args[0], "", "  ")
	if err != nil {
		return nil, fmt.Errorf("toJSON: %v", err)
	}
	return string(data), nil
}

// hashFilesFunc hashes the files matching the given glob patterns under
// the workspace: a SHA-256 over the per-file SHA-256s in sorted path
// order. No matches yield the empty string, matching GitHub.
func (e *Evaluator) hashFilesFunc(args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("hashFiles requires at least 1 pattern")
	}
	root := e.workspace
	if root == "" {
		root = "."
	}

	seen := make(map[string]bool)
	var matches []string
	for _, arg := range args {
		pattern := ToString(arg)
		found, err := doublestar.Glob(os.DirFS(root), pattern)
		if err != nil {
			return nil, fmt.Errorf("hashFiles: bad pattern %q: %v", pattern, err)
		}
		for _, m := range found {
			if !seen[m] {
				seen[m] = true
				matches = append(matches, m)
			}
		}
	}
	if len(matches) == 0 {
		return "", nil
	}
	sort.Strings(matches)

	total := sha256.New()
	for _, rel := range matches {
		path := filepath.Join(root, rel)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("hashFiles: %v", err)
		}
		fileHash := sha256.New()
		_, err = io.Copy(fileHash, f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("hashFiles: %v", err)
		}
		total.Write(fileHash.Sum(nil))
	}
	return hex.EncodeToString(total.Sum(nil)), nil
}

// looseEqual compares two values the way contains() does: deep equality,
// falling back to string-form equality so 18 matches "18".
func looseEqual(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	return ToString(a) == ToString(b)
}
