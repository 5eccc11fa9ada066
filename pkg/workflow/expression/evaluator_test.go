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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/wrkflw/pkg/errors"
)

func testContext() map[string]interface{} {
	return map[string]interface{}{
		"env": map[string]string{
			"CI":   "true",
			"NAME": "wrkflw",
		},
		"matrix": map[string]interface{}{
			"os":   "linux",
			"node": 20,
		},
		"steps": map[string]interface{}{
			"build": map[string]interface{}{
				"outputs":    map[string]string{"version": "1.2.3"},
				"outcome":    "success",
				"conclusion": "success",
			},
		},
		"needs": map[string]interface{}{
			"a": map[string]interface{}{
				"result":  "success",
				"outputs": map[string]string{},
			},
		},
		"github": map[string]interface{}{
			"ref":        "refs/heads/main",
			"repository": "tombee/wrkflw",
		},
		"inputs":  map[string]interface{}{"environment": "staging"},
		"secrets": map[string]string{"TOKEN": "hunter2"},
	}
}

func TestRender_PathSubstitution(t *testing.T) {
	e := New()
	ctx := testContext()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain string untouched", "echo hello", "echo hello"},
		{"env path", "image-${{ env.NAME }}", "image-wrkflw"},
		{"matrix number", "exit ${{ matrix.node }}", "exit 20"},
		{"step output", "v=${{ steps.build.outputs.version }}", "v=1.2.3"},
		{"unresolved identifier is empty", "echo ${{ needs.a.outputs.missing }}", "echo "},
		{"unknown root is empty", "echo ${{ nothing.here }}", "echo "},
		{"two regions", "${{ matrix.os }}-${{ matrix.node }}", "linux-20"},
		{"boolean render", "${{ matrix.os == 'linux' }}", "true"},
		{"null literal renders empty", "x${{ null }}y", "xy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Render(tt.in, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_Operators(t *testing.T) {
	e := New()
	ctx := testContext()

	tests := []struct {
		expr string
		want interface{}
	}{
		{`matrix.os == 'linux'`, true},
		{`matrix.os != 'linux'`, false},
		{`matrix.node >= 18`, true},
		{`matrix.node < 18`, false},
		{`matrix.os == 'linux' && matrix.node == 20`, true},
		{`matrix.os == 'mac' || matrix.node == 20`, true},
		{`!(matrix.os == 'mac')`, true},
		{`(matrix.node > 10) == true`, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := e.Evaluate(tt.expr, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_ShortCircuit(t *testing.T) {
	e := New()
	ctx := testContext()

	// The right side would fail at runtime if reached (fromJSON of invalid
	// JSON), so a false result without an error proves && short-circuited.
	got, err := e.Evaluate(`matrix.os == 'mac' && startsWith(fromJSON('x'), 'y')`, ctx)
	require.NoError(t, err)
	assert.Equal(t, false, got)
}

func TestEvaluate_Functions(t *testing.T) {
	e := New()
	ctx := testContext()

	tests := []struct {
		expr string
		want interface{}
	}{
		{`contains(github.ref, 'main')`, true},
		{`contains('hello', 'ell')`, true},
		{`contains(fromJSON('[1, 2]'), 2)`, true},
		{`startsWith(github.ref, 'refs/heads/')`, true},
		{`endsWith(github.repository, 'wrkflw')`, true},
		{`format('{0}-{1}', matrix.os, matrix.node)`, "linux-20"},
		{`format('{{literal}}')`, "{literal}"},
		{`join(fromJSON('["a","b"]'), '/')`, "a/b"},
		{`fromJSON('{"k": true}').k`, true},
		{`toJSON(fromJSON('[1]'))`, "[\n  1\n]"},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := e.Evaluate(tt.expr, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_StatusFunctions(t *testing.T) {
	e := New()

	ctx := testContext()
	success, err := e.Evaluate(`success()`, ctx)
	require.NoError(t, err)
	assert.Equal(t, true, success)

	ctx[StatusKey] = "failure"
	tests := map[string]bool{
		`success()`:   false,
		`failure()`:   true,
		`cancelled()`: false,
		`always()`:    true,
	}
	for expr, want := range tests {
		got, err := e.Evaluate(expr, ctx)
		require.NoError(t, err, expr)
		assert.Equal(t, want, got, expr)
	}
}

func TestEvaluate_SyntaxError(t *testing.T) {
	e := New()
	_, err := e.Evaluate(`matrix.os ==`, testContext())

	var exprErr *errors.ExpressionError
	require.ErrorAs(t, err, &exprErr)
	assert.Equal(t, "matrix.os ==", exprErr.Expression)
}

func TestEvaluate_SingleQuoteEscapes(t *testing.T) {
	e := New()
	got, err := e.Evaluate(`format('it''s {0}', 'fine')`, testContext())
	require.NoError(t, err)
	assert.Equal(t, "it's fine", got)
}

func TestCondition(t *testing.T) {
	e := New()
	ctx := testContext()

	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"empty is true", "", true},
		{"bare expression", "matrix.os == 'linux'", true},
		{"wrapped expression", "${{ matrix.os == 'mac' }}", false},
		{"bare function", "always()", true},
		{"unresolved path is falsy", "env.MISSING", false},
		{"non-empty string is truthy", "github.ref", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Condition(tt.raw, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCondition_FailureStatus(t *testing.T) {
	e := New()
	ctx := testContext()
	ctx[StatusKey] = "failure"

	got, err := e.Condition("failure()", ctx)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = e.Condition("success()", ctx)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestHashFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.sum"), []byte("abc"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "go.sum"), []byte("def"), 0o644))

	e := New(WithWorkspace(dir))
	ctx := testContext()

	all, err := e.Evaluate(`hashFiles('**/go.sum')`, ctx)
	require.NoError(t, err)
	assert.Len(t, all, 64)

	again, err := e.Evaluate(`hashFiles('**/go.sum')`, ctx)
	require.NoError(t, err)
	assert.Equal(t, all, again, "hashFiles is deterministic")

	one, err := e.Evaluate(`hashFiles('go.sum')`, ctx)
	require.NoError(t, err)
	assert.NotEqual(t, all, one)

	none, err := e.Evaluate(`hashFiles('**/*.lock')`, ctx)
	require.NoError(t, err)
	assert.Equal(t, "", none)
}

func TestEvaluate_CacheReuse(t *testing.T) {
	e := New()
	ctx := testContext()

	_, err := e.Evaluate(`matrix.os == 'linux'`, ctx)
	require.NoError(t, err)
	size := e.CacheSize()

	// Same source with a different context value hits the cache.
	ctx["matrix"].(map[string]interface{})["os"] = "mac"
	got, err := e.Evaluate(`matrix.os == 'linux'`, ctx)
	require.NoError(t, err)
	assert.Equal(t, false, got)
	assert.Equal(t, size, e.CacheSize())
}

func TestToString(t *testing.T) {
	tests := []struct {
		in   interface{}
		want string
	}{
		{nil, ""},
		{true, "true"},
		{float64(3), "3"},
		{3.5, "3.5"},
		{"x", "x"},
		{map[string]interface{}{}, "Object"},
		{[]interface{}{1}, "Array"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ToString(tt.in))
	}
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy(0))
	assert.False(t, Truthy(float64(0)))
	assert.False(t, Truthy(false))
	assert.True(t, Truthy("false")) // non-empty strings are truthy... except GitHub's literal false handling happens in Condition
	assert.True(t, Truthy(1))
	assert.True(t, Truthy([]interface{}{}))
}
