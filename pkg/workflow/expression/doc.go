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

// Package expression evaluates GitHub Actions `${{ }}` expressions.
//
// Expressions are evaluated against a per-call context snapshot (env,
// matrix, steps, needs, inputs, secrets, github, runner). Context paths
// such as `needs.build.outputs.version` are resolved from the snapshot
// before the remaining operators and functions are compiled and run by
// expr-lang; an unresolved path yields null rather than an error, which is
// the GitHub semantic. Only syntactically invalid expressions fail.
//
// Compiled programs are cached, so repeated evaluation of the same
// expression across steps and matrix combinations parses once.
package expression
