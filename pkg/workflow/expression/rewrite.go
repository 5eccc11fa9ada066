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
	"strconv"
	"strings"
)

// rewrite resolves context paths out of a GitHub expression before it is
// handed to expr-lang. Each dotted path (`needs.build.outputs.version`) is
// replaced by a synthetic variable bound to the value resolved from the
// context snapshot — nil when the path does not resolve, which is how an
// unresolved identifier becomes the empty string instead of an error.
// Single-quoted GitHub string literals (with '' escapes) are translated to
// double-quoted form, and `null` becomes `nil`.
//
// Function calls, bracket indexing, and property access on call results
// are left for expr-lang: `fromJSON(x).y` rewrites to `fromJSON(__c0).y`.
func rewrite(src string, ctx map[string]interface{}) (string, map[string]interface{}, error) {
	var out strings.Builder
	bindings := make(map[string]interface{})

	var lastSig byte
	writeString := func(s string) {
		out.WriteString(s)
		for i := len(s) - 1; i >= 0; i-- {
			if s[i] != ' ' && s[i] != '\t' && s[i] != '\n' && s[i] != '\r' {
				lastSig = s[i]
				return
			}
		}
	}

	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == '\'':
			lit, next, err := scanSingleQuoted(src, i)
			if err != nil {
				return "", nil, err
			}
			writeString(strconv.Quote(lit))
			i = next

		case c == '"':
			end, err := scanDoubleQuoted(src, i)
			if err != nil {
				return "", nil, err
			}
			writeString(src[i:end])
			i = end

		case isIdentStart(c):
			// After a '.' this is a property of a computed value
			// (e.g. fromJSON(x).y); leave it for expr-lang.
			if lastSig == '.' {
				end := scanIdent(src, i)
				writeString(src[i:end])
				i = end
				continue
			}

			segments, end := scanPath(src, i)
			next := skipSpace(src, end)

			switch {
			case len(segments) == 1 && next < len(src) && src[next] == '(':
				// Function call: keep the name.
				writeString(src[i:end])
			case len(segments) == 1 && isLiteralWord(segments[0]):
				if segments[0] == "null" {
					writeString("nil")
				} else {
					writeString(segments[0])
				}
			default:
				name := fmt.Sprintf("__c%d", len(bindings))
				bindings[name] = resolvePath(ctx, segments)
				writeString(name)
			}
			i = end

		default:
			out.WriteByte(c)
			if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
				lastSig = c
			}
			i++
		}
	}

	return out.String(), bindings, nil
}

// scanSingleQuoted reads a GitHub single-quoted literal starting at i,
// where '' inside the literal is an escaped quote.
func scanSingleQuoted(src string, i int) (string, int, error) {
	var b strings.Builder
	j := i + 1
	for j < len(src) {
		if src[j] == '\'' {
			if j+1 < len(src) && src[j+1] == '\'' {
				b.WriteByte('\'')
				j += 2
				continue
			}
			return b.String(), j + 1, nil
		}
		b.WriteByte(src[j])
		j++
	}
	return "", 0, fmt.Errorf("unterminated string literal")
}

// scanDoubleQuoted returns the index just past the closing quote.
func scanDoubleQuoted(src string, i int) (int, error) {
	j := i + 1
	for j < len(src) {
		switch src[j] {
		case '\\':
			j += 2
		case '"':
			return j + 1, nil
		default:
			j++
		}
	}
	return 0, fmt.Errorf("unterminated string literal")
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || c == '-' || (c >= '0' && c <= '9')
}

// scanIdent returns the index just past an identifier starting at i.
func scanIdent(src string, i int) int {
	j := i
	for j < len(src) && isIdentChar(src[j]) {
		j++
	}
	return j
}

// scanPath reads a dotted context path starting at i and returns its
// segments. Bracket indexing is not part of the path; it composes through
// expr-lang indexing of the resolved value.
func scanPath(src string, i int) ([]string, int) {
	end := scanIdent(src, i)
	segments := []string{src[i:end]}
	for end+1 < len(src) && src[end] == '.' && isIdentChar(src[end+1]) {
		start := end + 1
		end = scanIdent(src, start)
		segments = append(segments, src[start:end])
	}
	return segments, end
}

func skipSpace(src string, i int) int {
	for i < len(src) && (src[i] == ' ' || src[i] == '\t') {
		i++
	}
	return i
}

// isLiteralWord reports whether the word is an expression literal rather
// than a context path.
func isLiteralWord(s string) bool {
	switch s {
	case "true", "false", "null", "nil":
		return true
	}
	return false
}

// resolvePath walks the context snapshot. Any miss resolves to nil.
func resolvePath(ctx map[string]interface{}, segments []string) interface{} {
	var current interface{} = ctx
	for _, segment := range segments {
		switch v := current.(type) {
		case map[string]interface{}:
			current = v[segment]
		case map[string]string:
			if s, ok := v[segment]; ok {
				current = s
			} else {
				current = nil
			}
		case []interface{}:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil
			}
			current = v[idx]
		default:
			return nil
		}
		if current == nil {
			return nil
		}
	}
	return current
}
