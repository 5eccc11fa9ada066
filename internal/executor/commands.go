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

package executor

import (
	"bytes"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/tombee/wrkflw/internal/secrets"
)

// commandPattern matches workflow command lines:
// ::name key=value,key2=value2::data
var commandPattern = regexp.MustCompile(`^::([a-zA-Z_][a-zA-Z0-9_-]*)(?: ([^:]+))?::(.*)$`)

// command is one parsed workflow command.
type command struct {
	Name   string
	Params map[string]string
	Value  string
}

// parseCommand parses a single stdout line as a workflow command.
func parseCommand(line string) (*command, bool) {
	m := commandPattern.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
	if m == nil {
		return nil, false
	}
	cmd := &command{Name: m[1], Params: map[string]string{}, Value: decodeData(m[3])}
	if m[2] != "" {
		for _, pair := range strings.Split(m[2], ",") {
			key, value, ok := strings.Cut(pair, "=")
			if !ok {
				continue
			}
			cmd.Params[strings.TrimSpace(key)] = decodeProperty(value)
		}
	}
	return cmd, true
}

// decodeData reverses the workflow-command data encoding.
func decodeData(s string) string {
	s = strings.ReplaceAll(s, "%0D", "\r")
	s = strings.ReplaceAll(s, "%0A", "\n")
	s = strings.ReplaceAll(s, "%25", "%")
	return s
}

// decodeProperty reverses the property encoding, which additionally
// escapes ':' and ','.
func decodeProperty(s string) string {
	s = strings.ReplaceAll(s, "%0D", "\r")
	s = strings.ReplaceAll(s, "%0A", "\n")
	s = strings.ReplaceAll(s, "%3A", ":")
	s = strings.ReplaceAll(s, "%2C", ",")
	s = strings.ReplaceAll(s, "%25", "%")
	return s
}

// commandSink consumes a step's stdout line by line: workflow commands
// mutate step state, everything else is masked and forwarded to the step
// log. Parsing is strictly line-ordered.
type commandSink struct {
	masker *secrets.Masker
	logger *slog.Logger
	out    io.Writer

	stopToken string
	echoDebug bool

	outputs  map[string]string
	state    map[string]string
	pathAdds []string
}

func newCommandSink(masker *secrets.Masker, logger *slog.Logger, out io.Writer) *commandSink {
	return &commandSink{
		masker:  masker,
		logger:  logger,
		out:     out,
		outputs: make(map[string]string),
		state:   make(map[string]string),
	}
}

// Line handles one complete stdout line (with its trailing newline
// stripped by the caller's splitter or not; both are tolerated).
func (s *commandSink) Line(line string) {
	trimmed := strings.TrimRight(line, "\r\n")

	// Inside a stop-commands region only the matching resume token is
	// interpreted; everything else is plain output.
	if s.stopToken != "" {
		if trimmed == "::"+s.stopToken+"::" {
			s.stopToken = ""
			return
		}
		s.print(trimmed)
		return
	}

	cmd, ok := parseCommand(trimmed)
	if !ok {
		s.print(trimmed)
		return
	}

	switch cmd.Name {
	case "set-output":
		// Deprecated path, still honored.
		if name := cmd.Params["name"]; name != "" {
			s.outputs[name] = cmd.Value
		}
	case "save-state":
		if name := cmd.Params["name"]; name != "" {
			s.state[name] = cmd.Value
		}
	case "add-mask":
		s.masker.Add(cmd.Value)
	case "add-path":
		if cmd.Value != "" {
			s.pathAdds = append(s.pathAdds, cmd.Value)
		}
	case "group":
		s.print("▶ " + cmd.Value)
	case "endgroup":
		// Group markers collapse in a richer UI; nothing to record.
	case "notice", "warning", "error":
		s.annotate(cmd)
	case "debug":
		if s.echoDebug {
			s.print("::debug:: " + cmd.Value)
		} else {
			s.logger.Debug(cmd.Value)
		}
	case "echo":
		s.echoDebug = cmd.Value == "on"
	case "stop-commands":
		s.stopToken = cmd.Value
	case "add-matcher":
		// Problem matchers drive editor annotations; there is nothing
		// to attach them to locally.
		s.logger.Debug("ignoring add-matcher", "file", cmd.Value)
	default:
		// Unknown commands pass through as plain output, like the real
		// runner does.
		s.print(trimmed)
	}
}

// annotate logs a notice/warning/error command with its location params.
func (s *commandSink) annotate(cmd *command) {
	attrs := make([]interface{}, 0, 8)
	for _, key := range []string{"file", "line", "col", "title"} {
		if v := cmd.Params[key]; v != "" {
			attrs = append(attrs, key, v)
		}
	}
	msg := s.masker.MaskString(cmd.Value)
	switch cmd.Name {
	case "error":
		s.logger.Error(msg, attrs...)
	case "warning":
		s.logger.Warn(msg, attrs...)
	default:
		s.logger.Info(msg, attrs...)
	}
}

// print masks and forwards a plain output line.
func (s *commandSink) print(line string) {
	io.WriteString(s.out, s.masker.MaskString(line)+"\n")
}

// lineWriter splits a stream into lines for a callback, buffering
// partial lines across writes.
type lineWriter struct {
	mu   sync.Mutex
	tail bytes.Buffer
	fn   func(line string)
}

func newLineWriter(fn func(line string)) *lineWriter {
	return &lineWriter{fn: fn}
}

// Write implements io.Writer.
func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.tail.Write(p)
	for {
		data := w.tail.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return len(p), nil
		}
		line := string(data[:idx])
		w.tail.Next(idx + 1)
		w.fn(line)
	}
}

// Flush delivers a trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tail.Len() > 0 {
		line := w.tail.String()
		w.tail.Reset()
		w.fn(line)
	}
}
