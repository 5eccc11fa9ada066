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
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/wrkflw/internal/secrets"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		want   *command
		isCmd  bool
	}{
		{
			name:  "bare command",
			line:  "::endgroup::",
			want:  &command{Name: "endgroup", Params: map[string]string{}, Value: ""},
			isCmd: true,
		},
		{
			name:  "command with value",
			line:  "::add-mask::hunter2",
			want:  &command{Name: "add-mask", Params: map[string]string{}, Value: "hunter2"},
			isCmd: true,
		},
		{
			name: "command with params",
			line: "::error file=app.js,line=10,col=2::Oops",
			want: &command{
				Name:   "error",
				Params: map[string]string{"file": "app.js", "line": "10", "col": "2"},
				Value:  "Oops",
			},
			isCmd: true,
		},
		{
			name:  "encoded value",
			line:  "::set-output name=msg::a%0Ab%25c",
			want:  &command{Name: "set-output", Params: map[string]string{"name": "msg"}, Value: "a\nb%c"},
			isCmd: true,
		},
		{
			name:  "encoded property",
			line:  "::notice title=a%3Ab%2Cc::hi",
			want:  &command{Name: "notice", Params: map[string]string{"title": "a:b,c"}, Value: "hi"},
			isCmd: true,
		},
		{name: "plain line", line: "hello world", isCmd: false},
		{name: "not at line start", line: " ::debug::x", isCmd: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseCommand(tt.line)
			require.Equal(t, tt.isCmd, ok)
			if tt.isCmd {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func newTestSink() (*commandSink, *strings.Builder) {
	var out strings.Builder
	sink := newCommandSink(secrets.NewMasker(), slog.New(slog.DiscardHandler), &out)
	return sink, &out
}

func TestCommandSink_SetOutputAndState(t *testing.T) {
	sink, out := newTestSink()

	sink.Line("::set-output name=version::1.2.3")
	sink.Line("::save-state name=dir::/tmp/x")
	sink.Line("done")

	assert.Equal(t, map[string]string{"version": "1.2.3"}, sink.outputs)
	assert.Equal(t, map[string]string{"dir": "/tmp/x"}, sink.state)
	assert.Equal(t, "done\n", out.String())
}

func TestCommandSink_AddMaskAppliesToLaterLines(t *testing.T) {
	sink, out := newTestSink()

	sink.Line("::add-mask::hello")
	sink.Line("hello world")

	assert.Equal(t, "*** world\n", out.String())
	assert.NotContains(t, out.String(), "hello world")
}

func TestCommandSink_StopCommands(t *testing.T) {
	sink, out := newTestSink()

	sink.Line("::stop-commands::tok3n")
	sink.Line("::add-mask::hello")
	sink.Line("::tok3n::")
	sink.Line("hello")

	// Inside the stopped region the add-mask line is plain output, so
	// "hello" was never registered as a mask.
	assert.Equal(t, "::add-mask::hello\nhello\n", out.String())
}

func TestCommandSink_AddPath(t *testing.T) {
	sink, _ := newTestSink()
	sink.Line("::add-path::/opt/tool/bin")
	assert.Equal(t, []string{"/opt/tool/bin"}, sink.pathAdds)
}

func TestCommandSink_UnknownCommandPassesThrough(t *testing.T) {
	sink, out := newTestSink()
	sink.Line("::made-up::stuff")
	assert.Equal(t, "::made-up::stuff\n", out.String())
}

func TestLineWriter_SplitsAcrossWrites(t *testing.T) {
	var lines []string
	w := newLineWriter(func(line string) { lines = append(lines, line) })

	w.Write([]byte("first li"))
	w.Write([]byte("ne\nsecond line\npart"))
	assert.Equal(t, []string{"first line", "second line"}, lines)

	w.Flush()
	assert.Equal(t, []string{"first line", "second line", "part"}, lines)
}
