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

package secrets

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMasker_MaskString(t *testing.T) {
	m := NewMasker("hunter2")
	assert.Equal(t, "token=***!", m.MaskString("token=hunter2!"))
	assert.Equal(t, "*** and ***", m.MaskString("hunter2 and hunter2"))
	assert.Equal(t, "clean", m.MaskString("clean"))
}

func TestMasker_ShortValuesIgnored(t *testing.T) {
	m := NewMasker("ab")
	assert.Equal(t, "ab", m.MaskString("ab"))
}

func TestMasker_LongestFirst(t *testing.T) {
	m := NewMasker("secret", "secret-extended")
	assert.Equal(t, "***", m.MaskString("secret-extended"))
}

func TestMasker_AddDuringRun(t *testing.T) {
	m := NewMasker()
	assert.Equal(t, "hello world", m.MaskString("hello world"))
	m.Add("hello")
	assert.Equal(t, "*** world", m.MaskString("hello world"))
}

func TestWriter_MasksPerLine(t *testing.T) {
	var buf bytes.Buffer
	m := NewMasker("hunter2")
	w := NewWriter(&buf, m)

	_, err := w.Write([]byte("password is hunter2\nall good\n"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	assert.Equal(t, "password is ***\nall good\n", buf.String())
}

func TestWriter_SplitAcrossWrites(t *testing.T) {
	var buf bytes.Buffer
	m := NewMasker("hunter2")
	w := NewWriter(&buf, m)

	// The secret is split across chunk boundaries; only the assembled
	// line may be emitted.
	for _, chunk := range []string{"pass hun", "ter", "2 end", "\n"} {
		_, err := w.Write([]byte(chunk))
		require.NoError(t, err)
	}
	require.NoError(t, w.Flush())

	assert.Equal(t, "pass *** end\n", buf.String())
	assert.NotContains(t, buf.String(), "hunter2")
}

func TestWriter_FlushPartialLine(t *testing.T) {
	var buf bytes.Buffer
	m := NewMasker("hunter2")
	w := NewWriter(&buf, m)

	_, err := w.Write([]byte("no newline hunter2"))
	require.NoError(t, err)
	assert.Empty(t, buf.String(), "partial line held back")

	require.NoError(t, w.Flush())
	assert.Equal(t, "no newline ***", buf.String())
}

func TestLoad_Precedence(t *testing.T) {
	t.Setenv(EnvPrefix+"TOKEN", "from-env")
	t.Setenv(EnvPrefix+"ONLY_ENV", "env-value")

	file := filepath.Join(t.TempDir(), "secrets.env")
	require.NoError(t, os.WriteFile(file, []byte("TOKEN=from-file\nONLY_FILE=file-value\n"), 0o600))

	got, err := Load(Sources{
		File:  file,
		Pairs: []string{"TOKEN=from-flag"},
	})
	require.NoError(t, err)

	assert.Equal(t, "from-flag", got["TOKEN"])
	assert.Equal(t, "env-value", got["ONLY_ENV"])
	assert.Equal(t, "file-value", got["ONLY_FILE"])
}

func TestLoad_InvalidPair(t *testing.T) {
	_, err := Load(Sources{Pairs: []string{"missing-equals"}})
	require.Error(t, err)
}
