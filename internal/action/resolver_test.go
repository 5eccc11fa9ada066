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

package action

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAction(t *testing.T, dir, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "action.yml"), []byte(contents), 0o644))
}

func testResolver(cacheDir string, git gitRunner) *Resolver {
	r := NewResolver(cacheDir, slog.New(slog.DiscardHandler))
	if git != nil {
		r.git = git
	}
	return r
}

func TestResolve_Checkout(t *testing.T) {
	r := testResolver(t.TempDir(), nil)

	for _, ref := range []string{"actions/checkout", "actions/checkout@v4"} {
		act, err := r.Resolve(context.Background(), ref, t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, KindCheckout, act.Kind)
		assert.Nil(t, act.Meta)
	}
}

func TestResolve_LocalComposite(t *testing.T) {
	repo := t.TempDir()
	writeAction(t, filepath.Join(repo, ".github", "actions", "setup"), `
name: setup
runs:
  using: composite
  steps:
    - run: echo one
      shell: bash
    - run: echo two
      shell: bash
`)

	r := testResolver(t.TempDir(), nil)
	act, err := r.Resolve(context.Background(), "./.github/actions/setup", repo)
	require.NoError(t, err)

	assert.Equal(t, KindComposite, act.Kind)
	require.Len(t, act.Meta.Runs.Steps, 2)
	assert.Equal(t, "echo one", string(act.Meta.Runs.Steps[0].Run))
}

func TestResolve_LocalNode(t *testing.T) {
	repo := t.TempDir()
	writeAction(t, filepath.Join(repo, "act"), `
name: greet
inputs:
  who:
    default: world
runs:
  using: node20
  main: index.js
`)

	r := testResolver(t.TempDir(), nil)
	act, err := r.Resolve(context.Background(), "./act", repo)
	require.NoError(t, err)

	assert.Equal(t, KindNode, act.Kind)
	assert.Equal(t, "20", act.NodeVersion)
	assert.Equal(t, "index.js", act.Meta.Runs.Main)
	assert.Equal(t, map[string]string{"who": "world"}, act.InputDefaults())
}

func TestResolve_LocalDockerKinds(t *testing.T) {
	repo := t.TempDir()
	writeAction(t, filepath.Join(repo, "registry"), `
runs:
  using: docker
  image: docker://alpine:3.20
`)
	writeAction(t, filepath.Join(repo, "built"), `
runs:
  using: docker
  image: Dockerfile
`)

	r := testResolver(t.TempDir(), nil)

	registry, err := r.Resolve(context.Background(), "./registry", repo)
	require.NoError(t, err)
	assert.Equal(t, KindContainer, registry.Kind)
	assert.Equal(t, "alpine:3.20", registry.RegistryImage())
	assert.Equal(t, "", registry.DockerfileDir())

	built, err := r.Resolve(context.Background(), "./built", repo)
	require.NoError(t, err)
	assert.Equal(t, "", built.RegistryImage())
	assert.Equal(t, filepath.Join(repo, "built"), built.DockerfileDir())
}

func TestResolve_LocalMissing(t *testing.T) {
	r := testResolver(t.TempDir(), nil)
	_, err := r.Resolve(context.Background(), "./missing", t.TempDir())
	require.Error(t, err)
}

func TestResolve_UnsupportedUsing(t *testing.T) {
	repo := t.TempDir()
	writeAction(t, filepath.Join(repo, "act"), "runs:\n  using: ruby\n")

	r := testResolver(t.TempDir(), nil)
	_, err := r.Resolve(context.Background(), "./act", repo)
	require.ErrorContains(t, err, "unsupported runs.using")
}

func TestParseRemoteRef(t *testing.T) {
	ref, err := parseRemoteRef("actions/setup-go@v5")
	require.NoError(t, err)
	assert.Equal(t, remoteRef{Owner: "actions", Repo: "setup-go", Ref: "v5"}, ref)
	assert.Equal(t, "actions/setup-go@v5", ref.Key())
	assert.Equal(t, "https://github.com/actions/setup-go.git", ref.URL())

	sub, err := parseRemoteRef("owner/repo/path/to/action@main")
	require.NoError(t, err)
	assert.Equal(t, "path/to/action", sub.Path)

	_, err = parseRemoteRef("not-a-ref")
	require.Error(t, err)
}

// fakeGit materializes a clone by writing a canned action.yml tree.
type fakeGit struct {
	mu     sync.Mutex
	clones int
}

func (f *fakeGit) Run(ctx context.Context, args ...string) (string, error) {
	if args[0] != "clone" {
		return "", nil
	}
	f.mu.Lock()
	f.clones++
	f.mu.Unlock()

	dir := args[len(args)-1]
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	contents := "runs:\n  using: node20\n  main: index.js\n"
	return "", os.WriteFile(filepath.Join(dir, "action.yml"), []byte(contents), 0o644)
}

func TestResolve_RemoteUsesCache(t *testing.T) {
	cache := t.TempDir()
	git := &fakeGit{}
	r := testResolver(cache, git)

	first, err := r.Resolve(context.Background(), "actions/setup-node@v4", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, KindNode, first.Kind)
	assert.Equal(t, 1, git.clones)

	// Second resolution of the same key is served from the cache.
	second, err := r.Resolve(context.Background(), "actions/setup-node@v4", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, first.Dir, second.Dir)
	assert.Equal(t, 1, git.clones)

	// A different ref is a different cache entry.
	_, err = r.Resolve(context.Background(), "actions/setup-node@v3", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 2, git.clones)
}

func TestResolve_RemoteConcurrentSingleClone(t *testing.T) {
	git := &fakeGit{}
	r := testResolver(t.TempDir(), git)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(context.Background(), "actions/cache@v4", t.TempDir())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, git.clones)
}

func TestResolveWorkflow_Local(t *testing.T) {
	repo := t.TempDir()
	path := filepath.Join(repo, "w.yml")
	require.NoError(t, os.WriteFile(path, []byte("on: push\n"), 0o644))

	r := testResolver(t.TempDir(), nil)
	got, err := r.ResolveWorkflow(context.Background(), "./w.yml", repo)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = r.ResolveWorkflow(context.Background(), "./missing.yml", repo)
	require.Error(t, err)
}
