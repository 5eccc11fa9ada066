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
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tombee/wrkflw/pkg/errors"
)

// gitRunner runs git commands. Swapped for a fake in tests.
type gitRunner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// execGit shells out to the git CLI.
type execGit struct{}

func (execGit) Run(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "git", args...).CombinedOutput()
	return string(out), err
}

// remoteRef is a parsed owner/repo[/path]@ref reference.
type remoteRef struct {
	Owner string
	Repo  string
	Path  string
	Ref   string
}

// Key is the clone cache key.
func (r remoteRef) Key() string {
	return r.Owner + "/" + r.Repo + "@" + r.Ref
}

// URL is the public clone URL. Private repositories are out of scope.
func (r remoteRef) URL() string {
	return "https://github.com/" + r.Owner + "/" + r.Repo + ".git"
}

// parseRemoteRef splits owner/repo[/path...]@ref.
func parseRemoteRef(ref string) (remoteRef, error) {
	spec, version, ok := strings.Cut(ref, "@")
	if !ok || version == "" {
		return remoteRef{}, fmt.Errorf("reference %q is missing @ref", ref)
	}
	parts := strings.SplitN(spec, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return remoteRef{}, fmt.Errorf("reference %q is not owner/repo[/path]@ref", ref)
	}
	out := remoteRef{Owner: parts[0], Repo: parts[1], Ref: version}
	if len(parts) == 3 {
		out.Path = parts[2]
	}
	return out, nil
}

// Resolver resolves uses: references, caching remote clones under
// cacheDir keyed by owner/repo@ref. Cache entries are immutable after
// write; concurrent fetches of the same key serialize on a per-key lock.
type Resolver struct {
	cacheDir string
	git      gitRunner
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewResolver creates a resolver using the git CLI and the given cache
// directory (typically <user-cache>/wrkflw).
func NewResolver(cacheDir string, logger *slog.Logger) *Resolver {
	return &Resolver{
		cacheDir: cacheDir,
		git:      execGit{},
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Resolve turns a step-level uses: reference into a runnable action.
// repoRoot anchors ./local references.
func (r *Resolver) Resolve(ctx context.Context, ref, repoRoot string) (*Action, error) {
	if ref == "actions/checkout" || strings.HasPrefix(ref, "actions/checkout@") {
		return &Action{Ref: ref, Kind: KindCheckout}, nil
	}

	if strings.HasPrefix(ref, "./") || strings.HasPrefix(ref, "../") {
		dir := filepath.Join(repoRoot, filepath.FromSlash(ref))
		if _, err := os.Stat(dir); err != nil {
			return nil, &errors.NotFoundError{Resource: "local action", ID: ref}
		}
		return loadMetadata(dir, ref)
	}

	remote, err := parseRemoteRef(ref)
	if err != nil {
		return nil, err
	}
	root, err := r.fetch(ctx, remote)
	if err != nil {
		return nil, err
	}
	dir := root
	if remote.Path != "" {
		dir = filepath.Join(root, filepath.FromSlash(remote.Path))
	}
	return loadMetadata(dir, ref)
}

// ResolveWorkflow turns a job-level uses: reference into the path of a
// workflow file: ./relative/workflow.yml against repoRoot, or
// owner/repo/path/workflow.yml@ref through the clone cache.
func (r *Resolver) ResolveWorkflow(ctx context.Context, ref, repoRoot string) (string, error) {
	if strings.HasPrefix(ref, "./") || strings.HasPrefix(ref, "../") {
		path := filepath.Join(repoRoot, filepath.FromSlash(ref))
		if _, err := os.Stat(path); err != nil {
			return "", &errors.NotFoundError{Resource: "workflow", ID: ref}
		}
		return path, nil
	}

	remote, err := parseRemoteRef(ref)
	if err != nil {
		return "", err
	}
	if remote.Path == "" {
		return "", fmt.Errorf("workflow reference %q is missing the workflow file path", ref)
	}
	root, err := r.fetch(ctx, remote)
	if err != nil {
		return "", err
	}
	path := filepath.Join(root, filepath.FromSlash(remote.Path))
	if _, err := os.Stat(path); err != nil {
		return "", &errors.NotFoundError{Resource: "workflow", ID: ref}
	}
	return path, nil
}

// fetch returns the clone directory for the reference, cloning on first
// use. Entries are written atomically (clone to a temp dir, then rename)
// so readers never observe a partial clone.
func (r *Resolver) fetch(ctx context.Context, remote remoteRef) (string, error) {
	key := remote.Key()
	lock := r.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Join(r.cacheDir, "actions", remote.Owner, remote.Repo+"@"+remote.Ref)
	if _, err := os.Stat(dir); err == nil {
		r.logger.Debug("action cache hit", "ref", key)
		return dir, nil
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", errors.Wrap(err, "creating action cache")
	}
	tmp := dir + ".tmp-" + uuid.NewString()[:8]
	defer os.RemoveAll(tmp)

	r.logger.Info("fetching action", "ref", key)
	if err := r.clone(ctx, remote, tmp); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, dir); err != nil {
		return "", errors.Wrapf(err, "publishing clone of %s", key)
	}
	return dir, nil
}

// clone shallow-clones at the ref. Branches and tags clone directly; a
// commit SHA needs the full clone before checkout.
func (r *Resolver) clone(ctx context.Context, remote remoteRef, dir string) error {
	out, err := r.git.Run(ctx, "clone", "--quiet", "--depth", "1", "--branch", remote.Ref, remote.URL(), dir)
	if err == nil {
		return nil
	}
	shallowOut := out

	os.RemoveAll(dir)
	if out, err = r.git.Run(ctx, "clone", "--quiet", remote.URL(), dir); err != nil {
		return &errors.CloneError{Ref: remote.Key(), Output: strings.TrimSpace(shallowOut + out), Cause: err}
	}
	if out, err = r.git.Run(ctx, "-C", dir, "checkout", "--quiet", remote.Ref); err != nil {
		return &errors.CloneError{Ref: remote.Key(), Output: strings.TrimSpace(out), Cause: err}
	}
	return nil
}

func (r *Resolver) keyLock(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locks[key] == nil {
		r.locks[key] = &sync.Mutex{}
	}
	return r.locks[key]
}
