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

package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/tombee/wrkflw/internal/log"
)

// Select resolves the requested runtime name ("docker", "podman",
// "emulation", or "auto"). A requested container runtime that turns out
// to be unavailable logs a warning and falls back to emulation; the run
// proceeds.
func Select(ctx context.Context, requested string, logger *slog.Logger) (Runtime, error) {
	switch requested {
	case "", "auto":
		return autodetect(ctx, logger), nil
	case "emulation":
		return NewEmulation(), nil
	case "docker", "podman":
		rt := newContainerRuntime(requested, logger)
		if err := rt.available(ctx); err != nil {
			logger.Warn("requested runtime unavailable, falling back to emulation",
				slog.String(log.RuntimeKey, requested), "error", err)
			return NewEmulation(), nil
		}
		return rt, nil
	default:
		return nil, fmt.Errorf("unknown runtime %q (want docker, podman, or emulation)", requested)
	}
}

// autodetect prefers Docker, then Podman, then emulation.
func autodetect(ctx context.Context, logger *slog.Logger) Runtime {
	for _, cli := range []string{"docker", "podman"} {
		if _, err := exec.LookPath(cli); err != nil {
			continue
		}
		rt := newContainerRuntime(cli, logger)
		if err := rt.available(ctx); err == nil {
			logger.Debug("selected container runtime", slog.String(log.RuntimeKey, cli))
			return rt
		}
	}
	logger.Info("no container runtime available, using emulation")
	return NewEmulation()
}

func newContainerRuntime(cli string, logger *slog.Logger) *containerRuntime {
	return &containerRuntime{cli: cli, relabel: cli == "podman", run: execCLIRunner{}, logger: logger}
}
