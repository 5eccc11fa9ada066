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

// Package run implements `wrkflw run`.
package run

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/wrkflw/internal/executor"
	"github.com/tombee/wrkflw/internal/log"
	"github.com/tombee/wrkflw/internal/secrets"
)

// NewCommand creates the run command.
func NewCommand() *cobra.Command {
	var (
		runtimeName string
		preserve    bool
		workers     int
		inputs      []string
		secretPairs []string
		secretFile  string
		verbose     bool
		quiet       bool
	)

	cmd := &cobra.Command{
		Use:   "run <workflow.yml>",
		Short: "Execute a workflow locally",
		Long: `Run executes a GitHub Actions workflow file on this machine.

Jobs run in dependency (needs:) order, in parallel where the graph
allows. Each job-combination gets its own container when Docker or
Podman is available; with --runtime emulation steps run directly on the
host.

Runtime selection:
  --runtime auto       Docker, then Podman, then emulation (default)
  --runtime docker     Docker, falling back to emulation with a warning
  --runtime podman     Podman, falling back to emulation with a warning
  --runtime emulation  Host execution, no containers

Secrets are assembled from WRKFLW_SECRET_* environment variables, then
--secret-file (dotenv format), then --secret KEY=value flags; later
sources win. Every secret value is masked in step output.

The exit code is 0 only when every job succeeds.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logCfg := log.FromEnv()
			if verbose {
				logCfg.Level = "debug"
			}
			if quiet {
				logCfg.Level = "error"
			}
			logger := log.New(logCfg)

			inputValues, err := parsePairs(inputs)
			if err != nil {
				return fmt.Errorf("--input: %w", err)
			}
			secretValues, err := secrets.Load(secrets.Sources{File: secretFile, Pairs: secretPairs})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			exec, err := executor.New(ctx, executor.Options{
				Runtime:           runtimeName,
				PreserveOnFailure: preserve,
				Workers:           workers,
				Inputs:            inputValues,
				Secrets:           secretValues,
				Logger:            logger,
				Output:            cmd.OutOrStdout(),
			})
			if err != nil {
				return err
			}
			// Cleanup must run even when the signal context is already
			// cancelled, so it gets the parent context.
			defer exec.Shutdown(cmd.Context())

			result, err := exec.Run(ctx, args[0])
			if err != nil {
				return err
			}

			if !quiet {
				fmt.Fprintln(cmd.OutOrStdout(), executor.Summary(result))
			}
			if result.Status != executor.StatusSuccess {
				cmd.SilenceUsage = true
				cmd.SilenceErrors = true
				return fmt.Errorf("workflow %s", result.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&runtimeName, "runtime", "r", envDefault("WRKFLW_RUNTIME", "auto"), "container runtime: docker, podman, emulation, or auto")
	cmd.Flags().BoolVar(&preserve, "preserve-containers-on-failure", false, "keep containers of failed combinations for inspection")
	cmd.Flags().IntVar(&workers, "max-workers", 0, "maximum concurrent jobs (default: host parallelism)")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "workflow_dispatch input as KEY=value (repeatable)")
	cmd.Flags().StringArrayVar(&secretPairs, "secret", nil, "secret as KEY=value (repeatable)")
	cmd.Flags().StringVar(&secretFile, "secret-file", "", "dotenv-style file of secrets")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "errors only")

	return cmd
}

// parsePairs splits repeated KEY=value flags.
func parsePairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid entry %q: expected KEY=value", pair)
		}
		out[key] = value
	}
	return out, nil
}

func envDefault(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
