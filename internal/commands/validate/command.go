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

// Package validate implements `wrkflw validate`.
package validate

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/wrkflw/pkg/workflow"
)

// NewCommand creates the validate command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <workflow.yml>...",
		Short: "Check workflow files without running them",
		Long: `Validate parses each workflow file, normalizes it, and reports the
structural issues it finds: YAML errors, duplicate job ids, steps with
both run and uses, undeclared needs references, missing triggers, and
dependency cycles. A file that fails to load reports only the first such
failure; a file that loads is then checked for missing triggers and
cycles, and each issue found there is listed.

The exit code is 0 only when every file is valid.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				issues := validateFile(path)
				if len(issues) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "✓ %s\n", path)
					continue
				}
				failed++
				fmt.Fprintf(cmd.OutOrStdout(), "✗ %s\n", path)
				for _, issue := range issues {
					fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", issue)
				}
			}
			if failed > 0 {
				cmd.SilenceUsage = true
				cmd.SilenceErrors = true
				return fmt.Errorf("%d of %d workflow(s) invalid", failed, len(args))
			}
			return nil
		},
	}
	return cmd
}

// validateFile collects a file's issues; a parse failure is the single
// issue since nothing else can be checked.
func validateFile(path string) []string {
	w, err := workflow.Load(path)
	if err != nil {
		return []string{err.Error()}
	}
	return w.Validate()
}
