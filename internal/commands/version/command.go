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

// Package version implements `wrkflw version`.
package version

import (
	"fmt"
	goruntime "runtime"

	"github.com/spf13/cobra"
)

// NewCommand creates the version command. Version information is
// injected at build time via ldflags.
func NewCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "wrkflw %s (commit %s, built %s, %s/%s)\n",
				version, commit, buildDate, goruntime.GOOS, goruntime.GOARCH)
		},
	}
}
