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

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	runcmd "github.com/tombee/wrkflw/internal/commands/run"
	validatecmd "github.com/tombee/wrkflw/internal/commands/validate"
	versioncmd "github.com/tombee/wrkflw/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:   "wrkflw",
		Short: "Run GitHub Actions workflows locally",
		Long: `wrkflw executes GitHub Actions workflow files on your machine,
inside Docker or Podman containers or directly on the host, without a
CI runner.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		runcmd.NewCommand(),
		validatecmd.NewCommand(),
		versioncmd.NewCommand(version, commit, buildDate),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
