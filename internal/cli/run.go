// Copyright 2025 UMH Systems GmbH
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

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/united-manufacturing-hub/streamcheck/pkg/config"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Scenarios []string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scenarios of a harness file",
		Long: `Run the scenarios of a harness file against the pipeline-under-test.

Each scenario deploys its artifacts, injects its batches, waits for the
capture sink to settle, compares the captured records with the expected ones
and removes everything it deployed again.

Example:
  streamcheck run -c streamcheck.yaml
  streamcheck run -c streamcheck.yaml --scenario mapping --scenario persistent-queue`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd, opts)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.Scenarios, "scenario", "s", nil, "run only these scenarios, in the given order")

	return cmd
}

func runScenarios(cmd *cobra.Command, opts *RunOptions) error {
	ctx := cmd.Context()

	cfg, err := config.NewFileConfigManager(opts.ConfigPath).GetConfig(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load harness file", err)
	}
	scenarios, err := cfg.Build(opts.Scenarios...)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid scenarios", err)
	}
	if len(scenarios) == 0 {
		return WrapExitError(ExitCommandError, "nothing to run", fmt.Errorf("%s defines no scenarios", opts.ConfigPath))
	}

	h, err := newHarness(cfg, opts.log)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up harness", err)
	}
	defer func() {
		if cerr := h.Close(); cerr != nil {
			opts.log.Warnf("closing injector: %v", cerr)
		}
	}()
	if err := h.prepare(ctx, cfg); err != nil {
		return WrapExitError(ExitCommandError, "failed to prepare target", err)
	}

	opts.log.Infof("running %d scenarios against %s", len(scenarios), cfg.Admin.URL)
	results := runAll(ctx, h.runner, scenarios)
	if err := writeReport(cmd.OutOrStdout(), opts.Format, results); err != nil {
		return err
	}
	if n := failedCount(results); n > 0 {
		return WrapExitError(ExitFailure, "scenarios failed", fmt.Errorf("%d of %d", n, len(results)))
	}
	if err := ctx.Err(); err != nil {
		return WrapExitError(ExitFailure, "interrupted", err)
	}
	return nil
}
