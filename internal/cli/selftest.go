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
	"time"

	"github.com/spf13/cobra"

	"github.com/united-manufacturing-hub/streamcheck/internal/pipelinetest"
	"github.com/united-manufacturing-hub/streamcheck/pkg/admin"
	"github.com/united-manufacturing-hub/streamcheck/pkg/capture"
	"github.com/united-manufacturing-hub/streamcheck/pkg/driver"
	"github.com/united-manufacturing-hub/streamcheck/pkg/inject"
	"github.com/united-manufacturing-hub/streamcheck/pkg/scenario"
)

// SelfTestOptions holds flags for the selftest command.
type SelfTestOptions struct {
	*RootOptions
	RestartDelay  time.Duration
	SettleTimeout time.Duration
}

// NewSelfTestCommand creates the selftest command.
func NewSelfTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SelfTestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run the built-in scenarios against an in-process pipeline",
		Long: `Run the built-in scenarios against an in-process pipeline that speaks the
same admin API and wire format as a real target. A passing selftest shows that
the sink, injector, driver and runner work on this host.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelfTest(cmd, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.RestartDelay, "restart-delay", 200*time.Millisecond, "how long the in-process pipeline stays down on restart")
	cmd.Flags().DurationVar(&opts.SettleTimeout, "settle-timeout", 10*time.Second, "settle timeout per batch")

	return cmd
}

func runSelfTest(cmd *cobra.Command, opts *SelfTestOptions) error {
	ctx := cmd.Context()
	log := opts.log.Named("selftest")

	srv := pipelinetest.NewServer(pipelinetest.WithLogger(log.Named("pipeline")), pipelinetest.WithRestartDelay(opts.RestartDelay))
	defer srv.Close()

	client, err := admin.NewHTTPClient(srv.URL(), admin.WithLogger(log.Named("admin")))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create admin client", err)
	}
	drv := driver.New(client, pipelinetest.DefaultCredentials, driver.WithLogger(log.Named("driver")))
	inj := inject.New(drv,
		inject.WithPublisher(pipelinetest.TransportQueue, srv.QueuePublisher()),
		inject.WithLogger(log.Named("inject")),
	)
	defer func() {
		_ = inj.Close()
	}()

	cfg := scenario.DefaultConfig()
	cfg.SettleTimeout = opts.SettleTimeout
	cfg.Sink = capture.SinkConfig{BindAddress: "127.0.0.1", Port: 0, GracePeriod: time.Second}
	runner := scenario.NewRunner(drv, inj, cfg, scenario.WithLogger(log.Named("runner")))

	results := runAll(ctx, runner, pipelinetest.SelfTestScenarios())
	if err := writeReport(cmd.OutOrStdout(), opts.Format, results); err != nil {
		return err
	}
	if n := failedCount(results); n > 0 {
		return WrapExitError(ExitFailure, "selftest failed", fmt.Errorf("%d of %d scenarios", n, len(results)))
	}
	return nil
}
