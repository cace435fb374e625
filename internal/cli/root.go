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

// Package cli implements the streamcheck command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/streamcheck/pkg/config"
	"github.com/united-manufacturing-hub/streamcheck/pkg/logger"
)

// ValidFormats are the accepted --format values.
var ValidFormats = []string{"text", "json"}

// RootOptions holds the global flags.
type RootOptions struct {
	ConfigPath  string
	MetricsAddr string
	LogLevel    string
	Format      string

	log     *zap.SugaredLogger
	metrics *http.Server
}

// NewRootCommand creates the streamcheck command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "streamcheck",
		Short: "Conformance harness for event-streaming pipelines",
		Long: `streamcheck deploys pipeline artifacts through an admin API, injects input
events, captures what the pipeline publishes on a framed TCP sink and compares
it with the expected records.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return WrapExitError(ExitCommandError, "invalid flags", fmt.Errorf("format %q must be one of %v", opts.Format, ValidFormats))
			}
			if opts.LogLevel != "" {
				logger.SetBase(logger.New(opts.LogLevel))
			}
			opts.log = logger.For(logger.ComponentCLI)
			return opts.startMetrics()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			opts.stopMetrics()
			logger.Sync()
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", config.DefaultConfigPath, "path to the harness file")
	cmd.PersistentFlags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address, e.g. :9100")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "DEBUG, WARN or PRODUCTION; defaults to $"+logger.EnvLogLevel)
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "report format (text|json)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSelfTestCommand(opts))
	cmd.AddCommand(NewCaptureCommand(opts))
	cmd.AddCommand(NewSendCommand(opts))

	return cmd
}

func (o *RootOptions) startMetrics() error {
	if o.MetricsAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	o.metrics = &http.Server{Addr: o.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := o.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.log.Errorf("metrics server on %s stopped: %v", o.MetricsAddr, err)
		}
	}()
	o.log.Infof("serving metrics on %s/metrics", o.MetricsAddr)
	return nil
}

func (o *RootOptions) stopMetrics() {
	if o.metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = o.metrics.Shutdown(ctx)
	o.metrics = nil
}
