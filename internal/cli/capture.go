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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/united-manufacturing-hub/streamcheck/pkg/capture"
)

// CaptureOptions holds flags for the capture command.
type CaptureOptions struct {
	*RootOptions
	BindAddress string
	Port        int
	Count       int
	GracePeriod time.Duration
}

// NewCaptureCommand creates the capture command.
func NewCaptureCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CaptureOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Run a standalone capture sink and print every record",
		Long: `Run a capture sink and print every decoded record as one JSON line on
stdout. The sink stops on interrupt or after --count records.

Example:
  streamcheck capture --port 7661
  streamcheck capture --port 0 --count 3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapture(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.BindAddress, "bind", capture.DefaultBindAddress, "address to listen on")
	cmd.Flags().IntVarP(&opts.Port, "port", "p", capture.DefaultPort, "port to listen on, 0 picks a free one")
	cmd.Flags().IntVarP(&opts.Count, "count", "n", 0, "stop after this many records (0 runs until interrupted)")
	cmd.Flags().DurationVar(&opts.GracePeriod, "grace-period", capture.DefaultGracePeriod, "how long to wait for open connections on stop")

	return cmd
}

func runCapture(cmd *cobra.Command, opts *CaptureOptions) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var mu sync.Mutex
	enc := json.NewEncoder(cmd.OutOrStdout())
	sink, err := capture.Start(ctx, capture.SinkConfig{
		BindAddress: opts.BindAddress,
		Port:        opts.Port,
		GracePeriod: opts.GracePeriod,
		Logger:      opts.log.Named("sink"),
		OnEntry: func(e capture.Entry) {
			mu.Lock()
			defer mu.Unlock()
			if err := enc.Encode(e); err != nil {
				opts.log.Warnf("printing record %d: %v", e.Seq, err)
			}
			if opts.Count > 0 && e.Seq >= uint64(opts.Count) {
				cancel()
			}
		},
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start capture sink", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "listening on %s\n", sink.Addr())

	<-ctx.Done()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), opts.GracePeriod+time.Second)
	defer stopCancel()
	stopErr := sink.Stop(stopCtx)

	fmt.Fprintf(cmd.ErrOrStderr(), "captured %d records, %d malformed frames\n", sink.Count(), sink.DecodeErrors())
	if stopErr != nil {
		opts.log.Warnf("stopping capture sink: %v", stopErr)
	}
	return nil
}
