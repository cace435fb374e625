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
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/united-manufacturing-hub/streamcheck/pkg/capture"
	"github.com/united-manufacturing-hub/streamcheck/pkg/inject"
	"github.com/united-manufacturing-hub/streamcheck/pkg/wire"
)

// SendOptions holds flags for the send command.
type SendOptions struct {
	*RootOptions
	Address  string
	StreamID string
	Timeout  time.Duration
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send <records.jsonl|->",
		Short: "Publish records to a capture sink",
		Long: `Read records in JSON form, one per line, and publish them to a capture sink
over a single connection. Use - to read from stdin.

A record line looks like
  {"streamId":"Sensor.Stream:1.0.0","payloadData":[{"type":"string","value":"T"}]}

Example:
  streamcheck send --address localhost:7661 records.jsonl`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.Address, "address", "a", fmt.Sprintf("localhost:%d", capture.DefaultPort), "host:port of the capture sink")
	cmd.Flags().StringVar(&opts.StreamID, "stream-id", "", "override the stream identifier of every record")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "bound for connecting and writing")

	return cmd
}

func readRecords(r io.Reader, streamID string) ([]wire.Record, error) {
	lines, err := inject.ReadLines(r)
	if err != nil {
		return nil, err
	}
	recs := make([]wire.Record, 0, len(lines))
	for i, line := range lines {
		var rec wire.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		if streamID != "" {
			rec.StreamID = streamID
		}
		if _, err := wire.ParseStreamID(rec.StreamID); err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		if rec.Timestamp == 0 {
			rec.Timestamp = time.Now().UnixMilli()
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func runSend(cmd *cobra.Command, opts *SendOptions, path string) error {
	var in io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open records", err)
		}
		defer f.Close()
		in = f
	}
	recs, err := readRecords(in, opts.StreamID)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid records", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()

	pub := wire.NewPublisher(opts.Address, wire.WithLogger(opts.log.Named("publisher")), wire.WithWriteTimeout(opts.Timeout))
	if err := pub.Connect(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to connect", err)
	}
	defer pub.Close()
	if err := pub.Publish(ctx, recs...); err != nil {
		return WrapExitError(ExitFailure, "failed to publish", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent %d records to %s\n", len(recs), opts.Address)
	return nil
}
