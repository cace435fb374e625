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

package scenario

import (
	"errors"
	"fmt"
	"strings"

	"github.com/united-manufacturing-hub/streamcheck/pkg/driver"
	"github.com/united-manufacturing-hub/streamcheck/pkg/inject"
	"github.com/united-manufacturing-hub/streamcheck/pkg/wire"
)

// ErrTimeout marks a scenario that failed because an external call or a
// bounded wait ran out of time.
var ErrTimeout = errors.New("scenario: timeout")

// Placeholders replaced in artifact bodies once the sink is bound.
const (
	PlaceholderSinkAddress = "${SINK_ADDRESS}"
	PlaceholderSinkHost    = "${SINK_HOST}"
	PlaceholderSinkPort    = "${SINK_PORT}"
)

// ExternalBatch is a set of payloads published on one transport.
type ExternalBatch struct {
	Transport inject.Transport
	Payloads  [][]byte
}

// Batch is one injection phase. Batches after the first may restart the
// target before injecting.
type Batch struct {
	Events   []inject.Event
	External *ExternalBatch
	// RestartBefore restarts the target before this batch is injected.
	RestartBefore bool
	// Expect overrides the number of records this batch should add. By
	// default every event and payload yields one record.
	Expect *int
}

func (b Batch) inputs() int {
	n := len(b.Events)
	if b.External != nil {
		n += len(b.External.Payloads)
	}
	return n
}

func (b Batch) expected() int {
	if b.Expect != nil {
		return *b.Expect
	}
	return b.inputs()
}

// Scenario is one end-to-end conformance check.
type Scenario struct {
	Name      string
	Artifacts []driver.Artifact
	Batches   []Batch
	// Expected is compared field by field, ignoring timestamps. When nil
	// only the record count is checked.
	Expected []wire.Record
	// Unordered compares Expected as a multiset.
	Unordered bool
}

// ExpectedCount is the number of records the scenario should capture.
func (s Scenario) ExpectedCount() int {
	n := 0
	for _, b := range s.Batches {
		n += b.expected()
	}
	return n
}

// Durable reports whether the scenario restarts the target.
func (s Scenario) Durable() bool {
	for _, b := range s.Batches {
		if b.RestartBefore {
			return true
		}
	}
	return false
}

// Validate checks the scenario is runnable.
func (s Scenario) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("scenario has no name")
	}
	if len(s.Batches) == 0 {
		return fmt.Errorf("scenario %s has no batches", s.Name)
	}
	for i, b := range s.Batches {
		if b.RestartBefore && i == 0 {
			return fmt.Errorf("scenario %s: the first batch cannot restart the target", s.Name)
		}
		if b.inputs() == 0 && b.Expect == nil {
			return fmt.Errorf("scenario %s: batch %d is empty", s.Name, i+1)
		}
		if b.Expect != nil && *b.Expect < 0 {
			return fmt.Errorf("scenario %s: batch %d expects a negative count", s.Name, i+1)
		}
		if b.External != nil && b.External.Transport.Kind == "" {
			return fmt.Errorf("scenario %s: batch %d has no transport kind", s.Name, i+1)
		}
		for _, ev := range b.Events {
			if _, err := wire.ParseStreamID(ev.StreamID); err != nil {
				return fmt.Errorf("scenario %s: batch %d: %w", s.Name, i+1, err)
			}
		}
	}
	for _, a := range s.Artifacts {
		if !a.Kind.Valid() {
			return fmt.Errorf("scenario %s: artifact %s has unknown kind %q", s.Name, a.Name, a.Kind)
		}
		if a.Name == "" {
			return fmt.Errorf("scenario %s: artifact of kind %s has no name", s.Name, a.Kind)
		}
	}
	if s.Expected != nil && len(s.Expected) != s.ExpectedCount() {
		return fmt.Errorf("scenario %s: %d expected records but batches yield %d", s.Name, len(s.Expected), s.ExpectedCount())
	}
	return nil
}

// VerificationMismatch means the captured records differ from the expected ones.
type VerificationMismatch struct {
	Scenario  string
	Phase     string
	WantCount int
	GotCount  int
	// Diff is a go-cmp report, empty if only the counts were compared.
	Diff string
}

func (e *VerificationMismatch) Error() string {
	msg := fmt.Sprintf("scenario %s: %s: expected %d records, captured %d", e.Scenario, e.Phase, e.WantCount, e.GotCount)
	if e.Diff != "" {
		msg += " (-want +got):\n" + e.Diff
	}
	return msg
}
