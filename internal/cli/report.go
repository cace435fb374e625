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
	"time"

	"github.com/goccy/go-json"

	"github.com/united-manufacturing-hub/streamcheck/pkg/scenario"
)

type scenarioReport struct {
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	State    string        `json:"state"`
	Captured int           `json:"captured"`
	Duration time.Duration `json:"durationNs"`
	Error    string        `json:"error,omitempty"`
	Teardown string        `json:"teardownError,omitempty"`
}

type runReport struct {
	Status    string           `json:"status"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Scenarios []scenarioReport `json:"scenarios"`
}

func newReport(results []*scenario.Result) runReport {
	rep := runReport{Status: "ok", Scenarios: make([]scenarioReport, 0, len(results))}
	for _, res := range results {
		sr := scenarioReport{
			Name:     res.Name,
			Passed:   res.Passed(),
			State:    res.State,
			Captured: len(res.Captured),
			Duration: res.Duration,
		}
		if res.Err != nil {
			sr.Error = res.Err.Error()
		}
		if res.TeardownErr != nil {
			sr.Teardown = res.TeardownErr.Error()
		}
		if sr.Passed {
			rep.Passed++
		} else {
			rep.Failed++
			rep.Status = "failed"
		}
		rep.Scenarios = append(rep.Scenarios, sr)
	}
	return rep
}

func writeReport(w io.Writer, format string, results []*scenario.Result) error {
	rep := newReport(results)
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}

	for _, sr := range rep.Scenarios {
		if sr.Passed {
			fmt.Fprintf(w, "PASS  %s (%d records, %s)\n", sr.Name, sr.Captured, sr.Duration.Round(time.Millisecond))
			continue
		}
		fmt.Fprintf(w, "FAIL  %s in state %s\n", sr.Name, sr.State)
		fmt.Fprintf(w, "      %s\n", sr.Error)
		if sr.Teardown != "" && sr.Teardown != sr.Error {
			fmt.Fprintf(w, "      teardown: %s\n", sr.Teardown)
		}
	}
	fmt.Fprintf(w, "\n%d passed, %d failed\n", rep.Passed, rep.Failed)
	return nil
}

// runAll runs every scenario even after a failure. It stops early only when
// ctx is cancelled.
func runAll(ctx context.Context, runner *scenario.Runner, scenarios []scenario.Scenario) []*scenario.Result {
	results := make([]*scenario.Result, 0, len(scenarios))
	for _, sc := range scenarios {
		if ctx.Err() != nil {
			break
		}
		res, _ := runner.Run(ctx, sc)
		results = append(results, res)
	}
	return results
}

func failedCount(results []*scenario.Result) int {
	n := 0
	for _, res := range results {
		if !res.Passed() {
			n++
		}
	}
	return n
}
