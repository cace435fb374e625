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

package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/united-manufacturing-hub/streamcheck/pkg/admin"
	"github.com/united-manufacturing-hub/streamcheck/pkg/driver"
	"github.com/united-manufacturing-hub/streamcheck/pkg/inject"
	"github.com/united-manufacturing-hub/streamcheck/pkg/scenario"
	"github.com/united-manufacturing-hub/streamcheck/pkg/wire"
)

// Credentials returns the admin login.
func (c HarnessConfig) Credentials() admin.Credentials {
	return admin.Credentials{Username: c.Admin.Username, Password: c.Admin.Password}
}

// Build builds the named scenarios, or all of them in file order if no
// names are given. Fixture files are read here.
func (c HarnessConfig) Build(names ...string) ([]scenario.Scenario, error) {
	selected := c.Scenarios
	if len(names) > 0 {
		byName := make(map[string]ScenarioConfig, len(c.Scenarios))
		for _, sc := range c.Scenarios {
			byName[sc.Name] = sc
		}
		selected = make([]ScenarioConfig, 0, len(names))
		for _, n := range names {
			sc, ok := byName[n]
			if !ok {
				return nil, fmt.Errorf("no scenario named %q", n)
			}
			selected = append(selected, sc)
		}
	}

	out := make([]scenario.Scenario, 0, len(selected))
	for _, sc := range selected {
		s, err := c.build(sc)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", sc.Name, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (c HarnessConfig) build(sc ScenarioConfig) (scenario.Scenario, error) {
	s := scenario.Scenario{Name: sc.Name, Unordered: sc.Unordered}

	for _, a := range sc.Artifacts {
		kind, err := admin.ParseKind(a.Kind)
		if err != nil {
			return scenario.Scenario{}, err
		}
		body := a.Body
		if a.File != "" {
			data, err := os.ReadFile(c.resolve(a.File))
			if err != nil {
				return scenario.Scenario{}, fmt.Errorf("artifact %s: %w", a.Name, err)
			}
			body = string(data)
		}
		s.Artifacts = append(s.Artifacts, driver.Artifact{Kind: kind, Name: a.Name, Body: body})
	}

	for i, b := range sc.Batches {
		batch := scenario.Batch{Events: b.Events, RestartBefore: b.RestartBefore, Expect: b.Expect}
		if b.External != nil {
			ext, err := c.external(b.External)
			if err != nil {
				return scenario.Scenario{}, fmt.Errorf("batch %d: %w", i+1, err)
			}
			batch.External = ext
		}
		s.Batches = append(s.Batches, batch)
	}

	if sc.Expected != nil {
		s.Expected = make([]wire.Record, 0, len(sc.Expected))
		for i, rc := range sc.Expected {
			rec, err := rc.Record()
			if err != nil {
				return scenario.Scenario{}, fmt.Errorf("expected record %d: %w", i+1, err)
			}
			s.Expected = append(s.Expected, rec)
		}
	}
	return s, s.Validate()
}

func (c HarnessConfig) external(ec *ExternalConfig) (*scenario.ExternalBatch, error) {
	t, ok := c.Transports[ec.Transport]
	if !ok {
		return nil, fmt.Errorf("unknown transport %q", ec.Transport)
	}
	if len(ec.Payloads) > 0 && ec.File != "" {
		return nil, errors.New("payloads and file are mutually exclusive")
	}
	ext := &scenario.ExternalBatch{Transport: t}
	for _, p := range ec.Payloads {
		ext.Payloads = append(ext.Payloads, []byte(p))
	}
	if ec.File != "" {
		f, err := os.Open(c.resolve(ec.File))
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if ext.Payloads, err = inject.ReadLines(f); err != nil {
			return nil, fmt.Errorf("%s: %w", ec.File, err)
		}
	}
	return ext, nil
}

// Record converts the configured values into a wire record.
func (rc RecordConfig) Record() (wire.Record, error) {
	if _, err := wire.ParseStreamID(rc.StreamID); err != nil {
		return wire.Record{}, err
	}
	rec := wire.Record{StreamID: rc.StreamID}
	for _, section := range []struct {
		name string
		in   []ValueConfig
		out  *[]wire.Value
	}{
		{"metaData", rc.Meta, &rec.Meta},
		{"correlationData", rc.Correlation, &rec.Correlation},
		{"payloadData", rc.Payload, &rec.Payload},
	} {
		for i, vc := range section.in {
			kind, err := wire.ParseKind(vc.Type)
			if err != nil {
				return wire.Record{}, fmt.Errorf("%s[%d]: %w", section.name, i, err)
			}
			v, err := wire.Coerce(kind, vc.Value)
			if err != nil {
				return wire.Record{}, fmt.Errorf("%s[%d]: %w", section.name, i, err)
			}
			*section.out = append(*section.out, v)
		}
	}
	return rec, nil
}
