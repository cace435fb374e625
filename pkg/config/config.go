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
	"time"

	"github.com/united-manufacturing-hub/streamcheck/pkg/inject"
)

// HarnessConfig is the harness file.
type HarnessConfig struct {
	Admin      AdminConfig                 `yaml:"admin"`      // Admin API of the pipeline-under-test
	Sink       SinkConfig                  `yaml:"sink"`       // Capture sink
	Timeouts   TimeoutConfig               `yaml:"timeouts"`   // Phase bounds
	Inject     InjectConfig                `yaml:"inject"`     // Direct injection pacing
	Transports map[string]inject.Transport `yaml:"transports"` // External transports by name
	Scenarios  []ScenarioConfig            `yaml:"scenarios"`  // Scenarios in run order

	// baseDir resolves fixture paths; set by Load.
	baseDir string
}

type AdminConfig struct {
	URL         string        `yaml:"url"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	CallTimeout time.Duration `yaml:"callTimeout"`
}

type SinkConfig struct {
	BindAddress   string        `yaml:"bindAddress"`
	Port          int           `yaml:"port"`
	AdvertiseHost string        `yaml:"advertiseHost"`
	GracePeriod   time.Duration `yaml:"gracePeriod"`
	// PortRange, when set, gives every scenario its own port instead of Port.
	PortRange *PortRange `yaml:"portRange,omitempty"`
}

type PortRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

type TimeoutConfig struct {
	Settle    time.Duration `yaml:"settle"`
	StableFor time.Duration `yaml:"stableFor"`
	Poll      time.Duration `yaml:"poll"`
	Restart   time.Duration `yaml:"restart"`
	Teardown  time.Duration `yaml:"teardown"`
}

type InjectConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// ScenarioConfig describes one scenario in the harness file.
type ScenarioConfig struct {
	Name      string           `yaml:"name"`
	Artifacts []ArtifactConfig `yaml:"artifacts"`
	Batches   []BatchConfig    `yaml:"batches"`
	Expected  []RecordConfig   `yaml:"expected,omitempty"`
	Unordered bool             `yaml:"unordered"`
}

// ArtifactConfig is deployed as-is. Body is inline text, File a path relative
// to the harness file; exactly one must be set.
type ArtifactConfig struct {
	Kind string `yaml:"kind"`
	Name string `yaml:"name"`
	Body string `yaml:"body,omitempty"`
	File string `yaml:"file,omitempty"`
}

type BatchConfig struct {
	Events        []inject.Event  `yaml:"events,omitempty"`
	External      *ExternalConfig `yaml:"external,omitempty"`
	RestartBefore bool            `yaml:"restartBefore"`
	Expect        *int            `yaml:"expect,omitempty"`
}

// ExternalConfig publishes payloads on a named transport. Payloads come
// inline or one per line from File.
type ExternalConfig struct {
	Transport string   `yaml:"transport"`
	Payloads  []string `yaml:"payloads,omitempty"`
	File      string   `yaml:"file,omitempty"`
}

// RecordConfig is an expected record. Values are written as {type, value}.
type RecordConfig struct {
	StreamID    string        `yaml:"streamId"`
	Meta        []ValueConfig `yaml:"metaData,omitempty"`
	Correlation []ValueConfig `yaml:"correlationData,omitempty"`
	Payload     []ValueConfig `yaml:"payloadData,omitempty"`
}

type ValueConfig struct {
	Type  string `yaml:"type"`
	Value any    `yaml:"value"`
}
