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

// Package config loads the harness file that describes the target, the
// capture sink, the transports and the scenarios to run.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/streamcheck/pkg/capture"
	"github.com/united-manufacturing-hub/streamcheck/pkg/inject"
	"github.com/united-manufacturing-hub/streamcheck/pkg/logger"
	"github.com/united-manufacturing-hub/streamcheck/pkg/scenario"
)

const (
	// DefaultConfigPath is the default path to the harness file
	DefaultConfigPath = "streamcheck.yaml"

	DefaultAdminURL = "https://localhost:9443"
)

// ErrNoConfig is returned when the harness file does not exist.
var ErrNoConfig = errors.New("config file does not exist")

// ConfigManager is the interface for config management
type ConfigManager interface {
	// GetConfig returns the current config
	GetConfig(ctx context.Context) (HarnessConfig, error)
}

// FileConfigManager implements the ConfigManager interface by reading from a file
type FileConfigManager struct {
	// configPath is the path to the config file
	configPath string

	// logger is the logger for the config manager
	logger *zap.SugaredLogger
}

// NewFileConfigManager creates a new FileConfigManager. An empty path uses DefaultConfigPath.
func NewFileConfigManager(path string) *FileConfigManager {
	if path == "" {
		path = DefaultConfigPath
	}
	return &FileConfigManager{
		configPath: path,
		logger:     logger.For(logger.ComponentConfigManager),
	}
}

// GetConfig returns the current config, always reading fresh from disk
func (m *FileConfigManager) GetConfig(ctx context.Context) (HarnessConfig, error) {
	if err := ctx.Err(); err != nil {
		return HarnessConfig{}, err
	}
	cfg, err := Load(m.configPath)
	if err != nil {
		return HarnessConfig{}, err
	}
	m.logger.Debugf("loaded %s with %d scenarios", m.configPath, len(cfg.Scenarios))
	return cfg, nil
}

// Defaults returns the configuration used for every field the file leaves out.
func Defaults() HarnessConfig {
	return HarnessConfig{
		Admin: AdminConfig{
			URL:         DefaultAdminURL,
			Username:    "admin",
			Password:    "admin",
			CallTimeout: 10 * time.Second,
		},
		Sink: SinkConfig{
			BindAddress: capture.DefaultBindAddress,
			Port:        capture.DefaultPort,
			GracePeriod: capture.DefaultGracePeriod,
		},
		Timeouts: TimeoutConfig{
			Settle:    scenario.DefaultSettleTimeout,
			StableFor: scenario.DefaultStableFor,
			Poll:      scenario.DefaultPollInterval,
			Restart:   scenario.DefaultRestartTimeout,
			Teardown:  scenario.DefaultTeardownTimeout,
		},
		Transports: map[string]inject.Transport{
			"mqtt": {Kind: inject.TransportMQTT, Address: inject.DefaultMQTTBroker, Topic: inject.DefaultMQTTTopic, QoS: 1},
		},
	}
}

// Load reads and validates the harness file at path.
func Load(path string) (HarnessConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return HarnessConfig{}, fmt.Errorf("%w: %s", ErrNoConfig, path)
	}
	if err != nil {
		return HarnessConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return HarnessConfig{}, err
	}
	cfg, err := Parse(data, filepath.Dir(abs))
	if err != nil {
		return HarnessConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a harness file on top of Defaults. Fixture paths resolve against baseDir.
func Parse(data []byte, baseDir string) (HarnessConfig, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return HarnessConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.baseDir = baseDir
	if err := cfg.Validate(); err != nil {
		return HarnessConfig{}, err
	}
	return cfg, nil
}

// BaseDir is the directory fixture paths are relative to.
func (c HarnessConfig) BaseDir() string {
	return c.baseDir
}

// Validate reports every problem in the file at once.
func (c HarnessConfig) Validate() error {
	var errs error
	if c.Admin.URL == "" {
		errs = multierr.Append(errs, errors.New("admin.url is required"))
	}
	if c.Sink.Port < 0 || c.Sink.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("sink.port %d out of range", c.Sink.Port))
	}
	if r := c.Sink.PortRange; r != nil && (r.Min <= 0 || r.Max <= r.Min) {
		errs = multierr.Append(errs, fmt.Errorf("sink.portRange %d-%d is invalid", r.Min, r.Max))
	}
	for name, t := range c.Transports {
		if t.Kind == "" {
			errs = multierr.Append(errs, fmt.Errorf("transport %s has no kind", name))
		}
	}

	seen := make(map[string]bool, len(c.Scenarios))
	for i, sc := range c.Scenarios {
		if sc.Name == "" {
			errs = multierr.Append(errs, fmt.Errorf("scenario %d has no name", i+1))
			continue
		}
		if seen[sc.Name] {
			errs = multierr.Append(errs, fmt.Errorf("scenario %s is defined twice", sc.Name))
		}
		seen[sc.Name] = true
		for _, a := range sc.Artifacts {
			if (a.Body == "") == (a.File == "") {
				errs = multierr.Append(errs, fmt.Errorf("scenario %s: artifact %s needs exactly one of body and file", sc.Name, a.Name))
			}
		}
		for j, b := range sc.Batches {
			if b.External == nil {
				continue
			}
			if _, ok := c.Transports[b.External.Transport]; !ok {
				errs = multierr.Append(errs, fmt.Errorf("scenario %s: batch %d uses unknown transport %q", sc.Name, j+1, b.External.Transport))
			}
			if len(b.External.Payloads) > 0 && b.External.File != "" {
				errs = multierr.Append(errs, fmt.Errorf("scenario %s: batch %d sets both payloads and file", sc.Name, j+1))
			}
		}
	}
	return errs
}

// RunnerConfig maps the file onto the scenario runner settings.
func (c HarnessConfig) RunnerConfig() scenario.Config {
	return scenario.Config{
		SettleTimeout:   c.Timeouts.Settle,
		StableFor:       c.Timeouts.StableFor,
		PollInterval:    c.Timeouts.Poll,
		RestartTimeout:  c.Timeouts.Restart,
		TeardownTimeout: c.Timeouts.Teardown,
		AdvertiseHost:   c.Sink.AdvertiseHost,
		Sink: capture.SinkConfig{
			BindAddress: c.Sink.BindAddress,
			Port:        c.Sink.Port,
			GracePeriod: c.Sink.GracePeriod,
		},
	}
}

func (c HarnessConfig) resolve(path string) string {
	if filepath.IsAbs(path) || c.baseDir == "" {
		return path
	}
	return filepath.Join(c.baseDir, path)
}
