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

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/streamcheck/pkg/admin"
	"github.com/united-manufacturing-hub/streamcheck/pkg/config"
	"github.com/united-manufacturing-hub/streamcheck/pkg/driver"
	"github.com/united-manufacturing-hub/streamcheck/pkg/inject"
	"github.com/united-manufacturing-hub/streamcheck/pkg/portmanager"
	"github.com/united-manufacturing-hub/streamcheck/pkg/scenario"
)

// harness is everything a run needs, built from the harness file.
type harness struct {
	driver   *driver.Driver
	injector *inject.Injector
	runner   *scenario.Runner
}

// newHarness wires the admin client, driver, injector and runner. extra
// options are applied to the injector after the MQTT and Kafka publishers.
func newHarness(cfg config.HarnessConfig, log *zap.SugaredLogger, extra ...inject.Option) (*harness, error) {
	client, err := admin.NewHTTPClient(cfg.Admin.URL, admin.WithLogger(log.Named("admin")))
	if err != nil {
		return nil, err
	}

	drvOpts := []driver.Option{driver.WithLogger(log.Named("driver"))}
	if cfg.Admin.CallTimeout > 0 {
		drvOpts = append(drvOpts, driver.WithCallTimeout(cfg.Admin.CallTimeout))
	}
	drv := driver.New(client, cfg.Credentials(), drvOpts...)

	injOpts := []inject.Option{
		inject.WithLogger(log.Named("inject")),
		inject.WithInterval(cfg.Inject.Interval),
		inject.WithPublisher(inject.TransportMQTT, inject.NewMQTTPublisher(nil, log.Named("mqtt"))),
		inject.WithPublisher(inject.TransportKafka, inject.NewKafkaPublisher(nil, log.Named("kafka"))),
	}
	inj := inject.New(drv, append(injOpts, extra...)...)

	runOpts := []scenario.Option{scenario.WithLogger(log.Named("runner"))}
	if r := cfg.Sink.PortRange; r != nil {
		pm, err := portmanager.NewDefaultPortManager(r.Min, r.Max, portmanager.ListenProbe(cfg.Sink.BindAddress))
		if err != nil {
			return nil, fmt.Errorf("sink.portRange: %w", err)
		}
		runOpts = append(runOpts, scenario.WithPortManager(pm))
	}

	return &harness{
		driver:   drv,
		injector: inj,
		runner:   scenario.NewRunner(drv, inj, cfg.RunnerConfig(), runOpts...),
	}, nil
}

// prepare logs in and creates the Kafka topics scenarios publish to.
func (h *harness) prepare(ctx context.Context, cfg config.HarnessConfig) error {
	if err := h.driver.Connect(ctx); err != nil {
		return err
	}
	var errs error
	for name, t := range cfg.Transports {
		if t.Kind != inject.TransportKafka {
			continue
		}
		t = t.WithDefaults()
		if err := inject.EnsureTopic(ctx, t.Address, t.Topic, 1); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("transport %s: %w", name, err))
		}
	}
	return errs
}

func (h *harness) Close() error {
	return h.injector.Close()
}
