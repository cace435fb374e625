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

// Package scenario runs end-to-end conformance scenarios against a pipeline:
// deploy artifacts, inject events, capture what the pipeline publishes and
// compare it with the expected records.
package scenario

import (
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/streamcheck/internal/fsm"
	"github.com/united-manufacturing-hub/streamcheck/pkg/logger"
)

// Runner states
const (
	StateInit       = "init"
	StateDeployed   = "deployed"
	StateInjecting  = "injecting"
	StateSettling   = "settling"
	StateRestarting = "restarting"
	StateVerifying  = "verifying"
	StateTornDown   = "torn_down"
	StateFailed     = "failed"
)

// Runner events
const (
	EventDeploy   = "deploy"
	EventInject   = "inject"
	EventSettle   = "settle"
	EventRestart  = "restart"
	EventVerify   = "verify"
	EventTeardown = "teardown"
	EventFail     = "fail"
)

// States lists every runner state.
func States() []string {
	return []string{
		StateInit, StateDeployed, StateInjecting, StateSettling,
		StateRestarting, StateVerifying, StateTornDown, StateFailed,
	}
}

func newMachine(name string, log *zap.SugaredLogger) *fsm.Machine {
	return fsm.NewMachine(fsm.MachineConfig{
		ID:      name,
		Initial: StateInit,
		Transitions: []fsm.EventDesc{
			{Name: EventDeploy, Src: []string{StateInit}, Dst: StateDeployed},
			{Name: EventInject, Src: []string{StateDeployed, StateSettling, StateRestarting}, Dst: StateInjecting},
			{Name: EventSettle, Src: []string{StateInjecting}, Dst: StateSettling},
			{Name: EventRestart, Src: []string{StateSettling}, Dst: StateRestarting},
			{Name: EventVerify, Src: []string{StateSettling}, Dst: StateVerifying},
			{Name: EventTeardown, Src: []string{StateVerifying}, Dst: StateTornDown},
			{
				Name: EventFail,
				Src:  []string{StateInit, StateDeployed, StateInjecting, StateSettling, StateRestarting, StateVerifying},
				Dst:  StateFailed,
			},
		},
	}, log.Named(logger.ComponentScenarioFSM))
}
