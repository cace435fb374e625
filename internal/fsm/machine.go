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

// Package fsm wraps looplab/fsm with state-entry callbacks, an error slot
// and a transition history.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// Transition is one recorded state change.
type Transition struct {
	Event string
	From  string
	To    string
	At    time.Time
}

func (t Transition) String() string {
	return fmt.Sprintf("%s: %s -> %s", t.Event, t.From, t.To)
}

// MachineConfig describes the states and events of a Machine.
type MachineConfig struct {
	ID string

	// Initial is the state the machine starts in
	Initial string

	// Transitions are the allowed events
	Transitions []fsm.EventDesc
}

// EventDesc re-exports the transition description so callers do not import looplab/fsm.
type EventDesc = fsm.EventDesc

// Callback runs when a state is entered.
type Callback func(ctx context.Context, from, event string)

// Machine is a finite state machine instance
type Machine struct {
	cfg MachineConfig

	// mu protects callbacks, history and lastError
	mu sync.RWMutex

	fsm *fsm.FSM

	// callbacks for state entries, keyed by state
	callbacks map[string]Callback

	history []Transition

	// lastError stores the error that made the machine leave its happy path
	lastError error

	logger *zap.SugaredLogger
}

// NewMachine creates a machine in cfg.Initial.
func NewMachine(cfg MachineConfig, logger *zap.SugaredLogger) *Machine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	m := &Machine{
		cfg:       cfg,
		callbacks: make(map[string]Callback),
		logger:    logger,
	}

	m.fsm = fsm.NewFSM(
		cfg.Initial,
		fsm.Events(cfg.Transitions),
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				m.mu.Lock()
				m.history = append(m.history, Transition{Event: e.Event, From: e.Src, To: e.Dst, At: time.Now()})
				cb := m.callbacks[e.Dst]
				m.mu.Unlock()

				m.logger.Debugf("FSM %s: %s -> %s (%s)", m.cfg.ID, e.Src, e.Dst, e.Event)
				if cb != nil {
					cb(ctx, e.Src, e.Event)
				}
			},
		},
	)
	return m
}

// OnEnter registers the callback for entering state, replacing any previous one.
func (m *Machine) OnEnter(state string, cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[state] = cb
}

// Fire sends an event. Firing an event that keeps the machine in its current
// state is not an error.
func (m *Machine) Fire(ctx context.Context, event string) error {
	err := m.fsm.Event(ctx, event)
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("FSM %s: event %q in state %q: %w", m.cfg.ID, event, m.fsm.Current(), err)
	}
	return nil
}

// Current returns the current state.
func (m *Machine) Current() string {
	return m.fsm.Current()
}

// Is reports whether the machine is in state.
func (m *Machine) Is(state string) bool {
	return m.fsm.Is(state)
}

// Can reports whether event is allowed in the current state.
func (m *Machine) Can(event string) bool {
	return m.fsm.Can(event)
}

// History returns a copy of the recorded transitions.
func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// SetError stores err; the first error wins.
func (m *Machine) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastError == nil {
		m.lastError = err
	}
}

// GetError returns the stored error.
func (m *Machine) GetError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

func (m *Machine) GetID() string {
	return m.cfg.ID
}
