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

// Package driver configures a pipeline-under-test through its admin API.
// It owns the admin session, remembers what it deployed and checks active
// counts against a baseline taken before deployment.
package driver

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/streamcheck/pkg/admin"
	"github.com/united-manufacturing-hub/streamcheck/pkg/logger"
)

// DefaultCallTimeout bounds a single admin call.
const DefaultCallTimeout = 10 * time.Second

// Artifact is a deployable configuration unit.
type Artifact struct {
	Kind admin.Kind
	Name string
	Body string
}

// Baseline holds active counts per kind, taken before deployment.
type Baseline map[admin.Kind]int

// Deltas is the expected change of active counts per kind.
type Deltas map[admin.Kind]int

// DeltasOf counts artifacts per kind.
func DeltasOf(arts []Artifact) Deltas {
	d := make(Deltas)
	for _, a := range arts {
		d[a.Kind]++
	}
	return d
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the driver logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(d *Driver) {
		d.logger = l
	}
}

// WithCallTimeout bounds each admin call.
func WithCallTimeout(t time.Duration) Option {
	return func(d *Driver) {
		d.callTimeout = t
	}
}

// Driver deploys and removes artifacts on one pipeline-under-test.
type Driver struct {
	client      admin.Client
	creds       admin.Credentials
	logger      *zap.SugaredLogger
	callTimeout time.Duration

	mu       sync.Mutex
	session  admin.Session
	deployed []Artifact
}

// New creates a driver. Call Connect before anything else.
func New(client admin.Client, creds admin.Credentials, opts ...Option) *Driver {
	d := &Driver{
		client:      client,
		creds:       creds,
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logger.For(logger.ComponentPipelineDriver)
	}
	return d
}

// Connect opens the admin session.
func (d *Driver) Connect(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()
	s, err := d.client.Login(cctx, d.creds)
	if err != nil {
		return &RPCError{Op: "login", Err: err}
	}
	d.mu.Lock()
	d.session = s
	d.mu.Unlock()
	return nil
}

// Refresh replaces the session, e.g. after the server restarted.
func (d *Driver) Refresh(ctx context.Context) error {
	d.logger.Debugf("refreshing admin session")
	return d.Connect(ctx)
}

// Session returns the current session.
func (d *Driver) Session() admin.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// call runs fn with the current session and retries it once with a fresh
// session if the server reports the session expired.
func (d *Driver) call(ctx context.Context, op string, kind admin.Kind, name string, fn func(context.Context, admin.Session) error) error {
	if !d.Session().Valid() {
		if err := d.Connect(ctx); err != nil {
			return err
		}
	}

	attempt := func() error {
		cctx, cancel := context.WithTimeout(ctx, d.callTimeout)
		defer cancel()
		return fn(cctx, d.Session())
	}

	err := attempt()
	if errors.Is(err, admin.ErrSessionExpired) {
		d.logger.Infof("session expired during %s, logging in again", op)
		if rerr := d.Refresh(ctx); rerr != nil {
			return rerr
		}
		err = attempt()
	}
	if err != nil {
		return &RPCError{Op: op, Kind: kind, Name: name, Err: err}
	}
	return nil
}

// Deploy adds one artifact.
func (d *Driver) Deploy(ctx context.Context, a Artifact) error {
	err := d.call(ctx, "deploy", a.Kind, a.Name, func(ctx context.Context, s admin.Session) error {
		return d.client.Artifacts(a.Kind).Add(ctx, s, a.Body)
	})
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.deployed = append(d.deployed, a)
	d.mu.Unlock()
	d.logger.Infof("deployed %s %s", a.Kind, a.Name)
	return nil
}

// Undeploy removes one artifact. An artifact the server no longer knows
// counts as removed.
func (d *Driver) Undeploy(ctx context.Context, kind admin.Kind, name string) error {
	err := d.call(ctx, "undeploy", kind, name, func(ctx context.Context, s admin.Session) error {
		return d.client.Artifacts(kind).Remove(ctx, s, name)
	})
	if err != nil && !errors.Is(err, admin.ErrNotFound) {
		return err
	}
	if err != nil {
		d.logger.Warnf("%s %s was already gone", kind, name)
	}

	d.mu.Lock()
	d.deployed = slices.DeleteFunc(d.deployed, func(a Artifact) bool {
		return a.Kind == kind && a.Name == name
	})
	d.mu.Unlock()
	d.logger.Infof("undeployed %s %s", kind, name)
	return nil
}

// ActiveCount returns how many artifacts of kind are active.
func (d *Driver) ActiveCount(ctx context.Context, kind admin.Kind) (int, error) {
	var n int
	err := d.call(ctx, "count", kind, "", func(ctx context.Context, s admin.Session) error {
		var err error
		n, err = d.client.Artifacts(kind).ActiveCount(ctx, s)
		return err
	})
	return n, err
}

// Baseline records the active counts of kinds, or of every kind if none are given.
func (d *Driver) Baseline(ctx context.Context, kinds ...admin.Kind) (Baseline, error) {
	if len(kinds) == 0 {
		kinds = admin.Kinds()
	}
	b := make(Baseline, len(kinds))
	for _, k := range kinds {
		n, err := d.ActiveCount(ctx, k)
		if err != nil {
			return nil, err
		}
		b[k] = n
	}
	return b, nil
}

// AssertDelta checks count == before + delta for every kind in deltas.
func (d *Driver) AssertDelta(ctx context.Context, before Baseline, deltas Deltas) error {
	var errs error
	for _, k := range admin.Kinds() {
		delta, ok := deltas[k]
		if !ok {
			continue
		}
		got, err := d.ActiveCount(ctx, k)
		if err != nil {
			return err
		}
		if got != before[k]+delta {
			errs = multierr.Append(errs, &DeltaMismatchError{Kind: k, Before: before[k], Delta: delta, Got: got})
		}
	}
	return errs
}

// DeployAll takes a baseline, deploys arts in order and asserts the counts
// grew by exactly the number deployed per kind. Artifacts deployed before a
// failure stay recorded for UndeployAll.
func (d *Driver) DeployAll(ctx context.Context, arts []Artifact) (Baseline, error) {
	before, err := d.Baseline(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range arts {
		if err := d.Deploy(ctx, a); err != nil {
			return before, err
		}
	}
	return before, d.AssertDelta(ctx, before, DeltasOf(arts))
}

// UndeployAll removes everything deployed, newest first. It attempts every
// removal and returns the combined errors.
func (d *Driver) UndeployAll(ctx context.Context) error {
	arts := d.Deployed()
	var errs error
	for i := len(arts) - 1; i >= 0; i-- {
		a := arts[i]
		if err := d.Undeploy(ctx, a.Kind, a.Name); err != nil {
			d.logger.Errorf("failed to undeploy %s %s: %v", a.Kind, a.Name, err)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Deployed returns the artifacts deployed and not yet removed, oldest first.
func (d *Driver) Deployed() []Artifact {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.deployed)
}

// SendEvent injects an event through the simulator endpoint.
func (d *Driver) SendEvent(ctx context.Context, ev admin.SimulatedEvent) error {
	return d.call(ctx, "simulate", admin.KindStream, ev.StreamID, func(ctx context.Context, s admin.Session) error {
		return d.client.Simulator().SendEvent(ctx, s, ev)
	})
}

// Restart asks the server to restart. The session is invalid afterwards;
// call Refresh once the server is back.
func (d *Driver) Restart(ctx context.Context) error {
	return d.call(ctx, "restart", "", "", func(ctx context.Context, s admin.Session) error {
		return d.client.Server().Restart(ctx, s)
	})
}

// Ping checks server readiness without a session.
func (d *Driver) Ping(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()
	return d.client.Ping(cctx)
}
