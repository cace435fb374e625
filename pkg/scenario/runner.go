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
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/streamcheck/internal/fsm"
	"github.com/united-manufacturing-hub/streamcheck/pkg/admin"
	"github.com/united-manufacturing-hub/streamcheck/pkg/backoff"
	"github.com/united-manufacturing-hub/streamcheck/pkg/capture"
	"github.com/united-manufacturing-hub/streamcheck/pkg/driver"
	"github.com/united-manufacturing-hub/streamcheck/pkg/inject"
	"github.com/united-manufacturing-hub/streamcheck/pkg/logger"
	"github.com/united-manufacturing-hub/streamcheck/pkg/metrics"
	"github.com/united-manufacturing-hub/streamcheck/pkg/portmanager"
	"github.com/united-manufacturing-hub/streamcheck/pkg/wire"
)

const (
	DefaultSettleTimeout   = 30 * time.Second
	DefaultStableFor       = 200 * time.Millisecond
	DefaultPollInterval    = 25 * time.Millisecond
	DefaultRestartTimeout  = 60 * time.Second
	DefaultTeardownTimeout = 30 * time.Second
)

// Target is the pipeline-under-test as seen by the runner. *driver.Driver implements it.
type Target interface {
	DeployAll(ctx context.Context, arts []driver.Artifact) (driver.Baseline, error)
	UndeployAll(ctx context.Context) error
	Baseline(ctx context.Context, kinds ...admin.Kind) (driver.Baseline, error)
	Restart(ctx context.Context) error
	Ping(ctx context.Context) error
	Refresh(ctx context.Context) error
}

// Stimulus emits the scenario's inputs. *inject.Injector implements it.
type Stimulus interface {
	InjectAll(ctx context.Context, events []inject.Event) error
	InjectExternalBatch(ctx context.Context, t inject.Transport, payloads [][]byte) error
}

// ListenFunc binds the sink listener before artifacts are deployed.
type ListenFunc func(cfg capture.SinkConfig) (capture.Listener, error)

func listenTCP(cfg capture.SinkConfig) (capture.Listener, error) {
	return capture.ListenTCP(cfg.BindAddress, cfg.Port)
}

// Config bounds every phase of a run.
type Config struct {
	// SettleTimeout bounds the wait for the expected record count.
	SettleTimeout time.Duration
	// StableFor is how long the count must stay at the expected value.
	StableFor time.Duration
	// PollInterval is the first interval between count and readiness polls.
	PollInterval time.Duration
	// RestartTimeout bounds the wait for the target to come back after a restart.
	RestartTimeout time.Duration
	// TeardownTimeout bounds teardown. Teardown ignores cancellation of the run context.
	TeardownTimeout time.Duration
	// AdvertiseHost replaces ${SINK_HOST} in artifact bodies. Defaults to the
	// bind address, or 127.0.0.1 for wildcard binds.
	AdvertiseHost string

	Sink capture.SinkConfig
}

// DefaultConfig returns the timeouts used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		SettleTimeout:   DefaultSettleTimeout,
		StableFor:       DefaultStableFor,
		PollInterval:    DefaultPollInterval,
		RestartTimeout:  DefaultRestartTimeout,
		TeardownTimeout: DefaultTeardownTimeout,
		Sink:            capture.DefaultSinkConfig(),
	}
}

func (c Config) withDefaults() Config {
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = DefaultSettleTimeout
	}
	if c.StableFor < 0 {
		c.StableFor = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RestartTimeout <= 0 {
		c.RestartTimeout = DefaultRestartTimeout
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = DefaultTeardownTimeout
	}
	return c
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// WithListenFunc replaces how the sink listener is bound.
func WithListenFunc(fn ListenFunc) Option {
	return func(r *Runner) {
		r.listen = fn
	}
}

// WithPortManager allocates the sink port of every run from pm, keyed by
// scenario name, and releases it on teardown.
func WithPortManager(pm portmanager.PortManager) Option {
	return func(r *Runner) {
		r.ports = pm
	}
}

// Result is the outcome of one run.
type Result struct {
	Name        string
	State       string
	Baseline    driver.Baseline
	Captured    []capture.Entry
	Transitions []fsm.Transition
	Duration    time.Duration
	// Err is the first failure, or nil if the scenario passed.
	Err error
	// TeardownErr is reported separately so a teardown problem never hides the primary failure.
	TeardownErr error
}

// Passed reports whether the scenario verified and tore down cleanly.
func (r *Result) Passed() bool {
	return r.Err == nil && r.State == StateTornDown
}

// Runner executes scenarios against one target.
type Runner struct {
	target   Target
	stimulus Stimulus
	cfg      Config
	listen   ListenFunc
	ports    portmanager.PortManager
	logger   *zap.SugaredLogger
}

// NewRunner creates a runner.
func NewRunner(target Target, stimulus Stimulus, cfg Config, opts ...Option) *Runner {
	r := &Runner{
		target:   target,
		stimulus: stimulus,
		cfg:      cfg.withDefaults(),
		listen:   listenTCP,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logger.For(logger.ComponentScenarioRunner)
	}
	return r
}

// run holds what teardown needs to release.
type run struct {
	name string
	port bool
	ln   capture.Listener
	sink *capture.Sink
}

// Run executes sc: deploy, inject and settle each batch, verify, tear down.
// Teardown always runs. The returned error equals Result.Err.
func (r *Runner) Run(ctx context.Context, sc Scenario) (res *Result, err error) {
	start := time.Now()
	res = &Result{Name: sc.Name}
	m := newMachine(sc.Name, r.logger)

	phaseStart := start
	for _, state := range States() {
		m.OnEnter(state, func(_ context.Context, from, _ string) {
			now := time.Now()
			metrics.ObservePhase(from, now.Sub(phaseStart))
			phaseStart = now
		})
	}

	st := &run{name: sc.Name}
	defer func() {
		res.TeardownErr = r.teardown(ctx, st, res.Baseline)
		if st.sink != nil {
			res.Captured = st.sink.Snapshot()
		}
		fireCtx := context.WithoutCancel(ctx)
		switch {
		case res.Err != nil:
		case res.TeardownErr != nil:
			res.Err = fmt.Errorf("scenario %s: teardown: %w", sc.Name, res.TeardownErr)
			m.SetError(res.Err)
			_ = m.Fire(fireCtx, EventFail)
		default:
			if ferr := m.Fire(fireCtx, EventTeardown); ferr != nil {
				res.Err = ferr
			}
		}
		res.State = m.Current()
		res.Transitions = m.History()
		res.Duration = time.Since(start)
		metrics.RecordScenario(sc.Name, res.Passed())
		if res.Passed() {
			r.logger.Infof("scenario %s passed in %s", sc.Name, res.Duration)
		} else {
			r.logger.Warnf("scenario %s failed in state %s: %v", sc.Name, res.State, res.Err)
		}
		err = res.Err
	}()

	if verr := sc.Validate(); verr != nil {
		res.Err = verr
	} else {
		res.Err = r.execute(ctx, sc, m, st, res)
	}
	if res.Err != nil {
		res.Err = classify(res.Err)
		m.SetError(res.Err)
		_ = m.Fire(context.WithoutCancel(ctx), EventFail)
	}
	return res, res.Err
}

func (r *Runner) execute(ctx context.Context, sc Scenario, m *fsm.Machine, st *run, res *Result) error {
	r.logger.Infof("running scenario %s with %d artifacts and %d batches", sc.Name, len(sc.Artifacts), len(sc.Batches))

	// The listener is bound before deployment so publisher artifacts can
	// reference the sink address. Connections queue until the sink starts.
	sinkCfg := r.cfg.Sink
	if r.ports != nil {
		port, err := r.ports.AllocatePort(sc.Name)
		if err != nil {
			return fmt.Errorf("allocating sink port: %w", err)
		}
		st.port = true
		sinkCfg.Port = port
	}
	ln, err := r.listen(sinkCfg)
	if err != nil {
		return err
	}
	st.ln = ln
	arts := expandArtifacts(sc.Artifacts, r.sinkReplacer(ln.Addr()))

	before, err := r.target.DeployAll(ctx, arts)
	res.Baseline = before
	if err != nil {
		return err
	}
	if err := m.Fire(ctx, EventDeploy); err != nil {
		return err
	}

	expected := 0
	restarted := false
	for i, b := range sc.Batches {
		if b.RestartBefore {
			if err := m.Fire(ctx, EventRestart); err != nil {
				return err
			}
			r.logger.Infof("scenario %s: restarting target before batch %d", sc.Name, i+1)
			if err := r.target.Restart(ctx); err != nil {
				return err
			}
			restarted = true
		}

		if err := m.Fire(ctx, EventInject); err != nil {
			return err
		}
		if st.sink == nil {
			sink, err := capture.StartWithListener(ctx, ln, r.cfg.Sink)
			if err != nil {
				return err
			}
			st.sink = sink
		}
		if restarted && len(b.Events) > 0 {
			// direct events go through the admin surface, which is down until the restart completes
			if err := r.awaitReady(ctx); err != nil {
				return err
			}
			restarted = false
		}
		if err := r.inject(ctx, b); err != nil {
			return err
		}
		if restarted {
			if err := r.awaitReady(ctx); err != nil {
				return err
			}
			restarted = false
		}

		expected += b.expected()
		if err := m.Fire(ctx, EventSettle); err != nil {
			return err
		}
		if err := r.settle(ctx, st.sink, expected); err != nil {
			return err
		}
		if got := st.sink.Count(); got != expected {
			return &VerificationMismatch{
				Scenario:  sc.Name,
				Phase:     fmt.Sprintf("batch %d", i+1),
				WantCount: expected,
				GotCount:  got,
			}
		}
		r.logger.Infof("scenario %s: batch %d settled at %d records", sc.Name, i+1, expected)
	}

	if err := m.Fire(ctx, EventVerify); err != nil {
		return err
	}
	return verify(sc, st.sink.Records())
}

func (r *Runner) inject(ctx context.Context, b Batch) error {
	if b.External != nil && len(b.External.Payloads) > 0 {
		if err := r.stimulus.InjectExternalBatch(ctx, b.External.Transport, b.External.Payloads); err != nil {
			return err
		}
	}
	if len(b.Events) > 0 {
		if err := r.stimulus.InjectAll(ctx, b.Events); err != nil {
			return err
		}
	}
	return nil
}

// awaitReady polls the target until it answers again, then renews the session.
func (r *Runner) awaitReady(ctx context.Context) error {
	cfg := r.pollConfig(r.cfg.RestartTimeout)
	err := backoff.WaitUntil(ctx, cfg, func(ctx context.Context) (bool, error) {
		if err := r.target.Ping(ctx); err != nil {
			return false, backoff.Retryable(err)
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("waiting for target after restart: %w", err)
	}
	return r.target.Refresh(ctx)
}

// settle waits until the sink holds expected records and the count has not
// changed for StableFor, or the count overshoots. Running out of
// SettleTimeout is not an error here; the caller compares counts afterwards.
// A deadline on ctx itself is.
func (r *Runner) settle(ctx context.Context, sink *capture.Sink, expected int) error {
	last := -1
	var since time.Time
	err := backoff.WaitUntil(ctx, r.pollConfig(r.cfg.SettleTimeout), func(context.Context) (bool, error) {
		n := sink.Count()
		if n > expected {
			return true, nil
		}
		if n != last {
			last = n
			since = time.Now()
		}
		return n == expected && time.Since(since) >= r.cfg.StableFor, nil
	})
	if errors.Is(err, backoff.ErrTimeout) && ctx.Err() == nil {
		r.logger.Warnf("settle timed out after %s with %d of %d records", r.cfg.SettleTimeout, sink.Count(), expected)
		return nil
	}
	if err != nil {
		return fmt.Errorf("settling with %d of %d records: %w", sink.Count(), expected, classify(err))
	}
	return nil
}

func (r *Runner) pollConfig(timeout time.Duration) backoff.Config {
	cfg := backoff.DefaultConfig(logger.ComponentPoller, r.logger)
	cfg.InitialInterval = r.cfg.PollInterval
	cfg.MaxInterval = 4 * r.cfg.PollInterval
	cfg.Timeout = timeout
	return cfg
}

// teardown undeploys everything, checks the active counts are back at the
// baseline and stops the sink, even when ctx is done.
func (r *Runner) teardown(ctx context.Context, st *run, before driver.Baseline) error {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.TeardownTimeout)
	defer cancel()

	errs := r.target.UndeployAll(tctx)
	if errs == nil && before != nil {
		after, err := r.target.Baseline(tctx)
		switch {
		case err != nil:
			errs = err
		case !maps.Equal(before, after):
			errs = fmt.Errorf("active artifacts not restored: before %v, after %v", before, after)
		}
	}
	switch {
	case st.sink != nil:
		errs = multierr.Append(errs, st.sink.Stop(tctx))
	case st.ln != nil:
		if err := st.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
	}
	if st.port {
		errs = multierr.Append(errs, r.ports.ReleasePort(st.name))
	}
	if errs != nil {
		r.logger.Warnf("teardown: %v", errs)
	}
	return errs
}

func verify(sc Scenario, got []wire.Record) error {
	if sc.Expected == nil {
		return nil
	}
	opts := cmp.Options{cmpopts.EquateEmpty()}
	if sc.Unordered {
		opts = append(opts, cmpopts.SortSlices(func(a, b wire.Record) bool { return a.Key() < b.Key() }))
	}
	if diff := cmp.Diff(sc.Expected, got, opts); diff != "" {
		return &VerificationMismatch{
			Scenario:  sc.Name,
			Phase:     "verify",
			WantCount: len(sc.Expected),
			GotCount:  len(got),
			Diff:      diff,
		}
	}
	return nil
}

// classify maps deadline failures onto ErrTimeout.
func classify(err error) error {
	if errors.Is(err, ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, backoff.ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

func (r *Runner) sinkReplacer(addr net.Addr) *strings.Replacer {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return strings.NewReplacer(PlaceholderSinkAddress, addr.String())
	}
	host := r.cfg.AdvertiseHost
	if host == "" {
		host = r.cfg.Sink.BindAddress
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
	}
	port := strconv.Itoa(tcp.Port)
	return strings.NewReplacer(
		PlaceholderSinkAddress, net.JoinHostPort(host, port),
		PlaceholderSinkHost, host,
		PlaceholderSinkPort, port,
	)
}

func expandArtifacts(arts []driver.Artifact, rep *strings.Replacer) []driver.Artifact {
	out := make([]driver.Artifact, len(arts))
	for i, a := range arts {
		a.Body = rep.Replace(a.Body)
		out[i] = a
	}
	return out
}
