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

// Package backoff provides bounded polling with exponential backoff. It
// replaces fixed sleeps: callers state the condition they wait for and the
// longest they are willing to wait.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ErrTimeout is returned when the condition did not hold before the timeout.
var ErrTimeout = errors.New("timed out waiting for condition")

// Config holds configuration for a bounded wait
type Config struct {
	// Initial poll interval
	InitialInterval time.Duration

	// Maximum poll interval
	MaxInterval time.Duration

	// Timeout bounds the whole wait; zero means only the context bounds it
	Timeout time.Duration

	// Component name for logging
	ComponentName string

	// Logger
	Logger *zap.SugaredLogger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig(componentName string, logger *zap.SugaredLogger) Config {
	return Config{
		InitialInterval: 25 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
		Timeout:         30 * time.Second,
		ComponentName:   componentName,
		Logger:          logger,
	}
}

// Condition reports whether the awaited state was reached. A non-nil error
// aborts the wait unless it is marked retryable with Retryable.
type Condition func(ctx context.Context) (bool, error)

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as transient: WaitUntil keeps polling and only
// reports err if the wait times out.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

var errNotYet = errors.New("condition not met")

// NewExponential builds the backoff policy used by WaitUntil.
func NewExponential(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		b.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		b.MaxInterval = cfg.MaxInterval
	}
	// the deadline is enforced through the context
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// WaitUntil polls cond until it returns true, a non retryable error, or the
// wait is bounded by cfg.Timeout or ctx. A timeout wraps ErrTimeout together
// with the last retryable error, if any.
func WaitUntil(ctx context.Context, cfg Config, cond Condition) error {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	var lastErr error
	attempts := 0
	op := func() error {
		attempts++
		ok, err := cond(ctx)
		var re *retryableError
		switch {
		case err != nil && errors.As(err, &re):
			lastErr = re.err
			return errNotYet
		case err != nil:
			return backoff.Permanent(err)
		case !ok:
			return errNotYet
		}
		return nil
	}

	start := time.Now()
	err := backoff.Retry(op, backoff.WithContext(NewExponential(cfg), ctx))
	if err == nil {
		log.Debugf("%s: condition met after %d attempts in %s", cfg.ComponentName, attempts, time.Since(start))
		return nil
	}
	if errors.Is(err, errNotYet) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			log.Debugf("%s: gave up after %d attempts in %s", cfg.ComponentName, attempts, time.Since(start))
			if errors.Is(ctxErr, context.Canceled) {
				return ctxErr
			}
			if lastErr != nil {
				return fmt.Errorf("%w after %s: %w", ErrTimeout, time.Since(start).Round(time.Millisecond), lastErr)
			}
			return fmt.Errorf("%w after %s", ErrTimeout, time.Since(start).Round(time.Millisecond))
		}
	}
	return err
}
