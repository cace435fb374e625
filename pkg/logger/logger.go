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

// Package logger provides the process-wide zap logger and named component loggers.
//
// Components never build their own zap instance. They ask for a named child:
//
//	log := logger.For(logger.ComponentCaptureSink)
//	log.Debugf("accepted connection %s", id)
package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvLogLevel selects the logger flavour. DEVELOPMENT or DEBUG yields a
// human readable console logger, anything else a JSON production logger.
const EnvLogLevel = "LOGGING_LEVEL"

var (
	initOnce sync.Once
	mu       sync.RWMutex
	base     *zap.Logger
)

// Initialize sets up the global logger from the environment. It is safe to
// call more than once; only the first call has an effect.
func Initialize() {
	initOnce.Do(func() {
		SetBase(New(os.Getenv(EnvLogLevel)))
	})
}

// New builds a zap logger for the given level string.
func New(level string) *zap.Logger {
	var cfg zap.Config
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEVELOPMENT", "DEBUG":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "WARN":
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	default:
		cfg = zap.NewProductionConfig()
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// SetBase replaces the global logger. Tests use it to route output through zaptest.
func SetBase(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	base = l
	zap.ReplaceGlobals(l)
}

// For returns a sugared logger named after the component.
func For(component string) *zap.SugaredLogger {
	Initialize()
	mu.RLock()
	defer mu.RUnlock()
	return base.Sugar().Named(component)
}

// Sync flushes buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if base != nil {
		_ = base.Sync()
	}
}
