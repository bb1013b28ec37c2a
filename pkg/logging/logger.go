/*
Copyright 2026 Altaira Labs.

SPDX-License-Identifier: Apache-2.0

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging provides shared logger initialization for lager binaries.
package logging

import (
	"log/slog"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// EnvLogLevel names the environment variable holding the default log level,
// used when no --log-level flag is given.
const EnvLogLevel = "LOG_LEVEL"

// traceLevel enables logr V(2) through zapr, which maps V(n) to zap level -n.
const traceLevel = zapcore.Level(-2)

// NewZapLogger creates a *zap.Logger for level. "debug" selects a development
// config with logr V(1) output and "trace" additionally enables V(2). "warn"
// and "error" raise the production threshold. Any other value, including
// empty, selects the production config. Wrap the result with zapr.NewLogger
// and SlogFromZap to get logr and slog views of one core.
func NewZapLogger(level string) (*zap.Logger, error) {
	return newZapLogger(level)
}

// SlogFromZap creates an *slog.Logger that writes directly to the Zap core,
// so slog and logr output share one JSON structure, level names and
// timestamps.
func SlogFromZap(z *zap.Logger) *slog.Logger {
	return slog.New(zapslog.NewHandler(z.Core(), zapslog.WithCaller(true)))
}

func newZapLogger(level string) (*zap.Logger, error) {
	switch level {
	case "debug", "trace":
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		if level == "trace" {
			cfg.Level = zap.NewAtomicLevelAt(traceLevel)
		}
		return cfg.Build()
	case "warn", "error":
		cfg := zap.NewProductionConfig()
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		return cfg.Build()
	}
	return zap.NewProduction()
}
