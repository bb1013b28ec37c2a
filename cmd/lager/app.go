/*
Copyright 2025.

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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/altairalabs/lager/internal/config"
	"github.com/altairalabs/lager/internal/tracing"
	"github.com/altairalabs/lager/pkg/logctx"
	"github.com/altairalabs/lager/pkg/logging"
	"github.com/altairalabs/lager/pkg/metrics"
	"github.com/altairalabs/lager/pkg/storage"
)

const shutdownTimeout = 5 * time.Second

// app holds the flags and the per-invocation state shared by all commands.
type app struct {
	configPath  string
	backend     string
	logLevel    string
	metricsAddr string
	correlation string

	registry *storage.Registry
	prom     *prometheus.Registry

	opts    config.Options
	log     logr.Logger
	slog    *slog.Logger
	tracer  *tracing.Provider
	metrics *metrics.StorageMetrics
	limiter *rate.Limiter
	store   *storage.InstrumentedStorage

	cleanups []func()
}

func newApp(registry *storage.Registry) *app {
	return &app{
		registry: registry,
		prom:     prometheus.NewRegistry(),
		log:      logr.Discard(),
	}
}

// setup loads configuration and opens the configured backend. It runs before
// every subcommand.
func (a *app) setup(cmd *cobra.Command) error {
	ctx := cmd.Context()

	opts, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.backend != "" {
		opts.Backend = storage.BackendType(a.backend)
	}
	if a.logLevel != "" {
		opts.LogLevel = a.logLevel
	}
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.opts = opts

	// --- Logger ---
	level := opts.LogLevel
	if level == "" {
		level = os.Getenv(logging.EnvLogLevel)
	}
	zapLog, err := logging.NewZapLogger(level)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	a.onClose(func() { _ = zapLog.Sync() })
	a.log = zapr.NewLogger(zapLog).WithName("lager")
	a.slog = logging.SlogFromZap(zapLog)

	// --- Tracing ---
	a.tracer, err = tracing.NewProvider(ctx, opts.Tracing)
	if err != nil {
		return fmt.Errorf("creating tracing provider: %w", err)
	}
	a.onClose(func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = a.tracer.Shutdown(shutCtx)
	})

	// --- Metrics ---
	a.metrics = metrics.NewStorageMetricsWithRegistry(a.prom)
	if a.metricsAddr != "" {
		a.serveMetrics()
	}

	a.limiter = opts.RateLimit.Limiter()

	// --- Storage ---
	backend := string(opts.Backend)
	inner, err := a.registry.NewStorage(ctx, backend, opts.StorageConfig())
	if err != nil {
		return fmt.Errorf("opening %s storage: %w", backend, err)
	}
	a.store = storage.Instrument(inner, a.instrumentOptions())
	a.onClose(func() {
		if err := a.store.Close(); err != nil {
			a.log.Error(err, "closing storage")
		}
	})

	ctx = logctx.WithRequestID(ctx, uuid.NewString())
	ctx = logctx.WithCommand(ctx, cmd.Name())
	ctx = logctx.WithStorage(ctx, backend, opts.Storage.ServerName)
	if a.correlation != "" {
		ctx = logctx.WithCorrelationID(ctx, a.correlation)
	}
	cmd.SetContext(ctx)
	return nil
}

// signURL opens the SignURL of the configured backend. It is built on demand
// since some backends need credentials for signing that storage access does
// not.
func (a *app) signURL(ctx context.Context) (*storage.InstrumentedSignURL, error) {
	backend := string(a.opts.Backend)
	inner, err := a.registry.NewSignURL(ctx, backend, a.opts.StorageConfig())
	if err != nil {
		return nil, fmt.Errorf("opening %s signer: %w", backend, err)
	}
	if c, ok := inner.(interface{ Close() error }); ok {
		a.onClose(func() { _ = c.Close() })
	}
	return storage.InstrumentSignURL(inner, a.instrumentOptions()), nil
}

func (a *app) instrumentOptions() storage.InstrumentOptions {
	return storage.InstrumentOptions{
		Backend: string(a.opts.Backend),
		Metrics: a.metrics,
		Tracer:  a.tracer,
		Logger:  a.log,
		Limiter: a.limiter,
	}
}

func (a *app) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.prom, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: a.metricsAddr, Handler: mux, ReadHeaderTimeout: shutdownTimeout}
	go func() {
		a.log.Info("starting metrics server", "addr", a.metricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error(err, "metrics server error")
		}
	}()
	a.onClose(func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	})
}

func (a *app) onClose(fn func()) {
	a.cleanups = append(a.cleanups, fn)
}

// teardown runs cleanups in reverse registration order.
func (a *app) teardown() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}
