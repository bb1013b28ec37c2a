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

// Package logctx carries structured logging fields on a context.Context so
// that storage calls log the request and command that issued them.
package logctx

import (
	"context"

	"github.com/go-logr/logr"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// Context keys for common logging fields.
const (
	// ContextKeyRequestID identifies one invocation (a CLI run or an API request).
	ContextKeyRequestID contextKey = "request_id"

	// ContextKeyCorrelationID links calls across processes.
	ContextKeyCorrelationID contextKey = "correlation_id"

	// ContextKeyCommand identifies the CLI command being run.
	ContextKeyCommand contextKey = "command"

	// ContextKeyBackend identifies the storage backend (e.g., "s3", "oss").
	ContextKeyBackend contextKey = "backend"

	// ContextKeyServerName identifies the key namespace.
	ContextKeyServerName contextKey = "server_name"
)

// allContextKeys lists all context keys that should be extracted for logging.
var allContextKeys = []contextKey{
	ContextKeyRequestID,
	ContextKeyCorrelationID,
	ContextKeyCommand,
	ContextKeyBackend,
	ContextKeyServerName,
}

// WithRequestID returns a new context with the request ID set.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// WithCorrelationID returns a new context with the correlation ID set.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, ContextKeyCorrelationID, correlationID)
}

// WithCommand returns a new context with the command name set.
func WithCommand(ctx context.Context, command string) context.Context {
	return context.WithValue(ctx, ContextKeyCommand, command)
}

// WithStorage returns a new context with the backend and server name set.
func WithStorage(ctx context.Context, backend, serverName string) context.Context {
	ctx = context.WithValue(ctx, ContextKeyBackend, backend)
	return context.WithValue(ctx, ContextKeyServerName, serverName)
}

// LogrValues extracts context values and returns them as key-value pairs
// suitable for use with logr.Logger.WithValues().
// Only non-empty values are included.
func LogrValues(ctx context.Context) []any {
	var values []any
	for _, key := range allContextKeys {
		if s := stringValue(ctx, key); s != "" {
			values = append(values, string(key), s)
		}
	}
	return values
}

// LoggerWithContext returns a logger enriched with all context values.
func LoggerWithContext(log logr.Logger, ctx context.Context) logr.Logger {
	values := LogrValues(ctx)
	if len(values) == 0 {
		return log
	}
	return log.WithValues(values...)
}

// RequestID extracts the request ID from the context.
func RequestID(ctx context.Context) string {
	return stringValue(ctx, ContextKeyRequestID)
}

// Command extracts the command name from the context.
func Command(ctx context.Context) string {
	return stringValue(ctx, ContextKeyCommand)
}

// Backend extracts the storage backend from the context.
func Backend(ctx context.Context) string {
	return stringValue(ctx, ContextKeyBackend)
}

// ServerName extracts the server name from the context.
func ServerName(ctx context.Context) string {
	return stringValue(ctx, ContextKeyServerName)
}

func stringValue(ctx context.Context, key contextKey) string {
	if s, ok := ctx.Value(key).(string); ok {
		return s
	}
	return ""
}
