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

package logctx

import (
	"context"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
)

func TestWithRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-456")

	if got := RequestID(ctx); got != "req-456" {
		t.Errorf("RequestID() = %q, want %q", got, "req-456")
	}
}

func TestWithCommand(t *testing.T) {
	ctx := WithCommand(context.Background(), "upload")

	if got := Command(ctx); got != "upload" {
		t.Errorf("Command() = %q, want %q", got, "upload")
	}
}

func TestWithStorage(t *testing.T) {
	ctx := WithStorage(context.Background(), "oss", "test")

	if got := Backend(ctx); got != "oss" {
		t.Errorf("Backend() = %q, want %q", got, "oss")
	}
	if got := ServerName(ctx); got != "test" {
		t.Errorf("ServerName() = %q, want %q", got, "test")
	}
}

func TestLogrValues(t *testing.T) {
	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithCorrelationID(ctx, "corr-1")
	ctx = WithStorage(ctx, "s3", "test")

	values := LogrValues(ctx)
	want := []any{
		"request_id", "req-1",
		"correlation_id", "corr-1",
		"backend", "s3",
		"server_name", "test",
	}
	if len(values) != len(want) {
		t.Fatalf("len(LogrValues) = %d, want %d", len(values), len(want))
	}
	for i := range want {
		if values[i] != want[i] {
			t.Errorf("values[%d] = %v, want %v", i, values[i], want[i])
		}
	}
}

func TestLogrValuesEmpty(t *testing.T) {
	if values := LogrValues(context.Background()); len(values) != 0 {
		t.Errorf("LogrValues(empty) = %v, want empty", values)
	}
}

func TestLogrValuesSkipsEmpty(t *testing.T) {
	ctx := WithRequestID(context.Background(), "")
	ctx = WithCommand(ctx, "list")

	if values := LogrValues(ctx); len(values) != 2 {
		t.Errorf("len(LogrValues) = %d, want 2", len(values))
	}
}

func TestLoggerWithContext(t *testing.T) {
	var lines []string
	log := funcr.New(func(prefix, args string) {
		lines = append(lines, args)
	}, funcr.Options{})

	ctx := WithStorage(context.Background(), "gcs", "test")
	LoggerWithContext(log, ctx).Info("listing")

	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	want := `"msg"="listing" "backend"="gcs" "server_name"="test"`
	if !strings.Contains(lines[0], want) {
		t.Errorf("got %s, want it to contain %s", lines[0], want)
	}
}

func TestLoggerWithContextEmpty(t *testing.T) {
	log := logr.Discard()
	enriched := LoggerWithContext(log, context.Background())
	enriched.Info("test message")
}

func TestGettersReturnEmptyOnWrongType(t *testing.T) {
	ctx := context.Background()
	ctx = context.WithValue(ctx, ContextKeyRequestID, 123)
	ctx = context.WithValue(ctx, ContextKeyBackend, true)

	if got := RequestID(ctx); got != "" {
		t.Errorf("RequestID() = %q, want empty for int value", got)
	}
	if got := Backend(ctx); got != "" {
		t.Errorf("Backend() = %q, want empty for bool value", got)
	}
}
