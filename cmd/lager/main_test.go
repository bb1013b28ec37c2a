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
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altairalabs/lager/internal/config"
	"github.com/altairalabs/lager/pkg/keyname"
	"github.com/altairalabs/lager/pkg/logctx"
	"github.com/altairalabs/lager/pkg/metrics"
	"github.com/altairalabs/lager/pkg/storage"
)

// sharedRegistry serves one MemoryStorage to every invocation so state
// survives between commands.
func sharedRegistry(t *testing.T) (*storage.Registry, *storage.MemoryStorage) {
	t.Helper()
	shared, err := storage.NewMemoryStorage(storage.Config{ServerName: "test"})
	require.NoError(t, err)

	reg := storage.NewRegistry()
	reg.Register(string(storage.BackendMemory),
		func(context.Context, storage.Config) (storage.Storage, error) {
			return shared, nil
		},
		func(_ context.Context, cfg storage.Config) (storage.SignURL, error) {
			return storage.NewMemorySignURL(cfg)
		},
	)
	return reg, shared
}

func execute(t *testing.T, reg *storage.Registry, args ...string) (string, error) {
	t.Helper()
	t.Setenv(config.EnvServerName, "test")

	a := newApp(reg)
	defer a.teardown()

	cmd := newRootCmd(a)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--backend", "memory", "--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommands_RoundTrip(t *testing.T) {
	reg, shared := sharedRegistry(t)

	path := filepath.Join(t.TempDir(), "a.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg bytes"), 0o600))

	out, err := execute(t, reg, "upload", "t1/a.jpg", path)
	require.NoError(t, err)
	assert.Equal(t, "true\n", out)

	out, err = execute(t, reg, "upload", "t1/a.jpg", path)
	require.NoError(t, err)
	assert.Equal(t, "false\n", out)

	out, err = execute(t, reg, "info", "t1/a.jpg")
	require.NoError(t, err)
	assert.Contains(t, out, `"content_type":"image/jpeg"`)
	assert.Contains(t, out, `"size":10`)

	out, err = execute(t, reg, "download", "t1/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "jpeg bytes", out)

	out, err = execute(t, reg, "copy", "t1/a.jpg", "t2/b.jpg")
	require.NoError(t, err)
	assert.Equal(t, "true\n", out)

	out, err = execute(t, reg, "acl", "t2/b.jpg", "--public")
	require.NoError(t, err)
	assert.Equal(t, "true\n", out)
	public, exists := shared.IsPublic(keyname.New("t2", "b.jpg"))
	assert.True(t, exists)
	assert.True(t, public)

	out, err = execute(t, reg, "list")
	require.NoError(t, err)
	assert.Equal(t, "t1/a.jpg\nt2/b.jpg\n", out)

	out, err = execute(t, reg, "list", "t2", "--max", "1")
	require.NoError(t, err)
	assert.Equal(t, "t2/b.jpg\n", out)

	out, err = execute(t, reg, "delete", "t1/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "true\n", out)

	out, err = execute(t, reg, "delete", "t1/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "false\n", out)

	out, err = execute(t, reg, "info", "t1/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "null\n", out)
}

func TestCommands_UploadStdin(t *testing.T) {
	reg, shared := sharedRegistry(t)
	t.Setenv(config.EnvServerName, "test")

	a := newApp(reg)
	defer a.teardown()
	cmd := newRootCmd(a)
	cmd.SetIn(strings.NewReader("from stdin"))
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"--backend", "memory", "upload", "notes.txt", "-", "--content-type", "text/plain"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	info, err := shared.GetFileInfo(context.Background(), keyname.New("notes.txt"))
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "text/plain", info.ContentType)
	assert.Equal(t, int64(10), info.Size)
}

func TestCommands_DownloadToFile(t *testing.T) {
	reg, shared := sharedRegistry(t)
	_, err := shared.UploadFile(context.Background(), keyname.New("x.bin"), strings.NewReader("payload"), storage.UploadOptions{})
	require.NoError(t, err)

	dir := t.TempDir()
	out, err := execute(t, reg, "download", "x.bin", filepath.Join(dir, "x.bin"))
	require.NoError(t, err)
	assert.Equal(t, "true\n", out)
	data, err := os.ReadFile(filepath.Join(dir, "x.bin"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	out, err = execute(t, reg, "download", "missing", filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Equal(t, "false\n", out)
	_, err = os.Stat(filepath.Join(dir, "missing"))
	assert.True(t, os.IsNotExist(err))

	_, err = execute(t, reg, "download", "missing")
	assert.ErrorContains(t, err, "not found")

	// An absent object leaves an existing target alone.
	keep := filepath.Join(dir, "keep.txt")
	require.NoError(t, os.WriteFile(keep, []byte("mine"), 0o600))
	out, err = execute(t, reg, "download", "missing", keep)
	require.NoError(t, err)
	assert.Equal(t, "false\n", out)
	data, err = os.ReadFile(keep)
	require.NoError(t, err)
	assert.Equal(t, "mine", string(data))

	out, err = execute(t, reg, "download", "x.bin", keep)
	require.NoError(t, err)
	assert.Equal(t, "true\n", out)
	data, err = os.ReadFile(keep)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temporary files are left behind")
}

func TestCommands_URLs(t *testing.T) {
	reg, _ := sharedRegistry(t)

	out, err := execute(t, reg, "url", "t1/a.jpg", "--expires", "1m")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "memory://memory/test/t1/a.jpg?expires="), out)

	out, err = execute(t, reg, "url", "t1/a.jpg", "--sign-only")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "memory://memory/test/t1/a.jpg?expires="), out)

	_, err = execute(t, reg, "url", "t1/a.jpg", "--method", "PUT")
	assert.ErrorIs(t, err, storage.ErrUnsupportedMethod)

	_, err = execute(t, reg, "url", "t1/a.jpg", "--sign-only", "--method", "PUT")
	assert.ErrorIs(t, err, storage.ErrUnsupportedMethod)

	out, err = execute(t, reg, "public-url", "t1/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "memory://memory/test/t1/a.jpg\n", out)
}

func TestSelftest(t *testing.T) {
	reg, shared := sharedRegistry(t)

	out, err := execute(t, reg, "selftest")
	require.NoError(t, err, out)
	assert.Contains(t, out, "[memory] upload status: true")
	assert.Contains(t, out, "[memory] invalid info: <nil>")
	assert.Contains(t, out, "[memory] invalid acl: false")
	assert.Contains(t, out, "[memory] all checks passed")

	var left int
	for range shared.ListFile(context.Background(), keyname.Name{}, 0) {
		left++
	}
	assert.Zero(t, left)
}

func TestSelftest_Keep(t *testing.T) {
	reg, shared := sharedRegistry(t)

	_, err := execute(t, reg, "selftest", "--namespace", "scratch", "--keep")
	require.NoError(t, err)

	var names []keyname.Name
	for name, err := range shared.ListFile(context.Background(), keyname.New("scratch"), 0) {
		require.NoError(t, err)
		names = append(names, name)
	}
	assert.Len(t, names, 4)
}

func TestSelftest_Local(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.EnvLocalBasePath, dir)

	out, err := execute(t, storage.DefaultRegistry(), "--backend", "local", "selftest", "--namespace", "scratch")
	require.NoError(t, err, out)
	assert.Contains(t, out, "[local] acl public: true")
	assert.Contains(t, out, "[local] private url: file://")
	assert.Contains(t, out, "[local] all checks passed")

	entries, err := os.ReadDir(filepath.Join(dir, "test"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSetup_Errors(t *testing.T) {
	reg, _ := sharedRegistry(t)

	_, err := execute(t, reg, "--backend", "nope", "list")
	assert.ErrorIs(t, err, storage.ErrUnknownType)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tracing:\n  enabled: true\n"), 0o600))
	_, err = execute(t, reg, "--config", path, "list")
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestSetup_LogContext(t *testing.T) {
	reg, _ := sharedRegistry(t)
	t.Setenv(config.EnvServerName, "test")

	a := newApp(reg)
	defer a.teardown()
	root := newRootCmd(a)
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"--backend", "memory", "--log-level", "error", "--correlation-id", "c-42", "list"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	list, _, err := root.Find([]string{"list"})
	require.NoError(t, err)
	ctx := list.Context()
	assert.NotEmpty(t, logctx.RequestID(ctx))
	assert.Equal(t, "list", logctx.Command(ctx))
	assert.Equal(t, "memory", logctx.Backend(ctx))
	assert.Equal(t, "test", logctx.ServerName(ctx))
	assert.Subset(t, logctx.LogrValues(ctx), []any{"correlation_id", "c-42"})
}

func TestOperationCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewStorageMetricsWithRegistry(reg)
	m.RecordOperation("memory", storage.OpUploadFile, metrics.OutcomeOK, time.Millisecond)
	m.RecordOperation("memory", storage.OpUploadFile, metrics.OutcomeOK, time.Millisecond)
	m.RecordOperation("memory", storage.OpDeleteFile, metrics.OutcomeAbsent, time.Millisecond)

	counts, err := operationCounts(reg)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{
		"upload_file.ok":     2,
		"delete_file.absent": 1,
	}, counts)
}

func TestTestPayload(t *testing.T) {
	p := testPayload("ab", 9)
	assert.Len(t, p, 9)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff, 0xe0, 'a', 'b', 'a', 'b', 'a'}, p)
}
