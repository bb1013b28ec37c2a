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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/cobra"

	"github.com/altairalabs/lager/pkg/keyname"
	"github.com/altairalabs/lager/pkg/logctx"
	"github.com/altairalabs/lager/pkg/storage"
)

const (
	selftestURLExpiry   = time.Minute
	selftestContentType = "image/jpeg"
	operationsMetric    = "lager_storage_operations_total"
)

func newSelftestCmd(a *app) *cobra.Command {
	var (
		namespace string
		keep      bool
	)
	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Exercise every storage operation against the configured backend",
		Long: `Selftest uploads two small objects under a scratch namespace, then downloads,
copies, re-permissions, inspects, signs and lists them, checking each result.
The scratch objects are deleted afterwards unless --keep is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if namespace == "" {
				namespace = "selftest-" + uuid.NewString()
			}
			st := &selftest{
				app:     a,
				out:     cmd.OutOrStdout(),
				backend: string(a.opts.Backend),
				root:    keyname.New(namespace),
			}
			return st.run(cmd.Context(), keep)
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "", "scratch name prefix (default selftest-<uuid>)")
	cmd.Flags().BoolVar(&keep, "keep", false, "leave the scratch objects in place")
	return cmd
}

// selftest runs the round trip and collects failed checks.
type selftest struct {
	app      *app
	out      io.Writer
	backend  string
	root     keyname.Name
	failures []string
}

// fixture is one uploaded object and the name it is copied to.
type fixture struct {
	src, dst keyname.Name
	payload  []byte
}

func (s *selftest) run(ctx context.Context, keep bool) error {
	store := s.app.store
	fixtures := []fixture{
		{
			src:     s.root.Append("t1", "エグゼリカ01.jpg"),
			dst:     s.root.Append("t2", "エグゼリカ02.jpg"),
			payload: testPayload("exelica", 4096),
		},
		{
			src:     s.root.Append("t2", "takame01.jpg"),
			dst:     s.root.Append("t1", "takame02.jpg"),
			payload: testPayload("takame", 1500),
		},
	}
	invalid := s.root.Append("t3", "エグゼリカ01.jpg")

	if !keep {
		defer func() {
			for _, f := range fixtures {
				_, _ = store.DeleteFile(context.WithoutCancel(ctx), f.src)
				_, _ = store.DeleteFile(context.WithoutCancel(ctx), f.dst)
			}
		}()
	}

	for _, f := range fixtures {
		s.roundTrip(ctx, store, f)
	}

	ok, err := store.SetFileAccessControl(ctx, invalid, false)
	s.check("invalid acl", ok, err, !ok)
	info, err := store.GetFileInfo(ctx, invalid)
	s.check("invalid info", info, err, info == nil)
	u, err := store.GenerateURL(ctx, invalid, selftestURLExpiry, storage.MethodGet)
	s.check("invalid url", u, err, u != "")

	s.list(ctx, store, s.root, 4)
	s.list(ctx, store, s.root.Append("t1"), 2)
	s.list(ctx, store, s.root.Append("t2"), 2)

	s.signURLs(ctx, fixtures, invalid)
	s.summarize(ctx)

	if len(s.failures) > 0 {
		return fmt.Errorf("selftest: %d checks failed: %s", len(s.failures), strings.Join(s.failures, "; "))
	}
	fmt.Fprintf(s.out, "[%s] all checks passed\n", s.backend)
	return nil
}

func (s *selftest) roundTrip(ctx context.Context, store storage.Storage, f fixture) {
	ok, err := store.DeleteFile(ctx, f.src)
	s.check("delete status", ok, err, true)
	ok, err = store.DeleteFile(ctx, f.dst)
	s.check("delete status", ok, err, true)

	ok, err = store.UploadFile(ctx, f.src, bytes.NewReader(f.payload), storage.UploadOptions{
		ContentType: selftestContentType,
		Size:        int64(len(f.payload)),
	})
	s.check("upload status", ok, err, ok)

	var buf bytes.Buffer
	ok, err = store.DownloadFile(ctx, f.src, &buf)
	s.check("download status", ok, err, ok && bytes.Equal(buf.Bytes(), f.payload))

	ok, err = store.CopyFile(ctx, f.src, f.dst)
	s.check("copy status", ok, err, ok)

	for _, target := range []struct {
		name   keyname.Name
		public bool
	}{{f.src, false}, {f.dst, true}} {
		ok, err = store.SetFileAccessControl(ctx, target.name, target.public)
		if errors.Is(err, storage.ErrNotImplemented) {
			s.report(aclStep(target.public), "not supported by backend")
		} else {
			s.check(aclStep(target.public), ok, err, ok)
		}

		info, err := store.GetFileInfo(ctx, target.name)
		s.check("info", info, err, info != nil &&
			info.Size == int64(len(f.payload)) &&
			info.ContentType == selftestContentType)

		u, err := store.GenerateURL(ctx, target.name, selftestURLExpiry, storage.MethodGet)
		s.check("url", u, err, u != "")
	}
}

func (s *selftest) list(ctx context.Context, store storage.Storage, prefix keyname.Name, want int) {
	for _, limit := range []int{0, 1} {
		var names []string
		var failed error
		for name, err := range store.ListFile(ctx, prefix, limit) {
			if err != nil {
				failed = err
				break
			}
			names = append(names, namePath(name))
		}
		expected := want
		step := "list all file"
		if limit > 0 {
			expected = min(want, limit)
			step = "list one file"
		}
		s.check(step, names, failed, len(names) == expected)
	}
}

func (s *selftest) signURLs(ctx context.Context, fixtures []fixture, invalid keyname.Name) {
	signer, err := s.app.signURL(ctx)
	if errors.Is(err, storage.ErrInvalidConfig) {
		s.report("sign url", fmt.Sprintf("skipped: %v", err))
		return
	}
	if err != nil {
		s.check("sign url", nil, err, false)
		return
	}
	for _, f := range fixtures {
		u, err := signer.GenerateDownloadURL(ctx, f.src, selftestURLExpiry)
		s.check("private url", u, err, u != "")
		s.report("public url", signer.PublicDownloadURL(f.dst))
	}
	u, err := signer.GenerateDownloadURL(ctx, invalid, selftestURLExpiry)
	s.check("invalid url", u, err, u != "")
}

// summarize logs the per-operation outcome counts recorded while running.
func (s *selftest) summarize(ctx context.Context) {
	counts, err := operationCounts(s.app.prom)
	if err != nil {
		s.app.log.Error(err, "gathering selftest metrics")
		return
	}
	attrs := make([]any, 0, len(counts))
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Float64(k, counts[k]))
	}
	if s.app.slog != nil {
		s.app.slog.InfoContext(ctx, "selftest finished",
			slog.String("request_id", logctx.RequestID(ctx)),
			slog.String("command", logctx.Command(ctx)),
			slog.String("backend", s.backend),
			slog.Int("failures", len(s.failures)),
			slog.Group("operations", attrs...),
		)
	}
}

// check prints a step result and records a failure when err is set or pass
// is false.
func (s *selftest) check(step string, value any, err error, pass bool) {
	if err != nil {
		s.report(step, fmt.Sprintf("error: %v", err))
		s.failures = append(s.failures, fmt.Sprintf("%s: %v", step, err))
		return
	}
	s.report(step, value)
	if !pass {
		s.failures = append(s.failures, fmt.Sprintf("%s: unexpected result %v", step, value))
	}
}

func (s *selftest) report(step string, value any) {
	if info, ok := value.(*storage.FileInfo); ok && info != nil {
		value = *info
	}
	fmt.Fprintf(s.out, "[%s] %s: %v\n", s.backend, step, value)
}

func aclStep(public bool) string {
	if public {
		return "acl public"
	}
	return "acl private"
}

// testPayload returns n bytes that start with a JPEG SOI marker.
func testPayload(seed string, n int) []byte {
	b := make([]byte, 0, n)
	b = append(b, 0xff, 0xd8, 0xff, 0xe0)
	for len(b) < n {
		b = append(b, seed...)
	}
	return b[:n]
}

// operationCounts reads lager_storage_operations_total from g, keyed by
// "<operation>.<outcome>".
func operationCounts(g prometheus.Gatherer) (map[string]float64, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, err
	}
	counts := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != operationsMetric {
			continue
		}
		for _, m := range mf.GetMetric() {
			op, outcome := labelValue(m, "operation"), labelValue(m, "outcome")
			counts[op+"."+outcome] += m.GetCounter().GetValue()
		}
	}
	return counts, nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
