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

package storage

import (
	"context"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/altairalabs/lager/internal/tracing"
	"github.com/altairalabs/lager/pkg/keyname"
	"github.com/altairalabs/lager/pkg/logctx"
	"github.com/altairalabs/lager/pkg/metrics"
)

// Operation names used for metrics, spans and logs.
const (
	OpListFile             = "list_file"
	OpDeleteFile           = "delete_file"
	OpCopyFile             = "copy_file"
	OpUploadFile           = "upload_file"
	OpDownloadFile         = "download_file"
	OpSetFileAccessControl = "set_file_access_control"
	OpGetFileInfo          = "get_file_info"
	OpGenerateURL          = "generate_url"
	OpGenerateDownloadURL  = "generate_download_url"
)

// InstrumentOptions selects the telemetry applied by Instrument. Nil metrics
// or tracer disable that concern.
type InstrumentOptions struct {
	// Backend labels metrics and spans, e.g. "s3".
	Backend string
	// Metrics records operation counts, latency and bytes.
	Metrics *metrics.StorageMetrics
	// Tracer starts one client span per operation.
	Tracer *tracing.Provider
	// Logger receives failures at error level and every call at V(1).
	Logger logr.Logger
	// Limiter, when set, is waited on before every request to the backend.
	// A listing waits once, not once per page. URL signing is local and is
	// not limited.
	Limiter *rate.Limiter
}

// InstrumentedStorage decorates a Storage with metrics, tracing and logging.
type InstrumentedStorage struct {
	inner Storage
	obs   observer
}

// InstrumentedSignURL decorates a SignURL with metrics, tracing and logging.
type InstrumentedSignURL struct {
	inner SignURL
	obs   observer
}

// Instrument wraps inner so that every call is measured.
func Instrument(inner Storage, opts InstrumentOptions) *InstrumentedStorage {
	return &InstrumentedStorage{inner: inner, obs: newObserver(opts, inner.ServerName())}
}

// InstrumentSignURL wraps inner so that URL signing is measured.
func InstrumentSignURL(inner SignURL, opts InstrumentOptions) *InstrumentedSignURL {
	return &InstrumentedSignURL{inner: inner, obs: newObserver(opts, inner.ServerName())}
}

// Unwrap returns the decorated Storage.
func (s *InstrumentedStorage) Unwrap() Storage {
	return s.inner
}

func (s *InstrumentedStorage) ListFile(ctx context.Context, prefix keyname.Name, maxFiles int) iter.Seq2[keyname.Name, error] {
	return func(yield func(keyname.Name, error) bool) {
		call := s.obs.start(ctx, OpListFile, keyname.PrefixKey(s.inner.ServerName(), prefix))
		if err := call.throttle(); err != nil {
			yield(nil, err)
			return
		}
		var n int64
		var failed error
		for name, err := range s.inner.ListFile(call.ctx, prefix, maxFiles) {
			if err != nil {
				failed = err
			} else {
				n++
			}
			if !yield(name, err) {
				break
			}
		}
		call.counted(n)
		call.end(n > 0, failed)
	}
}

func (s *InstrumentedStorage) DeleteFile(ctx context.Context, name keyname.Name) (bool, error) {
	call := s.obs.start(ctx, OpDeleteFile, s.key(name))
	if err := call.throttle(); err != nil {
		return false, err
	}
	ok, err := s.inner.DeleteFile(call.ctx, name)
	call.end(ok, err)
	return ok, err
}

func (s *InstrumentedStorage) CopyFile(ctx context.Context, src, dst keyname.Name) (bool, error) {
	call := s.obs.start(ctx, OpCopyFile, s.key(src), "destination", s.key(dst))
	if err := call.throttle(); err != nil {
		return false, err
	}
	ok, err := s.inner.CopyFile(call.ctx, src, dst)
	call.end(ok, err)
	return ok, err
}

func (s *InstrumentedStorage) UploadFile(ctx context.Context, name keyname.Name, r io.Reader, opts UploadOptions) (bool, error) {
	call := s.obs.start(ctx, OpUploadFile, s.key(name), "contentType", opts.ContentType)
	if err := call.throttle(); err != nil {
		return false, err
	}
	counter := countReads(r)
	ok, err := s.inner.UploadFile(call.ctx, name, counter, opts)
	if ok {
		call.transferred(metrics.DirectionUpload, counter.count())
	}
	call.end(ok, err)
	return ok, err
}

func (s *InstrumentedStorage) DownloadFile(ctx context.Context, name keyname.Name, w io.Writer) (bool, error) {
	call := s.obs.start(ctx, OpDownloadFile, s.key(name))
	if err := call.throttle(); err != nil {
		return false, err
	}
	counter := &countingWriter{w: w}
	ok, err := s.inner.DownloadFile(call.ctx, name, counter)
	call.transferred(metrics.DirectionDownload, counter.n)
	call.end(ok, err)
	return ok, err
}

func (s *InstrumentedStorage) SetFileAccessControl(ctx context.Context, name keyname.Name, public bool) (bool, error) {
	call := s.obs.start(ctx, OpSetFileAccessControl, s.key(name), "public", public)
	if err := call.throttle(); err != nil {
		return false, err
	}
	ok, err := s.inner.SetFileAccessControl(call.ctx, name, public)
	call.end(ok, err)
	return ok, err
}

func (s *InstrumentedStorage) GetFileInfo(ctx context.Context, name keyname.Name) (*FileInfo, error) {
	call := s.obs.start(ctx, OpGetFileInfo, s.key(name))
	if err := call.throttle(); err != nil {
		return nil, err
	}
	info, err := s.inner.GetFileInfo(call.ctx, name)
	call.end(info != nil, err)
	return info, err
}

func (s *InstrumentedStorage) GenerateURL(ctx context.Context, name keyname.Name, duration time.Duration, method string) (string, error) {
	call := s.obs.start(ctx, OpGenerateURL, s.key(name), "duration", duration)
	u, err := s.inner.GenerateURL(call.ctx, name, duration, method)
	call.end(true, err)
	return u, err
}

func (s *InstrumentedStorage) ServerName() string {
	return s.inner.ServerName()
}

func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}

func (s *InstrumentedStorage) key(name keyname.Name) string {
	return keyname.Encode(s.inner.ServerName(), name)
}

// Unwrap returns the decorated SignURL.
func (u *InstrumentedSignURL) Unwrap() SignURL {
	return u.inner
}

func (u *InstrumentedSignURL) GenerateDownloadURL(ctx context.Context, name keyname.Name, duration time.Duration) (string, error) {
	call := u.obs.start(ctx, OpGenerateDownloadURL, keyname.Encode(u.inner.ServerName(), name), "duration", duration)
	signed, err := u.inner.GenerateDownloadURL(call.ctx, name, duration)
	call.end(true, err)
	return signed, err
}

func (u *InstrumentedSignURL) PublicDownloadURL(name keyname.Name) string {
	return u.inner.PublicDownloadURL(name)
}

func (u *InstrumentedSignURL) ServerName() string {
	return u.inner.ServerName()
}

// observer holds the telemetry sinks shared by the decorators.
type observer struct {
	backend    string
	serverName string
	metrics    *metrics.StorageMetrics
	tracer     *tracing.Provider
	limiter    *rate.Limiter
	log        logr.Logger
}

func newObserver(opts InstrumentOptions, serverName string) observer {
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return observer{
		backend:    opts.Backend,
		serverName: serverName,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		limiter:    opts.Limiter,
		log:        log.WithName("storage"),
	}
}

// call tracks one in-flight operation.
type call struct {
	obs   *observer
	ctx   context.Context
	span  trace.Span
	op    string
	log   logr.Logger
	start time.Time
}

func (o *observer) start(ctx context.Context, op, key string, kv ...any) *call {
	c := &call{obs: o, ctx: ctx, op: op, start: time.Now()}
	if o.tracer != nil {
		c.ctx, c.span = o.tracer.StartStorageSpan(ctx, o.backend, o.serverName, op, key)
	} else {
		c.span = trace.SpanFromContext(ctx)
	}
	log := logctx.LoggerWithContext(o.log, ctx)
	// The command layer may already have tagged ctx with the storage identity.
	if logctx.Backend(ctx) == "" {
		log = log.WithValues("backend", o.backend)
	}
	if logctx.ServerName(ctx) == "" && o.serverName != "" {
		log = log.WithValues("server_name", o.serverName)
	}
	c.log = log.WithValues("operation", op, "key", key).WithValues(kv...)
	return c
}

// throttle waits for the rate limiter. A failed wait ends the call.
func (c *call) throttle() error {
	if c.obs.limiter == nil {
		return nil
	}
	if err := c.obs.limiter.Wait(c.ctx); err != nil {
		err = fmt.Errorf("waiting for rate limiter: %w", err)
		c.end(false, err)
		return err
	}
	return nil
}

func (c *call) counted(n int64) {
	if c.obs.tracer != nil {
		tracing.SetCount(c.span, n)
	}
}

func (c *call) transferred(direction string, n int64) {
	if c.obs.metrics != nil {
		c.obs.metrics.RecordBytes(c.obs.backend, direction, n)
	}
	if c.obs.tracer != nil {
		tracing.SetBytes(c.span, n)
	}
}

// end records the outcome. found is the operation's boolean result (or
// non-nil info); it is ignored when err is set.
func (c *call) end(found bool, err error) {
	elapsed := time.Since(c.start)
	outcome := metrics.OutcomeOK
	switch {
	case err != nil:
		outcome = metrics.OutcomeError
	case !found:
		outcome = metrics.OutcomeAbsent
	}

	if c.obs.metrics != nil {
		c.obs.metrics.RecordOperation(c.obs.backend, c.op, outcome, elapsed)
	}
	if c.obs.tracer != nil {
		if err != nil {
			tracing.RecordError(c.span, err)
		} else {
			tracing.SetFound(c.span, found)
			tracing.SetSuccess(c.span)
		}
		c.span.End()
	}

	if err != nil {
		c.log.Error(err, "storage operation failed", "duration", elapsed)
		return
	}
	c.log.V(1).Info("storage operation", "outcome", outcome, "duration", elapsed)
}

// byteCounter is an io.Reader that reports how many bytes were consumed.
type byteCounter interface {
	io.Reader
	count() int64
}

// countReads wraps r, keeping io.Seeker when r has it so backends that
// rewind the body do not need to buffer it.
func countReads(r io.Reader) byteCounter {
	if rs, ok := r.(io.ReadSeeker); ok {
		return &countingReadSeeker{rs: rs}
	}
	return &countingReader{r: r}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReader) count() int64 { return c.n }

// countingReadSeeker reports the furthest offset read, so a rewound and
// re-sent body is not counted twice.
type countingReadSeeker struct {
	rs  io.ReadSeeker
	pos int64
	max int64
}

func (c *countingReadSeeker) Read(p []byte) (int, error) {
	n, err := c.rs.Read(p)
	c.pos += int64(n)
	c.max = max(c.max, c.pos)
	return n, err
}

func (c *countingReadSeeker) Seek(offset int64, whence int) (int64, error) {
	pos, err := c.rs.Seek(offset, whence)
	if err == nil {
		c.pos = pos
	}
	return pos, err
}

func (c *countingReadSeeker) count() int64 { return c.max }

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

var (
	_ Storage = (*InstrumentedStorage)(nil)
	_ SignURL = (*InstrumentedSignURL)(nil)
)
