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

// Package storage forwards file operations addressed by keyname.Name to
// cloud object storage backends (S3 and S3-compatible services such as
// Aliyun OSS, Google Cloud Storage, Azure Blob Storage) and an in-memory
// backend for tests.
//
// A missing object is a normal outcome: operations report it through a false
// or nil result, never through an error. Errors are reserved for backend
// failures (auth, network, quota), which are wrapped but not translated.
package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/altairalabs/lager/pkg/keyname"
)

// MethodGet is the only method GenerateURL supports.
const MethodGet = "GET"

// Common errors returned by storage implementations.
var (
	// ErrUnsupportedMethod is returned when a URL is requested for a method other than GET.
	ErrUnsupportedMethod = errors.New("unsupported method")
	// ErrUnknownType is returned when a factory is asked for an unregistered backend.
	ErrUnknownType = errors.New("unknown storage type")
	// ErrNotImplemented is returned when a backend has no primitive for an operation.
	ErrNotImplemented = errors.New("not implemented")
	// ErrInvalidConfig is returned when a required construction parameter is missing.
	ErrInvalidConfig = errors.New("invalid storage config")
	// ErrInvalidName is returned when a name cannot be mapped onto a backend
	// that interprets key segments, such as the local filesystem.
	ErrInvalidName = errors.New("invalid name")
)

// Checksum holds content hashes reported by the backend.
type Checksum struct {
	// MD5 is the lowercase hex MD5 (or the backend ETag when no MD5 is stored).
	MD5 string `json:"md5"`
}

// FileInfo is a metadata snapshot of a stored object.
type FileInfo struct {
	ContentType string   `json:"content_type"`
	Size        int64    `json:"size"`
	Checksum    Checksum `json:"checksum"`
}

// UploadOptions carries optional upload parameters.
type UploadOptions struct {
	// ContentType is stored with the object. Empty lets the backend decide.
	ContentType string
	// Size is the exact byte count of the reader, or <= 0 when unknown.
	Size int64
}

// Storage is the file API over one bucket and one server namespace.
type Storage interface {
	// ListFile yields the names of all objects under prefix. When maxFiles > 0
	// the sequence stops after maxFiles names. Pages are fetched lazily, so
	// breaking out of the loop stops listing. Order is backend-defined.
	ListFile(ctx context.Context, prefix keyname.Name, maxFiles int) iter.Seq2[keyname.Name, error]

	// DeleteFile removes the object and reports whether it existed.
	DeleteFile(ctx context.Context, name keyname.Name) (bool, error)

	// CopyFile copies src over dst and reports whether src existed.
	CopyFile(ctx context.Context, src, dst keyname.Name) (bool, error)

	// UploadFile writes r to name unless an object already exists there.
	// It reports whether the write happened.
	UploadFile(ctx context.Context, name keyname.Name, r io.Reader, opts UploadOptions) (bool, error)

	// DownloadFile copies the object into w and reports whether it existed.
	DownloadFile(ctx context.Context, name keyname.Name, w io.Writer) (bool, error)

	// SetFileAccessControl makes the object public-read or private and
	// reports whether it existed.
	SetFileAccessControl(ctx context.Context, name keyname.Name, public bool) (bool, error)

	// GetFileInfo returns object metadata, or nil when the object is absent.
	GetFileInfo(ctx context.Context, name keyname.Name) (*FileInfo, error)

	// GenerateURL returns a signed URL valid for duration. Only GET (or the
	// empty string) is accepted; any other method yields ErrUnsupportedMethod.
	GenerateURL(ctx context.Context, name keyname.Name, duration time.Duration, method string) (string, error)

	// ServerName returns the namespace all names are resolved in.
	ServerName() string

	// Close releases any resources held by the storage.
	Close() error
}

// SignURL builds download URLs without touching object data.
type SignURL interface {
	// GenerateDownloadURL returns a backend-signed GET URL valid for duration.
	GenerateDownloadURL(ctx context.Context, name keyname.Name, duration time.Duration) (string, error)

	// PublicDownloadURL returns the stable public URL of the object. It does
	// not check that the object exists or is publicly readable.
	PublicDownloadURL(name keyname.Name) string

	// ServerName returns the namespace all names are resolved in.
	ServerName() string
}

// defaultContentType is stored when an upload does not name one.
const defaultContentType = "application/octet-stream"

// CheckMethod accepts GET, in any case, and the empty string. Any other
// method yields ErrUnsupportedMethod.
func CheckMethod(method string) error {
	if method == "" || strings.EqualFold(method, MethodGet) {
		return nil
	}
	return fmt.Errorf("%w: %s (only GET is supported)", ErrUnsupportedMethod, method)
}

// ExpireTime returns the Unix time duration from now.
func ExpireTime(duration time.Duration) int64 {
	return time.Now().Add(duration).Unix()
}

// limitNames truncates seq after maxFiles names when maxFiles > 0.
func limitNames(seq iter.Seq2[keyname.Name, error], maxFiles int) iter.Seq2[keyname.Name, error] {
	if maxFiles <= 0 {
		return seq
	}
	return func(yield func(keyname.Name, error) bool) {
		n := 0
		for name, err := range seq {
			if !yield(name, err) {
				return
			}
			if err != nil {
				return
			}
			n++
			if n >= maxFiles {
				return
			}
		}
	}
}

// errSeq yields a single error.
func errSeq(err error) iter.Seq2[keyname.Name, error] {
	return func(yield func(keyname.Name, error) bool) {
		yield(nil, err)
	}
}

// escapeKey path-escapes every segment of key, keeping the separators.
func escapeKey(key string) string {
	parts := strings.Split(key, keyname.Separator)
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, keyname.Separator)
}

// hexDigest renders a raw digest as lowercase hex. GCS and Azure hand back
// the MD5 bytes; S3 reports it as the ETag.
func hexDigest(raw []byte) string {
	return hex.EncodeToString(raw)
}

// trimETag strips the quotes S3-compatible services put around ETags.
func trimETag(etag string) string {
	return strings.ToLower(strings.Trim(etag, `"`))
}

// tracedHTTPClient returns the HTTP client handed to the Azure SDK. Requests
// become child spans of the storage span in the request context.
func tracedHTTPClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}
