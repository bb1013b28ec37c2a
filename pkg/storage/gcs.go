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
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/altairalabs/lager/pkg/keyname"
)

const gcsPublicHost = "https://storage.googleapis.com"

// GCSStorage implements Storage using Google Cloud Storage.
type GCSStorage struct {
	keyname.Namer
	client *storage.Client
	bucket *storage.BucketHandle
}

// GCSSignURL implements SignURL using GCS V4 signed URLs.
type GCSSignURL struct {
	keyname.Namer
	client     *storage.Client
	bucket     *storage.BucketHandle
	publicBase string
}

// NewGCSStorage creates a new GCS-backed Storage.
func NewGCSStorage(ctx context.Context, cfg Config) (*GCSStorage, error) {
	client, err := newGCSClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newGCSStorageWithClient(client, cfg), nil
}

// NewGCSSignURL creates a SignURL for GCS.
func NewGCSSignURL(ctx context.Context, cfg Config) (*GCSSignURL, error) {
	client, err := newGCSClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	base := gcsPublicHost + "/" + cfg.Bucket
	if cfg.PublicBaseURL != "" {
		base = strings.TrimRight(cfg.PublicBaseURL, "/")
	}
	return &GCSSignURL{
		Namer:      keyname.NewNamer(cfg.ServerName),
		client:     client,
		bucket:     client.Bucket(cfg.Bucket),
		publicBase: base,
	}, nil
}

func newGCSStorageWithClient(client *storage.Client, cfg Config) *GCSStorage {
	return &GCSStorage{
		Namer:  keyname.NewNamer(cfg.ServerName),
		client: client,
		bucket: client.Bucket(cfg.Bucket),
	}
}

func newGCSClient(ctx context.Context, cfg Config) (*storage.Client, error) {
	if err := cfg.require("serverName", "bucket"); err != nil {
		return nil, err
	}

	var opts []option.ClientOption
	switch {
	case len(cfg.GCS.CredentialsJSON) > 0:
		opts = append(opts, option.WithCredentialsJSON(cfg.GCS.CredentialsJSON))
	case cfg.GCS.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.GCS.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return client, nil
}

// ListFile iterates the bucket under prefix. The object iterator fetches
// pages on demand.
func (g *GCSStorage) ListFile(ctx context.Context, prefix keyname.Name, maxFiles int) iter.Seq2[keyname.Name, error] {
	query := &storage.Query{Prefix: g.Prefix(prefix)}
	if err := query.SetAttrSelection([]string{"Name"}); err != nil {
		return errSeq(fmt.Errorf("gcs list: %w", err))
	}

	seq := func(yield func(keyname.Name, error) bool) {
		it := g.bucket.Objects(ctx, query)
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("gcs list: %w", err))
				return
			}
			name, err := g.Name(attrs.Name)
			if !yield(name, err) || err != nil {
				return
			}
		}
	}
	return limitNames(seq, maxFiles)
}

// DeleteFile deletes the object. GCS reports a missing object in the delete
// response itself.
func (g *GCSStorage) DeleteFile(ctx context.Context, name keyname.Name) (bool, error) {
	if err := g.bucket.Object(g.Key(name)).Delete(ctx); err != nil {
		if isGCSNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("gcs delete: %w", err)
	}
	return true, nil
}

func (g *GCSStorage) CopyFile(ctx context.Context, src, dst keyname.Name) (bool, error) {
	srcObj := g.bucket.Object(g.Key(src))
	dstObj := g.bucket.Object(g.Key(dst))
	if _, err := dstObj.CopierFrom(srcObj).Run(ctx); err != nil {
		if isGCSNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("gcs copy: %w", err)
	}
	return true, nil
}

// UploadFile writes with a DoesNotExist precondition, so an existing object
// is never overwritten.
func (g *GCSStorage) UploadFile(ctx context.Context, name keyname.Name, r io.Reader, opts UploadOptions) (bool, error) {
	// Cancelling the writer's context is the only way to abandon a GCS
	// upload; Close would commit whatever was written so far.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	obj := g.bucket.Object(g.Key(name)).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ContentType = opts.ContentType

	if _, err := io.Copy(w, r); err != nil {
		cancel()
		_ = w.Close()
		if isGCSPreconditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("gcs put write: %w", err)
	}
	if err := w.Close(); err != nil {
		if isGCSPreconditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("gcs put close: %w", err)
	}
	return true, nil
}

func (g *GCSStorage) DownloadFile(ctx context.Context, name keyname.Name, w io.Writer) (bool, error) {
	r, err := g.bucket.Object(g.Key(name)).NewReader(ctx)
	if err != nil {
		if isGCSNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("gcs get: %w", err)
	}
	defer func() { _ = r.Close() }()

	if _, err := io.Copy(w, r); err != nil {
		return false, fmt.Errorf("gcs read body: %w", err)
	}
	return true, nil
}

// SetFileAccessControl applies the publicRead or private predefined ACL.
// Buckets with uniform bucket-level access reject per-object ACLs.
func (g *GCSStorage) SetFileAccessControl(ctx context.Context, name keyname.Name, public bool) (bool, error) {
	acl := "private"
	if public {
		acl = "publicRead"
	}
	_, err := g.bucket.Object(g.Key(name)).Update(ctx, storage.ObjectAttrsToUpdate{PredefinedACL: acl})
	if err != nil {
		if isGCSNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("gcs update acl: %w", err)
	}
	return true, nil
}

func (g *GCSStorage) GetFileInfo(ctx context.Context, name keyname.Name) (*FileInfo, error) {
	attrs, err := g.bucket.Object(g.Key(name)).Attrs(ctx)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("gcs attrs: %w", err)
	}

	// Composite objects carry no MD5.
	sum := hexDigest(attrs.MD5)
	if sum == "" {
		sum = trimETag(attrs.Etag)
	}
	return &FileInfo{
		ContentType: attrs.ContentType,
		Size:        attrs.Size,
		Checksum:    Checksum{MD5: sum},
	}, nil
}

func (g *GCSStorage) GenerateURL(_ context.Context, name keyname.Name, duration time.Duration, method string) (string, error) {
	if err := CheckMethod(method); err != nil {
		return "", err
	}
	return signGCSGet(g.bucket, g.Key(name), duration)
}

func (g *GCSStorage) Close() error {
	return g.client.Close()
}

func (u *GCSSignURL) GenerateDownloadURL(_ context.Context, name keyname.Name, duration time.Duration) (string, error) {
	return signGCSGet(u.bucket, u.Key(name), duration)
}

func (u *GCSSignURL) PublicDownloadURL(name keyname.Name) string {
	return u.publicBase + "/" + escapeKey(u.Key(name))
}

// Close releases the underlying client.
func (u *GCSSignURL) Close() error {
	return u.client.Close()
}

func signGCSGet(bucket *storage.BucketHandle, key string, duration time.Duration) (string, error) {
	url, err := bucket.SignedURL(key, &storage.SignedURLOptions{
		Method:  http.MethodGet,
		Expires: time.Now().Add(duration),
		Scheme:  storage.SigningSchemeV4,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate signed URL: %w", err)
	}
	return url, nil
}

func isGCSNotFound(err error) bool {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return true
	}
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

func isGCSPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

var (
	_ Storage = (*GCSStorage)(nil)
	_ SignURL = (*GCSSignURL)(nil)
)
