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
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/altairalabs/lager/pkg/keyname"
)

const memoryScheme = "memory://"

type memoryObject struct {
	data        []byte
	contentType string
	public      bool
}

// MemoryStorage is a thread-safe in-memory Storage for tests and dry runs.
type MemoryStorage struct {
	keyname.Namer
	bucket string

	mu      sync.RWMutex
	objects map[string]memoryObject
}

// MemorySignURL builds memory:// URLs for MemoryStorage objects.
type MemorySignURL struct {
	keyname.Namer
	publicBase string
}

// NewMemoryStorage creates an empty in-memory Storage.
func NewMemoryStorage(cfg Config) (*MemoryStorage, error) {
	if err := cfg.require("serverName"); err != nil {
		return nil, err
	}
	return &MemoryStorage{
		Namer:   keyname.NewNamer(cfg.ServerName),
		bucket:  memoryBucket(cfg),
		objects: make(map[string]memoryObject),
	}, nil
}

// NewMemorySignURL creates a SignURL producing memory:// URLs.
func NewMemorySignURL(cfg Config) (*MemorySignURL, error) {
	if err := cfg.require("serverName"); err != nil {
		return nil, err
	}
	base := memoryScheme + memoryBucket(cfg)
	if cfg.PublicBaseURL != "" {
		base = strings.TrimRight(cfg.PublicBaseURL, "/")
	}
	return &MemorySignURL{
		Namer:      keyname.NewNamer(cfg.ServerName),
		publicBase: base,
	}, nil
}

func memoryBucket(cfg Config) string {
	if cfg.Bucket == "" {
		return "memory"
	}
	return cfg.Bucket
}

// ListFile yields the names under prefix in key order.
func (m *MemoryStorage) ListFile(_ context.Context, prefix keyname.Name, maxFiles int) iter.Seq2[keyname.Name, error] {
	pk := m.Prefix(prefix)

	m.mu.RLock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, pk) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)

	seq := func(yield func(keyname.Name, error) bool) {
		for _, k := range keys {
			name, err := m.Name(k)
			if !yield(name, err) || err != nil {
				return
			}
		}
	}
	return limitNames(seq, maxFiles)
}

func (m *MemoryStorage) DeleteFile(_ context.Context, name keyname.Name) (bool, error) {
	key := m.Key(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return false, nil
	}
	delete(m.objects, key)
	return true, nil
}

func (m *MemoryStorage) CopyFile(_ context.Context, src, dst keyname.Name) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[m.Key(src)]
	if !ok {
		return false, nil
	}
	// Like a server-side copy, the destination starts private.
	m.objects[m.Key(dst)] = memoryObject{data: obj.data, contentType: obj.contentType}
	return true, nil
}

func (m *MemoryStorage) UploadFile(_ context.Context, name keyname.Name, r io.Reader, opts UploadOptions) (bool, error) {
	key := m.Key(name)
	m.mu.RLock()
	_, exists := m.objects[key]
	m.mu.RUnlock()
	if exists {
		return false, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return false, fmt.Errorf("memory read body: %w", err)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Re-check under the write lock; another upload may have won.
	if _, ok := m.objects[key]; ok {
		return false, nil
	}
	m.objects[key] = memoryObject{data: data, contentType: contentType}
	return true, nil
}

func (m *MemoryStorage) DownloadFile(_ context.Context, name keyname.Name, w io.Writer) (bool, error) {
	m.mu.RLock()
	obj, ok := m.objects[m.Key(name)]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if _, err := io.Copy(w, bytes.NewReader(obj.data)); err != nil {
		return false, fmt.Errorf("memory write body: %w", err)
	}
	return true, nil
}

func (m *MemoryStorage) SetFileAccessControl(_ context.Context, name keyname.Name, public bool) (bool, error) {
	key := m.Key(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return false, nil
	}
	obj.public = public
	m.objects[key] = obj
	return true, nil
}

func (m *MemoryStorage) GetFileInfo(_ context.Context, name keyname.Name) (*FileInfo, error) {
	m.mu.RLock()
	obj, ok := m.objects[m.Key(name)]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	sum := md5.Sum(obj.data)
	return &FileInfo{
		ContentType: obj.contentType,
		Size:        int64(len(obj.data)),
		Checksum:    Checksum{MD5: hexDigest(sum[:])},
	}, nil
}

// GenerateURL returns memory://<bucket>/<key>?expires=<unix>.
func (m *MemoryStorage) GenerateURL(_ context.Context, name keyname.Name, duration time.Duration, method string) (string, error) {
	if err := CheckMethod(method); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%s/%s?expires=%d", memoryScheme, m.bucket, escapeKey(m.Key(name)), ExpireTime(duration)), nil
}

// IsPublic reports the ACL of an object and whether it exists.
func (m *MemoryStorage) IsPublic(name keyname.Name) (public, exists bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[m.Key(name)]
	return obj.public, ok
}

// Close is a no-op. Objects survive it, so one MemoryStorage can back several
// short-lived clients.
func (m *MemoryStorage) Close() error {
	return nil
}

// GenerateDownloadURL returns memory://<bucket>/<key>?expires=<unix>.
func (u *MemorySignURL) GenerateDownloadURL(_ context.Context, name keyname.Name, duration time.Duration) (string, error) {
	return fmt.Sprintf("%s/%s?expires=%d", u.publicBase, escapeKey(u.Key(name)), ExpireTime(duration)), nil
}

func (u *MemorySignURL) PublicDownloadURL(name keyname.Name) string {
	return u.publicBase + "/" + escapeKey(u.Key(name))
}

// Ensure the memory backend implements the interfaces.
var (
	_ Storage = (*MemoryStorage)(nil)
	_ SignURL = (*MemorySignURL)(nil)
)
