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
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/altairalabs/lager/pkg/keyname"
)

// localMetaSuffix names the sidecar holding an object's metadata.
const localMetaSuffix = ".lager.json"

// localTempPrefix marks files being written.
const localTempPrefix = ".lager-"

// localMetadata is stored alongside every object.
type localMetadata struct {
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	MD5         string    `json:"md5"`
	Public      bool      `json:"public"`
	CreatedAt   time.Time `json:"created_at"`
}

// LocalStorage implements Storage on the local filesystem. Keys map to paths
// below Local.BasePath. Suitable for development and single-host setups.
type LocalStorage struct {
	keyname.Namer
	basePath string
	urlBase  string
}

// LocalSignURL builds URLs for LocalStorage objects. Without PublicBaseURL
// they are file:// URLs into the base path.
type LocalSignURL struct {
	keyname.Namer
	publicBase string
}

// NewLocalStorage creates a filesystem Storage rooted at cfg.Local.BasePath,
// creating the directory if needed.
func NewLocalStorage(cfg Config) (*LocalStorage, error) {
	if err := cfg.require("serverName", "local.basePath"); err != nil {
		return nil, err
	}
	base, err := filepath.Abs(cfg.Local.BasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base path: %w", err)
	}
	if err := os.MkdirAll(base, 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	urlBase, err := localPublicBase(cfg)
	if err != nil {
		return nil, err
	}
	return &LocalStorage{
		Namer:    keyname.NewNamer(cfg.ServerName),
		basePath: base,
		urlBase:  urlBase,
	}, nil
}

// NewLocalSignURL creates a SignURL for objects stored by LocalStorage.
func NewLocalSignURL(cfg Config) (*LocalSignURL, error) {
	if err := cfg.require("serverName", "local.basePath"); err != nil {
		return nil, err
	}
	base, err := localPublicBase(cfg)
	if err != nil {
		return nil, err
	}
	return &LocalSignURL{
		Namer:      keyname.NewNamer(cfg.ServerName),
		publicBase: base,
	}, nil
}

func localPublicBase(cfg Config) (string, error) {
	if cfg.PublicBaseURL != "" {
		return strings.TrimRight(cfg.PublicBaseURL, "/"), nil
	}
	abs, err := filepath.Abs(cfg.Local.BasePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}
	return "file://" + strings.TrimRight(filepath.ToSlash(abs), "/"), nil
}

// objectPath resolves name to a path inside the base directory. Segments
// that would walk the tree or collide with metadata files are rejected, and
// symlinks are resolved within the base.
func (s *LocalStorage) objectPath(name keyname.Name) (string, error) {
	if len(name) == 0 {
		return "", fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	for _, seg := range name {
		if seg == "" || seg == "." || seg == ".." || strings.ContainsAny(seg, `/\`) {
			return "", fmt.Errorf("%w: segment %q", ErrInvalidName, seg)
		}
	}
	last := name[len(name)-1]
	if strings.HasSuffix(last, localMetaSuffix) {
		return "", fmt.Errorf("%w: suffix %q is reserved", ErrInvalidName, localMetaSuffix)
	}
	if strings.HasPrefix(last, localTempPrefix) {
		return "", fmt.Errorf("%w: prefix %q is reserved", ErrInvalidName, localTempPrefix)
	}
	p, err := securejoin.SecureJoin(s.basePath, filepath.FromSlash(s.Key(name)))
	if err != nil {
		return "", fmt.Errorf("failed to resolve %q: %w", s.Key(name), err)
	}
	return p, nil
}

// ListFile walks the directory of prefix in lexical order.
func (s *LocalStorage) ListFile(_ context.Context, prefix keyname.Name, maxFiles int) iter.Seq2[keyname.Name, error] {
	root := filepath.Join(s.basePath, filepath.FromSlash(s.Prefix(prefix)))
	if rel, err := filepath.Rel(s.basePath, root); err != nil || strings.HasPrefix(rel, "..") {
		return errSeq(fmt.Errorf("%w: prefix %v", ErrInvalidName, prefix))
	}

	all := func(yield func(keyname.Name, error) bool) {
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if p == root && !d.IsDir() {
				return nil
			}
			if d.IsDir() || strings.HasSuffix(p, localMetaSuffix) || strings.HasPrefix(d.Name(), localTempPrefix) {
				return nil
			}
			rel, err := filepath.Rel(s.basePath, p)
			if err != nil {
				return err
			}
			name, err := s.Name(filepath.ToSlash(rel))
			if err != nil {
				return err
			}
			if !yield(name, nil) {
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			yield(nil, fmt.Errorf("failed to list files: %w", err))
		}
	}
	return limitNames(all, maxFiles)
}

// DeleteFile removes the object and its metadata, then prunes empty
// directories up to the server namespace.
func (s *LocalStorage) DeleteFile(_ context.Context, name keyname.Name) (bool, error) {
	p, err := s.objectPath(name)
	if err != nil {
		return false, err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete file: %w", err)
	}
	if err := os.Remove(p + localMetaSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return true, fmt.Errorf("failed to delete metadata: %w", err)
	}
	s.pruneDirs(filepath.Dir(p))
	return true, nil
}

func (s *LocalStorage) pruneDirs(dir string) {
	stop := filepath.Join(s.basePath, s.ServerName())
	for dir != stop && strings.HasPrefix(dir, stop) {
		if os.Remove(dir) != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// CopyFile copies data and content type; the copy starts private.
func (s *LocalStorage) CopyFile(_ context.Context, src, dst keyname.Name) (bool, error) {
	srcPath, err := s.objectPath(src)
	if err != nil {
		return false, err
	}
	dstPath, err := s.objectPath(dst)
	if err != nil {
		return false, err
	}

	in, err := os.Open(srcPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to open source: %w", err)
	}
	defer func() { _ = in.Close() }()

	meta, err := s.readMetadata(srcPath)
	if err != nil {
		return false, err
	}
	meta.Public = false
	meta.CreatedAt = time.Now().UTC()

	if err := writeFileAtomic(dstPath, in); err != nil {
		return false, err
	}
	if err := writeMetadata(dstPath, meta); err != nil {
		return false, err
	}
	return true, nil
}

// UploadFile claims the path with O_EXCL, so of two concurrent uploads
// exactly one succeeds. Readers may observe the object before its data is
// complete.
func (s *LocalStorage) UploadFile(_ context.Context, name keyname.Name, r io.Reader, opts UploadOptions) (bool, error) {
	p, err := s.objectPath(name)
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0750); err != nil {
		return false, fmt.Errorf("failed to create directory: %w", err)
	}

	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create file: %w", err)
	}

	hash := md5.New()
	n, err := io.Copy(io.MultiWriter(f, hash), r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(p)
		return false, fmt.Errorf("failed to write file: %w", err)
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	meta := localMetadata{
		ContentType: contentType,
		Size:        n,
		MD5:         hexDigest(hash.Sum(nil)),
		CreatedAt:   time.Now().UTC(),
	}
	if err := writeMetadata(p, meta); err != nil {
		return true, err
	}
	return true, nil
}

func (s *LocalStorage) DownloadFile(_ context.Context, name keyname.Name, w io.Writer) (bool, error) {
	p, err := s.objectPath(name)
	if err != nil {
		return false, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := io.Copy(w, f); err != nil {
		return true, fmt.Errorf("failed to read file: %w", err)
	}
	return true, nil
}

// SetFileAccessControl records the flag in the metadata sidecar. The
// filesystem permissions are left alone.
func (s *LocalStorage) SetFileAccessControl(_ context.Context, name keyname.Name, public bool) (bool, error) {
	p, err := s.objectPath(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	meta, err := s.readMetadata(p)
	if err != nil {
		return false, err
	}
	meta.Public = public
	if err := writeMetadata(p, meta); err != nil {
		return false, err
	}
	return true, nil
}

func (s *LocalStorage) GetFileInfo(_ context.Context, name keyname.Name) (*FileInfo, error) {
	p, err := s.objectPath(name)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	meta, err := s.readMetadata(p)
	if err != nil {
		return nil, err
	}
	return &FileInfo{
		ContentType: meta.ContentType,
		Size:        meta.Size,
		Checksum:    Checksum{MD5: meta.MD5},
	}, nil
}

// GenerateURL returns <base>/<key>?expires=<unix>, where base is
// PublicBaseURL or a file:// URL of the base path. Nothing enforces the expiry.
func (s *LocalStorage) GenerateURL(_ context.Context, name keyname.Name, duration time.Duration, method string) (string, error) {
	if err := CheckMethod(method); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s?expires=%d", s.urlBase, escapeKey(s.Key(name)), ExpireTime(duration)), nil
}

// IsPublic reports the recorded ACL of an object and whether it exists.
func (s *LocalStorage) IsPublic(name keyname.Name) (public, exists bool) {
	p, err := s.objectPath(name)
	if err != nil {
		return false, false
	}
	if _, err := os.Stat(p); err != nil {
		return false, false
	}
	meta, err := s.readMetadata(p)
	if err != nil {
		return false, true
	}
	return meta.Public, true
}

func (s *LocalStorage) Close() error {
	return nil
}

// readMetadata loads the sidecar of the object at p. Files placed in the
// tree by other tools have none; their metadata is derived from the data.
func (s *LocalStorage) readMetadata(p string) (localMetadata, error) {
	data, err := os.ReadFile(p + localMetaSuffix)
	if err == nil {
		var meta localMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			return localMetadata{}, fmt.Errorf("failed to parse metadata: %w", err)
		}
		return meta, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return localMetadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	f, err := os.Open(p)
	if err != nil {
		return localMetadata{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = f.Close() }()
	hash := md5.New()
	n, err := io.Copy(hash, f)
	if err != nil {
		return localMetadata{}, fmt.Errorf("failed to read file: %w", err)
	}
	contentType := mime.TypeByExtension(path.Ext(p))
	if contentType == "" {
		contentType = defaultContentType
	}
	return localMetadata{ContentType: contentType, Size: n, MD5: hexDigest(hash.Sum(nil))}, nil
}

func writeMetadata(p string, meta localMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := writeFileAtomic(p+localMetaSuffix, strings.NewReader(string(data))); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// writeFileAtomic writes r to a temporary file next to p and renames it over p.
func writeFileAtomic(p string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(p), 0750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), localTempPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	_, err = io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), p)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", filepath.Base(p), err)
	}
	return nil
}

// GenerateDownloadURL returns <base>/<key>?expires=<unix>.
func (u *LocalSignURL) GenerateDownloadURL(_ context.Context, name keyname.Name, duration time.Duration) (string, error) {
	return fmt.Sprintf("%s/%s?expires=%d", u.publicBase, escapeKey(u.Key(name)), ExpireTime(duration)), nil
}

func (u *LocalSignURL) PublicDownloadURL(name keyname.Name) string {
	return u.publicBase + "/" + escapeKey(u.Key(name))
}

var (
	_ Storage = (*LocalStorage)(nil)
	_ SignURL = (*LocalSignURL)(nil)
)
