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
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/fsouza/fake-gcs-server/fakestorage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/altairalabs/lager/pkg/keyname"
)

const gcsTestBucket = "lager-test"

func newTestGCSStorage(t *testing.T, objects ...fakestorage.Object) *GCSStorage {
	t.Helper()
	server := fakestorage.NewServer(objects)
	t.Cleanup(server.Stop)
	server.CreateBucketWithOpts(fakestorage.CreateBucketOpts{Name: gcsTestBucket})
	return newGCSStorageWithClient(server.Client(), Config{ServerName: "test", Bucket: gcsTestBucket})
}

func gcsObject(name, contentType, content string) fakestorage.Object {
	return fakestorage.Object{
		ObjectAttrs: fakestorage.ObjectAttrs{
			BucketName:  gcsTestBucket,
			Name:        name,
			ContentType: contentType,
		},
		Content: []byte(content),
	}
}

func TestGCSStorage_UploadAndInfo(t *testing.T) {
	ctx := context.Background()
	s := newTestGCSStorage(t)
	name := keyname.New("t1", "a.jpg")

	ok, err := s.UploadFile(ctx, name, strings.NewReader("jpeg-bytes"), UploadOptions{ContentType: "image/jpeg"})
	require.NoError(t, err)
	assert.True(t, ok)

	info, err := s.GetFileInfo(ctx, name)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "image/jpeg", info.ContentType)
	assert.Equal(t, int64(len("jpeg-bytes")), info.Size)
	assert.NotEmpty(t, info.Checksum.MD5)
}

func TestGCSStorage_UploadFile_Existing(t *testing.T) {
	ctx := context.Background()
	s := newTestGCSStorage(t, gcsObject("test/t1/a.txt", "text/plain", "first"))

	ok, err := s.UploadFile(ctx, keyname.New("t1", "a.txt"), strings.NewReader("second"), UploadOptions{})
	require.NoError(t, err)
	assert.False(t, ok)

	var buf bytes.Buffer
	_, err = s.DownloadFile(ctx, keyname.New("t1", "a.txt"), &buf)
	require.NoError(t, err)
	assert.Equal(t, "first", buf.String())
}

// brokenReader returns data and then fails.
type brokenReader struct {
	data string
	err  error
	done bool
}

func (r *brokenReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, r.err
	}
	r.done = true
	return copy(p, r.data), nil
}

func TestGCSStorage_UploadFile_ReaderError(t *testing.T) {
	ctx := context.Background()
	s := newTestGCSStorage(t)
	name := keyname.New("t1", "a.jpg")
	readErr := errors.New("disk gone")

	ok, err := s.UploadFile(ctx, name, &brokenReader{data: "partial", err: readErr}, UploadOptions{ContentType: "image/jpeg"})
	assert.ErrorIs(t, err, readErr)
	assert.False(t, ok)

	info, err := s.GetFileInfo(ctx, name)
	require.NoError(t, err)
	assert.Nil(t, info, "a failed upload must not leave an object behind")

	ok, err = s.UploadFile(ctx, name, strings.NewReader("complete"), UploadOptions{ContentType: "image/jpeg"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGCSStorage_SetFileAccessControl(t *testing.T) {
	ctx := context.Background()
	s := newTestGCSStorage(t, gcsObject("test/t1/a.txt", "text/plain", "hello"))

	for _, public := range []bool{true, false} {
		ok, err := s.SetFileAccessControl(ctx, keyname.New("t1", "a.txt"), public)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := s.SetFileAccessControl(ctx, keyname.New("t1", "missing"), true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGCSStorage_GetFileInfo_Missing(t *testing.T) {
	info, err := newTestGCSStorage(t).GetFileInfo(context.Background(), keyname.New("missing"))
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestGCSStorage_DownloadFile(t *testing.T) {
	ctx := context.Background()
	s := newTestGCSStorage(t, gcsObject("test/t1/a.txt", "text/plain", "hello"))

	var buf bytes.Buffer
	ok, err := s.DownloadFile(ctx, keyname.New("t1", "a.txt"), &buf)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello", buf.String())

	buf.Reset()
	ok, err = s.DownloadFile(ctx, keyname.New("t1", "b.txt"), &buf)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGCSStorage_DeleteFile(t *testing.T) {
	ctx := context.Background()
	s := newTestGCSStorage(t, gcsObject("test/t1/a.txt", "text/plain", "hello"))

	ok, err := s.DeleteFile(ctx, keyname.New("t1", "a.txt"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.DeleteFile(ctx, keyname.New("t1", "a.txt"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGCSStorage_CopyFile(t *testing.T) {
	ctx := context.Background()
	s := newTestGCSStorage(t, gcsObject("test/t1/a.txt", "text/plain", "hello"))

	ok, err := s.CopyFile(ctx, keyname.New("t1", "a.txt"), keyname.New("t2", "a.txt"))
	require.NoError(t, err)
	assert.True(t, ok)

	var buf bytes.Buffer
	ok, err = s.DownloadFile(ctx, keyname.New("t2", "a.txt"), &buf)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello", buf.String())

	ok, err = s.CopyFile(ctx, keyname.New("t1", "missing"), keyname.New("t2", "b.txt"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGCSStorage_ListFile(t *testing.T) {
	ctx := context.Background()
	s := newTestGCSStorage(t,
		gcsObject("test/t1/a.jpg", "image/jpeg", "a"),
		gcsObject("test/t1/b.jpg", "image/jpeg", "b"),
		gcsObject("test/t10/c.jpg", "image/jpeg", "c"),
		gcsObject("other/t1/d.jpg", "image/jpeg", "d"),
	)

	var names []keyname.Name
	for name, err := range s.ListFile(ctx, keyname.New("t1"), 0) {
		require.NoError(t, err)
		names = append(names, name)
	}
	assert.ElementsMatch(t, []keyname.Name{keyname.New("t1", "a.jpg"), keyname.New("t1", "b.jpg")}, names)

	count := 0
	for _, err := range s.ListFile(ctx, keyname.Name{}, 1) {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 1, count)
}

func TestGCSStorage_GenerateURL_UnsupportedMethod(t *testing.T) {
	s := newTestGCSStorage(t)
	_, err := s.GenerateURL(context.Background(), keyname.New("t1", "a.jpg"), time.Minute, "PUT")
	assert.ErrorIs(t, err, ErrUnsupportedMethod)
}

func TestGCSSignURL_PublicDownloadURL(t *testing.T) {
	u := &GCSSignURL{Namer: keyname.NewNamer("test"), publicBase: gcsPublicHost + "/bucket"}
	assert.Equal(t, "https://storage.googleapis.com/bucket/test/t1/a%20b.jpg", u.PublicDownloadURL(keyname.New("t1", "a b.jpg")))
}

func TestGCSErrorClassification(t *testing.T) {
	assert.True(t, isGCSNotFound(storage.ErrObjectNotExist))
	assert.True(t, isGCSNotFound(fmt.Errorf("wrapped: %w", &googleapi.Error{Code: http.StatusNotFound})))
	assert.False(t, isGCSNotFound(&googleapi.Error{Code: http.StatusForbidden}))
	assert.False(t, isGCSNotFound(errors.New("boom")))

	assert.True(t, isGCSPreconditionFailed(&googleapi.Error{Code: http.StatusPreconditionFailed}))
	assert.False(t, isGCSPreconditionFailed(storage.ErrObjectNotExist))
}
