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

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"

	"github.com/altairalabs/lager/pkg/keyname"
)

// sasClockSkew backdates SAS start times.
const sasClockSkew = 5 * time.Minute

// AzureStorage implements Storage using Azure Blob Storage. The configured
// bucket is the blob container.
type AzureStorage struct {
	keyname.Namer
	client    *azblob.Client
	container string
	signer    azureSigner
}

// AzureSignURL implements SignURL using shared key SAS tokens.
type AzureSignURL struct {
	keyname.Namer
	signer     azureSigner
	publicBase string
}

// azureSigner builds SAS URLs for blobs of one container.
type azureSigner struct {
	containerURL string
	container    string
	cred         *azblob.SharedKeyCredential
}

// NewAzureStorage creates a new Azure Blob Storage-backed Storage.
func NewAzureStorage(ctx context.Context, cfg Config) (*AzureStorage, error) {
	if err := cfg.require("serverName", "bucket", "azure.accountName"); err != nil {
		return nil, err
	}

	serviceURL := azureServiceURL(cfg)
	var client *azblob.Client
	var sharedKey *azblob.SharedKeyCredential
	var err error

	if cfg.Azure.AccountKey != "" {
		sharedKey, err = azblob.NewSharedKeyCredential(cfg.Azure.AccountName, cfg.Azure.AccountKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create shared key credential: %w", err)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, sharedKey, azureClientOptions())
	} else {
		cred, credErr := azidentity.NewDefaultAzureCredential(nil)
		if credErr != nil {
			return nil, fmt.Errorf("failed to create Azure credential: %w", credErr)
		}
		client, err = azblob.NewClient(serviceURL, cred, azureClientOptions())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}

	return &AzureStorage{
		Namer:     keyname.NewNamer(cfg.ServerName),
		client:    client,
		container: cfg.Bucket,
		signer:    newAzureSigner(serviceURL, cfg.Bucket, sharedKey),
	}, nil
}

// NewAzureSignURL creates a SignURL for Azure. Signing needs the account key.
func NewAzureSignURL(_ context.Context, cfg Config) (*AzureSignURL, error) {
	if err := cfg.require("serverName", "bucket", "azure.accountName"); err != nil {
		return nil, err
	}
	if cfg.Azure.AccountKey == "" {
		return nil, fmt.Errorf("%w: azure.accountKey is required for SAS URLs", ErrInvalidConfig)
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.Azure.AccountName, cfg.Azure.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared key credential: %w", err)
	}

	signer := newAzureSigner(azureServiceURL(cfg), cfg.Bucket, cred)
	base := signer.containerURL
	if cfg.PublicBaseURL != "" {
		base = strings.TrimRight(cfg.PublicBaseURL, "/")
	}
	return &AzureSignURL{
		Namer:      keyname.NewNamer(cfg.ServerName),
		signer:     signer,
		publicBase: base,
	}, nil
}

func azureClientOptions() *azblob.ClientOptions {
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{Transport: tracedHTTPClient()},
	}
}

func azureServiceURL(cfg Config) string {
	if cfg.Endpoint != "" {
		return strings.TrimRight(withScheme(cfg.Endpoint), "/")
	}
	return fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Azure.AccountName)
}

func newAzureSigner(serviceURL, containerName string, cred *azblob.SharedKeyCredential) azureSigner {
	return azureSigner{
		containerURL: serviceURL + "/" + containerName,
		container:    containerName,
		cred:         cred,
	}
}

// ListFile pages through the container's flat listing on demand.
func (a *AzureStorage) ListFile(ctx context.Context, prefix keyname.Name, maxFiles int) iter.Seq2[keyname.Name, error] {
	opts := &azblob.ListBlobsFlatOptions{Prefix: to.Ptr(a.Prefix(prefix))}
	if maxFiles > 0 && maxFiles < 5000 {
		opts.MaxResults = to.Ptr(int32(maxFiles))
	}

	seq := func(yield func(keyname.Name, error) bool) {
		pager := a.client.NewListBlobsFlatPager(a.container, opts)
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				yield(nil, fmt.Errorf("azure list: %w", err))
				return
			}
			if page.Segment == nil {
				continue
			}
			for _, item := range page.Segment.BlobItems {
				if item.Name == nil {
					continue
				}
				name, err := a.Name(*item.Name)
				if !yield(name, err) || err != nil {
					return
				}
			}
		}
	}
	return limitNames(seq, maxFiles)
}

// DeleteFile deletes the blob; a missing blob is reported by the service.
func (a *AzureStorage) DeleteFile(ctx context.Context, name keyname.Name) (bool, error) {
	_, err := a.client.DeleteBlob(ctx, a.container, a.Key(name), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("azure delete: %w", err)
	}
	return true, nil
}

// CopyFile checks the source and then starts a server-side copy. A source
// deleted between the two calls surfaces as a copy error. Copies within one
// account complete synchronously.
func (a *AzureStorage) CopyFile(ctx context.Context, src, dst keyname.Name) (bool, error) {
	srcKey := a.Key(src)
	exists, err := a.exists(ctx, srcKey)
	if err != nil || !exists {
		return false, err
	}

	containerClient := a.containerClient()
	srcURL := containerClient.NewBlobClient(srcKey).URL()
	_, err = containerClient.NewBlobClient(a.Key(dst)).StartCopyFromURL(ctx, srcURL, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.CannotVerifyCopySource) {
			return false, nil
		}
		return false, fmt.Errorf("azure copy: %w", err)
	}
	return true, nil
}

// UploadFile commits the blob with If-None-Match: *, so an existing blob is
// never overwritten.
func (a *AzureStorage) UploadFile(ctx context.Context, name keyname.Name, r io.Reader, opts UploadOptions) (bool, error) {
	uploadOpts := &azblob.UploadStreamOptions{
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfNoneMatch: to.Ptr(azcore.ETagAny),
			},
		},
	}
	if opts.ContentType != "" {
		uploadOpts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: to.Ptr(opts.ContentType)}
	}

	_, err := a.client.UploadStream(ctx, a.container, a.Key(name), r, uploadOpts)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet) {
			return false, nil
		}
		return false, fmt.Errorf("azure put: %w", err)
	}
	return true, nil
}

func (a *AzureStorage) DownloadFile(ctx context.Context, name keyname.Name, w io.Writer) (bool, error) {
	resp, err := a.client.DownloadStream(ctx, a.container, a.Key(name), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("azure get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return false, fmt.Errorf("azure read body: %w", err)
	}
	return true, nil
}

// SetFileAccessControl reports absent blobs as false. Azure has no per-blob
// ACL (access is set on the container), so an existing blob yields
// ErrNotImplemented.
func (a *AzureStorage) SetFileAccessControl(ctx context.Context, name keyname.Name, _ bool) (bool, error) {
	exists, err := a.exists(ctx, a.Key(name))
	if err != nil || !exists {
		return false, err
	}
	return false, fmt.Errorf("%w: azure blob access is set per container", ErrNotImplemented)
}

func (a *AzureStorage) GetFileInfo(ctx context.Context, name keyname.Name) (*FileInfo, error) {
	props, err := a.containerClient().NewBlobClient(a.Key(name)).GetProperties(ctx, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("azure properties: %w", err)
	}

	info := &FileInfo{
		ContentType: deref(props.ContentType),
		Size:        deref(props.ContentLength),
		Checksum:    Checksum{MD5: hexDigest(props.ContentMD5)},
	}
	if info.Checksum.MD5 == "" && props.ETag != nil {
		info.Checksum.MD5 = trimETag(string(*props.ETag))
	}
	return info, nil
}

func (a *AzureStorage) GenerateURL(_ context.Context, name keyname.Name, duration time.Duration, method string) (string, error) {
	if err := CheckMethod(method); err != nil {
		return "", err
	}
	return a.signer.readURL(a.Key(name), duration)
}

func (a *AzureStorage) Close() error {
	return nil
}

func (a *AzureStorage) containerClient() *container.Client {
	return a.client.ServiceClient().NewContainerClient(a.container)
}

func (a *AzureStorage) exists(ctx context.Context, key string) (bool, error) {
	_, err := a.containerClient().NewBlobClient(key).GetProperties(ctx, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("azure exists: %w", err)
	}
	return true, nil
}

func (u *AzureSignURL) GenerateDownloadURL(_ context.Context, name keyname.Name, duration time.Duration) (string, error) {
	return u.signer.readURL(u.Key(name), duration)
}

func (u *AzureSignURL) PublicDownloadURL(name keyname.Name) string {
	return u.publicBase + "/" + escapeKey(u.Key(name))
}

// readURL signs a read-only SAS for the blob at key.
func (s azureSigner) readURL(key string, duration time.Duration) (string, error) {
	if s.cred == nil {
		return "", fmt.Errorf("%w: SAS URL generation requires azure.accountKey", ErrInvalidConfig)
	}

	now := time.Now().UTC()
	params, err := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		StartTime:     now.Add(-sasClockSkew),
		ExpiryTime:    now.Add(duration),
		Permissions:   (&sas.BlobPermissions{Read: true}).String(),
		ContainerName: s.container,
		BlobName:      key,
	}.SignWithSharedKey(s.cred)
	if err != nil {
		return "", fmt.Errorf("failed to sign SAS: %w", err)
	}
	return s.containerURL + "/" + escapeKey(key) + "?" + params.Encode(), nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func isAzureNotFound(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return true
	}
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

var (
	_ Storage = (*AzureStorage)(nil)
	_ SignURL = (*AzureSignURL)(nil)
)
