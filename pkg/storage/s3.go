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
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/altairalabs/lager/pkg/keyname"
)

// s3API defines the S3 operations used by S3Storage.
// This interface allows for mocking in tests.
type s3API interface {
	PutObject(
		ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options),
	) (*s3.PutObjectOutput, error)
	GetObject(
		ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options),
	) (*s3.GetObjectOutput, error)
	HeadObject(
		ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options),
	) (*s3.HeadObjectOutput, error)
	DeleteObject(
		ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options),
	) (*s3.DeleteObjectOutput, error)
	CopyObject(
		ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options),
	) (*s3.CopyObjectOutput, error)
	PutObjectAcl(
		ctx context.Context, params *s3.PutObjectAclInput, optFns ...func(*s3.Options),
	) (*s3.PutObjectAclOutput, error)
	ListObjectsV2(
		ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options),
	) (*s3.ListObjectsV2Output, error)
}

// s3Presigner is the subset of *s3.PresignClient used for signed URLs.
type s3Presigner interface {
	PresignGetObject(
		ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions),
	) (*v4.PresignedHTTPRequest, error)
}

// S3Storage implements Storage using Amazon S3 or compatible services.
type S3Storage struct {
	keyname.Namer
	client      s3API
	presigner   s3Presigner
	bucket      string
	conditional bool
	publicBase  string
}

// S3SignURL implements SignURL using S3 presigning.
type S3SignURL struct {
	keyname.Namer
	presigner  s3Presigner
	bucket     string
	publicBase string
}

// NewS3Storage creates a new S3-backed Storage.
func NewS3Storage(ctx context.Context, cfg Config) (*S3Storage, error) {
	return newS3Storage(ctx, cfg, false)
}

// NewOSSStorage creates a Storage for Aliyun OSS through its S3-compatible API.
// OSS requires virtual-hosted addressing and does not honour If-None-Match on
// PutObject, so uploads fall back to an existence check.
func NewOSSStorage(ctx context.Context, cfg Config) (*S3Storage, error) {
	return newS3Storage(ctx, cfg, true)
}

// NewS3SignURL creates a SignURL for S3.
func NewS3SignURL(ctx context.Context, cfg Config) (*S3SignURL, error) {
	return newS3SignURL(ctx, cfg, false)
}

// NewOSSSignURL creates a SignURL for Aliyun OSS.
func NewOSSSignURL(ctx context.Context, cfg Config) (*S3SignURL, error) {
	return newS3SignURL(ctx, cfg, true)
}

func newS3Storage(ctx context.Context, cfg Config, oss bool) (*S3Storage, error) {
	client, err := newS3Client(ctx, cfg, oss)
	if err != nil {
		return nil, err
	}
	return &S3Storage{
		Namer:       keyname.NewNamer(cfg.ServerName),
		client:      client,
		presigner:   s3.NewPresignClient(client),
		bucket:      cfg.Bucket,
		conditional: cfg.conditionalWrites(!oss),
		publicBase:  s3PublicBase(cfg, oss),
	}, nil
}

func newS3SignURL(ctx context.Context, cfg Config, oss bool) (*S3SignURL, error) {
	client, err := newS3Client(ctx, cfg, oss)
	if err != nil {
		return nil, err
	}
	return &S3SignURL{
		Namer:      keyname.NewNamer(cfg.ServerName),
		presigner:  s3.NewPresignClient(client),
		bucket:     cfg.Bucket,
		publicBase: s3PublicBase(cfg, oss),
	}, nil
}

// newS3Client builds the SDK client shared by S3Storage and S3SignURL.
func newS3Client(ctx context.Context, cfg Config, oss bool) (*s3.Client, error) {
	if err := cfg.require("serverName", "bucket"); err != nil {
		return nil, err
	}
	if oss {
		if err := cfg.require("endpoint", "accessKeyID", "secretAccessKey"); err != nil {
			return nil, err
		}
		if cfg.Region == "" {
			cfg.Region = ossRegion(cfg.Endpoint)
		}
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("%w: region is required", ErrInvalidConfig)
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) { o.HTTPClient = tracedAWSClient(o.HTTPClient) },
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(withScheme(cfg.Endpoint))
		})
	}
	if cfg.UsePathStyle && !oss {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	if oss {
		// OSS rejects the flexible checksum headers newer SDKs send by default.
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		})
	}

	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// ListFile lists every object under prefix, one ListObjectsV2 page at a time.
func (s *S3Storage) ListFile(ctx context.Context, prefix keyname.Name, maxFiles int) iter.Seq2[keyname.Name, error] {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.Prefix(prefix)),
	}
	if maxFiles > 0 && maxFiles < 1000 {
		input.MaxKeys = aws.Int32(int32(maxFiles))
	}

	seq := func(yield func(keyname.Name, error) bool) {
		paginator := s3.NewListObjectsV2Paginator(s.client, input)
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield(nil, fmt.Errorf("s3 list: %w", err))
				return
			}
			for _, obj := range page.Contents {
				if obj.Key == nil {
					continue
				}
				name, err := s.Name(*obj.Key)
				if !yield(name, err) || err != nil {
					return
				}
			}
		}
	}
	return limitNames(seq, maxFiles)
}

// DeleteFile checks for the object and then deletes it. S3 DeleteObject does
// not report whether the key existed, so the two calls are not atomic: an
// object created between them is deleted and reported as absent.
func (s *S3Storage) DeleteFile(ctx context.Context, name keyname.Name) (bool, error) {
	key := s.Key(name)
	exists, err := s.exists(ctx, key)
	if err != nil || !exists {
		return false, err
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, fmt.Errorf("s3 delete: %w", err)
	}
	return true, nil
}

// CopyFile copies src over dst. A missing source surfaces as NoSuchKey from
// CopyObject itself, so no separate existence check is needed.
func (s *S3Storage) CopyFile(ctx context.Context, src, dst keyname.Name) (bool, error) {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(s.Key(dst)),
		CopySource: aws.String(s.bucket + "/" + escapeKey(s.Key(src))),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3 copy: %w", err)
	}
	return true, nil
}

// UploadFile writes r unless the key exists. With conditional writes the
// check is PutObject's If-None-Match precondition; otherwise a HeadObject
// precedes the put and a concurrent writer in between is overwritten.
func (s *S3Storage) UploadFile(ctx context.Context, name keyname.Name, r io.Reader, opts UploadOptions) (bool, error) {
	key := s.Key(name)
	if !s.conditional {
		exists, err := s.exists(ctx, key)
		if err != nil || exists {
			return false, err
		}
	}

	body, err := seekable(r)
	if err != nil {
		return false, fmt.Errorf("s3 read body: %w", err)
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.Size > 0 {
		input.ContentLength = aws.Int64(opts.Size)
	}
	if s.conditional {
		input.IfNoneMatch = aws.String("*")
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		if s.conditional && isS3PreconditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3 put: %w", err)
	}
	return true, nil
}

// DownloadFile streams the object body into w.
func (s *S3Storage) DownloadFile(ctx context.Context, name keyname.Name, w io.Writer) (bool, error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.Key(name)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3 get: %w", err)
	}
	defer func() { _ = output.Body.Close() }()

	if _, err := io.Copy(w, output.Body); err != nil {
		return false, fmt.Errorf("s3 read body: %w", err)
	}
	return true, nil
}

// SetFileAccessControl applies the public-read or private canned ACL.
func (s *S3Storage) SetFileAccessControl(ctx context.Context, name keyname.Name, public bool) (bool, error) {
	acl := types.ObjectCannedACLPrivate
	if public {
		acl = types.ObjectCannedACLPublicRead
	}
	_, err := s.client.PutObjectAcl(ctx, &s3.PutObjectAclInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.Key(name)),
		ACL:    acl,
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3 put acl: %w", err)
	}
	return true, nil
}

// GetFileInfo reads the object headers.
func (s *S3Storage) GetFileInfo(ctx context.Context, name keyname.Name) (*FileInfo, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.Key(name)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("s3 head: %w", err)
	}
	return &FileInfo{
		ContentType: aws.ToString(head.ContentType),
		Size:        aws.ToInt64(head.ContentLength),
		Checksum:    Checksum{MD5: trimETag(aws.ToString(head.ETag))},
	}, nil
}

// GenerateURL presigns a GET request valid for duration.
func (s *S3Storage) GenerateURL(ctx context.Context, name keyname.Name, duration time.Duration, method string) (string, error) {
	if err := CheckMethod(method); err != nil {
		return "", err
	}
	return presignS3Get(ctx, s.presigner, s.bucket, s.Key(name), duration)
}

// Close releases any resources held by the storage.
func (s *S3Storage) Close() error {
	return nil
}

func (s *S3Storage) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3 head: %w", err)
	}
	return true, nil
}

// GenerateDownloadURL presigns a GET request valid for duration.
func (u *S3SignURL) GenerateDownloadURL(ctx context.Context, name keyname.Name, duration time.Duration) (string, error) {
	return presignS3Get(ctx, u.presigner, u.bucket, u.Key(name), duration)
}

// PublicDownloadURL joins the bucket host and the key.
func (u *S3SignURL) PublicDownloadURL(name keyname.Name) string {
	return u.publicBase + "/" + escapeKey(u.Key(name))
}

// tracedAWSClient wraps the transport the SDK built, keeping settings such as
// a custom CA bundle. Clients the SDK did not build are returned unchanged.
func tracedAWSClient(c aws.HTTPClient) aws.HTTPClient {
	bc, ok := c.(*awshttp.BuildableClient)
	if !ok {
		return c
	}
	return &http.Client{
		Transport: otelhttp.NewTransport(bc.GetTransport()),
		Timeout:   bc.GetTimeout(),
	}
}

func presignS3Get(ctx context.Context, p s3Presigner, bucket, key string, duration time.Duration) (string, error) {
	req, err := p.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(duration))
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return req.URL, nil
}

// s3PublicBase returns the URL objects are publicly served under.
// OSS and AWS use virtual-hosted buckets: https://<bucket>.<endpoint-host>.
func s3PublicBase(cfg Config, oss bool) string {
	if cfg.PublicBaseURL != "" {
		return strings.TrimRight(cfg.PublicBaseURL, "/")
	}
	if cfg.Endpoint == "" {
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	}
	u, err := url.Parse(withScheme(cfg.Endpoint))
	if err != nil || u.Host == "" {
		return "https://" + cfg.Bucket + "." + strings.TrimPrefix(cfg.Endpoint, "https://")
	}
	if cfg.UsePathStyle && !oss {
		return u.Scheme + "://" + u.Host + "/" + cfg.Bucket
	}
	return u.Scheme + "://" + cfg.Bucket + "." + u.Host
}

// ossRegion derives the signing region from an OSS endpoint such as
// "https://oss-cn-hangzhou.aliyuncs.com".
func ossRegion(endpoint string) string {
	host := endpoint
	if u, err := url.Parse(withScheme(endpoint)); err == nil && u.Host != "" {
		host = u.Host
	}
	region, _, _ := strings.Cut(host, ".")
	return strings.TrimSuffix(region, "-internal")
}

func withScheme(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return "https://" + strings.TrimPrefix(endpoint, "//")
}

// seekable returns r as an io.ReadSeeker, buffering it when it is not one.
// SigV4 needs to hash or rewind the payload.
func seekable(r io.Reader) (io.ReadSeeker, error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		return rs, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

// isS3NotFound returns true if the error indicates the object does not exist.
func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	// Some S3-compatible services use generic error messages.
	if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound") {
		return true
	}
	return false
}

// isS3PreconditionFailed reports a failed If-None-Match on PutObject.
func isS3PreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}

var (
	_ Storage = (*S3Storage)(nil)
	_ SignURL = (*S3SignURL)(nil)
)
