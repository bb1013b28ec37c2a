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

import "fmt"

// BackendType identifies the object storage backend.
type BackendType string

const (
	// BackendS3 uses Amazon S3 or an S3-compatible service (e.g. MinIO).
	BackendS3 BackendType = "s3"
	// BackendOSS uses Aliyun OSS through its S3-compatible API.
	BackendOSS BackendType = "oss"
	// BackendGCS uses Google Cloud Storage.
	BackendGCS BackendType = "gcs"
	// BackendAzure uses Azure Blob Storage.
	BackendAzure BackendType = "azure"
	// BackendMemory keeps objects in process memory.
	BackendMemory BackendType = "memory"
	// BackendLocal stores objects as files below a local directory.
	BackendLocal BackendType = "local"
)

// Config holds the construction parameters of a Storage or SignURL.
// Only presence is validated.
type Config struct {
	// ServerName is the namespace prefix of every key.
	ServerName string `json:"serverName"`
	// Bucket is the bucket (S3/OSS/GCS) or container (Azure) name.
	Bucket string `json:"bucket"`
	// Endpoint is the service endpoint, e.g. "https://oss-cn-hangzhou.aliyuncs.com".
	// Optional for S3 and GCS.
	Endpoint string `json:"endpoint,omitempty"`
	// Region is the S3 signing region. OSS defaults to the region in Endpoint.
	Region string `json:"region,omitempty"`
	// AccessKeyID is the access key (optional for S3, uses the default chain if not set).
	AccessKeyID string `json:"accessKeyID,omitempty"`
	// SecretAccessKey is the secret for AccessKeyID.
	SecretAccessKey string `json:"secretAccessKey,omitempty"`
	// PublicBaseURL overrides the base of PublicDownloadURL, e.g. a CDN host.
	PublicBaseURL string `json:"publicBaseURL,omitempty"`
	// UsePathStyle forces path-style addressing (required for MinIO).
	UsePathStyle bool `json:"usePathStyle,omitempty"`
	// ConditionalWrites makes uploads use If-None-Match instead of a separate
	// existence check. Nil selects the backend default.
	ConditionalWrites *bool `json:"conditionalWrites,omitempty"`
	// GCS contains GCS-specific settings.
	GCS GCSConfig `json:"gcs,omitempty"`
	// Azure contains Azure-specific settings.
	Azure AzureConfig `json:"azure,omitempty"`
	// Local contains local filesystem settings.
	Local LocalConfig `json:"local,omitempty"`
}

// GCSConfig contains GCS-specific settings.
type GCSConfig struct {
	// CredentialsFile is a service account key file (optional, uses ADC if not set).
	CredentialsFile string `json:"credentialsFile,omitempty"`
	// CredentialsJSON is the service account key JSON (optional).
	CredentialsJSON []byte `json:"-"`
}

// AzureConfig contains Azure Blob Storage-specific settings.
type AzureConfig struct {
	// AccountName is the storage account name.
	AccountName string `json:"accountName,omitempty"`
	// AccountKey is the storage account key (optional, uses DefaultAzureCredential
	// if not set; SAS URLs then cannot be generated).
	AccountKey string `json:"accountKey,omitempty"`
}

// LocalConfig contains local filesystem settings.
type LocalConfig struct {
	// BasePath is the directory objects are stored under. Created if missing.
	BasePath string `json:"basePath,omitempty"`
}

// conditionalWrites resolves ConditionalWrites against a backend default.
func (c Config) conditionalWrites(def bool) bool {
	if c.ConditionalWrites == nil {
		return def
	}
	return *c.ConditionalWrites
}

// require returns ErrInvalidConfig naming the first empty field.
func (c Config) require(fields ...string) error {
	for _, f := range fields {
		var v string
		switch f {
		case "serverName":
			v = c.ServerName
		case "bucket":
			v = c.Bucket
		case "endpoint":
			v = c.Endpoint
		case "region":
			v = c.Region
		case "accessKeyID":
			v = c.AccessKeyID
		case "secretAccessKey":
			v = c.SecretAccessKey
		case "azure.accountName":
			v = c.Azure.AccountName
		case "local.basePath":
			v = c.Local.BasePath
		}
		if v == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidConfig, f)
		}
	}
	return nil
}
