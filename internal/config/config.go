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

// Package config provides configuration management for the lager CLI.
package config

import (
	"fmt"
	"os"

	"golang.org/x/time/rate"
	"sigs.k8s.io/yaml"

	"github.com/altairalabs/lager/internal/tracing"
	"github.com/altairalabs/lager/pkg/storage"
)

// Environment variables that override values read from the config file.
const (
	EnvBackend         = "LAGER_BACKEND"
	EnvServerName      = "LAGER_SERVER_NAME"
	EnvBucket          = "LAGER_BUCKET"
	EnvEndpoint        = "LAGER_ENDPOINT"
	EnvRegion          = "LAGER_REGION"
	EnvAccessKeyID     = "LAGER_ACCESS_KEY_ID"
	EnvSecretAccessKey = "LAGER_SECRET_ACCESS_KEY"
	EnvPublicBaseURL   = "LAGER_PUBLIC_BASE_URL"
	EnvLocalBasePath   = "LAGER_LOCAL_BASE_PATH"
)

// Options holds all configuration options for the CLI.
type Options struct {
	// Backend selects the registered storage factory.
	Backend storage.BackendType `json:"backend"`

	// Storage holds the backend construction parameters.
	Storage storage.Config `json:"storage"`

	// Tracing configures the OpenTelemetry exporter.
	Tracing tracing.Config `json:"tracing,omitempty"`

	// LogLevel overrides LOG_LEVEL when set.
	LogLevel string `json:"logLevel,omitempty"`

	// RateLimit caps the request rate sent to the backend.
	RateLimit RateLimit `json:"rateLimit,omitempty"`
}

// RateLimit configures a token bucket in front of the backend.
type RateLimit struct {
	// OpsPerSecond is the sustained request rate. Zero disables limiting.
	OpsPerSecond float64 `json:"opsPerSecond,omitempty"`
	// Burst is the bucket size. Defaults to 1 when limiting is enabled.
	Burst int `json:"burst,omitempty"`
}

// Limiter returns the configured limiter, or nil when limiting is disabled.
func (r RateLimit) Limiter() *rate.Limiter {
	if r.OpsPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(r.OpsPerSecond), max(r.Burst, 1))
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Backend: storage.BackendS3,
		Tracing: tracing.Config{
			ServiceName: "lager",
			SampleRate:  1.0,
		},
	}
}

// Load reads path over DefaultOptions and applies environment overrides.
// An empty path skips the file.
func Load(path string) (Options, error) {
	opts := DefaultOptions()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Options{}, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &opts); err != nil {
			return Options{}, fmt.Errorf("parsing config: %w", err)
		}
	}
	opts.ApplyEnv(os.LookupEnv)
	return opts, nil
}

// ApplyEnv overrides fields whose environment variable is set and non-empty.
func (o *Options) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := lookup(EnvBackend); ok && v != "" {
		o.Backend = storage.BackendType(v)
	}
	set(&o.Storage.ServerName, EnvServerName)
	set(&o.Storage.Bucket, EnvBucket)
	set(&o.Storage.Endpoint, EnvEndpoint)
	set(&o.Storage.Region, EnvRegion)
	set(&o.Storage.AccessKeyID, EnvAccessKeyID)
	set(&o.Storage.SecretAccessKey, EnvSecretAccessKey)
	set(&o.Storage.PublicBaseURL, EnvPublicBaseURL)
	set(&o.Storage.Local.BasePath, EnvLocalBasePath)
}

// Validate checks the fields every backend needs. Backend-specific
// requirements are enforced by the storage constructors.
func (o *Options) Validate() error {
	if o.Backend == "" {
		return fmt.Errorf("backend is required")
	}
	if o.Storage.ServerName == "" {
		return fmt.Errorf("storage.serverName is required")
	}
	if o.Tracing.Enabled && o.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if o.RateLimit.OpsPerSecond < 0 || o.RateLimit.Burst < 0 {
		return fmt.Errorf("rateLimit values must not be negative")
	}
	if o.Tracing.SampleRate < 0 || o.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sampleRate must be between 0 and 1, got %v", o.Tracing.SampleRate)
	}
	return nil
}

// StorageConfig returns the parameters passed to the storage factory.
func (o *Options) StorageConfig() storage.Config {
	return o.Storage
}
